package datasets

// This package provides the token datasets the fine-tuning recipes train on
// and the loader that turns them into batches of gomlx tensors.
//
// Datasets use lazy loading: they index the byte offset of every JSONL line
// when opened and only decode the lines a batch needs.
//
// Layout and intended usage:
//
// SFTDataset
//   - One JSON object per line: {"tokens":[...], "labels":[...]}
//   - "labels" is optional; it defaults to the tokens shifted left by one
//     with an ignored last position, so labels[t] is the target of position t.
//
// PreferenceDataset
//   - One JSON object per line: {"chosen":[...], "rejected":[...], "prompt_len":n}
//   - Labels are the unshifted tokens with the first prompt_len positions
//     ignored; the log-probability helpers shift them.
//   - A batch of k pairs has 2k rows: the k chosen rows, then the k rejected.
//
// PackedDataset
//   - Greedily packs SFT examples into fixed length rows, with a block causal
//     attention mask and per-document positions.
//
// Loader
//   - Batches a Collatable dataset in sampler order, dropping the last
//     incomplete batch, and can resume mid-epoch from a LoaderState.
//   - Also implements gomlx's train.Dataset (Name, Yield, Reset).

// Collatable is a dataset whose examples can be merged into a Batch.
type Collatable interface {
	Len() int
	Collate(indices []int) (*Batch, error)
}

// Padding token id used by collation.
const PadID int32 = 0
