package datasets

import (
	"encoding/json"

	"github.com/Noofbiz/adaptune/loss"
	"github.com/pkg/errors"
)

// PreferencePair is a prompt with a preferred and a dispreferred completion.
// Both sequences start with the same PromptLen prompt tokens.
type PreferencePair struct {
	Chosen    []int32 `json:"chosen"`
	Rejected  []int32 `json:"rejected"`
	PromptLen int     `json:"prompt_len"`
}

// promptMasked returns the labels of a sequence whose first n tokens are
// prompt.
func promptMasked(tokens []int32, n int) []int32 {
	labels := make([]int32, len(tokens))
	for i, tok := range tokens {
		if i < n {
			labels[i] = loss.IgnoreIndex
		} else {
			labels[i] = tok
		}
	}
	return labels
}

// PreferenceDataset lazily reads preference pairs from a JSONL file.
type PreferenceDataset struct {
	Path      string
	MaxSeqLen int

	index *jsonlIndex
}

func NewPreferenceDataset(path string, maxSeqLen int) (*PreferenceDataset, error) {
	idx, err := indexJSONL(path)
	if err != nil {
		return nil, err
	}
	if idx.Len() == 0 {
		return nil, errors.Errorf("no preference pairs in %s", path)
	}
	return &PreferenceDataset{Path: path, MaxSeqLen: maxSeqLen, index: idx}, nil
}

func (d *PreferenceDataset) Len() int { return d.index.Len() }

func (d *PreferenceDataset) Name() string { return "PreferenceDataset" }

// Pairs reads the pairs at indices.
func (d *PreferenceDataset) Pairs(indices []int) ([]PreferencePair, error) {
	out := make([]PreferencePair, len(indices))
	err := d.index.decode(indices, func(pos int, dec *json.Decoder) error {
		var p PreferencePair
		if err := dec.Decode(&p); err != nil {
			return err
		}
		if len(p.Chosen) == 0 || len(p.Rejected) == 0 {
			return errors.New("empty chosen or rejected sequence")
		}
		if p.PromptLen < 0 || p.PromptLen > min(len(p.Chosen), len(p.Rejected)) {
			return errors.Errorf("prompt_len %d out of range", p.PromptLen)
		}
		p.Chosen = truncate(p.Chosen, d.MaxSeqLen)
		p.Rejected = truncate(p.Rejected, d.MaxSeqLen)
		out[pos] = p
		return nil
	})
	return out, err
}

// Collate builds a paired batch: every chosen row, then every rejected row,
// all padded to a common length.
func (d *PreferenceDataset) Collate(indices []int) (*Batch, error) {
	pairs, err := d.Pairs(indices)
	if err != nil {
		return nil, err
	}
	k := len(pairs)
	tokens := make([][]int32, 2*k)
	labels := make([][]int32, 2*k)
	for i, p := range pairs {
		tokens[i], labels[i] = p.Chosen, promptMasked(p.Chosen, p.PromptLen)
		tokens[k+i], labels[k+i] = p.Rejected, promptMasked(p.Rejected, p.PromptLen)
	}
	return newBatch(padRows(tokens, PadID), padRows(labels, loss.IgnoreIndex), nil, nil, true), nil
}
