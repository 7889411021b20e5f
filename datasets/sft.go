package datasets

import (
	"encoding/json"

	"github.com/Noofbiz/adaptune/loss"
	"github.com/pkg/errors"
)

// Example is one supervised sequence with labels aligned to positions.
type Example struct {
	Tokens []int32 `json:"tokens"`
	Labels []int32 `json:"labels,omitempty"`
}

// ShiftedLabels returns tokens shifted left by one, with the last position
// ignored.
func ShiftedLabels(tokens []int32) []int32 {
	labels := make([]int32, len(tokens))
	if len(tokens) == 0 {
		return labels
	}
	copy(labels, tokens[1:])
	labels[len(labels)-1] = loss.IgnoreIndex
	return labels
}

// SFTDataset lazily reads supervised examples from a JSONL file.
type SFTDataset struct {
	Path      string
	MaxSeqLen int

	index *jsonlIndex
}

// NewSFTDataset indexes the JSONL file at path. Sequences longer than
// maxSeqLen are truncated; zero keeps them whole.
func NewSFTDataset(path string, maxSeqLen int) (*SFTDataset, error) {
	idx, err := indexJSONL(path)
	if err != nil {
		return nil, err
	}
	if idx.Len() == 0 {
		return nil, errors.Errorf("no examples in %s", path)
	}
	return &SFTDataset{Path: path, MaxSeqLen: maxSeqLen, index: idx}, nil
}

func (d *SFTDataset) Len() int { return d.index.Len() }

func (d *SFTDataset) Name() string { return "SFTDataset" }

// Examples reads the examples at indices.
func (d *SFTDataset) Examples(indices []int) ([]Example, error) {
	out := make([]Example, len(indices))
	err := d.index.decode(indices, func(pos int, dec *json.Decoder) error {
		var ex Example
		if err := dec.Decode(&ex); err != nil {
			return err
		}
		if len(ex.Tokens) == 0 {
			return errors.New("empty token sequence")
		}
		if ex.Labels == nil {
			ex.Labels = ShiftedLabels(ex.Tokens)
		}
		if len(ex.Labels) != len(ex.Tokens) {
			return errors.Errorf("%d labels for %d tokens", len(ex.Labels), len(ex.Tokens))
		}
		ex.Tokens = truncate(ex.Tokens, d.MaxSeqLen)
		ex.Labels = truncate(ex.Labels, d.MaxSeqLen)
		out[pos] = ex
		return nil
	})
	return out, err
}

// Collate reads and right pads the examples at indices.
func (d *SFTDataset) Collate(indices []int) (*Batch, error) {
	exs, err := d.Examples(indices)
	if err != nil {
		return nil, err
	}
	tokens := make([][]int32, len(exs))
	labels := make([][]int32, len(exs))
	for i, ex := range exs {
		tokens[i], labels[i] = ex.Tokens, ex.Labels
	}
	return newBatch(padRows(tokens, PadID), padRows(labels, loss.IgnoreIndex), nil, nil, false), nil
}
