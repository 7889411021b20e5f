package datasets

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Batch is one microbatch as gomlx tensors. Mask and InputPos are only set
// for packed data. A Paired batch holds preference pairs: the first half of
// the rows are chosen responses, the second half the rejected ones.
type Batch struct {
	Tokens   *tensors.Tensor // int32 [b, s]
	Labels   *tensors.Tensor // int32 [b, s]
	Mask     *tensors.Tensor // bool [b, s, s]
	InputPos *tensors.Tensor // int32 [b, s]
	Paired   bool
}

// newBatch builds the tensors of a batch from rectangular rows.
func newBatch(tokens, labels [][]int32, mask [][][]bool, pos [][]int32, paired bool) *Batch {
	b := &Batch{
		Tokens: tensors.FromAnyValue(tokens),
		Labels: tensors.FromAnyValue(labels),
		Paired: paired,
	}
	if mask != nil {
		b.Mask = tensors.FromAnyValue(mask)
	}
	if pos != nil {
		b.InputPos = tensors.FromAnyValue(pos)
	}
	return b
}

// Rows is the batch dimension.
func (b *Batch) Rows() int { return b.Tokens.Shape().Dimensions[0] }

// SeqLen is the padded sequence length.
func (b *Batch) SeqLen() int { return b.Tokens.Shape().Dimensions[1] }

// NumTokens is the number of token slots in the batch, padding included.
func (b *Batch) NumTokens() int { return b.Rows() * b.SeqLen() }

func (b *Batch) TokenIDs() ([][]int32, error) { return int32Rows(b.Tokens, "tokens") }
func (b *Batch) LabelIDs() ([][]int32, error) { return int32Rows(b.Labels, "labels") }

// Positions returns the input positions, or nil if the batch has none.
func (b *Batch) Positions() ([][]int32, error) {
	if b.InputPos == nil {
		return nil, nil
	}
	return int32Rows(b.InputPos, "input_pos")
}

// AttentionMask returns the attention mask, or nil if the batch has none.
func (b *Batch) AttentionMask() ([][][]bool, error) {
	if b.Mask == nil {
		return nil, nil
	}
	v, ok := b.Mask.Value().([][][]bool)
	if !ok {
		return nil, errors.Errorf("mask tensor holds %T, want [][][]bool", b.Mask.Value())
	}
	return v, nil
}

// NumLabelTokens counts the labels different from ignore.
func (b *Batch) NumLabelTokens(ignore int32) (int, error) {
	labels, err := b.LabelIDs()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, row := range labels {
		for _, l := range row {
			if l != ignore {
				n++
			}
		}
	}
	return n, nil
}

// Release frees the tensors of the batch. The batch can't be used after.
// Releasing twice is a no-op.
func (b *Batch) Release() {
	for _, t := range []*tensors.Tensor{b.Tokens, b.Labels, b.Mask, b.InputPos} {
		if t != nil {
			t.FinalizeAll()
		}
	}
	b.Tokens, b.Labels, b.Mask, b.InputPos = nil, nil, nil, nil
}

func int32Rows(t *tensors.Tensor, name string) ([][]int32, error) {
	if t == nil {
		return nil, errors.Errorf("batch has no %s", name)
	}
	v, ok := t.Value().([][]int32)
	if !ok {
		return nil, errors.Errorf("%s tensor holds %T, want [][]int32", name, t.Value())
	}
	return v, nil
}

// padRows right pads every row to the longest one.
func padRows(rows [][]int32, pad int32) [][]int32 {
	width := 0
	for _, r := range rows {
		width = max(width, len(r))
	}
	out := make([][]int32, len(rows))
	for i, r := range rows {
		out[i] = make([]int32, width)
		copy(out[i], r)
		for j := len(r); j < width; j++ {
			out[i][j] = pad
		}
	}
	return out
}
