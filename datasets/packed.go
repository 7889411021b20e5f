package datasets

import (
	"github.com/Noofbiz/adaptune/loss"
	"github.com/pkg/errors"
)

// pack is one fixed length row holding several documents.
type pack struct {
	tokens []int32
	labels []int32
	pos    []int32
	doc    []int32 // -1 for padding
}

// PackedDataset concatenates SFT examples into rows of exactly MaxSeqLen
// tokens. Documents never span two rows: one that doesn't fit in the current
// row starts the next one, and documents longer than a row are truncated.
type PackedDataset struct {
	MaxSeqLen int
	packs     []pack
}

// NewPackedDataset reads every example of src and packs them in order.
func NewPackedDataset(src *SFTDataset, maxSeqLen int) (*PackedDataset, error) {
	if maxSeqLen <= 0 {
		return nil, errors.New("packing needs max_seq_len > 0")
	}
	indices := make([]int, src.Len())
	for i := range indices {
		indices[i] = i
	}
	exs, err := src.Examples(indices)
	if err != nil {
		return nil, err
	}

	d := &PackedDataset{MaxSeqLen: maxSeqLen}
	var cur pack
	var docID int32
	flush := func() {
		if len(cur.tokens) == 0 {
			return
		}
		for len(cur.tokens) < maxSeqLen {
			cur.tokens = append(cur.tokens, PadID)
			cur.labels = append(cur.labels, loss.IgnoreIndex)
			cur.pos = append(cur.pos, 0)
			cur.doc = append(cur.doc, -1)
		}
		d.packs = append(d.packs, cur)
		cur = pack{}
		docID = 0
	}
	for _, ex := range exs {
		toks, labels := truncate(ex.Tokens, maxSeqLen), truncate(ex.Labels, maxSeqLen)
		if len(cur.tokens)+len(toks) > maxSeqLen {
			flush()
		}
		for i := range toks {
			cur.tokens = append(cur.tokens, toks[i])
			cur.labels = append(cur.labels, labels[i])
			cur.pos = append(cur.pos, int32(i))
			cur.doc = append(cur.doc, docID)
		}
		docID++
	}
	flush()
	return d, nil
}

func (d *PackedDataset) Len() int { return len(d.packs) }

func (d *PackedDataset) Name() string { return "PackedDataset" }

// Collate stacks the packs at indices with their block causal masks: a token
// attends to the earlier tokens of its own document, padding only to itself.
func (d *PackedDataset) Collate(indices []int) (*Batch, error) {
	tokens := make([][]int32, len(indices))
	labels := make([][]int32, len(indices))
	pos := make([][]int32, len(indices))
	mask := make([][][]bool, len(indices))
	for b, i := range indices {
		if i < 0 || i >= len(d.packs) {
			return nil, errors.Errorf("index %d out of range [0, %d)", i, len(d.packs))
		}
		p := d.packs[i]
		tokens[b], labels[b], pos[b] = p.tokens, p.labels, p.pos
		mask[b] = blockCausalMask(p.doc)
	}
	return newBatch(tokens, labels, mask, pos, false), nil
}

func blockCausalMask(doc []int32) [][]bool {
	n := len(doc)
	m := make([][]bool, n)
	for t := range m {
		m[t] = make([]bool, n)
		for j := 0; j <= t; j++ {
			if j == t || (doc[t] >= 0 && doc[j] == doc[t]) {
				m[t][j] = true
			}
		}
	}
	return m
}
