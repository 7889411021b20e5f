package loss

import "github.com/pkg/errors"

// CrossEntropy is the token level task loss, averaged over the positions whose
// label is not the ignore index. Positions are visited chunk by chunk so the
// working buffers never cover more than one chunk of the sequence.
type CrossEntropy struct {
	Chunks    int
	IgnoreIdx int32

	// LinearProjection marks the fused projection+loss variant. The recipes
	// only accept it for plain fine-tuning, never for distillation.
	LinearProjection bool
}

func (l *CrossEntropy) NumOutputChunks() int { return l.Chunks }
func (l *CrossEntropy) Ignore() int32        { return l.IgnoreIdx }

// Compute returns the mean loss and its gradient w.r.t. logits. If no label is
// valid both the loss and the gradient are zero.
func (l *CrossEntropy) Compute(logits [][][]float32, labels [][]int32) (float64, [][][]float32, error) {
	if err := checkShapes(logits, labels); err != nil {
		return 0, nil, err
	}
	grad := NewGrad(logits)
	count := CountValid(labels, l.IgnoreIdx)
	if count == 0 {
		return 0, grad, nil
	}
	inv := 1.0 / float64(count)

	var total float64
	var probs []float64
	for b := range logits {
		for _, bound := range ChunkBounds(len(logits[b]), l.Chunks) {
			for t := bound[0]; t < bound[1]; t++ {
				label := labels[b][t]
				if label == l.IgnoreIdx {
					continue
				}
				z := logits[b][t]
				if label < 0 || int(label) >= len(z) {
					return 0, nil, errors.Errorf("label %d at [%d,%d] outside vocabulary of %d", label, b, t, len(z))
				}
				if cap(probs) < len(z) {
					probs = make([]float64, len(z))
				}
				probs = probs[:len(z)]
				lse := softmaxInto(z, probs)
				total += lse - float64(z[label])

				g := grad[b][t]
				for v := range g {
					g[v] = float32(probs[v] * inv)
				}
				g[label] -= float32(inv)
			}
		}
	}
	return total * inv, grad, nil
}
