package loss

import (
	"math"

	"github.com/pkg/errors"
)

// ForwardKL is the distillation loss: the cross-entropy of the student
// distribution under the teacher distribution, averaged over positions with a
// valid label. The teacher entropy term is constant for the student and left
// out, so the value matches KL(teacher||student) up to that constant.
type ForwardKL struct {
	Chunks    int
	IgnoreIdx int32
}

func (l *ForwardKL) NumOutputChunks() int { return l.Chunks }
func (l *ForwardKL) Ignore() int32        { return l.IgnoreIdx }

// Compute returns the loss and its gradient w.r.t. the student logits. The
// teacher logits get no gradient.
func (l *ForwardKL) Compute(student, teacher [][][]float32, labels [][]int32) (float64, [][][]float32, error) {
	if err := checkShapes(student, labels); err != nil {
		return 0, nil, err
	}
	if err := checkShapes(teacher, labels); err != nil {
		return 0, nil, errors.WithMessage(err, "teacher logits")
	}
	grad := NewGrad(student)
	count := CountValid(labels, l.IgnoreIdx)
	if count == 0 {
		return 0, grad, nil
	}
	inv := 1.0 / float64(count)

	var total float64
	var p, q []float64
	for b := range student {
		for _, bound := range ChunkBounds(len(student[b]), l.Chunks) {
			for t := bound[0]; t < bound[1]; t++ {
				if labels[b][t] == l.IgnoreIdx {
					continue
				}
				zs, zt := student[b][t], teacher[b][t]
				if len(zs) != len(zt) {
					return 0, nil, errors.Errorf("vocab mismatch at [%d,%d]: student %d teacher %d", b, t, len(zs), len(zt))
				}
				if cap(p) < len(zs) {
					p = make([]float64, len(zs))
					q = make([]float64, len(zs))
				}
				p, q = p[:len(zs)], q[:len(zs)]
				softmaxInto(zt, p)
				lse := softmaxInto(zs, q)

				var x float64
				g := grad[b][t]
				for v := range zs {
					logq := float64(zs[v]) - lse
					if !math.IsInf(logq, 0) {
						x += p[v] * logq
					}
					g[v] = float32((q[v] - p[v]) * inv)
				}
				total -= x
			}
		}
	}
	return total * inv, grad, nil
}
