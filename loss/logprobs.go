package loss

import "github.com/pkg/errors"

// BatchLogProbs returns, for every row, the sum of log p(labels[t+1] | logits[t])
// over the positions whose shifted label is not ignore.
func BatchLogProbs(logits [][][]float32, labels [][]int32, ignore int32) ([]float64, error) {
	if err := checkShapes(logits, labels); err != nil {
		return nil, err
	}
	out := make([]float64, len(logits))
	var probs []float64
	for b := range logits {
		for t := 0; t+1 < len(logits[b]); t++ {
			label := labels[b][t+1]
			if label == ignore {
				continue
			}
			z := logits[b][t]
			if label < 0 || int(label) >= len(z) {
				return nil, errors.Errorf("label %d at [%d,%d] outside vocabulary of %d", label, b, t+1, len(z))
			}
			if cap(probs) < len(z) {
				probs = make([]float64, len(z))
			}
			probs = probs[:len(z)]
			lse := softmaxInto(z, probs)
			out[b] += float64(z[label]) - lse
		}
	}
	return out, nil
}

// BatchLogProbsGrad returns the gradient of sum_b coef[b]*logp[b] with respect
// to the logits, where logp is what BatchLogProbs computes.
func BatchLogProbsGrad(logits [][][]float32, labels [][]int32, ignore int32, coef []float64) ([][][]float32, error) {
	if err := checkShapes(logits, labels); err != nil {
		return nil, err
	}
	if len(coef) != len(logits) {
		return nil, errors.Errorf("got %d coefficients for %d rows", len(coef), len(logits))
	}
	grad := NewGrad(logits)
	var probs []float64
	for b := range logits {
		if coef[b] == 0 {
			continue
		}
		for t := 0; t+1 < len(logits[b]); t++ {
			label := labels[b][t+1]
			if label == ignore {
				continue
			}
			z := logits[b][t]
			if label < 0 || int(label) >= len(z) {
				return nil, errors.Errorf("label %d at [%d,%d] outside vocabulary of %d", label, b, t+1, len(z))
			}
			if cap(probs) < len(z) {
				probs = make([]float64, len(z))
			}
			probs = probs[:len(z)]
			softmaxInto(z, probs)
			g := grad[b][t]
			for v := range g {
				g[v] = float32(-coef[b] * probs[v])
			}
			g[label] += float32(coef[b])
		}
	}
	return grad, nil
}

// MeanLogits is the mean over every logit of the given rows, used only for
// logging.
func MeanLogits(logits [][][]float32, rows []int) float64 {
	var sum float64
	var n int
	for _, b := range rows {
		for _, z := range logits[b] {
			for _, v := range z {
				sum += float64(v)
			}
			n += len(z)
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
