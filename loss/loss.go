// Package loss holds the loss functions used by the fine-tuning recipes.
//
// Every loss works on plain logits laid out as [batch][seq][vocab] and returns
// both its scalar value and the gradient of that value with respect to the
// logits, so the model only has to back-propagate a logits gradient.
package loss

import (
	"math"

	"github.com/pkg/errors"
)

// IgnoreIndex is the label value excluded from every token-level loss.
const IgnoreIndex int32 = -100

// Type tags used by the factories.
const (
	TypeCrossEntropy       = "cross_entropy"
	TypeLinearCrossEntropy = "linear_cross_entropy"
	TypeForwardKL          = "forward_kl"
	TypeDPO                = "dpo"
	TypeIPO                = "ipo"
)

// ErrUnknownType is returned by the factories for an unrecognized tag.
var ErrUnknownType = errors.New("unknown loss type")

// TokenLoss is a loss over individual label positions.
type TokenLoss interface {
	// NumOutputChunks is the number of sequence chunks the loss iterates over.
	NumOutputChunks() int
	Ignore() int32
}

// Config selects and parameterizes a token level loss.
type Config struct {
	Type             string
	NumOutputChunks  int
	IgnoreIndex      int32
	LinearProjection bool
}

// NewTaskLoss builds the task (supervised) loss from its config.
func NewTaskLoss(cfg Config) (*CrossEntropy, error) {
	switch cfg.Type {
	case TypeCrossEntropy, "":
		return &CrossEntropy{Chunks: chunksOrOne(cfg.NumOutputChunks), IgnoreIdx: cfg.IgnoreIndex}, nil
	case TypeLinearCrossEntropy:
		return &CrossEntropy{Chunks: chunksOrOne(cfg.NumOutputChunks), IgnoreIdx: cfg.IgnoreIndex, LinearProjection: true}, nil
	}
	return nil, errors.Wrapf(ErrUnknownType, "task loss %q", cfg.Type)
}

// NewDistillLoss builds the teacher matching loss from its config.
func NewDistillLoss(cfg Config) (*ForwardKL, error) {
	switch cfg.Type {
	case TypeForwardKL, "":
		return &ForwardKL{Chunks: chunksOrOne(cfg.NumOutputChunks), IgnoreIdx: cfg.IgnoreIndex}, nil
	}
	return nil, errors.Wrapf(ErrUnknownType, "distillation loss %q", cfg.Type)
}

func chunksOrOne(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// ChunkBounds splits seqLen positions into n contiguous ranges the same way
// the model splits its output: every chunk has ceil(seqLen/n) positions except
// possibly the last ones, and empty chunks are dropped.
func ChunkBounds(seqLen, n int) [][2]int {
	if n <= 1 || seqLen == 0 {
		return [][2]int{{0, seqLen}}
	}
	size := (seqLen + n - 1) / n
	bounds := make([][2]int, 0, n)
	for start := 0; start < seqLen; start += size {
		end := start + size
		if end > seqLen {
			end = seqLen
		}
		bounds = append(bounds, [2]int{start, end})
	}
	return bounds
}

// NewGrad allocates a zero gradient with the same layout as logits.
func NewGrad(logits [][][]float32) [][][]float32 {
	grad := make([][][]float32, len(logits))
	for b := range logits {
		grad[b] = make([][]float32, len(logits[b]))
		for t := range logits[b] {
			grad[b][t] = make([]float32, len(logits[b][t]))
		}
	}
	return grad
}

// softmaxInto writes softmax(z) into out and returns log(sum(exp(z))).
func softmaxInto(z []float32, out []float64) float64 {
	maxV := math.Inf(-1)
	for _, v := range z {
		if float64(v) > maxV {
			maxV = float64(v)
		}
	}
	var sum float64
	for i, v := range z {
		e := math.Exp(float64(v) - maxV)
		out[i] = e
		sum += e
	}
	for i := range out {
		out[i] /= sum
	}
	return maxV + math.Log(sum)
}

// CountValid returns the number of labels different from ignore.
func CountValid(labels [][]int32, ignore int32) int {
	n := 0
	for _, row := range labels {
		for _, l := range row {
			if l != ignore {
				n++
			}
		}
	}
	return n
}

func checkShapes(logits [][][]float32, labels [][]int32) error {
	if len(logits) != len(labels) {
		return errors.Errorf("logits batch %d does not match labels batch %d", len(logits), len(labels))
	}
	for b := range logits {
		if len(logits[b]) != len(labels[b]) {
			return errors.Errorf("row %d: logits length %d does not match labels length %d", b, len(logits[b]), len(labels[b]))
		}
	}
	return nil
}
