package recipe

import (
	"github.com/Noofbiz/adaptune/datasets"
	"github.com/Noofbiz/adaptune/model"
	"github.com/pkg/errors"
)

// Device moves a microbatch to where the model runs.
type Device interface {
	Place(b *datasets.Batch) (*Microbatch, error)
}

// Host is the CPU device: placing a batch reads its tensors into Go slices.
type Host struct{}

func (Host) Place(b *datasets.Batch) (*Microbatch, error) {
	tokens, err := b.TokenIDs()
	if err != nil {
		return nil, err
	}
	labels, err := b.LabelIDs()
	if err != nil {
		return nil, err
	}
	mask, err := b.AttentionMask()
	if err != nil {
		return nil, err
	}
	pos, err := b.Positions()
	if err != nil {
		return nil, err
	}
	return &Microbatch{
		Input:  model.Input{Tokens: tokens, Mask: mask, Positions: pos},
		Labels: labels,
		Paired: b.Paired,
	}, nil
}

// StepExecutor runs the forward and backward pass of one microbatch and
// records its stats in the accumulation window. It never touches the
// optimizer.
type StepExecutor struct {
	Device   Device
	Composer Composer

	// Accum is the number of microbatches per optimizer step.
	Accum int
}

// Run composes the loss of b, adds it to w and backpropagates it with the
// composer's normalization. b is released before Run returns.
func (e *StepExecutor) Run(b *datasets.Batch, w *Window) (*Result, error) {
	defer b.Release()
	mb, err := e.Device.Place(b)
	if err != nil {
		return nil, errors.WithMessage(err, "placing batch")
	}
	res, err := e.Composer.Compose(mb)
	if err != nil {
		return nil, err
	}
	w.Add(Stats{Values: res.Components, Tokens: res.Tokens})

	scale := float64(res.Tokens)
	if e.Composer.Normalization() == PreDivide {
		scale = 1 / float64(max(e.Accum, 1))
	}
	if err := res.Backward(scale); err != nil {
		return nil, errors.WithMessage(err, "backward")
	}
	return res, nil
}
