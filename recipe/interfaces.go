// Package recipe is the training state machine: it composes losses over
// microbatches, accumulates gradients over a window, steps the optimizer and
// the learning rate schedule, and decides when to checkpoint.
//
// A Recipe is assembled by Setup from a config.Config, or by hand from any
// implementations of the interfaces below.
package recipe

import (
	"iter"

	"github.com/Noofbiz/adaptune/checkpoint"
	"github.com/Noofbiz/adaptune/datasets"
	"github.com/Noofbiz/adaptune/model"
)

// Model is the adapted model being trained.
type Model interface {
	Forward(in model.Input) (*model.Output, error)
	Backward(out *model.Output, dLogits [][][]float32, scale float64) error
	TrainableParams() []*model.Param
	ZeroGrad()

	// WithAdaptersDisabled runs fn on the base model alone. The adapters are
	// back on when it returns, even if fn panics.
	WithAdaptersDisabled(fn func() error) error

	StateDict() model.Weights
	AdapterStateDict() model.Weights
	MergedStateDict() model.Weights
	AdapterConfig() model.AdapterConfig
	LoadStateDict(w model.Weights) (missing, unexpected []string, err error)

	SetNumOutputChunks(n int)
	NumOutputChunks() int
}

// Teacher is a frozen model only used for inference.
type Teacher interface {
	Forward(in model.Input) (*model.Output, error)
	SetNumOutputChunks(n int)
	NumOutputChunks() int
}

// DataSource yields the microbatches of an epoch and can save and restore
// its position within it.
type DataSource interface {
	// Len is the number of microbatches per epoch.
	Len() int
	SetEpoch(e int)
	Batches() iter.Seq2[*datasets.Batch, error]
	State() datasets.LoaderState
	LoadState(st datasets.LoaderState)
}

// CheckpointSink persists checkpoints. Save failures are *checkpoint.IOError.
type CheckpointSink interface {
	Save(req checkpoint.SaveRequest) error
	LoadBase() (checkpoint.StateDict, error)
}
