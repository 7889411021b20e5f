// Package checkpoint saves and loads training checkpoints: model and adapter
// weights plus the recipe state needed to resume a run.
package checkpoint

import (
	"encoding/gob"

	"github.com/Noofbiz/adaptune/datasets"
	"github.com/Noofbiz/adaptune/model"
	"github.com/Noofbiz/adaptune/optim"
	"github.com/pkg/errors"
)

// State dict keys.
const (
	ModelKey         = "model"
	AdapterKey       = "adapter"
	OptimizerKey     = "optimizer"
	SeedKey          = "seed"
	EpochsRunKey     = "epochs_run"
	TotalEpochsKey   = "total_epochs"
	MaxStepsKey      = "max_steps_per_epoch"
	StepsRunKey      = "steps_run"
	DataloaderKey    = "dataloader"
	AdapterConfigKey = "adapter_config"
)

// RecipeKeys are the keys a resumable checkpoint must carry.
var RecipeKeys = []string{SeedKey, EpochsRunKey, TotalEpochsKey, MaxStepsKey}

// ErrMissingKey is wrapped by every lookup of an absent key.
var ErrMissingKey = errors.New("missing key in checkpoint")

// OptionalInt is an int that may be unset, storable in a StateDict.
type OptionalInt struct {
	Set   bool
	Value int
}

// Ptr returns nil when unset.
func (o OptionalInt) Ptr() *int {
	if !o.Set {
		return nil
	}
	v := o.Value
	return &v
}

func optionalOf(p *int) OptionalInt {
	if p == nil {
		return OptionalInt{}
	}
	return OptionalInt{Set: true, Value: *p}
}

func init() {
	gob.Register(model.Weights{})
	gob.Register(optim.State{})
	gob.Register(datasets.LoaderState{})
	gob.Register(OptionalInt{})
}

// StateDict is a checkpoint's content by key.
type StateDict map[string]any

func lookup[T any](sd StateDict, key string) (T, error) {
	var zero T
	v, ok := sd[key]
	if !ok {
		return zero, errors.Wrapf(ErrMissingKey, "%q", key)
	}
	t, ok := v.(T)
	if !ok {
		return zero, errors.Errorf("checkpoint key %q holds %T, want %T", key, v, zero)
	}
	return t, nil
}

func (sd StateDict) Has(key string) bool {
	_, ok := sd[key]
	return ok
}

func (sd StateDict) Int(key string) (int, error)              { return lookup[int](sd, key) }
func (sd StateDict) Int64(key string) (int64, error)          { return lookup[int64](sd, key) }
func (sd StateDict) Optional(key string) (OptionalInt, error) { return lookup[OptionalInt](sd, key) }
func (sd StateDict) Weights(key string) (model.Weights, error) {
	return lookup[model.Weights](sd, key)
}
func (sd StateDict) Optimizer() (optim.State, error) { return lookup[optim.State](sd, OptimizerKey) }
func (sd StateDict) Dataloader() (datasets.LoaderState, error) {
	return lookup[datasets.LoaderState](sd, DataloaderKey)
}

// TrainingProgress is the resumable bookkeeping of a run.
type TrainingProgress struct {
	Seed             int64
	EpochsRun        int
	TotalEpochs      int
	MaxStepsPerEpoch *int
	GlobalStep       int
	DataloaderState  datasets.LoaderState
}

// StateDict returns the recipe keys of p.
func (p TrainingProgress) StateDict() StateDict {
	return StateDict{
		SeedKey:        p.Seed,
		EpochsRunKey:   p.EpochsRun,
		TotalEpochsKey: p.TotalEpochs,
		MaxStepsKey:    optionalOf(p.MaxStepsPerEpoch),
		StepsRunKey:    p.GlobalStep,
		DataloaderKey:  p.DataloaderState,
	}
}
