// Package schedule derives the step/epoch layout of a training run from the
// size of the data source and the gradient accumulation factor.
package schedule

import "fmt"

// PrefixKind tags checkpoint directories either by epoch or by global step.
type PrefixKind string

const (
	PrefixEpoch PrefixKind = "epoch"
	PrefixStep  PrefixKind = "step"
)

// Inputs are the values a schedule is derived from. All of them are validated
// by the config package before they get here; Compute does no checking.
type Inputs struct {
	// DataSourceLength is the number of batches the loader yields per epoch.
	DataSourceLength int

	// GradientAccumulationSteps is the number of microbatches per optimizer step.
	GradientAccumulationSteps int

	// MaxStepsPerEpoch optionally caps the optimizer steps of an epoch.
	MaxStepsPerEpoch *int

	// SaveEveryNSteps optionally sets a step based checkpoint cadence.
	SaveEveryNSteps *int

	// EpochsRun and GlobalStep are the (possibly resumed) progress counters.
	EpochsRun  int
	GlobalStep int

	TotalEpochs int
}

// Schedule is computed once during setup and is read-only afterwards.
type Schedule struct {
	StepsPerEpoch   int
	CheckpointEvery int
	Prefix          PrefixKind

	// GlobalStep is the step counter the run starts from. It differs from
	// Inputs.GlobalStep only when a step cap shortened the epoch.
	GlobalStep int

	// TotalSteps is TotalEpochs*StepsPerEpoch, used to size LR schedules.
	TotalSteps int
}

// Compute derives the schedule.
//
// When MaxStepsPerEpoch is set and smaller than the natural steps per epoch
// the global step is recomputed as EpochsRun*StepsPerEpoch, discarding any
// other resumed value so a truncated schedule lines up with the epoch count.
func Compute(in Inputs) Schedule {
	s := Schedule{
		StepsPerEpoch: in.DataSourceLength / in.GradientAccumulationSteps,
		GlobalStep:    in.GlobalStep,
	}
	if in.MaxStepsPerEpoch != nil && *in.MaxStepsPerEpoch < s.StepsPerEpoch {
		s.StepsPerEpoch = *in.MaxStepsPerEpoch
		s.GlobalStep = in.EpochsRun * s.StepsPerEpoch
	}

	if in.SaveEveryNSteps == nil {
		s.CheckpointEvery = s.StepsPerEpoch
		s.Prefix = PrefixEpoch
	} else {
		s.CheckpointEvery = *in.SaveEveryNSteps
		s.Prefix = PrefixStep
	}
	s.TotalSteps = in.TotalEpochs * s.StepsPerEpoch
	return s
}

// AtEpochBoundary reports whether step lands exactly on the end of an epoch.
func (s Schedule) AtEpochBoundary(step int) bool {
	if s.StepsPerEpoch == 0 {
		return false
	}
	return step%s.StepsPerEpoch == 0
}

// DirName is the checkpoint directory name for a save at the given epoch and
// global step, e.g. "epoch_0" or "step_200".
func (s Schedule) DirName(epoch, step int) string {
	if s.Prefix == PrefixStep {
		return fmt.Sprintf("%s_%d", PrefixStep, step)
	}
	return fmt.Sprintf("%s_%d", PrefixEpoch, epoch)
}
