package recipe

import (
	"fmt"

	"github.com/Noofbiz/adaptune/checkpoint"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrAdapterWeightsMissing is returned when resuming from a checkpoint that
// has no adapter weights.
var ErrAdapterWeightsMissing = errors.New("checkpoint has no adapter weights to resume from")

// CheckpointIntegrityError is a recipe checkpoint lacking a key needed to
// resume.
type CheckpointIntegrityError struct {
	Key string
	Err error
}

func (e *CheckpointIntegrityError) Error() string {
	return fmt.Sprintf("checkpoint does not contain %q, needed to update the recipe state; is it the right recipe checkpoint? (%v)", e.Key, e.Err)
}

func (e *CheckpointIntegrityError) Unwrap() error { return e.Err }

// ResumeMismatch is a configured value that differs from the checkpoint's.
type ResumeMismatch struct {
	Key        string
	Config     any
	Checkpoint any

	// UsedCheckpoint tells which of the two values the run continues with.
	UsedCheckpoint bool
}

func (m ResumeMismatch) String() string {
	used := "config"
	if m.UsedCheckpoint {
		used = "checkpoint"
	}
	return fmt.Sprintf("config value for %s (%v) does not match the checkpoint value (%v), using the %s value", m.Key, m.Config, m.Checkpoint, used)
}

func display(p *int) any {
	if p == nil {
		return "unset"
	}
	return *p
}

func sameOptional(p *int, o checkpoint.OptionalInt) bool {
	if p == nil || !o.Set {
		return p == nil && !o.Set
	}
	return *p == o.Value
}

// Reconcile updates p, built from the config, with the recipe state of a
// checkpoint. Epochs run and the global step always come from the
// checkpoint. The seed and max steps per epoch are taken from the checkpoint
// on mismatch; the total epochs of the config win. Every mismatch is logged
// as a warning and returned.
func Reconcile(p *checkpoint.TrainingProgress, sd checkpoint.StateDict) ([]ResumeMismatch, error) {
	integrity := func(key string, err error) error {
		return &CheckpointIntegrityError{Key: key, Err: err}
	}
	epochsRun, err := sd.Int(checkpoint.EpochsRunKey)
	if err != nil {
		return nil, integrity(checkpoint.EpochsRunKey, err)
	}
	step, err := sd.Int(checkpoint.StepsRunKey)
	if err != nil {
		return nil, integrity(checkpoint.StepsRunKey, err)
	}
	seed, err := sd.Int64(checkpoint.SeedKey)
	if err != nil {
		return nil, integrity(checkpoint.SeedKey, err)
	}
	maxSteps, err := sd.Optional(checkpoint.MaxStepsKey)
	if err != nil {
		return nil, integrity(checkpoint.MaxStepsKey, err)
	}
	total, err := sd.Int(checkpoint.TotalEpochsKey)
	if err != nil {
		return nil, integrity(checkpoint.TotalEpochsKey, err)
	}

	var mismatches []ResumeMismatch
	if p.Seed != seed {
		mismatches = append(mismatches, ResumeMismatch{Key: checkpoint.SeedKey, Config: p.Seed, Checkpoint: seed, UsedCheckpoint: true})
		p.Seed = seed
	}
	if !sameOptional(p.MaxStepsPerEpoch, maxSteps) {
		mismatches = append(mismatches, ResumeMismatch{
			Key: checkpoint.MaxStepsKey, Config: display(p.MaxStepsPerEpoch), Checkpoint: display(maxSteps.Ptr()), UsedCheckpoint: true,
		})
		p.MaxStepsPerEpoch = maxSteps.Ptr()
	}
	if p.TotalEpochs != total {
		mismatches = append(mismatches, ResumeMismatch{Key: checkpoint.TotalEpochsKey, Config: p.TotalEpochs, Checkpoint: total})
	}
	for _, m := range mismatches {
		klog.Warningf("%s", m)
	}

	p.EpochsRun = epochsRun
	p.GlobalStep = step
	if sd.Has(checkpoint.DataloaderKey) {
		st, err := sd.Dataloader()
		if err != nil {
			return nil, integrity(checkpoint.DataloaderKey, err)
		}
		p.DataloaderState = st
	}
	return mismatches, nil
}
