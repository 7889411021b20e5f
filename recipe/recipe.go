package recipe

import (
	"context"
	"math"
	"time"

	"github.com/Noofbiz/adaptune/checkpoint"
	"github.com/Noofbiz/adaptune/metrics"
	"github.com/Noofbiz/adaptune/optim"
	"github.com/Noofbiz/adaptune/schedule"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// State is where the training loop is.
type State int

const (
	EpochLoop State = iota
	WindowAccumulate
	OptimizerStep
	CheckpointEmit
	Done
)

func (s State) String() string {
	switch s {
	case EpochLoop:
		return "EpochLoop"
	case WindowAccumulate:
		return "WindowAccumulate"
	case OptimizerStep:
		return "OptimizerStep"
	case CheckpointEmit:
		return "CheckpointEmit"
	case Done:
		return "Done"
	}
	return "Unknown"
}

// Recipe is a configured training run. Setup builds one from a config; all
// fields are exported so a run can also be assembled by hand.
type Recipe struct {
	Model       Model
	Data        DataSource
	Checkpoints CheckpointSink
	Metrics     metrics.Sink
	Executor    *StepExecutor
	Optimizer   optim.Optimizer

	// Scheduler may be nil, in which case the learning rate stays constant.
	Scheduler optim.Scheduler

	Schedule schedule.Schedule
	Trigger  CheckpointTrigger
	Progress checkpoint.TrainingProgress

	// ClipGradNorm clips the adapter gradients; nil only measures their norm.
	ClipGradNorm           *float64
	LogEveryNSteps         int
	LogPeakMemoryStats     bool
	SaveAdapterWeightsOnly bool

	state  State
	window *Window
}

// State is the current state of the training loop.
func (r *Recipe) State() State { return r.state }

func (r *Recipe) setState(s State) {
	if r.state != s {
		klog.V(2).Infof("recipe: %s -> %s", r.state, s)
	}
	r.state = s
}

// Train runs the remaining epochs and writes the final checkpoint. ctx is
// only checked between epochs.
func (r *Recipe) Train(ctx context.Context) error {
	if r.window == nil {
		r.window = NewWindow()
	}
	if r.LogEveryNSteps <= 0 {
		r.LogEveryNSteps = 1
	}
	r.setState(EpochLoop)

	// the epoch the final checkpoint is attributed to if nothing is left to run
	lastEpoch := r.Progress.TotalEpochs - 1
	for epoch := r.Progress.EpochsRun; epoch < r.Progress.TotalEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return errors.WithMessagef(err, "training interrupted before epoch %d", epoch)
		}
		r.setState(EpochLoop)
		lastEpoch = epoch
		if err := r.runEpoch(epoch); err != nil {
			return errors.WithMessagef(err, "epoch %d", epoch)
		}
		r.Progress.EpochsRun++
	}

	r.setState(CheckpointEmit)
	if err := r.save(lastEpoch, true); err != nil {
		return err
	}
	r.setState(Done)
	return nil
}

func (r *Recipe) runEpoch(epoch int) error {
	r.Data.SetEpoch(epoch)
	accum := max(r.Executor.Accum, 1)

	// a loader restored mid epoch resumes after the batches it already yielded
	idx := r.Data.State().Yielded
	t0 := time.Now()
	for b, err := range r.Data.Batches() {
		if err != nil {
			return err
		}
		r.setState(WindowAccumulate)
		if _, err := r.Executor.Run(b, r.window); err != nil {
			return errors.WithMessagef(err, "microbatch %d", idx)
		}

		if r.window.ShouldStep(idx, accum) {
			r.setState(OptimizerStep)
			if err := r.step(epoch, time.Since(t0)); err != nil {
				return err
			}
			t0 = time.Now()
		}

		if m := r.Progress.MaxStepsPerEpoch; m != nil && (idx+1)/accum == *m {
			break
		}
		idx++
	}
	return nil
}

func (r *Recipe) step(epoch int, elapsed time.Duration) error {
	params := r.Model.TrainableParams()
	if r.Executor.Composer.Normalization() == RescaleByTokens && r.window.Tokens() > 0 {
		optim.ScaleGrads(params, 1/float64(r.window.Tokens()))
	}
	maxNorm := math.Inf(1)
	if r.ClipGradNorm != nil {
		maxNorm = *r.ClipGradNorm
	}
	gradNorm := optim.ClipGradNorm(params, maxNorm)

	if err := r.Optimizer.Step(); err != nil {
		return errors.WithMessagef(err, "optimizer step %d", r.Progress.GlobalStep+1)
	}
	r.Optimizer.ZeroGrad()
	if r.Scheduler != nil {
		r.Scheduler.Step()
	}
	r.Progress.GlobalStep++

	values := r.window.Finalize()
	tokens := r.window.Tokens()
	r.window.Reset()

	klog.V(1).Infof("%d|%d|Loss: %.6f", epoch+1, r.Progress.GlobalStep, values["loss"])
	if r.Progress.GlobalStep%r.LogEveryNSteps == 0 {
		values["lr"] = r.Optimizer.LR()
		values["grad_norm"] = gradNorm
		if s := elapsed.Seconds(); s > 0 {
			values["tokens_per_second_per_gpu"] = float64(tokens) / s
			klog.V(1).Infof("step %d: %s tokens/s", r.Progress.GlobalStep, humanize.SIWithDigits(float64(tokens)/s, 1, ""))
		}
		if r.LogPeakMemoryStats {
			for k, v := range memoryStats() {
				values[k] = v
			}
		}
		r.Metrics.LogDict(r.Progress.GlobalStep, values)
	}

	if r.Trigger.ShouldSave(r.Progress.GlobalStep, epoch) {
		r.setState(CheckpointEmit)
		if err := r.save(epoch, false); err != nil {
			return err
		}
	}
	return nil
}

// save writes a checkpoint for epoch. Intermediate checkpoints carry the
// optimizer and recipe state; the full one carries the merged model unless
// only adapter weights were asked for.
func (r *Recipe) save(epoch int, full bool) error {
	p := r.Progress
	p.EpochsRun = r.Trigger.EpochsRun(p.GlobalStep, epoch)
	p.DataloaderState = r.Data.State()

	req := checkpoint.SaveRequest{
		Dir:           r.Schedule.DirName(epoch, p.GlobalStep),
		Epoch:         epoch,
		Full:          full,
		Adapter:       r.Model.AdapterStateDict(),
		AdapterConfig: r.Model.AdapterConfig(),
		Progress:      p,
	}
	if full && !r.SaveAdapterWeightsOnly {
		req.Merged = r.Model.MergedStateDict()
	}
	if !full {
		st := r.Optimizer.StateDict()
		req.Optimizer = &st
	}
	return errors.WithMessagef(r.Checkpoints.Save(req), "saving checkpoint %s", req.Dir)
}

// Close flushes and closes the metric sinks.
func (r *Recipe) Close() error {
	if r.Metrics == nil {
		return nil
	}
	return r.Metrics.Close()
}
