package optim

import (
	"math"

	"github.com/pkg/errors"
)

// Scheduler tags.
const (
	SchedCosineWithWarmup   = "cosine_with_warmup"
	SchedConstant           = "constant"
	SchedCosineWarmRestarts = "cosine_warm_restarts"
)

// Scheduler sets the optimizer learning rate as a function of the optimizer
// step count.
type Scheduler interface {
	// Step advances one optimizer step and updates the learning rate.
	Step()
	// CurrentStep is the step the current learning rate was computed for.
	CurrentStep() int
}

// SchedulerConfig selects and parameterizes a scheduler.
type SchedulerConfig struct {
	Type           string
	NumWarmupSteps int
	NumCycles      float64 // cosine_with_warmup, 0.5 if unset
	PeriodSteps    int     // cosine_warm_restarts
	TMult          float64 // cosine_warm_restarts, 1 if unset
}

// LambdaScheduler scales a base learning rate by a multiplier of the step.
type LambdaScheduler struct {
	opt    Optimizer
	baseLR float64
	fn     func(step int) float64
	step   int
}

// NewScheduler builds a scheduler over opt. totalSteps is the number of
// optimizer steps of the whole run; lastStep is the last step already taken
// (-1 for a fresh run), so the learning rate is set for step lastStep+1.
func NewScheduler(cfg SchedulerConfig, opt Optimizer, baseLR float64, totalSteps, lastStep int) (*LambdaScheduler, error) {
	var fn func(int) float64
	switch cfg.Type {
	case SchedCosineWithWarmup:
		cycles := cfg.NumCycles
		if cycles == 0 {
			cycles = 0.5
		}
		fn = CosineWithWarmup(cfg.NumWarmupSteps, totalSteps, cycles)
	case SchedConstant:
		fn = func(int) float64 { return 1 }
	case SchedCosineWarmRestarts:
		tMult := cfg.TMult
		if tMult == 0 {
			tMult = 1
		}
		if cfg.PeriodSteps <= 0 {
			return nil, errors.New("cosine_warm_restarts needs period_steps > 0")
		}
		if tMult < 1 {
			return nil, errors.New("cosine_warm_restarts needs t_mult >= 1")
		}
		fn = CosineWarmRestarts(cfg.PeriodSteps, tMult)
	default:
		return nil, errors.Errorf("unknown lr scheduler %q", cfg.Type)
	}
	s := &LambdaScheduler{opt: opt, baseLR: baseLR, fn: fn, step: lastStep + 1}
	s.apply()
	return s, nil
}

func (s *LambdaScheduler) apply() { s.opt.SetLR(s.baseLR * s.fn(s.step)) }

func (s *LambdaScheduler) Step() {
	s.step++
	s.apply()
}

func (s *LambdaScheduler) CurrentStep() int { return s.step }

// CosineWithWarmup ramps linearly from 0 over warmup steps and then follows a
// cosine over the remaining steps, never going below 0.
func CosineWithWarmup(warmup, total int, cycles float64) func(int) float64 {
	return func(step int) float64 {
		if step < warmup {
			return float64(step) / float64(max(1, warmup))
		}
		progress := float64(step-warmup) / float64(max(1, total-warmup))
		return math.Max(0, 0.5*(1+math.Cos(math.Pi*cycles*2*progress)))
	}
}

// CosineWarmRestarts is SGDR's multiplier 0.5 + 0.5·cos(π·Tcur/Ti), where
// the period Ti starts at period steps and grows by tMult at each restart.
func CosineWarmRestarts(period int, tMult float64) func(int) float64 {
	return func(step int) float64 {
		ti := period
		tcur := step
		for tcur >= ti {
			tcur -= ti
			ti = int(math.Round(float64(ti) * tMult))
			if ti <= 0 {
				ti = 1
			}
		}
		return 0.5 + 0.5*math.Cos(math.Pi*float64(tcur)/float64(ti))
	}
}
