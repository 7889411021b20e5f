// Package optim holds the optimizers, learning rate schedulers and gradient
// utilities used by the recipes. Optimizers update model.Param buffers in
// place and only touch parameters marked trainable.
package optim

import (
	"math"

	"github.com/Noofbiz/adaptune/model"
	"github.com/pkg/errors"
)

// Optimizer tags.
const (
	TypeAdamW = "adamw"
	TypeSGD   = "sgd"
)

// Optimizer updates a fixed set of parameters from their accumulated
// gradients.
type Optimizer interface {
	Step() error
	ZeroGrad()
	LR() float64
	SetLR(lr float64)
	StateDict() State
	LoadStateDict(st State) error
}

// State is the serializable state of an optimizer. Slots holds per-parameter
// buffers keyed "<param>.<slot>".
type State struct {
	Type  string
	Step  int64
	LR    float64
	Slots map[string][]float64
}

// Config selects and parameterizes an optimizer. Nil AdamW hyperparameters
// take their defaults.
type Config struct {
	Type        string
	LR          float64
	Beta1       *float64
	Beta2       *float64
	Eps         *float64
	WeightDecay float64
	Momentum    float64
}

// NewOptimizer builds the optimizer selected by cfg.Type over params.
func NewOptimizer(cfg Config, params []*model.Param) (Optimizer, error) {
	if len(params) == 0 {
		return nil, errors.New("optimizer has no parameters")
	}
	if !(cfg.LR > 0) {
		return nil, errors.Errorf("learning rate must be > 0, got %g", cfg.LR)
	}
	switch cfg.Type {
	case TypeAdamW, "":
		return NewAdamW(params, cfg)
	case TypeSGD:
		return NewSGD(params, cfg), nil
	}
	return nil, errors.Errorf("unknown optimizer %q", cfg.Type)
}

func isFinite(x float64) bool { return !math.IsNaN(x) && !math.IsInf(x, 0) }

func valueOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func slotKey(p *model.Param, slot string) string { return p.Name + "." + slot }

// loadSlots copies the named slots out of st, checking their sizes.
func loadSlots(st State, params []*model.Param, slots map[string]map[string][]float64) error {
	for _, p := range params {
		for slot, buf := range slots[p.Name] {
			v, ok := st.Slots[slotKey(p, slot)]
			if !ok {
				return errors.Errorf("optimizer state has no %s", slotKey(p, slot))
			}
			if len(v) != len(buf) {
				return errors.Errorf("optimizer state %s has %d values, want %d", slotKey(p, slot), len(v), len(buf))
			}
			copy(buf, v)
		}
	}
	return nil
}

func dumpSlots(params []*model.Param, slots map[string]map[string][]float64) map[string][]float64 {
	out := make(map[string][]float64)
	for _, p := range params {
		for slot, buf := range slots[p.Name] {
			out[slotKey(p, slot)] = append([]float64(nil), buf...)
		}
	}
	return out
}
