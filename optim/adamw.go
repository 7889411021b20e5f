package optim

import (
	"math"

	"github.com/Noofbiz/adaptune/model"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas/blas64"
)

// AdamW is Adam with decoupled weight decay:
//
//	θ ← θ(1 - lr·λ)
//	m ← β1·m + (1-β1)·g
//	v ← β2·v + (1-β2)·g²
//	θ ← θ - lr · m̂ / (√v̂ + ε)
//
// with bias corrected m̂ and v̂. Moments are kept in float64 whatever the
// parameter precision.
type AdamW struct {
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	lr     float64
	t      int64
	params []*model.Param
	slots  map[string]map[string][]float64
	g64    []float64
}

// NewAdamW validates the hyperparameters and allocates zero moments.
func NewAdamW(params []*model.Param, cfg Config) (*AdamW, error) {
	o := &AdamW{
		Beta1:       valueOr(cfg.Beta1, 0.9),
		Beta2:       valueOr(cfg.Beta2, 0.999),
		Eps:         valueOr(cfg.Eps, 1e-8),
		WeightDecay: cfg.WeightDecay,
		lr:          cfg.LR,
		params:      params,
		slots:       make(map[string]map[string][]float64, len(params)),
	}
	if !(o.Beta1 >= 0 && o.Beta1 < 1) {
		return nil, errors.New("beta1 must be in [0,1)")
	}
	if !(o.Beta2 >= 0 && o.Beta2 < 1) {
		return nil, errors.New("beta2 must be in [0,1)")
	}
	if !(o.Eps > 0) {
		return nil, errors.New("eps must be > 0")
	}
	if o.WeightDecay < 0 {
		return nil, errors.New("weight decay must be >= 0")
	}
	for _, p := range params {
		o.slots[p.Name] = map[string][]float64{
			"exp_avg":    make([]float64, p.Size()),
			"exp_avg_sq": make([]float64, p.Size()),
		}
	}
	return o, nil
}

func toVector(data []float64) blas64.Vector {
	return blas64.Vector{N: len(data), Data: data, Inc: 1}
}

// Step applies one update to every trainable parameter. A non-finite
// gradient aborts the step before anything is modified.
func (o *AdamW) Step() error {
	for _, p := range o.params {
		if !p.Trainable {
			continue
		}
		for _, g := range p.Grad {
			if !isFinite(float64(g)) {
				return errors.Errorf("non-finite gradient in %s", p.Name)
			}
		}
	}

	o.t++
	bc1 := 1 - math.Pow(o.Beta1, float64(o.t))
	bc2 := 1 - math.Pow(o.Beta2, float64(o.t))
	decay := 1 - o.lr*o.WeightDecay

	for _, p := range o.params {
		if !p.Trainable {
			continue
		}
		m, v := o.slots[p.Name]["exp_avg"], o.slots[p.Name]["exp_avg_sq"]
		if cap(o.g64) < len(p.Grad) {
			o.g64 = make([]float64, len(p.Grad))
		}
		g := o.g64[:len(p.Grad)]
		for i, x := range p.Grad {
			g[i] = float64(x)
		}

		// m = β1·m + (1-β1)·g
		blas64.Scal(o.Beta1, toVector(m))
		blas64.Axpy(1-o.Beta1, toVector(g), toVector(m))
		// v = β2·v + (1-β2)·g²
		blas64.Scal(o.Beta2, toVector(v))
		for i, x := range g {
			v[i] += (1 - o.Beta2) * x * x
		}

		for i := range p.Data {
			vhat := math.Max(v[i]/bc2, 0)
			step := o.lr * (m[i] / bc1) / (math.Sqrt(vhat) + o.Eps)
			p.Data[i] = float32(float64(p.Data[i])*decay - step)
		}
		model.Round(p.Data, p.DType)
	}
	return nil
}

func (o *AdamW) ZeroGrad() {
	for _, p := range o.params {
		clear(p.Grad)
	}
}

func (o *AdamW) LR() float64      { return o.lr }
func (o *AdamW) SetLR(lr float64) { o.lr = lr }

func (o *AdamW) StateDict() State {
	return State{Type: TypeAdamW, Step: o.t, LR: o.lr, Slots: dumpSlots(o.params, o.slots)}
}

func (o *AdamW) LoadStateDict(st State) error {
	if st.Type != TypeAdamW {
		return errors.Errorf("cannot load %q optimizer state into adamw", st.Type)
	}
	if err := loadSlots(st, o.params, o.slots); err != nil {
		return err
	}
	o.t = st.Step
	o.lr = st.LR
	return nil
}
