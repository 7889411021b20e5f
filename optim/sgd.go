package optim

import (
	"github.com/Noofbiz/adaptune/model"
	"github.com/pkg/errors"
)

// SGD is stochastic gradient descent with optional momentum and L2 weight
// decay.
type SGD struct {
	Momentum    float64
	WeightDecay float64

	lr     float64
	t      int64
	params []*model.Param
	slots  map[string]map[string][]float64
}

func NewSGD(params []*model.Param, cfg Config) *SGD {
	o := &SGD{
		Momentum:    cfg.Momentum,
		WeightDecay: cfg.WeightDecay,
		lr:          cfg.LR,
		params:      params,
		slots:       make(map[string]map[string][]float64, len(params)),
	}
	if o.Momentum > 0 {
		for _, p := range params {
			o.slots[p.Name] = map[string][]float64{"momentum_buffer": make([]float64, p.Size())}
		}
	}
	return o
}

func (o *SGD) Step() error {
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
	for _, p := range o.params {
		if !p.Trainable {
			continue
		}
		var buf []float64
		if o.Momentum > 0 {
			buf = o.slots[p.Name]["momentum_buffer"]
		}
		for i := range p.Data {
			d := float64(p.Grad[i]) + o.WeightDecay*float64(p.Data[i])
			if buf != nil {
				if o.t == 1 {
					buf[i] = d
				} else {
					buf[i] = o.Momentum*buf[i] + d
				}
				d = buf[i]
			}
			p.Data[i] -= float32(o.lr * d)
		}
		model.Round(p.Data, p.DType)
	}
	return nil
}

func (o *SGD) ZeroGrad() {
	for _, p := range o.params {
		clear(p.Grad)
	}
}

func (o *SGD) LR() float64      { return o.lr }
func (o *SGD) SetLR(lr float64) { o.lr = lr }

func (o *SGD) StateDict() State {
	return State{Type: TypeSGD, Step: o.t, LR: o.lr, Slots: dumpSlots(o.params, o.slots)}
}

func (o *SGD) LoadStateDict(st State) error {
	if st.Type != TypeSGD {
		return errors.Errorf("cannot load %q optimizer state into sgd", st.Type)
	}
	if err := loadSlots(st, o.params, o.slots); err != nil {
		return err
	}
	o.t = st.Step
	o.lr = st.LR
	return nil
}
