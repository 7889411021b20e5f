// Package model implements a small causal language model with a low-rank
// adapter on its output projection.
//
// The model is deliberately tiny and runs on the CPU in pure Go, so the
// training recipes can be exercised end-to-end. Base weights are frozen; only
// the adapter matrices receive gradients.
package model

import (
	"math"
	"math/rand"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Parameter names.
const (
	TokEmbeddings = "tok_embeddings"
	PosEmbeddings = "pos_embeddings"
	OutputWeight  = "output.weight"
	LoRAA         = "output.lora_a"
	LoRAB         = "output.lora_b"
)

// Config holds the architecture of a TinyLM.
type Config struct {
	Vocab     int
	Dim       int
	MaxSeqLen int

	// LoRARank is the adapter rank. Zero builds a model without adapters,
	// which is what teachers are.
	LoRARank  int
	LoRAAlpha float64
}

// Options are construction parameters that don't change the architecture.
type Options struct {
	// DType is the parameter precision, Float32 if unset.
	DType dtypes.DType

	// ActivationCheckpointing drops the hidden states after the forward pass
	// and recomputes them during Backward.
	ActivationCheckpointing bool

	// LowCPURAM skips random initialization of the base weights; they are
	// allocated when a state dict is loaded.
	LowCPURAM bool

	Seed int64
}

// Param is a named parameter buffer and its gradient.
type Param struct {
	Name      string
	Shape     []int
	Data      []float32
	Grad      []float32
	DType     dtypes.DType
	Trainable bool
}

// Size is the number of elements described by Shape.
func (p *Param) Size() int {
	n := 1
	for _, d := range p.Shape {
		n *= d
	}
	return n
}

// Weights is a flat state dict: parameter name to row-major values.
type Weights map[string][]float32

// Input is one microbatch as the model consumes it. Mask and Positions are
// optional: a nil Mask means plain causal attention, nil Positions means
// positions 0..s-1.
type Input struct {
	Tokens    [][]int32
	Mask      [][][]bool
	Positions [][]int32
}

// TinyLM computes, for every position t,
//
//	h_t = tanh(E[x_t] + P[pos_t] + mean_{j<t, mask[t][j]} E[x_j])
//	logits_t = W h_t + (alpha/r) B A h_t
type TinyLM struct {
	cfg  Config
	opts Options

	params []*Param
	byName map[string]*Param

	adaptersOn bool
	numChunks  int
}

// New builds a TinyLM. Unless opts.LowCPURAM is set, weights are randomly
// initialized from opts.Seed.
func New(cfg Config, opts Options) (*TinyLM, error) {
	if cfg.Vocab <= 0 || cfg.Dim <= 0 || cfg.MaxSeqLen <= 0 {
		return nil, errors.Errorf("invalid model config %+v", cfg)
	}
	if cfg.LoRARank < 0 {
		return nil, errors.Errorf("negative LoRA rank %d", cfg.LoRARank)
	}
	if cfg.LoRAAlpha == 0 {
		cfg.LoRAAlpha = float64(cfg.LoRARank)
	}
	if opts.DType == dtypes.InvalidDType {
		opts.DType = dtypes.Float32
	}
	if opts.DType != dtypes.Float32 && opts.DType != dtypes.BFloat16 {
		return nil, errors.Wrapf(ErrUnsupportedDType, "%s", opts.DType)
	}

	m := &TinyLM{
		cfg:        cfg,
		opts:       opts,
		byName:     make(map[string]*Param),
		adaptersOn: cfg.LoRARank > 0,
		numChunks:  1,
	}
	m.add(TokEmbeddings, false, cfg.Vocab, cfg.Dim)
	m.add(PosEmbeddings, false, cfg.MaxSeqLen, cfg.Dim)
	m.add(OutputWeight, false, cfg.Vocab, cfg.Dim)
	if cfg.LoRARank > 0 {
		m.add(LoRAA, true, cfg.LoRARank, cfg.Dim)
		m.add(LoRAB, true, cfg.Vocab, cfg.LoRARank)
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	for _, p := range m.params {
		if opts.LowCPURAM && !p.Trainable {
			continue
		}
		p.Data = make([]float32, p.Size())
		switch p.Name {
		case LoRAB:
			// zero so a fresh adapter leaves the base model unchanged
		default:
			fanIn := p.Shape[len(p.Shape)-1]
			limit := float32(math.Sqrt(3.0 / float64(fanIn)))
			for i := range p.Data {
				p.Data[i] = (rng.Float32()*2 - 1) * limit
			}
		}
		Round(p.Data, opts.DType)
	}
	return m, nil
}

func (m *TinyLM) add(name string, trainable bool, shape ...int) {
	p := &Param{Name: name, Shape: shape, DType: m.opts.DType, Trainable: trainable}
	if trainable {
		p.Grad = make([]float32, p.Size())
	}
	m.params = append(m.params, p)
	m.byName[name] = p
}

func (m *TinyLM) Config() Config   { return m.cfg }
func (m *TinyLM) Options() Options { return m.opts }

// Params returns every parameter in a stable order.
func (m *TinyLM) Params() []*Param { return m.params }

// Param returns the parameter with the given name, or nil.
func (m *TinyLM) Param(name string) *Param { return m.byName[name] }

// TrainableParams returns the adapter parameters.
func (m *TinyLM) TrainableParams() []*Param {
	var out []*Param
	for _, p := range m.params {
		if IsAdapterKey(p.Name) {
			out = append(out, p)
		}
	}
	return out
}

// ZeroGrad clears the gradients of every trainable parameter.
func (m *TinyLM) ZeroGrad() {
	for _, p := range m.params {
		clear(p.Grad)
	}
}

// SetNumOutputChunks sets how many sequence chunks the output is split into.
func (m *TinyLM) SetNumOutputChunks(n int) {
	if n < 1 {
		n = 1
	}
	m.numChunks = n
}

func (m *TinyLM) NumOutputChunks() int { return m.numChunks }

// AdaptersEnabled reports whether the adapter contributes to the output.
func (m *TinyLM) AdaptersEnabled() bool { return m.adaptersOn }

// WithAdaptersDisabled runs fn with the adapter switched off and its
// parameters not trainable, restoring the previous state however fn returns.
func (m *TinyLM) WithAdaptersDisabled(fn func() error) error {
	prev := m.adaptersOn
	adapters := m.TrainableParams()
	m.adaptersOn = false
	for _, p := range adapters {
		p.Trainable = false
	}
	defer func() {
		m.adaptersOn = prev
		for _, p := range adapters {
			p.Trainable = true
		}
	}()
	return fn()
}

func (m *TinyLM) scale() float32 {
	if m.cfg.LoRARank == 0 {
		return 0
	}
	return float32(m.cfg.LoRAAlpha / float64(m.cfg.LoRARank))
}

func (m *TinyLM) materialized() error {
	for _, p := range m.params {
		if p.Data == nil {
			return errors.Errorf("parameter %s not loaded", p.Name)
		}
	}
	return nil
}

// Output is the result of a forward pass.
type Output struct {
	// Logits is [batch][seq][vocab]. Nil after Release.
	Logits [][][]float32

	in       Input
	hidden   [][][]float32
	lowRank  [][][]float32
	tracked  bool
	released bool
}

// Release drops the logits. Backward still works on a released output.
func (o *Output) Release() {
	o.Logits = nil
	o.released = true
}

// Forward runs the model over a microbatch. The output only tracks gradients
// if the adapters are enabled.
func (m *TinyLM) Forward(in Input) (*Output, error) {
	if err := m.materialized(); err != nil {
		return nil, err
	}
	hidden, err := m.hidden(in)
	if err != nil {
		return nil, err
	}
	out := &Output{
		in:      in,
		tracked: m.adaptersOn,
	}
	out.Logits, out.lowRank = m.project(hidden)
	if !m.opts.ActivationCheckpointing {
		out.hidden = hidden
	} else {
		out.lowRank = nil
	}
	return out, nil
}

func (m *TinyLM) hidden(in Input) ([][][]float32, error) {
	D := m.cfg.Dim
	emb := m.byName[TokEmbeddings].Data
	pos := m.byName[PosEmbeddings].Data

	h := make([][][]float32, len(in.Tokens))
	for b, row := range in.Tokens {
		s := len(row)
		if s > m.cfg.MaxSeqLen {
			return nil, errors.Errorf("row %d: sequence length %d exceeds max %d", b, s, m.cfg.MaxSeqLen)
		}
		for t, tok := range row {
			if tok < 0 || int(tok) >= m.cfg.Vocab {
				return nil, errors.Errorf("token %d at [%d,%d] outside vocabulary of %d", tok, b, t, m.cfg.Vocab)
			}
		}
		h[b] = make([][]float32, s)
		for t := 0; t < s; t++ {
			p := t
			if in.Positions != nil {
				p = int(in.Positions[b][t])
				if p < 0 || p >= m.cfg.MaxSeqLen {
					return nil, errors.Errorf("position %d at [%d,%d] out of range", p, b, t)
				}
			}
			a := make([]float32, D)
			tokRow := emb[int(row[t])*D : (int(row[t])+1)*D]
			posRow := pos[p*D : (p+1)*D]
			for d := range a {
				a[d] = tokRow[d] + posRow[d]
			}

			n := 0
			ctx := make([]float32, D)
			for j := 0; j < t; j++ {
				if in.Mask != nil && !in.Mask[b][t][j] {
					continue
				}
				n++
				jRow := emb[int(row[j])*D : (int(row[j])+1)*D]
				for d := range ctx {
					ctx[d] += jRow[d]
				}
			}
			if n > 0 {
				inv := 1 / float32(n)
				for d := range a {
					a[d] += ctx[d] * inv
				}
			}
			for d := range a {
				a[d] = float32(math.Tanh(float64(a[d])))
			}
			h[b][t] = a
		}
	}
	return h, nil
}

// project computes logits and, when adapters are on, the rank-r activations
// A h used by Backward.
func (m *TinyLM) project(h [][][]float32) (logits, lowRank [][][]float32) {
	V, D, r := m.cfg.Vocab, m.cfg.Dim, m.cfg.LoRARank
	W := m.byName[OutputWeight].Data
	useLoRA := m.adaptersOn && r > 0
	var A, B []float32
	if useLoRA {
		A, B = m.byName[LoRAA].Data, m.byName[LoRAB].Data
	}
	s := m.scale()

	logits = make([][][]float32, len(h))
	if useLoRA {
		lowRank = make([][][]float32, len(h))
	}
	for b := range h {
		logits[b] = make([][]float32, len(h[b]))
		if useLoRA {
			lowRank[b] = make([][]float32, len(h[b]))
		}
		for t, ht := range h[b] {
			z := make([]float32, V)
			for v := 0; v < V; v++ {
				z[v] = dot(W[v*D:(v+1)*D], ht)
			}
			if useLoRA {
				u := make([]float32, r)
				for k := 0; k < r; k++ {
					u[k] = dot(A[k*D:(k+1)*D], ht)
				}
				for v := 0; v < V; v++ {
					z[v] += s * dot(B[v*r:(v+1)*r], u)
				}
				lowRank[b][t] = u
			}
			logits[b][t] = z
		}
	}
	return logits, lowRank
}

// Backward accumulates scale times the gradient of the adapter parameters
// given the gradient of some scalar w.r.t. out's logits.
func (m *TinyLM) Backward(out *Output, dLogits [][][]float32, scale float64) error {
	if !out.tracked {
		return errors.New("backward through an output computed without gradient tracking")
	}
	if !m.adaptersOn {
		return errors.New("backward while adapters are disabled")
	}
	h := out.hidden
	u := out.lowRank
	if h == nil {
		var err error
		if h, err = m.hidden(out.in); err != nil {
			return errors.WithMessage(err, "recomputing activations")
		}
		_, u = m.project(h)
	}
	if len(dLogits) != len(h) {
		return errors.Errorf("logits gradient batch %d does not match output batch %d", len(dLogits), len(h))
	}

	V, D, r := m.cfg.Vocab, m.cfg.Dim, m.cfg.LoRARank
	pA, pB := m.byName[LoRAA], m.byName[LoRAB]
	s := m.scale()
	sc := float32(scale)
	du := make([]float32, r)
	for b := range dLogits {
		if len(dLogits[b]) != len(h[b]) {
			return errors.Errorf("row %d: gradient length %d does not match sequence %d", b, len(dLogits[b]), len(h[b]))
		}
		for t, g := range dLogits[b] {
			if len(g) != V {
				return errors.Errorf("gradient at [%d,%d] has %d entries, want %d", b, t, len(g), V)
			}
			ut, ht := u[b][t], h[b][t]
			clear(du)
			for v, gv := range g {
				if gv == 0 {
					continue
				}
				gs := gv * s * sc
				bRow := pB.Data[v*r : (v+1)*r]
				gRow := pB.Grad[v*r : (v+1)*r]
				for k := 0; k < r; k++ {
					gRow[k] += gs * ut[k]
					du[k] += gs * bRow[k]
				}
			}
			for k := 0; k < r; k++ {
				if du[k] == 0 {
					continue
				}
				gRow := pA.Grad[k*D : (k+1)*D]
				for d := 0; d < D; d++ {
					gRow[d] += du[k] * ht[d]
				}
			}
		}
	}
	return nil
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// StateDict returns a copy of every parameter, adapters included.
func (m *TinyLM) StateDict() Weights {
	w := make(Weights, len(m.params))
	for _, p := range m.params {
		if p.Data != nil {
			w[p.Name] = slices.Clone(p.Data)
		}
	}
	return w
}

// AdapterStateDict returns a copy of the adapter parameters only.
func (m *TinyLM) AdapterStateDict() Weights {
	w := make(Weights)
	for _, p := range m.TrainableParams() {
		w[p.Name] = slices.Clone(p.Data)
	}
	return w
}

// MergedStateDict returns the base weights with the adapter folded into the
// output projection, W + (alpha/r) B A, and no adapter keys.
func (m *TinyLM) MergedStateDict() Weights {
	w := make(Weights, len(m.params))
	for _, p := range m.params {
		if !IsAdapterKey(p.Name) && p.Data != nil {
			w[p.Name] = slices.Clone(p.Data)
		}
	}
	r := m.cfg.LoRARank
	if r == 0 {
		return w
	}
	V, D := m.cfg.Vocab, m.cfg.Dim
	A, B := m.byName[LoRAA].Data, m.byName[LoRAB].Data
	W := w[OutputWeight]
	s := m.scale()
	for v := 0; v < V; v++ {
		for d := 0; d < D; d++ {
			var acc float32
			for k := 0; k < r; k++ {
				acc += B[v*r+k] * A[k*D+d]
			}
			W[v*D+d] += s * acc
		}
	}
	Round(W, m.opts.DType)
	return w
}

// LoadStateDict copies the values of w into the matching parameters and
// reports the parameters w lacks and the keys of w the model doesn't have.
// A size mismatch is an error.
func (m *TinyLM) LoadStateDict(w Weights) (missing, unexpected []string, err error) {
	for _, p := range m.params {
		v, ok := w[p.Name]
		if !ok {
			missing = append(missing, p.Name)
			continue
		}
		if len(v) != p.Size() {
			return nil, nil, errors.Errorf("parameter %s: got %d values, want %d (shape %v)", p.Name, len(v), p.Size(), p.Shape)
		}
		if p.Data == nil {
			p.Data = make([]float32, p.Size())
		}
		copy(p.Data, v)
		Round(p.Data, p.DType)
	}
	for k := range w {
		if _, ok := m.byName[k]; !ok {
			unexpected = append(unexpected, k)
		}
	}
	slices.Sort(unexpected)
	return missing, unexpected, nil
}
