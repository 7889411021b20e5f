package datasets

import (
	"io"
	"iter"
	"math/rand"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Sampler produces the example order of an epoch. With Shuffle the order is
// a permutation seeded by Seed+epoch, so every epoch is reproducible.
type Sampler struct {
	Shuffle bool
	Seed    int64
	epoch   int
}

func (s *Sampler) SetEpoch(e int) { s.epoch = e }

// Indices returns the order of n examples for the current epoch.
func (s *Sampler) Indices(n int) []int {
	if !s.Shuffle {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	return rand.New(rand.NewSource(s.Seed + int64(s.epoch))).Perm(n)
}

// LoaderState is the resumable position of a Loader: the epoch and how many
// batches of it were already yielded.
type LoaderState struct {
	Epoch   int
	Yielded int
}

// Loader batches a dataset in sampler order. The last incomplete batch is
// always dropped.
type Loader struct {
	BatchSize int

	ds      Collatable
	sampler *Sampler
	epoch   int
	yielded int

	// gomlx train.Dataset iteration
	next func() (*Batch, error, bool)
	stop func()
}

// NewLoader creates a loader at epoch 0.
func NewLoader(ds Collatable, batchSize int, shuffle bool, seed int64) (*Loader, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be > 0, got %d", batchSize)
	}
	if ds.Len() < batchSize {
		return nil, errors.Errorf("dataset has %d examples, fewer than one batch of %d", ds.Len(), batchSize)
	}
	return &Loader{
		BatchSize: batchSize,
		ds:        ds,
		sampler:   &Sampler{Shuffle: shuffle, Seed: seed},
	}, nil
}

// Len is the number of batches per epoch.
func (l *Loader) Len() int { return l.ds.Len() / l.BatchSize }

// SetEpoch selects the epoch the next pass iterates. Moving to another epoch
// forgets any partially consumed one.
func (l *Loader) SetEpoch(e int) {
	if e != l.epoch {
		l.yielded = 0
	}
	l.epoch = e
	l.sampler.SetEpoch(e)
}

func (l *Loader) State() LoaderState { return LoaderState{Epoch: l.epoch, Yielded: l.yielded} }

// LoadState restores a position: the next pass over st.Epoch skips the
// batches already yielded.
func (l *Loader) LoadState(st LoaderState) {
	l.epoch = st.Epoch
	l.sampler.SetEpoch(st.Epoch)
	l.yielded = min(max(st.Yielded, 0), l.Len())
}

// Batches iterates the rest of the current epoch. When the pass completes the
// position is reset, so the next pass starts the epoch over.
func (l *Loader) Batches() iter.Seq2[*Batch, error] {
	return func(yield func(*Batch, error) bool) {
		order := l.sampler.Indices(l.ds.Len())
		for i := l.yielded; i < l.Len(); i++ {
			b, err := l.ds.Collate(order[i*l.BatchSize : (i+1)*l.BatchSize])
			if err != nil {
				yield(nil, errors.WithMessagef(err, "epoch %d batch %d", l.epoch, i))
				return
			}
			l.yielded = i + 1
			if !yield(b, nil) {
				return
			}
		}
		l.yielded = 0
	}
}

// Name implements gomlx's train.Dataset.
func (l *Loader) Name() string {
	if n, ok := l.ds.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "Loader"
}

// Yield implements gomlx's train.Dataset: inputs are the tokens followed by
// the mask and positions when present, labels are the label ids. It returns
// io.EOF at the end of the epoch.
func (l *Loader) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	if l.next == nil {
		l.next, l.stop = iter.Pull2(l.Batches())
	}
	b, err, ok := l.next()
	if !ok {
		l.stop()
		l.next, l.stop = nil, nil
		return nil, nil, nil, io.EOF
	}
	if err != nil {
		return nil, nil, nil, err
	}
	inputs = []*tensors.Tensor{b.Tokens}
	if b.Mask != nil {
		inputs = append(inputs, b.Mask, b.InputPos)
	}
	return nil, inputs, []*tensors.Tensor{b.Labels}, nil
}

// Reset implements gomlx's train.Dataset, restarting the current epoch.
func (l *Loader) Reset() {
	if l.stop != nil {
		l.stop()
	}
	l.next, l.stop = nil, nil
	l.yielded = 0
}
