package recipe

// Stats are the scalars of one microbatch and the number of tokens they were
// averaged over.
type Stats struct {
	Values map[string]float64
	Tokens int
}

// Window accumulates token weighted statistics over the microbatches of one
// optimizer step.
type Window struct {
	sums   map[string]float64
	tokens int
	count  int
}

func NewWindow() *Window {
	return &Window{sums: make(map[string]float64)}
}

// Add records the stats of a microbatch.
func (w *Window) Add(s Stats) {
	for k, v := range s.Values {
		w.sums[k] += v * float64(s.Tokens)
	}
	w.tokens += s.Tokens
	w.count++
}

// ShouldStep reports whether microbatch idx of an epoch closes a window.
func (w *Window) ShouldStep(idx, accum int) bool {
	return (idx+1)%accum == 0
}

// Finalize returns the token weighted mean of every recorded value. A window
// without tokens yields zeros.
func (w *Window) Finalize() map[string]float64 {
	out := make(map[string]float64, len(w.sums))
	for k, v := range w.sums {
		if w.tokens > 0 {
			out[k] = v / float64(w.tokens)
		} else {
			out[k] = 0
		}
	}
	return out
}

// Tokens is the number of tokens added since the last Reset.
func (w *Window) Tokens() int { return w.tokens }

// Microbatches is the number of Add calls since the last Reset.
func (w *Window) Microbatches() int { return w.count }

func (w *Window) Reset() {
	clear(w.sums)
	w.tokens = 0
	w.count = 0
}
