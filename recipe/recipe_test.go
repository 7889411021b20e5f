package recipe

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/Noofbiz/adaptune/checkpoint"
	"github.com/Noofbiz/adaptune/datasets"
	"github.com/Noofbiz/adaptune/loss"
	"github.com/Noofbiz/adaptune/optim"
	"github.com/Noofbiz/adaptune/schedule"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// indexDataset has n one-row examples whose first token is index+1, so the
// order a run consumes them in can be read back from the composer.
type indexDataset struct{ n int }

func (d indexDataset) Len() int { return d.n }

func (d indexDataset) Collate(indices []int) (*datasets.Batch, error) {
	tokens := make([][]int32, len(indices))
	labels := make([][]int32, len(indices))
	for i, j := range indices {
		tokens[i] = []int32{int32(j + 1), 1}
		labels[i] = []int32{1, loss.IgnoreIndex}
	}
	return &datasets.Batch{Tokens: tensors.FromAnyValue(tokens), Labels: tensors.FromAnyValue(labels)}, nil
}

type recordingComposer struct {
	model Model
	seen  []int32
}

func (c *recordingComposer) Normalization() Normalization { return PreDivide }

func (c *recordingComposer) Compose(mb *Microbatch) (*Result, error) {
	c.seen = append(c.seen, mb.Input.Tokens[0][0])
	return &Result{
		Total:      1,
		Components: map[string]float64{"loss": 1},
		Tokens:     1,
		Backward: func(scale float64) error {
			for _, p := range c.model.TrainableParams() {
				for i := range p.Grad {
					p.Grad[i] += float32(scale)
				}
			}
			return nil
		},
	}, nil
}

type recordingCheckpoints struct{ saved []checkpoint.SaveRequest }

func (c *recordingCheckpoints) Save(req checkpoint.SaveRequest) error {
	c.saved = append(c.saved, req)
	return nil
}

func (c *recordingCheckpoints) LoadBase() (checkpoint.StateDict, error) {
	return checkpoint.StateDict{}, nil
}

func (c *recordingCheckpoints) dirs() []string {
	var out []string
	for _, r := range c.saved {
		out = append(out, r.Dir)
	}
	return out
}

type recordingMetrics struct{ steps []int }

func (m *recordingMetrics) LogConfig(any) {}
func (m *recordingMetrics) LogDict(step int, _ map[string]float64) {
	m.steps = append(m.steps, step)
}
func (m *recordingMetrics) Close() error { return nil }

type run struct {
	examples  int
	accum     int
	epochs    int
	maxSteps  *int
	saveEvery *int
	logEvery  int

	// resume, when set, is the recipe state the run continues from.
	resume checkpoint.StateDict
}

type harness struct {
	recipe      *Recipe
	composer    *recordingComposer
	checkpoints *recordingCheckpoints
	metrics     *recordingMetrics
}

// build assembles a recipe the way Setup does, around fakes for everything
// but the loader, the schedule and the optimizer.
func build(t *testing.T, r run) *harness {
	t.Helper()
	student := newStudent(t)
	loader, err := datasets.NewLoader(indexDataset{r.examples}, 1, true, 7)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	progress := checkpoint.TrainingProgress{Seed: 7, TotalEpochs: r.epochs, MaxStepsPerEpoch: r.maxSteps}
	if r.resume != nil {
		if _, err := Reconcile(&progress, r.resume); err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
		loader.LoadState(progress.DataloaderState)
	}
	sched := schedule.Compute(schedule.Inputs{
		DataSourceLength:          loader.Len(),
		GradientAccumulationSteps: r.accum,
		MaxStepsPerEpoch:          progress.MaxStepsPerEpoch,
		SaveEveryNSteps:           r.saveEvery,
		EpochsRun:                 progress.EpochsRun,
		GlobalStep:                progress.GlobalStep,
		TotalEpochs:               progress.TotalEpochs,
	})
	progress.GlobalStep = sched.GlobalStep
	if r.resume != nil && sched.AtEpochBoundary(progress.GlobalStep) {
		if err := drain(loader); err != nil {
			t.Fatalf("drain: %v", err)
		}
	}
	opt, err := optim.NewOptimizer(optim.Config{Type: optim.TypeSGD, LR: 0.1}, student.TrainableParams())
	if err != nil {
		t.Fatalf("NewOptimizer: %v", err)
	}

	h := &harness{
		composer:    &recordingComposer{model: student},
		checkpoints: &recordingCheckpoints{},
		metrics:     &recordingMetrics{},
	}
	h.recipe = &Recipe{
		Model:       student,
		Data:        loader,
		Checkpoints: h.checkpoints,
		Metrics:     h.metrics,
		Executor:    &StepExecutor{Device: Host{}, Composer: h.composer, Accum: r.accum},
		Optimizer:   opt,
		Schedule:    sched,
		Trigger: CheckpointTrigger{
			Every:         sched.CheckpointEvery,
			StepsPerEpoch: sched.StepsPerEpoch,
			TotalEpochs:   progress.TotalEpochs,
		},
		Progress:       progress,
		LogEveryNSteps: r.logEvery,
	}
	return h
}

func (h *harness) train(t *testing.T) {
	t.Helper()
	if err := h.recipe.Train(context.Background()); err != nil {
		t.Fatalf("Train: %v", err)
	}
}

func ptr(v int) *int { return &v }

func TestStepCadence(t *testing.T) {
	h := build(t, run{examples: 4, accum: 1, epochs: 2, saveEvery: ptr(2)})
	h.train(t)

	if got, want := h.checkpoints.dirs(), []string{"step_2", "step_4", "step_8"}; !slices.Equal(got, want) {
		t.Fatalf("checkpoints got %v want %v", got, want)
	}
	for i, want := range []struct {
		full      bool
		epochsRun int
	}{{false, 0}, {false, 1}, {true, 2}} {
		req := h.checkpoints.saved[i]
		if req.Full != want.full || req.Progress.EpochsRun != want.epochsRun {
			t.Errorf("%s: full %v epochs_run %d, want %v %d", req.Dir, req.Full, req.Progress.EpochsRun, want.full, want.epochsRun)
		}
	}
	if h.recipe.Progress.GlobalStep != 8 {
		t.Fatalf("global step got %d want 8", h.recipe.Progress.GlobalStep)
	}
	if h.recipe.State() != Done {
		t.Fatalf("state got %s want Done", h.recipe.State())
	}
}

func TestEpochCadence(t *testing.T) {
	h := build(t, run{examples: 4, accum: 2, epochs: 2})
	h.train(t)

	if got, want := h.checkpoints.dirs(), []string{"epoch_0", "epoch_1"}; !slices.Equal(got, want) {
		t.Fatalf("checkpoints got %v want %v", got, want)
	}
	mid, final := h.checkpoints.saved[0], h.checkpoints.saved[1]
	if mid.Full || mid.Optimizer == nil || mid.Merged != nil || mid.Progress.EpochsRun != 1 {
		t.Errorf("intermediate checkpoint: full %v optimizer %v merged %v epochs_run %d",
			mid.Full, mid.Optimizer != nil, mid.Merged != nil, mid.Progress.EpochsRun)
	}
	if !final.Full || final.Optimizer != nil || final.Merged == nil || final.Adapter == nil {
		t.Errorf("final checkpoint: full %v optimizer %v merged %v adapter %v",
			final.Full, final.Optimizer != nil, final.Merged != nil, final.Adapter != nil)
	}
	if len(h.composer.seen) != 8 || h.recipe.Progress.GlobalStep != 4 {
		t.Fatalf("%d microbatches and %d steps, want 8 and 4", len(h.composer.seen), h.recipe.Progress.GlobalStep)
	}
}

func TestAdapterOnlyFinalCheckpoint(t *testing.T) {
	h := build(t, run{examples: 2, accum: 1, epochs: 1})
	h.recipe.SaveAdapterWeightsOnly = true
	h.train(t)
	final := h.checkpoints.saved[len(h.checkpoints.saved)-1]
	if !final.Full || final.Merged != nil || final.Adapter == nil {
		t.Fatalf("adapter only checkpoint: full %v merged %v adapter %v", final.Full, final.Merged != nil, final.Adapter != nil)
	}
}

func TestMaxStepsEndsEpochEarly(t *testing.T) {
	h := build(t, run{examples: 8, accum: 2, epochs: 2, maxSteps: ptr(2)})
	h.train(t)
	if len(h.composer.seen) != 8 {
		t.Fatalf("consumed %d microbatches want 4 per epoch", len(h.composer.seen))
	}
	if h.recipe.Progress.GlobalStep != 4 {
		t.Fatalf("global step got %d want 4", h.recipe.Progress.GlobalStep)
	}
	if h.recipe.Progress.EpochsRun != 2 {
		t.Fatalf("epochs run got %d want 2", h.recipe.Progress.EpochsRun)
	}
}

func findSave(t *testing.T, c *recordingCheckpoints, dir string) checkpoint.SaveRequest {
	t.Helper()
	for _, r := range c.saved {
		if r.Dir == dir {
			return r
		}
	}
	t.Fatalf("no checkpoint %s in %v", dir, c.dirs())
	return checkpoint.SaveRequest{}
}

func TestResumeMidEpoch(t *testing.T) {
	r := run{examples: 8, accum: 1, epochs: 2, saveEvery: ptr(2)}
	full := build(t, r)
	full.train(t)

	r.resume = findSave(t, full.checkpoints, "step_4").Progress.StateDict()
	resumed := build(t, r)
	if resumed.recipe.Progress.GlobalStep != 4 || resumed.recipe.Progress.EpochsRun != 0 {
		t.Fatalf("resumed at step %d epoch %d, want 4 and 0", resumed.recipe.Progress.GlobalStep, resumed.recipe.Progress.EpochsRun)
	}
	resumed.train(t)

	if !slices.Equal(resumed.composer.seen, full.composer.seen[4:]) {
		t.Fatalf("resumed run consumed %v want %v", resumed.composer.seen, full.composer.seen[4:])
	}
	if resumed.recipe.Progress.GlobalStep != 16 {
		t.Fatalf("global step got %d want 16", resumed.recipe.Progress.GlobalStep)
	}
}

func TestResumeAtEpochBoundary(t *testing.T) {
	r := run{examples: 4, accum: 1, epochs: 3}
	full := build(t, r)
	full.train(t)

	r.resume = findSave(t, full.checkpoints, "epoch_0").Progress.StateDict()
	resumed := build(t, r)
	if resumed.recipe.Progress.EpochsRun != 1 {
		t.Fatalf("epochs run got %d want 1", resumed.recipe.Progress.EpochsRun)
	}
	resumed.train(t)

	if !slices.Equal(resumed.composer.seen, full.composer.seen[4:]) {
		t.Fatalf("resumed run consumed %v want %v", resumed.composer.seen, full.composer.seen[4:])
	}
	if got, want := resumed.checkpoints.dirs(), []string{"epoch_1", "epoch_2"}; !slices.Equal(got, want) {
		t.Fatalf("checkpoints got %v want %v", got, want)
	}
}

func TestNothingLeftToRun(t *testing.T) {
	r := run{examples: 4, accum: 1, epochs: 2}
	r.resume = checkpoint.TrainingProgress{Seed: 7, EpochsRun: 2, TotalEpochs: 2, GlobalStep: 8}.StateDict()
	h := build(t, r)
	h.train(t)

	if len(h.composer.seen) != 0 {
		t.Fatalf("consumed %d microbatches, want none", len(h.composer.seen))
	}
	if got := h.checkpoints.dirs(); !slices.Equal(got, []string{"epoch_1"}) || !h.checkpoints.saved[0].Full {
		t.Fatalf("checkpoints got %v, want a single full epoch_1", got)
	}
}

func TestLogEveryNSteps(t *testing.T) {
	h := build(t, run{examples: 6, accum: 1, epochs: 1, logEvery: 3})
	h.train(t)
	if !slices.Equal(h.metrics.steps, []int{3, 6}) {
		t.Fatalf("logged steps got %v want [3 6]", h.metrics.steps)
	}
}

func TestTrainStopsWhenCancelled(t *testing.T) {
	h := build(t, run{examples: 4, accum: 1, epochs: 2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.recipe.Train(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Train got %v want context.Canceled", err)
	}
	if len(h.checkpoints.saved) != 0 || len(h.composer.seen) != 0 {
		t.Fatalf("cancelled run still trained: %d saves %d microbatches", len(h.checkpoints.saved), len(h.composer.seen))
	}
}

func TestOptimizerSeesPreDividedGradients(t *testing.T) {
	h := build(t, run{examples: 2, accum: 2, epochs: 1})
	before := slices.Clone(h.recipe.Model.TrainableParams()[0].Data)
	h.train(t)
	after := h.recipe.Model.TrainableParams()[0].Data
	// two microbatches of gradient 1/2 each, one SGD step of lr 0.1
	for i := range after {
		if d := before[i] - after[i]; d < 0.0999 || d > 0.1001 {
			t.Fatalf("param %d moved by %g want 0.1", i, d)
		}
	}
}
