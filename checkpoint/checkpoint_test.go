package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Noofbiz/adaptune/datasets"
	"github.com/Noofbiz/adaptune/model"
	"github.com/Noofbiz/adaptune/optim"
)

func testRequest(full bool) SaveRequest {
	maxSteps := 3
	return SaveRequest{
		Dir:           "step_4",
		Epoch:         1,
		Full:          full,
		Adapter:       model.Weights{model.LoRAA: {1, 2}, model.LoRAB: {3}},
		Merged:        model.Weights{model.OutputWeight: {4, 5, 6}},
		AdapterConfig: model.AdapterConfig{Rank: 2, Alpha: 4, TargetModules: model.AdapterTargets},
		Optimizer:     &optim.State{Type: optim.TypeAdamW, Step: 4, LR: 0.01, Slots: map[string][]float64{"output.lora_a.exp_avg": {0.5, 0.25}}},
		Progress: TrainingProgress{
			Seed:             42,
			EpochsRun:        1,
			TotalEpochs:      2,
			MaxStepsPerEpoch: &maxSteps,
			GlobalStep:       4,
			DataloaderState:  datasets.LoaderState{Epoch: 1, Yielded: 2},
		},
	}
}

func TestSaveAndResume(t *testing.T) {
	base := t.TempDir()
	if err := WriteWeights(filepath.Join(base, ModelFile), model.Weights{model.TokEmbeddings: {1, 1}}); err != nil {
		t.Fatalf("WriteWeights: %v", err)
	}
	out := t.TempDir()
	c := &Checkpointer{CheckpointDir: base, OutputDir: out}
	if err := c.Save(testRequest(false)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	for _, f := range []string{AdapterFile, AdapterConfigFile, ModelFile, RecipeStateFile} {
		if _, err := os.Stat(filepath.Join(out, "step_4", f)); err != nil {
			t.Fatalf("expected %s: %v", f, err)
		}
	}

	resume := &Checkpointer{CheckpointDir: base, OutputDir: out, Resume: true, RecipeCheckpoint: filepath.Join(out, "step_4", RecipeStateFile)}
	sd, err := resume.LoadBase()
	if err != nil {
		t.Fatalf("LoadBase: %v", err)
	}
	if w, err := sd.Weights(ModelKey); err != nil || len(w[model.TokEmbeddings]) != 2 {
		t.Fatalf("base weights: %v %v", w, err)
	}
	if a, err := sd.Weights(AdapterKey); err != nil || a[model.LoRAA][1] != 2 {
		t.Fatalf("adapter weights: %v %v", a, err)
	}
	if seed, err := sd.Int64(SeedKey); err != nil || seed != 42 {
		t.Fatalf("seed: %d %v", seed, err)
	}
	if steps, err := sd.Int(StepsRunKey); err != nil || steps != 4 {
		t.Fatalf("steps: %d %v", steps, err)
	}
	ms, err := sd.Optional(MaxStepsKey)
	if err != nil || ms.Ptr() == nil || *ms.Ptr() != 3 {
		t.Fatalf("max steps: %+v %v", ms, err)
	}
	st, err := sd.Optimizer()
	if err != nil || st.Step != 4 || st.Slots["output.lora_a.exp_avg"][1] != 0.25 {
		t.Fatalf("optimizer: %+v %v", st, err)
	}
	if dl, err := sd.Dataloader(); err != nil || dl.Yielded != 2 {
		t.Fatalf("dataloader: %+v %v", dl, err)
	}
}

func TestFullCheckpointHasNoRecipeState(t *testing.T) {
	out := t.TempDir()
	req := testRequest(true)
	req.Merged = nil
	if err := (&Checkpointer{OutputDir: out}).Save(req); err != nil {
		t.Fatalf("Save: %v", err)
	}
	for _, f := range []string{RecipeStateFile, ModelFile} {
		if _, err := os.Stat(filepath.Join(out, "step_4", f)); !os.IsNotExist(err) {
			t.Fatalf("%s should not be written, stat err=%v", f, err)
		}
	}
}

func TestMissingKey(t *testing.T) {
	sd := TrainingProgress{Seed: 1}.StateDict()
	delete(sd, EpochsRunKey)
	if _, err := sd.Int(EpochsRunKey); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
	if _, err := sd.Int(SeedKey); err == nil {
		t.Fatalf("expected type error reading an int64 key as int")
	}
	if ms, err := sd.Optional(MaxStepsKey); err != nil || ms.Ptr() != nil {
		t.Fatalf("unset max steps got %+v %v", ms, err)
	}
}

func TestIOErrors(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	err := (&Checkpointer{OutputDir: blocker}).Save(testRequest(false))
	var ioErr *IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("expected *IOError, got %v", err)
	}
	if _, err := ReadWeights(filepath.Join(t.TempDir(), "missing.gob")); !errors.As(err, &ioErr) || ioErr.Op != "open" {
		t.Fatalf("expected open IOError, got %v", err)
	}
}
