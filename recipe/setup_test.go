package recipe

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Noofbiz/adaptune/checkpoint"
	"github.com/Noofbiz/adaptune/config"
)

// smallConfig is a two epoch run of 4 steps each over a bootstrapped
// workspace in a temporary directory.
func smallConfig(t *testing.T, recipe string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	seed := int64(3)
	cfg := config.Default()
	cfg.Recipe = recipe
	cfg.Seed = &seed
	cfg.Epochs = 2
	cfg.BatchSize = 2
	cfg.GradientAccumulationSteps = 2
	cfg.Model = config.ModelConfig{Vocab: 16, Dim: 8, MaxSeqLen: 16, LoRARank: 2, LoRAAlpha: 4}
	cfg.TeacherModel = &config.ModelConfig{Vocab: 16, Dim: 12, MaxSeqLen: 16}
	cfg.Loss.NumOutputChunks = 2
	cfg.KDLoss.NumOutputChunks = 2
	cfg.Dataset = config.DatasetConfig{Path: filepath.Join(dir, "data", "train.jsonl"), MaxSeqLen: 16}
	cfg.Checkpointer.CheckpointDir = filepath.Join(dir, "student")
	cfg.Checkpointer.TeacherCheckpointDir = filepath.Join(dir, "teacher")
	cfg.OutputDir = filepath.Join(dir, "out")
	cfg.MetricLogger = config.MetricLoggerConfig{JSONL: "metrics.jsonl"}
	if err := Bootstrap(cfg, 16, seed); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	return cfg
}

func setupAndTrain(t *testing.T, cfg *config.Config) *Recipe {
	t.Helper()
	r, err := Setup(cfg)
	if err != nil {
		t.Fatalf("Setup: %+v", err)
	}
	if err := r.Train(context.Background()); err != nil {
		t.Fatalf("Train: %+v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return r
}

func assertFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		if _, err := os.Stat(filepath.Join(dir, n)); err != nil {
			t.Errorf("expected %s: %v", filepath.Join(dir, n), err)
		}
	}
}

func TestDistillationEndToEnd(t *testing.T) {
	cfg := smallConfig(t, config.RecipeKD)
	r := setupAndTrain(t, cfg)
	if r.Progress.GlobalStep != 8 || r.Progress.EpochsRun != 2 {
		t.Fatalf("finished at step %d epoch %d, want 8 and 2", r.Progress.GlobalStep, r.Progress.EpochsRun)
	}

	epoch0 := filepath.Join(cfg.OutputDir, "epoch_0")
	assertFiles(t, epoch0, checkpoint.AdapterFile, checkpoint.AdapterConfigFile, checkpoint.RecipeStateFile)
	if _, err := os.Stat(filepath.Join(epoch0, checkpoint.ModelFile)); err == nil {
		t.Errorf("intermediate checkpoint should not hold merged weights")
	}
	assertFiles(t, filepath.Join(cfg.OutputDir, "epoch_1"), checkpoint.ModelFile, checkpoint.AdapterFile)

	data, err := os.ReadFile(filepath.Join(cfg.OutputDir, "metrics.jsonl"))
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	for _, key := range []string{"class_loss", "kd_loss", "grad_norm"} {
		if !strings.Contains(string(data), key) {
			t.Errorf("metrics do not mention %s", key)
		}
	}

	// resume from the end of the first epoch
	cfg.ResumeFromCheckpoint = true
	cfg.Checkpointer.RecipeCheckpoint = filepath.Join(epoch0, checkpoint.RecipeStateFile)
	resumed, err := Setup(cfg)
	if err != nil {
		t.Fatalf("Setup on resume: %+v", err)
	}
	if resumed.Progress.EpochsRun != 1 || resumed.Progress.GlobalStep != 4 {
		t.Fatalf("resumed at epoch %d step %d, want 1 and 4", resumed.Progress.EpochsRun, resumed.Progress.GlobalStep)
	}
	if err := resumed.Train(context.Background()); err != nil {
		t.Fatalf("Train on resume: %+v", err)
	}
	_ = resumed.Close()
	if resumed.Progress.GlobalStep != 8 {
		t.Fatalf("resumed run finished at step %d want 8", resumed.Progress.GlobalStep)
	}
}

func TestPreferenceEndToEnd(t *testing.T) {
	cfg := smallConfig(t, config.RecipeDPO)
	cfg.LRScheduler = nil
	r := setupAndTrain(t, cfg)
	if r.Progress.GlobalStep != 8 {
		t.Fatalf("finished at step %d want 8", r.Progress.GlobalStep)
	}
	assertFiles(t, filepath.Join(cfg.OutputDir, "epoch_1"), checkpoint.ModelFile)
	data, err := os.ReadFile(filepath.Join(cfg.OutputDir, "metrics.jsonl"))
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	for _, key := range []string{"rewards/accuracies", "log_probs/chosen", "logits/rejected"} {
		if !strings.Contains(string(data), key) {
			t.Errorf("metrics do not mention %s", key)
		}
	}
}

func TestResumeWithoutAdapterWeights(t *testing.T) {
	cfg := smallConfig(t, config.RecipeKD)
	setupAndTrain(t, cfg)

	epoch0 := filepath.Join(cfg.OutputDir, "epoch_0")
	if err := os.Remove(filepath.Join(epoch0, checkpoint.AdapterFile)); err != nil {
		t.Fatalf("removing adapter: %v", err)
	}
	cfg.ResumeFromCheckpoint = true
	cfg.Checkpointer.RecipeCheckpoint = filepath.Join(epoch0, checkpoint.RecipeStateFile)
	_, err := Setup(cfg)
	if !errors.Is(err, ErrAdapterWeightsMissing) {
		t.Fatalf("Setup got %v want ErrAdapterWeightsMissing", err)
	}
}

func TestSetupRejectsHalfPrecision(t *testing.T) {
	cfg := smallConfig(t, config.RecipeKD)
	cfg.DType = "fp16"
	_, err := Setup(cfg)
	var ce *config.ConfigurationError
	if !errors.As(err, &ce) || ce.Field != "dtype" {
		t.Fatalf("Setup got %v want a dtype configuration error", err)
	}
}

func TestSetupRejectsTooMuchAccumulation(t *testing.T) {
	cfg := smallConfig(t, config.RecipeKD)
	cfg.GradientAccumulationSteps = 9
	_, err := Setup(cfg)
	var ce *config.ConfigurationError
	if !errors.As(err, &ce) || ce.Field != "gradient_accumulation_steps" {
		t.Fatalf("Setup got %v want a gradient_accumulation_steps configuration error", err)
	}
}
