package config

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	c := Default()
	c.Recipe = RecipeDPO
	if err := c.Validate(); err != nil {
		t.Fatalf("default dpo config invalid: %v", err)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.json")
	body := `{"recipe":"dpo","epochs":3,"save_every_n_steps":5,"lr_scheduler":null,"optimizer":{"type":"sgd","lr":0.1,"momentum":0.9}}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Recipe != RecipeDPO || c.Epochs != 3 || *c.SaveEveryNSteps != 5 {
		t.Fatalf("json values not applied: %+v", c)
	}
	if c.LRScheduler != nil {
		t.Fatalf("null scheduler should disable it")
	}
	if c.BatchSize != Default().BatchSize || c.Model != Default().Model {
		t.Fatalf("defaults lost for unspecified fields")
	}
	if c.Optimizer.Type != "sgd" || c.Optimizer.Momentum != 0.9 || c.Optimizer.Beta1 != Default().Optimizer.Beta1 {
		t.Fatalf("nested object should merge into the defaults: %+v", c.Optimizer)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.json")
	if err := os.WriteFile(path, []byte(`{"epochz":3}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestWriteThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "run.json")
	c := Default()
	c.Seed = ptr(int64(7))
	c.MaxStepsPerEpoch = ptr(3)
	if err := c.Write(path); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if *got.Seed != 7 || *got.MaxStepsPerEpoch != 3 {
		t.Fatalf("got %+v", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"fp16", func(c *Config) { c.DType = "fp16" }, "dtype"},
		{"offload on cpu", func(c *Config) {
			c.EnableActivationOffloading = true
			c.EnableActivationCheckpointing = true
		}, "enable_activation_offloading"},
		{"offload without checkpointing", func(c *Config) {
			c.EnableActivationOffloading = true
			c.Device = "cuda"
		}, "enable_activation_offloading"},
		{"chunk mismatch", func(c *Config) { c.KDLoss.NumOutputChunks = 4 }, "kd_loss.num_output_chunks"},
		{"linear projection", func(c *Config) { c.Loss.Type = "linear_cross_entropy" }, "loss"},
		{"missing scheduler", func(c *Config) { c.LRScheduler = nil }, "lr_scheduler"},
		{"zero accumulation", func(c *Config) { c.GradientAccumulationSteps = 0 }, "gradient_accumulation_steps"},
		{"negative max steps", func(c *Config) { c.MaxStepsPerEpoch = ptr(-1) }, "max_steps_per_epoch"},
		{"zero cadence", func(c *Config) { c.SaveEveryNSteps = ptr(0) }, "save_every_n_steps"},
		{"kd ratio", func(c *Config) { c.KDRatio = 1.5 }, "kd_ratio"},
		{"resume without state", func(c *Config) { c.ResumeFromCheckpoint = true }, "checkpointer.recipe_checkpoint"},
		{"teacher vocab", func(c *Config) { c.TeacherModel.Vocab = 10 }, "teacher_model.vocab"},
		{"recipe", func(c *Config) { c.Recipe = "ppo" }, "recipe"},
		{"dpo packed", func(c *Config) {
			c.Recipe = RecipeDPO
			c.Dataset.Packed = true
		}, "dataset.packed"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.mutate(c)
			err := c.Validate()
			var ce *ConfigurationError
			if !errors.As(err, &ce) {
				t.Fatalf("expected *ConfigurationError, got %v", err)
			}
			if ce.Field != tc.field {
				t.Fatalf("field got %q want %q (%v)", ce.Field, tc.field, err)
			}
		})
	}
}

func TestDPOAllowsMissingScheduler(t *testing.T) {
	c := Default()
	c.Recipe = RecipeDPO
	c.LRScheduler = nil
	c.TeacherModel = nil
	if err := c.Validate(); err != nil {
		t.Fatalf("dpo without scheduler should be valid: %v", err)
	}
}

func TestFlagsOverrideOnlyWhenSet(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := NewFlags(fs)
	if err := fs.Parse([]string{"-epochs", "4", "-save-every-n-steps", "2", "-seed", "11"}); err != nil {
		t.Fatal(err)
	}
	c := Default()
	c.BatchSize = 16 // as if from JSON
	f.Apply(c)
	if c.Epochs != 4 || *c.SaveEveryNSteps != 2 || *c.Seed != 11 {
		t.Fatalf("flags not applied: %+v", c)
	}
	if c.BatchSize != 16 {
		t.Fatalf("unset flag overrode json value")
	}
	if c.MaxStepsPerEpoch != nil {
		t.Fatalf("unset optional flag should stay nil")
	}
}

func TestOutputPath(t *testing.T) {
	c := Default()
	c.OutputDir = "/runs/a"
	if got := c.OutputPath("plots"); got != "/runs/a/plots" {
		t.Fatalf("got %s", got)
	}
	if got := c.OutputPath("/abs/x.jsonl"); got != "/abs/x.jsonl" {
		t.Fatalf("got %s", got)
	}
	if c.OutputPath("") != "" {
		t.Fatalf("empty path should stay disabled")
	}
}
