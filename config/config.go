// Package config holds the configuration of a fine-tuning run.
//
// A run is configured by a JSON file decoded on top of Default(), then by
// command line flags that were set explicitly (see Flags). Optional values are
// pointers: a nil pointer means the feature is off or the value is unset.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Noofbiz/adaptune/loss"
	"github.com/Noofbiz/adaptune/model"
	"github.com/Noofbiz/adaptune/optim"
	"github.com/pkg/errors"
)

// Recipes.
const (
	RecipeKD  = "kd"
	RecipeDPO = "dpo"
)

// Config is the full configuration of a run.
type Config struct {
	Recipe string `json:"recipe"`

	// Seed is drawn from the clock when unset.
	Seed *int64 `json:"seed,omitempty"`

	Epochs                    int  `json:"epochs"`
	MaxStepsPerEpoch          *int `json:"max_steps_per_epoch,omitempty"`
	GradientAccumulationSteps int  `json:"gradient_accumulation_steps"`
	BatchSize                 int  `json:"batch_size"`
	Shuffle                   bool `json:"shuffle"`

	// SaveEveryNSteps switches checkpoints from once per epoch to a step
	// cadence.
	SaveEveryNSteps *int `json:"save_every_n_steps,omitempty"`

	LogEveryNSteps     int  `json:"log_every_n_steps"`
	LogPeakMemoryStats bool `json:"log_peak_memory_stats"`

	// ClipGradNorm clips the adapter gradient norm. Unset only measures it.
	ClipGradNorm *float64 `json:"clip_grad_norm,omitempty"`

	// KDRatio weights the distillation loss against the task loss.
	KDRatio float64 `json:"kd_ratio"`

	DType  string `json:"dtype"`
	Device string `json:"device"`

	EnableActivationCheckpointing bool `json:"enable_activation_checkpointing"`
	EnableActivationOffloading    bool `json:"enable_activation_offloading"`
	LowCPURAM                     bool `json:"low_cpu_ram"`

	ResumeFromCheckpoint   bool   `json:"resume_from_checkpoint"`
	SaveAdapterWeightsOnly bool   `json:"save_adapter_weights_only"`
	OutputDir              string `json:"output_dir"`

	Model        ModelConfig  `json:"model"`
	TeacherModel *ModelConfig `json:"teacher_model,omitempty"`

	Checkpointer   CheckpointerConfig   `json:"checkpointer"`
	Loss           LossConfig           `json:"loss"`
	KDLoss         LossConfig           `json:"kd_loss"`
	PreferenceLoss PreferenceLossConfig `json:"preference_loss"`
	Optimizer      OptimizerConfig      `json:"optimizer"`

	// LRScheduler is mandatory for distillation and optional for preference
	// training.
	LRScheduler *SchedulerConfig `json:"lr_scheduler"`

	Dataset      DatasetConfig      `json:"dataset"`
	MetricLogger MetricLoggerConfig `json:"metric_logger"`
}

type ModelConfig struct {
	Vocab     int     `json:"vocab"`
	Dim       int     `json:"dim"`
	MaxSeqLen int     `json:"max_seq_len"`
	LoRARank  int     `json:"lora_rank"`
	LoRAAlpha float64 `json:"lora_alpha"`
}

type CheckpointerConfig struct {
	CheckpointDir string `json:"checkpoint_dir"`

	// RecipeCheckpoint is the recipe_state file to resume from.
	RecipeCheckpoint     string `json:"recipe_checkpoint,omitempty"`
	TeacherCheckpointDir string `json:"teacher_checkpoint_dir,omitempty"`
}

type LossConfig struct {
	Type             string `json:"type"`
	NumOutputChunks  int    `json:"num_output_chunks"`
	IgnoreIndex      int32  `json:"ignore_index"`
	LinearProjection bool   `json:"linear_projection,omitempty"`
}

type PreferenceLossConfig struct {
	Type           string  `json:"type"`
	Beta           float64 `json:"beta"`
	LabelSmoothing float64 `json:"label_smoothing"`
}

type OptimizerConfig struct {
	Type        string  `json:"type"`
	LR          float64 `json:"lr"`
	Beta1       float64 `json:"beta1"`
	Beta2       float64 `json:"beta2"`
	Eps         float64 `json:"eps"`
	WeightDecay float64 `json:"weight_decay"`
	Momentum    float64 `json:"momentum,omitempty"`
}

type SchedulerConfig struct {
	Type           string  `json:"type"`
	NumWarmupSteps int     `json:"num_warmup_steps"`
	NumCycles      float64 `json:"num_cycles,omitempty"`
	PeriodSteps    int     `json:"period_steps,omitempty"`
	TMult          float64 `json:"t_mult,omitempty"`
}

type DatasetConfig struct {
	Path      string `json:"path"`
	Packed    bool   `json:"packed"`
	MaxSeqLen int    `json:"max_seq_len"`
}

// MetricLoggerConfig selects the metric sinks besides the log. Relative paths
// are resolved against OutputDir; empty disables the sink.
type MetricLoggerConfig struct {
	JSONL       string   `json:"jsonl"`
	Plot        string   `json:"plot"`
	PlotKeys    []string `json:"plot_keys,omitempty"`
	Progression string   `json:"progression"`
}

// Default returns the configuration used for every value the JSON file and
// flags don't set.
func Default() *Config {
	return &Config{
		Recipe:                    RecipeKD,
		Epochs:                    1,
		GradientAccumulationSteps: 1,
		BatchSize:                 4,
		Shuffle:                   true,
		LogEveryNSteps:            1,
		KDRatio:                   0.5,
		DType:                     "fp32",
		Device:                    "cpu",
		OutputDir:                 "output",
		Model:                     ModelConfig{Vocab: 64, Dim: 32, MaxSeqLen: 32, LoRARank: 8, LoRAAlpha: 16},
		TeacherModel:              &ModelConfig{Vocab: 64, Dim: 48, MaxSeqLen: 32},
		Checkpointer: CheckpointerConfig{
			CheckpointDir:        "checkpoints/student",
			TeacherCheckpointDir: "checkpoints/teacher",
		},
		Loss:           LossConfig{Type: loss.TypeCrossEntropy, NumOutputChunks: 8, IgnoreIndex: loss.IgnoreIndex},
		KDLoss:         LossConfig{Type: loss.TypeForwardKL, NumOutputChunks: 8, IgnoreIndex: loss.IgnoreIndex},
		PreferenceLoss: PreferenceLossConfig{Type: loss.TypeDPO, Beta: 0.1},
		Optimizer: OptimizerConfig{
			Type: optim.TypeAdamW, LR: 3e-4, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, WeightDecay: 0.01,
		},
		LRScheduler:  &SchedulerConfig{Type: optim.SchedCosineWithWarmup, NumWarmupSteps: 2},
		Dataset:      DatasetConfig{Path: "data/train.jsonl", MaxSeqLen: 32},
		MetricLogger: MetricLoggerConfig{JSONL: "logs/metrics.jsonl", Plot: "plots"},
	}
}

// Load reads the JSON file at path over the defaults. An empty path returns
// the defaults. Unknown fields are an error.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		return nil, errors.Wrapf(err, "decoding config %s", path)
	}
	return c, nil
}

// JSON is the indented JSON form of c, as Load reads it.
func (c *Config) JSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Write stores c at path, creating the directory if needed.
func (c *Config) Write(path string) error {
	data, err := c.JSON()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "mkdir for %s", path)
	}
	return errors.Wrapf(os.WriteFile(path, append(data, '\n'), 0644), "writing config %s", path)
}

// OutputPath resolves a metric logger path against OutputDir. Empty stays
// empty.
func (c *Config) OutputPath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.OutputDir, p)
}

// ConfigurationError is an invalid or unsupported combination of settings,
// detected before training starts.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks c and returns the first problem as a *ConfigurationError.
func (c *Config) Validate() error {
	if c.Recipe != RecipeKD && c.Recipe != RecipeDPO {
		return invalid("recipe", "%q is not one of %q, %q", c.Recipe, RecipeKD, RecipeDPO)
	}
	if _, err := model.ParseDType(c.DType); err != nil {
		return invalid("dtype", "%v", err)
	}
	if c.EnableActivationOffloading {
		if c.Device != "cuda" && c.Device != "xpu" {
			return invalid("enable_activation_offloading", "only supported on cuda or xpu devices, got %q", c.Device)
		}
		if !c.EnableActivationCheckpointing {
			return invalid("enable_activation_offloading", "requires enable_activation_checkpointing")
		}
	}

	positives := []struct {
		field string
		v     int
	}{
		{"epochs", c.Epochs},
		{"gradient_accumulation_steps", c.GradientAccumulationSteps},
		{"batch_size", c.BatchSize},
		{"log_every_n_steps", c.LogEveryNSteps},
		{"model.vocab", c.Model.Vocab},
		{"model.dim", c.Model.Dim},
		{"model.max_seq_len", c.Model.MaxSeqLen},
		{"model.lora_rank", c.Model.LoRARank},
		{"dataset.max_seq_len", c.Dataset.MaxSeqLen},
	}
	for _, p := range positives {
		if p.v <= 0 {
			return invalid(p.field, "must be > 0, got %d", p.v)
		}
	}
	if c.MaxStepsPerEpoch != nil && *c.MaxStepsPerEpoch <= 0 {
		return invalid("max_steps_per_epoch", "must be > 0 when set, got %d", *c.MaxStepsPerEpoch)
	}
	if c.SaveEveryNSteps != nil && *c.SaveEveryNSteps <= 0 {
		return invalid("save_every_n_steps", "must be > 0 when set, got %d", *c.SaveEveryNSteps)
	}
	if c.ClipGradNorm != nil && !(*c.ClipGradNorm > 0) {
		return invalid("clip_grad_norm", "must be > 0 when set, got %g", *c.ClipGradNorm)
	}
	if !(c.Optimizer.LR > 0) {
		return invalid("optimizer.lr", "must be > 0, got %g", c.Optimizer.LR)
	}
	if c.Dataset.MaxSeqLen > c.Model.MaxSeqLen {
		return invalid("dataset.max_seq_len", "%d exceeds model.max_seq_len %d", c.Dataset.MaxSeqLen, c.Model.MaxSeqLen)
	}
	if c.Dataset.Path == "" {
		return invalid("dataset.path", "is required")
	}
	if c.Checkpointer.CheckpointDir == "" {
		return invalid("checkpointer.checkpoint_dir", "is required")
	}
	if c.OutputDir == "" {
		return invalid("output_dir", "is required")
	}
	if c.ResumeFromCheckpoint && c.Checkpointer.RecipeCheckpoint == "" {
		return invalid("checkpointer.recipe_checkpoint", "is required when resume_from_checkpoint is set")
	}

	if c.Recipe == RecipeKD {
		return c.validateKD()
	}
	return c.validateDPO()
}

func (c *Config) validateKD() error {
	if c.KDRatio < 0 || c.KDRatio > 1 {
		return invalid("kd_ratio", "must be in [0, 1], got %g", c.KDRatio)
	}
	if c.Loss.LinearProjection || c.Loss.Type == loss.TypeLinearCrossEntropy {
		return invalid("loss", "linear projection losses are not supported for knowledge distillation")
	}
	if c.Loss.NumOutputChunks != c.KDLoss.NumOutputChunks {
		return invalid("kd_loss.num_output_chunks", "%d differs from loss.num_output_chunks %d",
			c.KDLoss.NumOutputChunks, c.Loss.NumOutputChunks)
	}
	if c.LRScheduler == nil {
		return invalid("lr_scheduler", "is required for knowledge distillation")
	}
	if c.TeacherModel == nil {
		return invalid("teacher_model", "is required for knowledge distillation")
	}
	if c.TeacherModel.Vocab != c.Model.Vocab {
		return invalid("teacher_model.vocab", "%d differs from model.vocab %d", c.TeacherModel.Vocab, c.Model.Vocab)
	}
	if c.TeacherModel.Dim <= 0 || c.TeacherModel.MaxSeqLen < c.Dataset.MaxSeqLen {
		return invalid("teacher_model", "needs dim > 0 and max_seq_len >= dataset.max_seq_len")
	}
	if c.Checkpointer.TeacherCheckpointDir == "" {
		return invalid("checkpointer.teacher_checkpoint_dir", "is required for knowledge distillation")
	}
	return nil
}

func (c *Config) validateDPO() error {
	if c.Dataset.Packed {
		return invalid("dataset.packed", "packing is not supported for preference datasets")
	}
	if !(c.PreferenceLoss.Beta > 0) {
		return invalid("preference_loss.beta", "must be > 0, got %g", c.PreferenceLoss.Beta)
	}
	if c.PreferenceLoss.LabelSmoothing < 0 || c.PreferenceLoss.LabelSmoothing >= 0.5 {
		return invalid("preference_loss.label_smoothing", "must be in [0, 0.5), got %g", c.PreferenceLoss.LabelSmoothing)
	}
	return nil
}
