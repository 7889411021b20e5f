package config

import "flag"

// Flags are command line overrides of a Config. Only the flags given on the
// command line replace values; the defaults printed by -help are the built-in
// defaults, not whatever the JSON file holds.
type Flags struct {
	fs *flag.FlagSet

	recipe, dtype, dataset, outputDir, checkpointDir, recipeCheckpoint *string
	seed                                                               *int64
	epochs, maxSteps, accum, batchSize, saveEvery, logEvery            *int
	lr, kdRatio, clip                                                  *float64
	resume, adapterOnly, activationCkpt, lowCPURAM                     *bool
}

// NewFlags registers the override flags on fs.
func NewFlags(fs *flag.FlagSet) *Flags {
	d := Default()
	return &Flags{
		fs:               fs,
		recipe:           fs.String("recipe", d.Recipe, "training recipe: 'kd' or 'dpo'"),
		dtype:            fs.String("dtype", d.DType, "parameter precision: 'fp32' or 'bf16'"),
		dataset:          fs.String("dataset", d.Dataset.Path, "path of the JSONL training dataset"),
		outputDir:        fs.String("output-dir", d.OutputDir, "directory checkpoints and metrics are written to"),
		checkpointDir:    fs.String("checkpoint-dir", d.Checkpointer.CheckpointDir, "directory holding the base model.gob"),
		recipeCheckpoint: fs.String("recipe-checkpoint", "", "recipe_state.gob to resume from"),
		seed:             fs.Int64("seed", 0, "random seed (drawn from the clock if not given)"),
		epochs:           fs.Int("epochs", d.Epochs, "number of training epochs"),
		maxSteps:         fs.Int("max-steps-per-epoch", 0, "cap on optimizer steps per epoch"),
		accum:            fs.Int("gradient-accumulation-steps", d.GradientAccumulationSteps, "microbatches per optimizer step"),
		batchSize:        fs.Int("batch-size", d.BatchSize, "microbatch size"),
		saveEvery:        fs.Int("save-every-n-steps", 0, "checkpoint every n optimizer steps instead of every epoch"),
		logEvery:         fs.Int("log-every-n-steps", d.LogEveryNSteps, "metric logging cadence in optimizer steps"),
		lr:               fs.Float64("lr", d.Optimizer.LR, "optimizer learning rate"),
		kdRatio:          fs.Float64("kd-ratio", d.KDRatio, "weight of the distillation loss"),
		clip:             fs.Float64("clip-grad-norm", 0, "max adapter gradient norm"),
		resume:           fs.Bool("resume", false, "resume from -recipe-checkpoint"),
		adapterOnly:      fs.Bool("save-adapter-weights-only", false, "skip the merged model in the final checkpoint"),
		activationCkpt:   fs.Bool("activation-checkpointing", false, "recompute activations in the backward pass"),
		lowCPURAM:        fs.Bool("low-cpu-ram", false, "allocate base weights only when the checkpoint is loaded"),
	}
}

// Apply copies every flag set on the command line into c. Call it after
// fs.Parse.
func (f *Flags) Apply(c *Config) {
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "recipe":
			c.Recipe = *f.recipe
		case "dtype":
			c.DType = *f.dtype
		case "dataset":
			c.Dataset.Path = *f.dataset
		case "output-dir":
			c.OutputDir = *f.outputDir
		case "checkpoint-dir":
			c.Checkpointer.CheckpointDir = *f.checkpointDir
		case "recipe-checkpoint":
			c.Checkpointer.RecipeCheckpoint = *f.recipeCheckpoint
		case "seed":
			c.Seed = ptr(*f.seed)
		case "epochs":
			c.Epochs = *f.epochs
		case "max-steps-per-epoch":
			c.MaxStepsPerEpoch = ptr(*f.maxSteps)
		case "gradient-accumulation-steps":
			c.GradientAccumulationSteps = *f.accum
		case "batch-size":
			c.BatchSize = *f.batchSize
		case "save-every-n-steps":
			c.SaveEveryNSteps = ptr(*f.saveEvery)
		case "log-every-n-steps":
			c.LogEveryNSteps = *f.logEvery
		case "lr":
			c.Optimizer.LR = *f.lr
		case "kd-ratio":
			c.KDRatio = *f.kdRatio
		case "clip-grad-norm":
			c.ClipGradNorm = ptr(*f.clip)
		case "resume":
			c.ResumeFromCheckpoint = *f.resume
		case "save-adapter-weights-only":
			c.SaveAdapterWeightsOnly = *f.adapterOnly
		case "activation-checkpointing":
			c.EnableActivationCheckpointing = *f.activationCkpt
		case "low-cpu-ram":
			c.LowCPURAM = *f.lowCPURAM
		}
	})
}

func ptr[T any](v T) *T { return &v }
