package recipe

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/Noofbiz/adaptune/checkpoint"
	"github.com/Noofbiz/adaptune/config"
	"github.com/Noofbiz/adaptune/datasets"
	"github.com/Noofbiz/adaptune/metrics"
	"github.com/Noofbiz/adaptune/model"
	"github.com/Noofbiz/adaptune/optim"
	"github.com/Noofbiz/adaptune/schedule"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Setup builds a ready to train Recipe from cfg: it loads the base (and, when
// resuming, the recipe) checkpoint, the models, the optimizer, the data and
// the learning rate schedule, in that order, since each depends on the
// previous ones.
func Setup(cfg *config.Config) (*Recipe, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dt, err := model.ParseDType(cfg.DType)
	if err != nil {
		return nil, &config.ConfigurationError{Field: "dtype", Reason: err.Error()}
	}

	seed := time.Now().UnixNano()
	if cfg.Seed != nil {
		seed = *cfg.Seed
	}
	progress := checkpoint.TrainingProgress{
		Seed:             seed,
		TotalEpochs:      cfg.Epochs,
		MaxStepsPerEpoch: cfg.MaxStepsPerEpoch,
	}

	ckpt := &checkpoint.Checkpointer{
		CheckpointDir:    cfg.Checkpointer.CheckpointDir,
		OutputDir:        cfg.OutputDir,
		Resume:           cfg.ResumeFromCheckpoint,
		RecipeCheckpoint: cfg.Checkpointer.RecipeCheckpoint,
	}
	sd, err := ckpt.LoadBase()
	if err != nil {
		return nil, errors.WithMessage(err, "loading base checkpoint")
	}
	if cfg.ResumeFromCheckpoint {
		if _, err := Reconcile(&progress, sd); err != nil {
			return nil, err
		}
	}
	klog.Infof("Seed is %d", progress.Seed)

	student, err := setupStudent(cfg, dt, progress.Seed, sd)
	if err != nil {
		return nil, err
	}

	var teacher Teacher
	if cfg.Recipe == config.RecipeKD {
		t, err := setupTeacher(cfg, dt, progress.Seed)
		if err != nil {
			return nil, err
		}
		teacher = t
	}
	composer, err := NewComposer(cfg, student, teacher)
	if err != nil {
		return nil, err
	}
	klog.Infof("Loss is initialized (%s, %s)", cfg.Recipe, composer.Normalization())

	opt, err := optim.NewOptimizer(optim.Config{
		Type:        cfg.Optimizer.Type,
		LR:          cfg.Optimizer.LR,
		Beta1:       &cfg.Optimizer.Beta1,
		Beta2:       &cfg.Optimizer.Beta2,
		Eps:         &cfg.Optimizer.Eps,
		WeightDecay: cfg.Optimizer.WeightDecay,
		Momentum:    cfg.Optimizer.Momentum,
	}, student.TrainableParams())
	if err != nil {
		return nil, errors.WithMessage(err, "setting up optimizer")
	}
	if cfg.ResumeFromCheckpoint {
		st, err := sd.Optimizer()
		if err != nil {
			return nil, &CheckpointIntegrityError{Key: checkpoint.OptimizerKey, Err: err}
		}
		if err := opt.LoadStateDict(st); err != nil {
			return nil, errors.WithMessage(err, "restoring optimizer state")
		}
	}
	klog.Infof("Optimizer is initialized (%s)", cfg.Optimizer.Type)

	loader, err := setupData(cfg, progress.Seed)
	if err != nil {
		return nil, err
	}
	if cfg.ResumeFromCheckpoint && sd.Has(checkpoint.DataloaderKey) {
		loader.LoadState(progress.DataloaderState)
	}

	sched := schedule.Compute(schedule.Inputs{
		DataSourceLength:          loader.Len(),
		GradientAccumulationSteps: cfg.GradientAccumulationSteps,
		MaxStepsPerEpoch:          progress.MaxStepsPerEpoch,
		SaveEveryNSteps:           cfg.SaveEveryNSteps,
		EpochsRun:                 progress.EpochsRun,
		GlobalStep:                progress.GlobalStep,
		TotalEpochs:               progress.TotalEpochs,
	})
	if sched.StepsPerEpoch == 0 {
		return nil, &config.ConfigurationError{
			Field:  "gradient_accumulation_steps",
			Reason: fmt.Sprintf("%d exceeds the %d batches of an epoch", cfg.GradientAccumulationSteps, loader.Len()),
		}
	}
	progress.GlobalStep = sched.GlobalStep

	// a checkpoint taken at the end of an epoch left the rest of that epoch
	// unread; consume it so the next epoch starts fresh
	if cfg.ResumeFromCheckpoint && progress.GlobalStep%sched.StepsPerEpoch == 0 {
		if err := drain(loader); err != nil {
			return nil, err
		}
	}

	var lrs optim.Scheduler
	if cfg.LRScheduler != nil {
		s, err := optim.NewScheduler(optim.SchedulerConfig{
			Type:           cfg.LRScheduler.Type,
			NumWarmupSteps: cfg.LRScheduler.NumWarmupSteps,
			NumCycles:      cfg.LRScheduler.NumCycles,
			PeriodSteps:    cfg.LRScheduler.PeriodSteps,
			TMult:          cfg.LRScheduler.TMult,
		}, opt, cfg.Optimizer.LR, sched.TotalSteps, progress.GlobalStep-1)
		if err != nil {
			return nil, errors.WithMessage(err, "setting up lr scheduler")
		}
		lrs = s
		klog.Infof("Learning rate scheduler is initialized (%s)", cfg.LRScheduler.Type)
	}

	sink, err := setupMetrics(cfg, sched.StepsPerEpoch)
	if err != nil {
		return nil, err
	}
	sink.LogConfig(cfg)

	klog.Infof("Training %d epochs of %d steps (%d microbatches each), starting at epoch %d step %d",
		progress.TotalEpochs, sched.StepsPerEpoch, cfg.GradientAccumulationSteps, progress.EpochsRun, progress.GlobalStep)
	return &Recipe{
		Model:       student,
		Data:        loader,
		Checkpoints: ckpt,
		Metrics:     sink,
		Executor: &StepExecutor{
			Device:   Host{},
			Composer: composer,
			Accum:    cfg.GradientAccumulationSteps,
		},
		Optimizer: opt,
		Scheduler: lrs,
		Schedule:  sched,
		Trigger: CheckpointTrigger{
			Every:         sched.CheckpointEvery,
			StepsPerEpoch: sched.StepsPerEpoch,
			TotalEpochs:   progress.TotalEpochs,
		},
		Progress:               progress,
		ClipGradNorm:           cfg.ClipGradNorm,
		LogEveryNSteps:         cfg.LogEveryNSteps,
		LogPeakMemoryStats:     cfg.LogPeakMemoryStats,
		SaveAdapterWeightsOnly: cfg.SaveAdapterWeightsOnly,
	}, nil
}

func modelConfig(c config.ModelConfig) model.Config {
	return model.Config{Vocab: c.Vocab, Dim: c.Dim, MaxSeqLen: c.MaxSeqLen, LoRARank: c.LoRARank, LoRAAlpha: c.LoRAAlpha}
}

func setupStudent(cfg *config.Config, dt dtypes.DType, seed int64, sd checkpoint.StateDict) (*model.TinyLM, error) {
	m, err := model.New(modelConfig(cfg.Model), model.Options{
		DType:                   dt,
		ActivationCheckpointing: cfg.EnableActivationCheckpointing,
		LowCPURAM:               cfg.LowCPURAM,
		Seed:                    seed,
	})
	if err != nil {
		return nil, err
	}
	base, err := sd.Weights(checkpoint.ModelKey)
	if err != nil {
		return nil, err
	}
	baseMissing, baseUnexpected, err := m.LoadStateDict(base)
	if err != nil {
		return nil, errors.WithMessage(err, "loading base weights")
	}

	var adapterMissing, adapterUnexpected []string
	if cfg.ResumeFromCheckpoint {
		adapter, err := sd.Weights(checkpoint.AdapterKey)
		if err != nil {
			return nil, errors.Wrapf(ErrAdapterWeightsMissing, "%v", err)
		}
		if adapterMissing, adapterUnexpected, err = m.LoadStateDict(adapter); err != nil {
			return nil, errors.WithMessage(err, "loading adapter weights")
		}
	}
	if err := model.ValidateLoRALoad(baseMissing, baseUnexpected, adapterMissing, adapterUnexpected, cfg.ResumeFromCheckpoint); err != nil {
		return nil, err
	}
	if err := model.ValidateParamDType(m.TrainableParams(), dt); err != nil {
		return nil, err
	}
	klog.Infof("Model is initialized with precision %s", dt)
	return m, nil
}

func setupTeacher(cfg *config.Config, dt dtypes.DType, seed int64) (*model.TinyLM, error) {
	tc := modelConfig(*cfg.TeacherModel)
	tc.LoRARank = 0
	m, err := model.New(tc, model.Options{DType: dt, LowCPURAM: true, Seed: seed})
	if err != nil {
		return nil, errors.WithMessage(err, "teacher")
	}
	w, err := checkpoint.ReadWeights(filepath.Join(cfg.Checkpointer.TeacherCheckpointDir, checkpoint.ModelFile))
	if err != nil {
		return nil, errors.WithMessage(err, "loading teacher checkpoint")
	}
	missing, unexpected, err := m.LoadStateDict(w)
	if err != nil {
		return nil, errors.WithMessage(err, "loading teacher weights")
	}
	if len(missing) > 0 || len(unexpected) > 0 {
		return nil, errors.Errorf("teacher checkpoint does not match the teacher model: missing %v, unexpected %v", missing, unexpected)
	}
	if err := model.ValidateParamDType(m.Params(), dt); err != nil {
		return nil, errors.WithMessage(err, "teacher")
	}
	klog.Infof("Teacher model is initialized with precision %s", dt)
	return m, nil
}

func setupData(cfg *config.Config, seed int64) (*datasets.Loader, error) {
	var ds datasets.Collatable
	switch cfg.Recipe {
	case config.RecipeDPO:
		d, err := datasets.NewPreferenceDataset(cfg.Dataset.Path, cfg.Dataset.MaxSeqLen)
		if err != nil {
			return nil, err
		}
		ds = d
	default:
		d, err := datasets.NewSFTDataset(cfg.Dataset.Path, cfg.Dataset.MaxSeqLen)
		if err != nil {
			return nil, err
		}
		ds = d
		if cfg.Dataset.Packed {
			p, err := datasets.NewPackedDataset(d, cfg.Dataset.MaxSeqLen)
			if err != nil {
				return nil, err
			}
			ds = p
		}
	}
	loader, err := datasets.NewLoader(ds, cfg.BatchSize, cfg.Shuffle, seed)
	if err != nil {
		return nil, err
	}
	klog.Infof("Dataset and Sampler are initialized: %d examples, %d batches per epoch", ds.Len(), loader.Len())
	return loader, nil
}

func drain(d DataSource) error {
	for b, err := range d.Batches() {
		if err != nil {
			return err
		}
		b.Release()
	}
	return nil
}

func setupMetrics(cfg *config.Config, stepsPerEpoch int) (metrics.Multi, error) {
	sinks := metrics.Multi{metrics.NewLogSink(klog.Background())}
	ml := cfg.MetricLogger
	if p := cfg.OutputPath(ml.JSONL); p != "" {
		s, err := metrics.NewJSONLSink(p)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if p := cfg.OutputPath(ml.Plot); p != "" {
		sinks = append(sinks, metrics.NewPlotSink(p, ml.PlotKeys...))
	}
	if p := cfg.OutputPath(ml.Progression); p != "" {
		sinks = append(sinks, metrics.NewProgressionSink(p, cfg.Epochs, stepsPerEpoch))
	}
	return sinks, nil
}
