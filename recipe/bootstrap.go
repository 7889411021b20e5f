package recipe

import (
	"maps"
	"path/filepath"

	"github.com/Noofbiz/adaptune/checkpoint"
	"github.com/Noofbiz/adaptune/config"
	"github.com/Noofbiz/adaptune/datasets"
	"github.com/Noofbiz/adaptune/model"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Bootstrap writes what cfg needs to start a run from nothing: randomly
// initialized base weights (and teacher weights for distillation) and a
// synthetic dataset of n examples. seed makes the output reproducible.
func Bootstrap(cfg *config.Config, n int, seed int64) error {
	student, err := model.New(modelConfig(cfg.Model), model.Options{Seed: seed})
	if err != nil {
		return err
	}
	base := student.StateDict()
	maps.DeleteFunc(base, func(k string, _ []float32) bool { return model.IsAdapterKey(k) })
	path := filepath.Join(cfg.Checkpointer.CheckpointDir, checkpoint.ModelFile)
	if err := checkpoint.WriteWeights(path, base); err != nil {
		return errors.WithMessage(err, "writing base weights")
	}
	klog.Infof("Wrote base weights to %s", path)

	if cfg.Recipe == config.RecipeKD && cfg.TeacherModel != nil {
		tc := modelConfig(*cfg.TeacherModel)
		tc.LoRARank = 0
		teacher, err := model.New(tc, model.Options{Seed: seed + 1})
		if err != nil {
			return errors.WithMessage(err, "teacher")
		}
		path := filepath.Join(cfg.Checkpointer.TeacherCheckpointDir, checkpoint.ModelFile)
		if err := checkpoint.WriteWeights(path, teacher.StateDict()); err != nil {
			return errors.WithMessage(err, "writing teacher weights")
		}
		klog.Infof("Wrote teacher weights to %s", path)
	}

	switch cfg.Recipe {
	case config.RecipeDPO:
		err = datasets.WriteSyntheticPreference(cfg.Dataset.Path, n, cfg.Model.Vocab, cfg.Dataset.MaxSeqLen, seed)
	default:
		err = datasets.WriteSyntheticSFT(cfg.Dataset.Path, n, cfg.Model.Vocab, cfg.Dataset.MaxSeqLen, seed)
	}
	if err != nil {
		return errors.WithMessage(err, "writing synthetic dataset")
	}
	klog.Infof("Wrote %d synthetic examples to %s", n, cfg.Dataset.Path)
	return nil
}
