package recipe

import (
	"fmt"

	"github.com/Noofbiz/adaptune/config"
	"github.com/Noofbiz/adaptune/loss"
	"github.com/Noofbiz/adaptune/model"
	"github.com/pkg/errors"
)

// Normalization is how the gradients of a window are brought to the scale of
// its mean loss.
type Normalization int

const (
	// RescaleByTokens backpropagates every microbatch loss times its token
	// count and divides the accumulated gradients by the window's tokens
	// before the optimizer step.
	RescaleByTokens Normalization = iota

	// PreDivide backpropagates every microbatch loss divided by the number of
	// microbatches per step. Nothing is rescaled at the step.
	PreDivide
)

func (n Normalization) String() string {
	if n == PreDivide {
		return "pre_divide"
	}
	return "rescale_by_tokens"
}

// Microbatch is a batch placed on the device.
type Microbatch struct {
	Input  model.Input
	Labels [][]int32
	Paired bool
}

// Result of composing the loss of a microbatch. Backward propagates scale
// times the gradient of Total into the model; it may be called once.
type Result struct {
	Total      float64
	Components map[string]float64
	Tokens     int
	Backward   func(scale float64) error
}

// Composer computes the training loss of a microbatch.
type Composer interface {
	Compose(mb *Microbatch) (*Result, error)
	Normalization() Normalization
}

// DistillationComposer blends the task loss with a distillation loss against
// a frozen teacher: (1-KDRatio)*task + KDRatio*kd.
type DistillationComposer struct {
	Student  Model
	Teacher  Teacher
	TaskLoss *loss.CrossEntropy
	KDLoss   *loss.ForwardKL
	KDRatio  float64
}

// NewDistillationComposer sets the output chunking of both models from the
// losses and rejects configurations whose chunk counts disagree.
func NewDistillationComposer(student Model, teacher Teacher, task *loss.CrossEntropy, kd *loss.ForwardKL, kdRatio float64) (*DistillationComposer, error) {
	if task.LinearProjection {
		return nil, &config.ConfigurationError{Field: "loss", Reason: "linear projection losses are not supported for knowledge distillation"}
	}
	if task.NumOutputChunks() != kd.NumOutputChunks() {
		return nil, &config.ConfigurationError{
			Field:  "kd_loss.num_output_chunks",
			Reason: fmt.Sprintf("%d differs from the task loss's %d", kd.NumOutputChunks(), task.NumOutputChunks()),
		}
	}
	student.SetNumOutputChunks(task.NumOutputChunks())
	teacher.SetNumOutputChunks(kd.NumOutputChunks())
	if student.NumOutputChunks() != teacher.NumOutputChunks() {
		return nil, &config.ConfigurationError{
			Field:  "teacher_model",
			Reason: fmt.Sprintf("teacher splits its output in %d chunks, student in %d", teacher.NumOutputChunks(), student.NumOutputChunks()),
		}
	}
	return &DistillationComposer{Student: student, Teacher: teacher, TaskLoss: task, KDLoss: kd, KDRatio: kdRatio}, nil
}

func (c *DistillationComposer) Normalization() Normalization { return RescaleByTokens }

func (c *DistillationComposer) Compose(mb *Microbatch) (*Result, error) {
	out, err := c.Student.Forward(mb.Input)
	if err != nil {
		return nil, errors.WithMessage(err, "student forward")
	}
	tout, err := c.Teacher.Forward(mb.Input)
	if err != nil {
		return nil, errors.WithMessage(err, "teacher forward")
	}

	kd, dKD, err := c.KDLoss.Compute(out.Logits, tout.Logits, mb.Labels)
	tout.Release()
	if err != nil {
		return nil, errors.WithMessage(err, "distillation loss")
	}
	class, grad, err := c.TaskLoss.Compute(out.Logits, mb.Labels)
	out.Release()
	if err != nil {
		return nil, errors.WithMessage(err, "task loss")
	}

	r := float32(c.KDRatio)
	for b := range grad {
		for t := range grad[b] {
			g, k := grad[b][t], dKD[b][t]
			for v := range g {
				g[v] = (1-r)*g[v] + r*k[v]
			}
		}
	}
	total := (1-c.KDRatio)*class + c.KDRatio*kd
	return &Result{
		Total:      total,
		Components: map[string]float64{"loss": total, "class_loss": class, "kd_loss": kd},
		Tokens:     loss.CountValid(mb.Labels, c.TaskLoss.Ignore()),
		Backward: func(scale float64) error {
			return c.Student.Backward(out, grad, scale)
		},
	}, nil
}

// PreferenceComposer trains a policy against its own adapter-free reference
// on paired batches: chosen rows first, rejected rows second.
type PreferenceComposer struct {
	Policy      Model
	Loss        loss.PreferenceLoss
	IgnoreIndex int32
}

func (c *PreferenceComposer) Normalization() Normalization { return PreDivide }

// Compose panics if mb isn't a well formed paired batch.
func (c *PreferenceComposer) Compose(mb *Microbatch) (*Result, error) {
	rows := len(mb.Input.Tokens)
	if !mb.Paired || rows == 0 || rows%2 != 0 || len(mb.Labels) != rows {
		panic(errors.Errorf("preference batch must hold chosen and rejected halves, got %d rows (paired=%v)", rows, mb.Paired))
	}
	half := rows / 2
	chosenRows, rejectedRows := make([]int, half), make([]int, half)
	for i := range half {
		chosenRows[i], rejectedRows[i] = i, half+i
	}

	out, err := c.Policy.Forward(mb.Input)
	if err != nil {
		return nil, errors.WithMessage(err, "policy forward")
	}
	policy, err := loss.BatchLogProbs(out.Logits, mb.Labels, c.IgnoreIndex)
	if err != nil {
		return nil, errors.WithMessage(err, "policy log probs")
	}
	logitsChosen := loss.MeanLogits(out.Logits, chosenRows)
	logitsRejected := loss.MeanLogits(out.Logits, rejectedRows)

	var reference []float64
	err = c.Policy.WithAdaptersDisabled(func() error {
		ref, err := c.Policy.Forward(mb.Input)
		if err != nil {
			return err
		}
		defer ref.Release()
		reference, err = loss.BatchLogProbs(ref.Logits, mb.Labels, c.IgnoreIndex)
		return err
	})
	if err != nil {
		return nil, errors.WithMessage(err, "reference forward")
	}

	po := c.Loss.Compute(loss.PreferenceInputs{
		PolicyChosen:      policy[:half],
		PolicyRejected:    policy[half:],
		ReferenceChosen:   reference[:half],
		ReferenceRejected: reference[half:],
	})

	// d mean(losses) / d logp
	coef := make([]float64, rows)
	for i := range half {
		coef[i] = po.DChosen[i] / float64(half)
		coef[half+i] = po.DRejected[i] / float64(half)
	}
	grad, err := loss.BatchLogProbsGrad(out.Logits, mb.Labels, c.IgnoreIndex, coef)
	out.Release()
	if err != nil {
		return nil, errors.WithMessage(err, "preference gradient")
	}

	margins := make([]float64, half)
	for i := range half {
		margins[i] = po.ChosenRewards[i] - po.RejectedRewards[i]
	}
	total := loss.Mean(po.Losses)
	return &Result{
		Total: total,
		Components: map[string]float64{
			"loss":               total,
			"rewards/chosen":     loss.Mean(po.ChosenRewards),
			"rewards/rejected":   loss.Mean(po.RejectedRewards),
			"rewards/margins":    loss.Mean(margins),
			"rewards/accuracies": loss.RewardAccuracy(po.ChosenRewards, po.RejectedRewards),
			"log_probs/chosen":   loss.Mean(policy[:half]),
			"log_probs/rejected": loss.Mean(policy[half:]),
			"logits/chosen":      logitsChosen,
			"logits/rejected":    logitsRejected,
		},
		Tokens: rows * len(mb.Input.Tokens[0]),
		Backward: func(scale float64) error {
			return c.Policy.Backward(out, grad, scale)
		},
	}, nil
}

// NewComposer builds the composer of a recipe from its config. teacher is
// only used, and required, for distillation.
func NewComposer(cfg *config.Config, student Model, teacher Teacher) (Composer, error) {
	switch cfg.Recipe {
	case config.RecipeKD:
		if teacher == nil {
			return nil, &config.ConfigurationError{Field: "teacher_model", Reason: "is required for knowledge distillation"}
		}
		task, err := loss.NewTaskLoss(lossConfig(cfg.Loss))
		if err != nil {
			return nil, err
		}
		kd, err := loss.NewDistillLoss(lossConfig(cfg.KDLoss))
		if err != nil {
			return nil, err
		}
		return NewDistillationComposer(student, teacher, task, kd, cfg.KDRatio)
	case config.RecipeDPO:
		pl, err := loss.NewPreferenceLoss(loss.PreferenceConfig{
			Type:           cfg.PreferenceLoss.Type,
			Beta:           cfg.PreferenceLoss.Beta,
			LabelSmoothing: cfg.PreferenceLoss.LabelSmoothing,
		})
		if err != nil {
			return nil, err
		}
		return &PreferenceComposer{Policy: student, Loss: pl, IgnoreIndex: cfg.Loss.IgnoreIndex}, nil
	}
	return nil, &config.ConfigurationError{Field: "recipe", Reason: "unknown recipe " + cfg.Recipe}
}

func lossConfig(c config.LossConfig) loss.Config {
	return loss.Config{Type: c.Type, NumOutputChunks: c.NumOutputChunks, IgnoreIndex: c.IgnoreIndex, LinearProjection: c.LinearProjection}
}
