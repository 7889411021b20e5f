package loss

import (
	"math"

	"github.com/pkg/errors"
)

// PreferenceLoss compares the policy and reference sequence log-probabilities
// of chosen/rejected pairs.
type PreferenceLoss interface {
	Compute(in PreferenceInputs) PreferenceOutputs
}

// PreferenceInputs are per-pair summed log-probabilities.
type PreferenceInputs struct {
	PolicyChosen      []float64
	PolicyRejected    []float64
	ReferenceChosen   []float64
	ReferenceRejected []float64
}

// PreferenceOutputs holds per-pair losses, detached rewards and the derivative
// of each pair loss w.r.t. the policy log-probabilities.
type PreferenceOutputs struct {
	Losses          []float64
	ChosenRewards   []float64
	RejectedRewards []float64
	DChosen         []float64
	DRejected       []float64
}

// PreferenceConfig selects and parameterizes a preference loss.
type PreferenceConfig struct {
	Type           string
	Beta           float64
	LabelSmoothing float64
}

// NewPreferenceLoss builds a preference loss from its config.
func NewPreferenceLoss(cfg PreferenceConfig) (PreferenceLoss, error) {
	beta := cfg.Beta
	if beta <= 0 {
		beta = 0.1
	}
	switch cfg.Type {
	case TypeDPO, "":
		return &DPO{Beta: beta, LabelSmoothing: cfg.LabelSmoothing}, nil
	case TypeIPO:
		return &IPO{Tau: beta}, nil
	}
	return nil, errors.Wrapf(ErrUnknownType, "preference loss %q", cfg.Type)
}

// DPO is the sigmoid direct preference optimization loss with optional
// conservative label smoothing.
type DPO struct {
	Beta           float64
	LabelSmoothing float64
}

func (l *DPO) Compute(in PreferenceInputs) PreferenceOutputs {
	k := checkPairs(in)
	out := newPreferenceOutputs(k)
	for i := 0; i < k; i++ {
		piLogRatio := in.PolicyChosen[i] - in.PolicyRejected[i]
		refLogRatio := in.ReferenceChosen[i] - in.ReferenceRejected[i]
		x := l.Beta * (piLogRatio - refLogRatio)

		out.Losses[i] = -logSigmoid(x)*(1-l.LabelSmoothing) - logSigmoid(-x)*l.LabelSmoothing
		d := l.Beta * (-(1-l.LabelSmoothing)*sigmoid(-x) + l.LabelSmoothing*sigmoid(x))
		out.DChosen[i] = d
		out.DRejected[i] = -d

		out.ChosenRewards[i] = l.Beta * (in.PolicyChosen[i] - in.ReferenceChosen[i])
		out.RejectedRewards[i] = l.Beta * (in.PolicyRejected[i] - in.ReferenceRejected[i])
	}
	return out
}

// IPO is the identity preference optimization loss: a squared distance of
// the log-ratio margin from 1/(2*Tau).
type IPO struct {
	Tau float64
}

func (l *IPO) Compute(in PreferenceInputs) PreferenceOutputs {
	k := checkPairs(in)
	out := newPreferenceOutputs(k)
	target := 1 / (2 * l.Tau)
	for i := 0; i < k; i++ {
		x := (in.PolicyChosen[i] - in.PolicyRejected[i]) - (in.ReferenceChosen[i] - in.ReferenceRejected[i])
		out.Losses[i] = (x - target) * (x - target)
		d := 2 * (x - target)
		out.DChosen[i] = d
		out.DRejected[i] = -d

		out.ChosenRewards[i] = l.Tau * (in.PolicyChosen[i] - in.ReferenceChosen[i])
		out.RejectedRewards[i] = l.Tau * (in.PolicyRejected[i] - in.ReferenceRejected[i])
	}
	return out
}

// RewardAccuracy is the fraction of pairs whose chosen reward is strictly
// higher than the rejected one.
func RewardAccuracy(chosen, rejected []float64) float64 {
	if len(chosen) == 0 {
		return 0
	}
	var hits float64
	for i := range chosen {
		if chosen[i] > rejected[i] {
			hits++
		}
	}
	return hits / float64(len(chosen))
}

// Mean of xs, zero for an empty slice.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

func checkPairs(in PreferenceInputs) int {
	k := len(in.PolicyChosen)
	if len(in.PolicyRejected) != k || len(in.ReferenceChosen) != k || len(in.ReferenceRejected) != k {
		panic(errors.Errorf("preference inputs have mismatched pair counts: %d/%d/%d/%d",
			k, len(in.PolicyRejected), len(in.ReferenceChosen), len(in.ReferenceRejected)))
	}
	return k
}

func newPreferenceOutputs(k int) PreferenceOutputs {
	return PreferenceOutputs{
		Losses:          make([]float64, k),
		ChosenRewards:   make([]float64, k),
		RejectedRewards: make([]float64, k),
		DChosen:         make([]float64, k),
		DRejected:       make([]float64, k),
	}
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// logSigmoid is log(sigmoid(x)) computed without overflow.
func logSigmoid(x float64) float64 {
	if x >= 0 {
		return -math.Log1p(math.Exp(-x))
	}
	return x - math.Log1p(math.Exp(x))
}
