package optim

import (
	"math"

	"github.com/Noofbiz/adaptune/model"
	"gonum.org/v1/gonum/blas/blas32"
)

func gradVector(p *model.Param) blas32.Vector {
	return blas32.Vector{N: len(p.Grad), Data: p.Grad, Inc: 1}
}

// GradNorm is the global L2 norm over the gradients of params.
func GradNorm(params []*model.Param) float64 {
	var sq float64
	for _, p := range params {
		if len(p.Grad) == 0 {
			continue
		}
		n := float64(blas32.Nrm2(gradVector(p)))
		sq += n * n
	}
	return math.Sqrt(sq)
}

// ClipGradNorm rescales the gradients of params so their global norm is at
// most maxNorm and returns the norm before clipping. A maxNorm of +Inf, zero
// or less only measures.
func ClipGradNorm(params []*model.Param, maxNorm float64) float64 {
	total := GradNorm(params)
	if math.IsInf(maxNorm, 1) || maxNorm <= 0 {
		return total
	}
	coef := maxNorm / (total + 1e-6)
	if coef < 1 {
		ScaleGrads(params, coef)
	}
	return total
}

// ScaleGrads multiplies every gradient of params by factor.
func ScaleGrads(params []*model.Param, factor float64) {
	for _, p := range params {
		if len(p.Grad) == 0 {
			continue
		}
		blas32.Scal(float32(factor), gradVector(p))
	}
}
