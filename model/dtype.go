package model

import (
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
)

// ErrUnsupportedDType is returned for precisions the trainer can't run in.
var ErrUnsupportedDType = errors.New("unsupported training precision")

// ParseDType maps a config precision tag to a dtype. Only full precision and
// bfloat16 are supported; fp16 needs loss scaling, which isn't implemented.
func ParseDType(s string) (dtypes.DType, error) {
	switch strings.ToLower(s) {
	case "", "fp32", "float32":
		return dtypes.Float32, nil
	case "bf16", "bfloat16":
		return dtypes.BFloat16, nil
	case "fp16", "float16", "half":
		return dtypes.InvalidDType, errors.Wrapf(ErrUnsupportedDType, "%q: use fp32 or bf16", s)
	}
	return dtypes.InvalidDType, errors.Wrapf(ErrUnsupportedDType, "%q", s)
}

// Round truncates the values in xs to what dt can represent. Parameters are
// always held in float32 buffers; a bf16 parameter just never carries more
// mantissa than bfloat16 has.
func Round(xs []float32, dt dtypes.DType) {
	if dt != dtypes.BFloat16 {
		return
	}
	for i, x := range xs {
		xs[i] = bfloat16.FromFloat32(x).Float32()
	}
}

// ValidateParamDType checks every parameter is tagged with dt.
func ValidateParamDType(params []*Param, dt dtypes.DType) error {
	for _, p := range params {
		if p.DType != dt {
			return errors.Errorf("parameter %s has dtype %s, expected %s", p.Name, p.DType, dt)
		}
	}
	return nil
}
