// Package propagate decides, for every value in a function, the
// fixed-point numeric representation it should use, and inserts the
// conversion ops materializing those decisions. It is a best-effort
// annotation pass: values it cannot resolve are left unquantized.
package propagate

import (
	"github.com/quantlite/quantlite/graph"
	"github.com/quantlite/quantlite/quant"
)

// AccumulatorScaleFunc combines the parameters of an op's non-bias
// operands into the parameters of its bias. adjustedAxis is the
// quantization axis a per-channel bias should use, or -1. A zero
// Params return means the inputs are not resolved yet.
type AccumulatorScaleFunc func(operands []quant.Params, adjustedAxis int, legacyScale bool) quant.Params

// BiasSpec describes one bias operand: which operand indices feed the
// accumulator the bias is added into, and how to combine their scales.
type BiasSpec struct {
	NonBias []int
	Scale   AccumulatorScaleFunc
}

// OpQuantSpec is the per-op quantization policy: whether the op is
// quantizable at all, its bias operands, which operands are weights
// with per-channel support (operand index to axis), and, for affine
// ops, which operand is the filter paired with the bias.
type OpQuantSpec struct {
	Quantizable bool
	Biases      map[int]BiasSpec
	WeightAxis  map[int]int

	// Affine marks ops computing input*filter+bias; FilterIndex is the
	// filter operand. Only affine ops get bias saturation adjustment.
	Affine      bool
	FilterIndex int
}

// FixedRangeFunc produces the fixed output range parameters for an
// activation, or false when the result is already quantized and the
// range must not be reimposed.
type FixedRangeFunc func(signed bool, bits int) (quant.Params, bool)

// OpQuantScaleSpec describes scale constraints: whether all operands
// and results must share one set of parameters, and whether the output
// range is fixed by the op's definition.
type OpQuantScaleSpec struct {
	SameScale        bool
	FixedOutputRange bool
	FixedRange       FixedRangeFunc
}

// OpQuantSpecGetter supplies the OpQuantSpec for an op.
type OpQuantSpecGetter func(*graph.Op) OpQuantSpec

// OpQuantScaleSpecGetter supplies the OpQuantScaleSpec for an op.
type OpQuantScaleSpecGetter func(*graph.Op) OpQuantScaleSpec

// DefaultScaleSpec imposes no scale constraints on any op.
func DefaultScaleSpec(*graph.Op) OpQuantScaleSpec {
	return OpQuantScaleSpec{}
}
