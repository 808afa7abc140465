package quant

import (
	"math"
	"testing"

	"github.com/pdevine/tensor"
	"github.com/stretchr/testify/require"
)

func dense(data []float32, shape ...int) *tensor.Dense {
	if len(shape) == 0 {
		shape = []int{len(data)}
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

func TestForWeightSymmetric(t *testing.T) {
	// 8-bit signed narrow-range weight: scale is amax/127, zero point 0.
	p, ok := ForWeight(dense([]float32{-1.0, 0.5, 2.0}), true, 8, true, true, false)
	require.True(t, ok)
	require.InEpsilon(t, 2.0/127, p.Scale(), 1e-12)
	require.Equal(t, int64(0), p.ZeroPoint())
	require.Equal(t, 8, p.Bits)
	require.True(t, p.Signed)
	require.True(t, p.NarrowRange)
	require.False(t, p.PerChannel())
}

func TestForWeightAsymmetric(t *testing.T) {
	p, ok := ForWeight(dense([]float32{0.0, 10.0}), false, 8, false, false, false)
	require.True(t, ok)
	require.InEpsilon(t, 10.0/255, p.Scale(), 1e-12)
	require.Equal(t, int64(0), p.ZeroPoint())
}

func TestForWeightRangeIncludesZero(t *testing.T) {
	// All-positive content still maps zero exactly.
	p, ok := ForWeight(dense([]float32{4.0, 8.0}), false, 8, false, false, false)
	require.True(t, ok)
	require.InEpsilon(t, 8.0/255, p.Scale(), 1e-12)
	require.Equal(t, int64(0), p.ZeroPoint())
}

func TestForWeightNonFinite(t *testing.T) {
	_, ok := ForWeight(dense([]float32{float32(math.NaN()), 1}), true, 8, true, true, false)
	require.False(t, ok)
	_, ok = ForWeight(dense([]float32{float32(math.Inf(1))}), true, 8, true, true, false)
	require.False(t, ok)
}

func TestForWeightAllZero(t *testing.T) {
	p, ok := ForWeight(dense([]float32{0, 0, 0}), true, 8, true, true, false)
	require.True(t, ok)
	require.Equal(t, 1.0, p.Scale())
}

func TestForWeightLegacyScale(t *testing.T) {
	p, ok := ForWeight(dense([]float32{-1.0, 0.5, 2.0}), true, 8, true, true, true)
	require.True(t, ok)
	require.Equal(t, float64(float32(2.0/127.0)), p.Scale())
}

func TestPerAxisForWeight(t *testing.T) {
	// 2x3 weight, channels along axis 0.
	d := dense([]float32{1, -2, 0.5, -8, 4, 2}, 2, 3)
	p, ok := PerAxisForWeight(d, 0, 8, true, false)
	require.True(t, ok)
	require.Equal(t, 0, p.Axis)
	require.Len(t, p.Scales, 2)
	require.InEpsilon(t, 2.0/127, p.Scales[0], 1e-12)
	require.InEpsilon(t, 8.0/127, p.Scales[1], 1e-12)
	require.Equal(t, []int64{0, 0}, p.ZeroPoints)
	require.True(t, p.NarrowRange)
}

func TestPerAxisForWeightInnerAxis(t *testing.T) {
	d := dense([]float32{1, -2, 0.5, -8, 4, 2}, 2, 3)
	p, ok := PerAxisForWeight(d, 1, 8, true, false)
	require.True(t, ok)
	require.Len(t, p.Scales, 3)
	require.InEpsilon(t, 8.0/127, p.Scales[0], 1e-12)
	require.InEpsilon(t, 4.0/127, p.Scales[1], 1e-12)
	require.InEpsilon(t, 2.0/127, p.Scales[2], 1e-12)
}

func TestPerAxisForWeightBadAxis(t *testing.T) {
	_, ok := PerAxisForWeight(dense([]float32{1, 2}), 3, 8, true, false)
	require.False(t, ok)
}

func TestMaxAbs(t *testing.T) {
	require.Equal(t, 8.0, MaxAbs(dense([]float32{1, -8, 4})))
	require.Equal(t, 0.0, MaxAbs(nil))
}

func TestAccumulatorScale(t *testing.T) {
	input := PerTensor(8, true, false, F32, 0.5, 0)
	filter := PerTensor(8, true, true, F32, 0.25, 0)

	p := AccumulatorScale([]Params{input, filter}, -1, false)
	require.False(t, p.IsZero())
	require.Equal(t, 32, p.Bits)
	require.True(t, p.Signed)
	require.InEpsilon(t, 0.125, p.Scale(), 1e-12)
	require.Equal(t, int64(0), p.ZeroPoint())
}

func TestAccumulatorScaleUnresolved(t *testing.T) {
	input := PerTensor(8, true, false, F32, 0.5, 0)
	require.True(t, AccumulatorScale([]Params{input, {}}, -1, false).IsZero())
	require.True(t, AccumulatorScale(nil, -1, false).IsZero())
}

func TestAccumulatorScalePerChannel(t *testing.T) {
	input := PerTensor(8, true, false, F32, 0.5, 0)
	filter := PerAxis(8, true, true, F32, []float64{0.25, 1.0}, []int64{0, 0}, 0)

	p := AccumulatorScale([]Params{input, filter}, 0, false)
	require.Equal(t, 0, p.Axis)
	require.Equal(t, []float64{0.125, 0.5}, p.Scales)
}

func TestAccumulatorScaleChannelMismatch(t *testing.T) {
	a := PerAxis(8, true, true, F32, []float64{0.25, 1.0}, []int64{0, 0}, 0)
	b := PerAxis(8, true, true, F32, []float64{0.5, 0.5, 0.5}, []int64{0, 0, 0}, 0)
	require.True(t, AccumulatorScale([]Params{a, b}, 0, false).IsZero())
}

func TestFixedRange(t *testing.T) {
	// A [0, 1] activation on signed 8 bit storage.
	p := FixedRange(0, 1, 8, true)
	require.InEpsilon(t, 1.0/255, p.Scale(), 1e-12)
	require.Equal(t, int64(-128), p.ZeroPoint())

	p = FixedRange(-1, 1, 8, true)
	require.InEpsilon(t, 2.0/255, p.Scale(), 1e-12)
	require.Equal(t, int64(0), p.ZeroPoint())
}

func TestFixedRangeDegenerate(t *testing.T) {
	require.True(t, FixedRange(1, 1, 8, true).IsZero())
	require.True(t, FixedRange(2, 1, 8, true).IsZero())
}
