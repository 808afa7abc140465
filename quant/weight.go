package quant

import (
	"math"

	"github.com/pdevine/tensor"
)

// ForWeight derives per-tensor parameters from the content of a float
// constant. The scanned range is always widened to include zero so the
// affine mapping can represent it exactly. Symmetric parameters force
// the zero point to the storage midpoint.
//
// Returns false when the constant has no usable content.
func ForWeight(d *tensor.Dense, symmetric bool, bits int, signed, narrowRange, legacyScale bool) (Params, bool) {
	data := floats(d)
	if len(data) == 0 {
		return Params{}, false
	}

	min, max := 0.0, 0.0
	for _, v := range data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Params{}, false
		}
		min = math.Min(min, f)
		max = math.Max(max, f)
	}

	p := Params{
		Bits:        bits,
		Signed:      signed,
		NarrowRange: narrowRange,
		Expressed:   F32,
		Axis:        -1,
	}
	qmin, qmax := p.StorageMin(), p.StorageMax()

	if symmetric {
		bound := math.Max(math.Abs(min), math.Abs(max))
		scale := 1.0
		if bound > 0 {
			scale = bound / float64(qmax)
		}
		p.Scales = []float64{roundScale(scale, legacyScale)}
		p.ZeroPoints = []int64{0}
		return p, true
	}

	scale := 1.0
	if max > min {
		scale = (max - min) / float64(qmax-qmin)
	}
	scale = roundScale(scale, legacyScale)
	zp := qmin - int64(math.Round(min/scale))
	if zp < qmin {
		zp = qmin
	}
	if zp > qmax {
		zp = qmax
	}
	p.Scales = []float64{scale}
	p.ZeroPoints = []int64{zp}
	return p, true
}

// PerAxisForWeight derives symmetric per-channel parameters along the
// given axis, one scale per slice, zero points forced to zero and the
// narrow storage range applied. Used for weights whose consumer supports
// per-channel quantization.
func PerAxisForWeight(d *tensor.Dense, axis, bits int, signed, legacyScale bool) (Params, bool) {
	data := floats(d)
	shape := d.Shape()
	if len(data) == 0 || axis < 0 || axis >= len(shape) {
		return Params{}, false
	}

	channels := shape[axis]
	inner := 1
	for i := axis + 1; i < len(shape); i++ {
		inner *= shape[i]
	}

	bounds := make([]float64, channels)
	for i, v := range data {
		f := math.Abs(float64(v))
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Params{}, false
		}
		c := (i / inner) % channels
		if f > bounds[c] {
			bounds[c] = f
		}
	}

	p := Params{
		Bits:        bits,
		Signed:      signed,
		NarrowRange: true,
		Expressed:   F32,
		Axis:        axis,
		Scales:      make([]float64, channels),
		ZeroPoints:  make([]int64, channels),
	}
	qmax := p.StorageMax()
	for c, bound := range bounds {
		scale := 1.0
		if bound > 0 {
			scale = bound / float64(qmax)
		}
		p.Scales[c] = roundScale(scale, legacyScale)
	}
	return p, true
}

// MaxAbs returns the largest absolute value in the constant's content.
func MaxAbs(d *tensor.Dense) float64 {
	var bound float64
	for _, v := range floats(d) {
		if f := math.Abs(float64(v)); f > bound {
			bound = f
		}
	}
	return bound
}

func floats(d *tensor.Dense) []float32 {
	if d == nil {
		return nil
	}
	data, ok := d.Data().([]float32)
	if !ok {
		return nil
	}
	return data
}

// roundScale truncates the scale to float32 precision when the legacy
// flag is set, matching toolchains that computed scales in single
// precision.
func roundScale(scale float64, legacy bool) float64 {
	if legacy {
		return float64(float32(scale))
	}
	return scale
}
