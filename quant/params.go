// Package quant defines uniform quantization parameter descriptors and
// the content-derived scale calculations used by the propagation driver.
package quant

import "slices"

// Float identifies the expressed (floating point) element type a set of
// quantization parameters maps back to.
type Float uint8

const (
	F32 Float = iota
	F16
	BF16
)

func (f Float) String() string {
	switch f {
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	default:
		return "f32"
	}
}

// Params describes a uniform quantized numeric type: the integer storage
// type plus the affine mapping back to the expressed float type. A zero
// Params means "not yet assigned".
//
// Per-tensor parameters carry a single scale/zero-point pair and Axis=-1.
// Per-channel parameters carry one pair per slice along Axis.
type Params struct {
	Bits        int
	Signed      bool
	NarrowRange bool
	Expressed   Float

	Scales     []float64
	ZeroPoints []int64
	Axis       int
}

// PerTensor builds a per-tensor Params.
func PerTensor(bits int, signed, narrow bool, expressed Float, scale float64, zeroPoint int64) Params {
	return Params{
		Bits:        bits,
		Signed:      signed,
		NarrowRange: narrow,
		Expressed:   expressed,
		Scales:      []float64{scale},
		ZeroPoints:  []int64{zeroPoint},
		Axis:        -1,
	}
}

// PerAxis builds a per-channel Params along the given axis.
func PerAxis(bits int, signed, narrow bool, expressed Float, scales []float64, zeroPoints []int64, axis int) Params {
	return Params{
		Bits:        bits,
		Signed:      signed,
		NarrowRange: narrow,
		Expressed:   expressed,
		Scales:      scales,
		ZeroPoints:  zeroPoints,
		Axis:        axis,
	}
}

// IsZero reports whether p has not been assigned.
func (p Params) IsZero() bool {
	return len(p.Scales) == 0
}

// PerChannel reports whether p carries one scale per channel. A zero
// Params is neither per-tensor nor per-channel.
func (p Params) PerChannel() bool {
	return len(p.Scales) > 0 && p.Axis >= 0
}

// Scale returns the sole scale of a per-tensor Params, or the first
// channel scale otherwise.
func (p Params) Scale() float64 {
	if len(p.Scales) == 0 {
		return 0
	}
	return p.Scales[0]
}

// ZeroPoint returns the sole zero point of a per-tensor Params, or the
// first channel zero point otherwise.
func (p Params) ZeroPoint() int64 {
	if len(p.ZeroPoints) == 0 {
		return 0
	}
	return p.ZeroPoints[0]
}

// StorageMin returns the smallest representable storage value.
func (p Params) StorageMin() int64 {
	var min int64
	if p.Signed {
		min = -(int64(1) << (p.Bits - 1))
	}
	if p.NarrowRange {
		min++
	}
	return min
}

// StorageMax returns the largest representable storage value.
func (p Params) StorageMax() int64 {
	if p.Signed {
		return int64(1)<<(p.Bits-1) - 1
	}
	return int64(1)<<p.Bits - 1
}

// Equal reports whether p and o describe exactly the same quantized
// type. Every field participates.
func (p Params) Equal(o Params) bool {
	return p.Bits == o.Bits &&
		p.Signed == o.Signed &&
		p.NarrowRange == o.NarrowRange &&
		p.Expressed == o.Expressed &&
		p.Axis == o.Axis &&
		slices.Equal(p.Scales, o.Scales) &&
		slices.Equal(p.ZeroPoints, o.ZeroPoints)
}

// WithScale returns a copy of p with a single replacement scale and a
// zero zero-point, keeping the storage type unchanged.
func (p Params) WithScale(scale float64) Params {
	out := p
	out.Scales = []float64{scale}
	out.ZeroPoints = []int64{0}
	return out
}

// WithScales returns a copy of p with replacement channel scales,
// keeping the storage type and zero points unchanged.
func (p Params) WithScales(scales []float64) Params {
	out := p
	out.Scales = slices.Clone(scales)
	return out
}
