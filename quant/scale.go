package quant

import "math"

// AccumulatorScale combines the parameters of an operation's non-bias
// operands into the parameters of its 32-bit accumulator, which is what
// a bias is added into. The bias scale is the product of the operand
// scales; if any operand is per-channel, so is the result, quantized
// along adjustedAxis.
//
// Returns a zero Params when any operand is still unresolved.
func AccumulatorScale(operands []Params, adjustedAxis int, legacyScale bool) Params {
	if len(operands) == 0 {
		return Params{}
	}
	channels := 1
	for _, p := range operands {
		if p.IsZero() {
			return Params{}
		}
		if p.PerChannel() && len(p.Scales) > channels {
			channels = len(p.Scales)
		}
	}
	// Per-channel operands must agree on the channel count.
	for _, p := range operands {
		if p.PerChannel() && len(p.Scales) > 1 && len(p.Scales) != channels {
			return Params{}
		}
	}

	scales := make([]float64, channels)
	for c := range scales {
		scales[c] = 1.0
		for _, p := range operands {
			if p.PerChannel() && len(p.Scales) > 1 {
				scales[c] *= p.Scales[c]
			} else {
				scales[c] *= p.Scales[0]
			}
		}
		scales[c] = roundScale(scales[c], legacyScale)
	}

	out := Params{
		Bits:       32,
		Signed:     true,
		Expressed:  F32,
		Scales:     scales,
		ZeroPoints: make([]int64, channels),
		Axis:       -1,
	}
	if channels > 1 {
		out.Axis = adjustedAxis
	}
	return out
}

// FixedRange builds the parameters for an operation whose output range
// is fixed by definition, such as saturating activations. The range is
// mapped onto the full (non-narrow) storage range. A degenerate range
// (max not above min) yields a zero Params.
func FixedRange(min, max float64, bits int, signed bool) Params {
	if max <= min {
		return Params{}
	}
	p := Params{
		Bits:      bits,
		Signed:    signed,
		Expressed: F32,
		Axis:      -1,
	}
	qmin, qmax := p.StorageMin(), p.StorageMax()
	scale := (max - min) / float64(qmax-qmin)
	zp := qmin - int64(math.Round(min/scale))
	if zp < qmin {
		zp = qmin
	}
	if zp > qmax {
		zp = qmax
	}
	p.Scales = []float64{scale}
	p.ZeroPoints = []int64{zp}
	return p
}
