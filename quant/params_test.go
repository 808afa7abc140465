package quant

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStorageRange(t *testing.T) {
	cases := []struct {
		name     string
		params   Params
		min, max int64
	}{
		{"signed 8", Params{Bits: 8, Signed: true}, -128, 127},
		{"signed 8 narrow", Params{Bits: 8, Signed: true, NarrowRange: true}, -127, 127},
		{"unsigned 8", Params{Bits: 8}, 0, 255},
		{"signed 32", Params{Bits: 32, Signed: true}, -2147483648, 2147483647},
		{"signed 4", Params{Bits: 4, Signed: true}, -8, 7},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.min, tt.params.StorageMin())
			assert.Equal(t, tt.max, tt.params.StorageMax())
		})
	}
}

func TestEqual(t *testing.T) {
	a := PerTensor(8, true, true, F32, 0.5, 10)
	assert.True(t, a.Equal(PerTensor(8, true, true, F32, 0.5, 10)))
	assert.False(t, a.Equal(PerTensor(8, true, true, F32, 0.25, 10)))
	assert.False(t, a.Equal(PerTensor(8, true, true, F32, 0.5, 0)))
	assert.False(t, a.Equal(PerTensor(8, false, true, F32, 0.5, 10)))
	assert.False(t, a.Equal(PerTensor(16, true, true, F32, 0.5, 10)))

	perAxis := PerAxis(8, true, true, F32, []float64{0.5, 0.25}, []int64{0, 0}, 0)
	assert.False(t, a.Equal(perAxis))
	assert.True(t, perAxis.Equal(PerAxis(8, true, true, F32, []float64{0.5, 0.25}, []int64{0, 0}, 0)))
	assert.False(t, perAxis.Equal(PerAxis(8, true, true, F32, []float64{0.5, 0.25}, []int64{0, 0}, 1)))
}

func TestZeroParams(t *testing.T) {
	var p Params
	assert.True(t, p.IsZero())
	assert.False(t, PerTensor(8, true, false, F32, 1, 0).IsZero())
	assert.False(t, p.PerChannel())
}

func TestWithScale(t *testing.T) {
	p := PerTensor(32, true, false, F32, 0.5, 7)
	adjusted := p.WithScale(2.0)
	assert.Equal(t, []float64{2.0}, adjusted.Scales)
	assert.Equal(t, []int64{0}, adjusted.ZeroPoints)
	assert.Equal(t, 32, adjusted.Bits)
	// the original is untouched
	assert.Equal(t, []float64{0.5}, p.Scales)
	assert.Equal(t, []int64{7}, p.ZeroPoints)
}
