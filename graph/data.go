package graph

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/pdevine/tensor"
	"github.com/x448/float16"
)

// DecodeFloats decodes a little-endian raw tensor payload of the given
// float dtype into float32 values.
func DecodeFloats(d DType, raw []byte) ([]float32, error) {
	switch d {
	case F32:
		if len(raw)%4 != 0 {
			return nil, fmt.Errorf("f32 payload length %d not a multiple of 4", len(raw))
		}
		f32s := make([]float32, len(raw)/4)
		for i := range f32s {
			f32s[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return f32s, nil
	case F16:
		if len(raw)%2 != 0 {
			return nil, fmt.Errorf("f16 payload length %d not a multiple of 2", len(raw))
		}
		f32s := make([]float32, len(raw)/2)
		for i := range f32s {
			f32s[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
		return f32s, nil
	case BF16:
		if len(raw)%2 != 0 {
			return nil, fmt.Errorf("bf16 payload length %d not a multiple of 2", len(raw))
		}
		return bfloat16.DecodeFloat32(raw), nil
	}
	return nil, fmt.Errorf("dtype %s is not a float payload", d)
}

// EncodeFloats encodes float32 values as a little-endian f32 payload.
func EncodeFloats(f32s []float32) []byte {
	raw := make([]byte, len(f32s)*4)
	for i, f := range f32s {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(f))
	}
	return raw
}

// NewDense builds a dense float tensor with the given shape. An empty
// shape makes a scalar-like 1-element tensor.
func NewDense(data []float32, shape ...int64) *tensor.Dense {
	dims := make([]int, len(shape))
	for i, d := range shape {
		dims[i] = int(d)
	}
	if len(dims) == 0 {
		dims = []int{1}
	}
	return tensor.New(tensor.WithShape(dims...), tensor.WithBacking(data))
}

// ConstFromRaw creates a detached const op whose payload is decoded
// from a raw little-endian buffer of the type's dtype.
func (f *Func) ConstFromRaw(t Type, raw []byte) (*Op, error) {
	if !t.DType.IsFloat() {
		// Non-float constants carry no payload; the quantization
		// driver never inspects their content.
		return f.NewOp(KindConst, []Type{t}), nil
	}
	f32s, err := DecodeFloats(t.DType, raw)
	if err != nil {
		return nil, err
	}
	if int64(len(f32s)) != t.Elems() {
		return nil, fmt.Errorf("payload has %d elements, type %s wants %d", len(f32s), t, t.Elems())
	}
	return f.NewConst(t, NewDense(f32s, t.Shape...)), nil
}
