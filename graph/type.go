package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/quantlite/quantlite/quant"
)

// DType is the element type of a tensor value. Quantized values keep
// the expressed float DType and additionally carry quant.Params in
// their Type.
type DType uint8

const (
	F32 DType = iota
	F16
	BF16
	I32
	Bool
)

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	case I32:
		return "i32"
	case Bool:
		return "bool"
	}
	return fmt.Sprintf("dtype(%d)", uint8(d))
}

// IsFloat reports whether d is a floating point element type.
func (d DType) IsFloat() bool {
	return d == F32 || d == F16 || d == BF16
}

func (d DType) expressed() quant.Float {
	switch d {
	case F16:
		return quant.F16
	case BF16:
		return quant.BF16
	default:
		return quant.F32
	}
}

// Type is a shaped tensor type. Quant is non-nil for quantized values;
// DType then names the expressed float type the parameters map back to.
type Type struct {
	DType DType
	Shape []int64
	Quant *quant.Params
}

// Shaped builds an unquantized tensor type.
func Shaped(d DType, shape ...int64) Type {
	return Type{DType: d, Shape: shape}
}

// IsQuantized reports whether t carries quantization parameters.
func (t Type) IsQuantized() bool {
	return t.Quant != nil
}

// IsFloat reports whether t is an unquantized float tensor type, i.e.
// an expressed type that quantization parameters can be cast from.
func (t Type) IsFloat() bool {
	return t.Quant == nil && t.DType.IsFloat()
}

// Expressed strips the quantization parameters from t.
func (t Type) Expressed() Type {
	return Type{DType: t.DType, Shape: t.Shape}
}

// Rank returns the number of dimensions.
func (t Type) Rank() int {
	return len(t.Shape)
}

// Elems returns the number of elements, or 1 for a scalar.
func (t Type) Elems() int64 {
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

func (t Type) String() string {
	var sb strings.Builder
	sb.WriteString("tensor<")
	for _, d := range t.Shape {
		fmt.Fprintf(&sb, "%dx", d)
	}
	if t.Quant != nil {
		fmt.Fprintf(&sb, "q%d(%s)", t.Quant.Bits, t.DType)
	} else {
		sb.WriteString(t.DType.String())
	}
	sb.WriteString(">")
	return sb.String()
}

// Equal reports whether two types match exactly, parameters included.
func (t Type) Equal(o Type) bool {
	if t.DType != o.DType || !slices.Equal(t.Shape, o.Shape) {
		return false
	}
	switch {
	case t.Quant == nil && o.Quant == nil:
		return true
	case t.Quant == nil || o.Quant == nil:
		return false
	}
	return t.Quant.Equal(*o.Quant)
}

// Quantize casts an expressed float type to the quantized type carrying
// params. It fails when t is not a castable float type, in which case
// the caller must leave the value alone.
func Quantize(t Type, params quant.Params) (Type, bool) {
	if !t.IsFloat() {
		return Type{}, false
	}
	p := params
	p.Expressed = t.DType.expressed()
	return Type{DType: t.DType, Shape: t.Shape, Quant: &p}, true
}
