package main

import (
	"github.com/quantlite/quantlite/graph"
	"github.com/quantlite/quantlite/quant"
	"github.com/quantlite/quantlite/quant/propagate"
)

// Builtin policies for the op vocabulary the CLI understands. Library
// consumers embed the driver with their own policies; this table only
// has to cover the snapshot files people feed the tool.

func quantSpec(op *graph.Op) propagate.OpQuantSpec {
	switch op.Kind() {
	case "conv2d", "depthwise_conv2d", "fully_connected":
		return propagate.OpQuantSpec{
			Quantizable: true,
			Biases: map[int]propagate.BiasSpec{
				2: {NonBias: []int{0, 1}, Scale: quant.AccumulatorScale},
			},
			WeightAxis:  map[int]int{1: 0},
			Affine:      true,
			FilterIndex: 1,
		}
	case "add", "sub", "mul", "relu", "relu6", "avgpool",
		"sigmoid", "softmax", "tanh",
		graph.KindConst, graph.KindQuantizeCast, graph.KindDequantizeCast:
		return propagate.OpQuantSpec{Quantizable: true}
	}
	return propagate.OpQuantSpec{}
}

func scaleSpec(op *graph.Op) propagate.OpQuantScaleSpec {
	switch op.Kind() {
	case "concat", "reshape", "transpose", "maxpool", "pad", "split":
		return propagate.OpQuantScaleSpec{SameScale: true}
	case "sigmoid", "softmax":
		return fixedRange(0, 1)
	case "tanh":
		return fixedRange(-1, 1)
	}
	return propagate.OpQuantScaleSpec{}
}

func fixedRange(min, max float64) propagate.OpQuantScaleSpec {
	return propagate.OpQuantScaleSpec{
		FixedOutputRange: true,
		FixedRange: func(signed bool, bits int) (quant.Params, bool) {
			return quant.FixedRange(min, max, bits, signed), true
		},
	}
}
