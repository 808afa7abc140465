package graph

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/quantlite/quantlite/quant"
)

// Snapshot is the CBOR interchange form of a function. Values are
// numbered in definition order: arguments first, then each op's results
// in program order. Operands must reference already-defined values, so
// a snapshot is always in topological order.

type snapshotParams struct {
	Bits        int       `cbor:"bits"`
	Signed      bool      `cbor:"signed"`
	NarrowRange bool      `cbor:"narrow,omitempty"`
	Expressed   uint8     `cbor:"expressed,omitempty"`
	Scales      []float64 `cbor:"scales"`
	ZeroPoints  []int64   `cbor:"zps"`
	Axis        int       `cbor:"axis"`
}

type snapshotType struct {
	DType uint8           `cbor:"dtype"`
	Shape []int64         `cbor:"shape,omitempty"`
	Quant *snapshotParams `cbor:"quant,omitempty"`
}

type snapshotOp struct {
	Kind     string          `cbor:"kind"`
	Operands []int           `cbor:"operands,omitempty"`
	Results  []snapshotType  `cbor:"results"`
	Payload  []byte          `cbor:"payload,omitempty"`
	Attrs    map[string]bool `cbor:"attrs,omitempty"`
}

type snapshot struct {
	Name string         `cbor:"name"`
	Args []snapshotType `cbor:"args"`
	Ops  []snapshotOp   `cbor:"ops"`
}

func paramsToSnapshot(p *quant.Params) *snapshotParams {
	if p == nil {
		return nil
	}
	return &snapshotParams{
		Bits:        p.Bits,
		Signed:      p.Signed,
		NarrowRange: p.NarrowRange,
		Expressed:   uint8(p.Expressed),
		Scales:      p.Scales,
		ZeroPoints:  p.ZeroPoints,
		Axis:        p.Axis,
	}
}

func paramsFromSnapshot(sp *snapshotParams) *quant.Params {
	if sp == nil {
		return nil
	}
	return &quant.Params{
		Bits:        sp.Bits,
		Signed:      sp.Signed,
		NarrowRange: sp.NarrowRange,
		Expressed:   quant.Float(sp.Expressed),
		Scales:      sp.Scales,
		ZeroPoints:  sp.ZeroPoints,
		Axis:        sp.Axis,
	}
}

func typeToSnapshot(t Type) snapshotType {
	return snapshotType{DType: uint8(t.DType), Shape: t.Shape, Quant: paramsToSnapshot(t.Quant)}
}

func typeFromSnapshot(st snapshotType) Type {
	return Type{DType: DType(st.DType), Shape: st.Shape, Quant: paramsFromSnapshot(st.Quant)}
}

// EncodeSnapshot serializes a function to its CBOR interchange form.
func EncodeSnapshot(f *Func) ([]byte, error) {
	ids := map[*Value]int{}
	next := 0
	define := func(v *Value) {
		ids[v] = next
		next++
	}

	snap := snapshot{Name: f.name}
	for _, arg := range f.args {
		snap.Args = append(snap.Args, typeToSnapshot(arg.Type()))
		define(arg)
	}

	for _, op := range f.ops {
		sop := snapshotOp{Kind: op.kind}
		for i := 0; i < op.NumOperands(); i++ {
			id, ok := ids[op.Operand(i)]
			if !ok {
				return nil, fmt.Errorf("op %q operand %d defined after use", op.kind, i)
			}
			sop.Operands = append(sop.Operands, id)
		}
		for i := 0; i < op.NumResults(); i++ {
			sop.Results = append(sop.Results, typeToSnapshot(op.Result(i).Type()))
			define(op.Result(i))
		}
		if d := op.Payload(); d != nil {
			if f32s, ok := d.Data().([]float32); ok {
				sop.Payload = EncodeFloats(f32s)
			}
		}
		for name, value := range op.attrs {
			if b, ok := value.(bool); ok {
				if sop.Attrs == nil {
					sop.Attrs = map[string]bool{}
				}
				sop.Attrs[name] = b
			}
		}
		snap.Ops = append(snap.Ops, sop)
	}
	return cbor.Marshal(snap)
}

// DecodeSnapshot rebuilds a function from its CBOR interchange form.
func DecodeSnapshot(data []byte) (*Func, error) {
	var snap snapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}

	f := NewFunc(snap.Name)
	var values []*Value
	for _, st := range snap.Args {
		values = append(values, f.AddArg(typeFromSnapshot(st)))
	}

	for _, sop := range snap.Ops {
		operands := make([]*Value, len(sop.Operands))
		for i, id := range sop.Operands {
			if id < 0 || id >= len(values) {
				return nil, fmt.Errorf("op %q references undefined value %d", sop.Kind, id)
			}
			operands[i] = values[id]
		}
		resultTypes := make([]Type, len(sop.Results))
		for i, st := range sop.Results {
			resultTypes[i] = typeFromSnapshot(st)
		}

		var op *Op
		if sop.Kind == KindConst && len(resultTypes) == 1 && sop.Payload != nil {
			// Payloads are normalized to f32 on encode regardless of
			// the constant's expressed dtype.
			decoded, err := f.ConstFromRaw(Shaped(F32, resultTypes[0].Shape...), sop.Payload)
			if err != nil {
				return nil, err
			}
			op = decoded
			op.Result(0).SetType(resultTypes[0])
		} else {
			op = f.NewOp(sop.Kind, resultTypes, operands...)
		}
		for name, value := range sop.Attrs {
			op.SetAttr(name, value)
		}
		f.Append(op)
		for i := 0; i < op.NumResults(); i++ {
			values = append(values, op.Result(i))
		}
	}
	return f, nil
}
