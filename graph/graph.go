// Package graph implements the dataflow IR the quantization driver
// annotates: values, operations and functions, plus the append-only
// editing primitives the driver needs (insert, clone, rewire). Ops are
// never removed while a pass is iterating.
package graph

import (
	"fmt"
	"strings"

	"github.com/pdevine/tensor"
)

// Builtin op kinds the quantization driver gives special meaning to.
// Every other kind is a domain op interpreted through policy adapters.
const (
	KindConst          = "const"
	KindQuantizeCast   = "qcast"
	KindDequantizeCast = "dqcast"
)

// Use records one operand slot reading a value.
type Use struct {
	Op    *Op
	Index int
}

// Value is an immutable handle to a position in the graph: either an
// operation result or a function argument. Its identity (pointer) is
// stable for the lifetime of the function.
type Value struct {
	typ Type
	def *Op // nil for function arguments
	idx int // result index, or argument index

	uses []Use
}

// Type returns the value's tensor type.
func (v *Value) Type() Type { return v.typ }

// SetType replaces the value's type. Used when a pass decides a new
// quantized type for an op it created.
func (v *Value) SetType(t Type) { v.typ = t }

// DefiningOp returns the op producing v, or nil for arguments.
func (v *Value) DefiningOp() *Op { return v.def }

// Index returns the result index within the defining op, or the
// argument index.
func (v *Value) Index() int { return v.idx }

// Uses returns the operand slots currently reading v, in the order the
// edges were created.
func (v *Value) Uses() []Use { return v.uses }

// HasOneUse reports whether exactly one operand slot reads v.
func (v *Value) HasOneUse() bool { return len(v.uses) == 1 }

// ReplaceAllUsesWith rewires every use of v to read nv instead.
func (v *Value) ReplaceAllUsesWith(nv *Value) {
	for _, use := range append([]Use(nil), v.uses...) {
		use.Op.SetOperand(use.Index, nv)
	}
}

func (v *Value) removeUse(op *Op, index int) {
	for i, use := range v.uses {
		if use.Op == op && use.Index == index {
			v.uses = append(v.uses[:i], v.uses[i+1:]...)
			return
		}
	}
}

// Op is a node in the dataflow graph with ordered operands and results.
type Op struct {
	kind     string
	operands []*Value
	results  []*Value
	attrs    map[string]any
	payload  *tensor.Dense // const ops only
	fn       *Func
}

// Kind returns the operation kind string.
func (o *Op) Kind() string { return o.kind }

// Is reports whether the op has the given kind.
func (o *Op) Is(kind string) bool { return o.kind == kind }

// NumOperands returns the operand count.
func (o *Op) NumOperands() int { return len(o.operands) }

// Operand returns the i-th operand value.
func (o *Op) Operand(i int) *Value { return o.operands[i] }

// NumResults returns the result count.
func (o *Op) NumResults() int { return len(o.results) }

// Result returns the i-th result value.
func (o *Op) Result(i int) *Value { return o.results[i] }

// Payload returns the dense float content of a const op, or nil.
func (o *Op) Payload() *tensor.Dense { return o.payload }

// SetOperand replaces the i-th operand, keeping use lists consistent.
func (o *Op) SetOperand(i int, v *Value) {
	if old := o.operands[i]; old != nil {
		old.removeUse(o, i)
	}
	o.operands[i] = v
	if v != nil {
		v.uses = append(v.uses, Use{Op: o, Index: i})
	}
}

// ReplaceUsesOfWith rewires every operand of o currently reading old to
// read new instead.
func (o *Op) ReplaceUsesOfWith(old, new *Value) {
	for i, operand := range o.operands {
		if operand == old {
			o.SetOperand(i, new)
		}
	}
}

// SetAttr records a named attribute on the op.
func (o *Op) SetAttr(name string, value any) {
	if o.attrs == nil {
		o.attrs = map[string]any{}
	}
	o.attrs[name] = value
}

// Attr returns a named attribute, or nil.
func (o *Op) Attr(name string) any { return o.attrs[name] }

// Func is a single-block function: an argument list and an ordered op
// list. Passes may insert ops anywhere but never remove them while
// iterating.
type Func struct {
	name string
	args []*Value
	ops  []*Op
}

// NewFunc creates an empty function.
func NewFunc(name string) *Func {
	return &Func{name: name}
}

// Name returns the function name.
func (f *Func) Name() string { return f.name }

// Args returns the function arguments in declaration order.
func (f *Func) Args() []*Value { return f.args }

// Ops returns the current op list in program order.
func (f *Func) Ops() []*Op { return f.ops }

// AddArg appends a function argument of the given type.
func (f *Func) AddArg(t Type) *Value {
	arg := &Value{typ: t, idx: len(f.args)}
	f.args = append(f.args, arg)
	return arg
}

// NewOp creates a detached op with the given result types and operands.
// Place it with Append, InsertAfter or InsertAtStart.
func (f *Func) NewOp(kind string, resultTypes []Type, operands ...*Value) *Op {
	op := &Op{kind: kind, fn: f, operands: make([]*Value, len(operands))}
	for i, v := range operands {
		op.SetOperand(i, v)
	}
	op.results = make([]*Value, len(resultTypes))
	for i, t := range resultTypes {
		op.results[i] = &Value{typ: t, def: op, idx: i}
	}
	return op
}

// NewConst creates a detached const op with a dense float payload.
func (f *Func) NewConst(t Type, payload *tensor.Dense) *Op {
	op := f.NewOp(KindConst, []Type{t})
	op.payload = payload
	return op
}

// Append places a detached op at the end of the function.
func (f *Func) Append(op *Op) *Op {
	f.ops = append(f.ops, op)
	return op
}

// InsertAtStart places a detached op before every existing op.
func (f *Func) InsertAtStart(op *Op) *Op {
	f.ops = append([]*Op{op}, f.ops...)
	return op
}

// InsertAfter places a detached op immediately after anchor. Falls back
// to appending when the anchor is not in the op list.
func (f *Func) InsertAfter(anchor, op *Op) *Op {
	for i, o := range f.ops {
		if o == anchor {
			f.ops = append(f.ops[:i+1], append([]*Op{op}, f.ops[i+1:]...)...)
			return op
		}
	}
	return f.Append(op)
}

// InsertBefore places a detached op immediately before anchor.
func (f *Func) InsertBefore(anchor, op *Op) *Op {
	for i, o := range f.ops {
		if o == anchor {
			f.ops = append(f.ops[:i], append([]*Op{op}, f.ops[i:]...)...)
			return op
		}
	}
	return f.Append(op)
}

// Clone duplicates a const op, payload shared, and inserts the copy
// right after the original. Cloning non-const ops is not supported.
func (f *Func) Clone(op *Op) *Op {
	if !op.Is(KindConst) {
		return nil
	}
	dup := f.NewConst(op.Result(0).Type(), op.payload)
	for name, value := range op.attrs {
		dup.SetAttr(name, value)
	}
	return f.InsertAfter(op, dup)
}

// Walk visits a snapshot of the current op list in program order. Ops
// inserted during the walk are not visited.
func (f *Func) Walk(visit func(*Op)) {
	for _, op := range append([]*Op(nil), f.ops...) {
		visit(op)
	}
}

// String renders the function in a compact single-assignment form,
// mainly for tests and debug logging.
func (f *Func) String() string {
	names := map[*Value]string{}
	for i, arg := range f.args {
		names[arg] = fmt.Sprintf("%%arg%d", i)
	}
	next := 0
	name := func(v *Value) string {
		if n, ok := names[v]; ok {
			return n
		}
		n := fmt.Sprintf("%%%d", next)
		next++
		names[v] = n
		return n
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "func %s {\n", f.name)
	for _, op := range f.ops {
		var results, operands []string
		for _, r := range op.results {
			results = append(results, name(r)+" "+r.Type().String())
		}
		for _, o := range op.operands {
			operands = append(operands, name(o))
		}
		fmt.Fprintf(&sb, "  %s = %s(%s)\n", strings.Join(results, ", "), op.kind, strings.Join(operands, ", "))
	}
	sb.WriteString("}")
	return sb.String()
}
