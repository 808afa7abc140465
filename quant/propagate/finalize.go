package propagate

import (
	"github.com/quantlite/quantlite/graph"
	"github.com/quantlite/quantlite/quant"
)

// VolatileAttr marks quantize casts inserted by this pass. They can be
// removed by later passes without changing what the program computes.
const VolatileAttr = "volatile"

// inserter places detached ops one after another, starting either at
// the top of the function (nil anchor) or right after an existing op.
type inserter struct {
	fn     *graph.Func
	anchor *graph.Op
}

func (ins *inserter) insert(op *graph.Op) {
	if ins.anchor == nil {
		ins.fn.InsertAtStart(op)
	} else {
		ins.fn.InsertAfter(ins.anchor, op)
	}
	ins.anchor = op
}

// quantizeValue materializes decided parameters as a quantize cast
// immediately followed by a dequantize cast, rewiring all prior uses to
// the dequantized output. Values that cannot carry the quantized type
// are left alone.
func (d *driver) quantizeValue(value *graph.Value, params quant.Params, ins *inserter) {
	expressed := value.Type()
	quantized, ok := graph.Quantize(expressed, params)
	if !ok {
		return
	}
	qcast := d.fn.NewOp(graph.KindQuantizeCast, []graph.Type{quantized}, value)
	ins.insert(qcast)
	dqcast := d.fn.NewOp(graph.KindDequantizeCast, []graph.Type{expressed}, qcast.Result(0))
	ins.insert(dqcast)
	qcast.SetAttr(VolatileAttr, true)

	// Rewiring every use also moves the quantize cast's own operand;
	// point it back at the original value.
	value.ReplaceAllUsesWith(dqcast.Result(0))
	qcast.ReplaceUsesOfWith(dqcast.Result(0), value)
}

func (d *driver) quantizeOpResult(op *graph.Op, index int, params quant.Params) {
	ins := inserter{fn: d.fn, anchor: op}
	d.quantizeValue(op.Result(index), params, &ins)
}

func (d *driver) quantizeArg(arg *graph.Value, params quant.Params) {
	ins := inserter{fn: d.fn}
	d.quantizeValue(arg, params, &ins)
}

// requantizeOpResult materializes the queued scale changes of a result
// site. All queued entries must agree on the position.
func (d *driver) requantizeOpResult(op *graph.Op, index int, requants []requantState) {
	if len(requants) == 0 {
		return
	}
	pos := requants[0].pos
	if pos == noRequant {
		return
	}
	for _, r := range requants {
		if r.pos != pos {
			return
		}
	}

	value := op.Result(index)
	ins := inserter{fn: d.fn, anchor: op}
	if pos == onOutput && len(value.Uses()) > 0 {
		if user := value.Uses()[0].Op; user.Is(graph.KindQuantizeCast) {
			// Rescale between the quantize and dequantize casts.
			value = user.Result(0)
			ins.anchor = user
		}
	}
	d.requantizeValue(value, requants, &ins)
}

func (d *driver) requantizeArg(arg *graph.Value, requants []requantState) {
	value := arg
	ins := inserter{fn: d.fn}
	if value.HasOneUse() {
		if user := value.Uses()[0].Op; user.Is(graph.KindQuantizeCast) {
			value = user.Result(0)
			ins.anchor = user
		}
	}
	d.requantizeValue(value, requants, &ins)
}

func (d *driver) requantizeValue(value *graph.Value, requants []requantState, ins *inserter) {
	if len(requants) == 0 || requants[0].pos == noRequant {
		return
	}

	if requants[0].pos == onInput {
		// The producer's decided type stands; convert the consumers'
		// view with a single quantize cast. One queued state only.
		quantized, ok := graph.Quantize(value.Type(), requants[0].params)
		if !ok {
			return
		}
		requant := d.fn.NewOp(graph.KindQuantizeCast, []graph.Type{quantized}, value)
		ins.insert(requant)
		value.ReplaceAllUsesWith(requant.Result(0))
		requant.ReplaceUsesOfWith(requant.Result(0), value)
		return
	}

	// An operand-side requantization: the value must be a quantized
	// output consumed by a single dequantize cast.
	if !value.HasOneUse() {
		return
	}
	dqcast := value.Uses()[0].Op
	if !dqcast.Is(graph.KindDequantizeCast) {
		return
	}

	// When every use of the dequantized value is covered by the queued
	// requantizations, the first one may overwrite the dequantize
	// cast's source directly instead of cloning a new pair.
	clobberFirst := len(dqcast.Result(0).Uses()) <= len(requants)
	for _, r := range requants {
		if value.Type().Quant == nil {
			continue
		}
		quantized, ok := graph.Quantize(value.Type().Expressed(), r.params)
		if !ok {
			continue
		}
		requant := d.fn.NewOp(graph.KindQuantizeCast, []graph.Type{quantized}, value)
		ins.insert(requant)

		if clobberFirst {
			dqcast.SetOperand(0, requant.Result(0))
			clobberFirst = false
		} else {
			clone := d.fn.NewOp(graph.KindDequantizeCast, []graph.Type{dqcast.Result(0).Type()}, requant.Result(0))
			ins.insert(clone)
			for _, user := range r.users {
				user.op.SetOperand(user.index, clone.Result(0))
			}
		}
	}
}

// finalize walks every argument and result state and materializes the
// mutable assignments and queued requantizations.
func (d *driver) finalize() {
	for _, arg := range d.args {
		state := d.store.argState(arg)
		requants := *d.store.argRequants(arg)
		if state.empty() || (state.immutable && len(requants) == 0) {
			continue
		}
		if !state.immutable {
			d.quantizeArg(arg, state.params)
		}
		if len(requants) > 0 {
			d.requantizeArg(arg, requants)
		}
	}

	for _, site := range d.store.resultSites {
		state := d.store.resultState(site.op, site.index)
		requants := *d.store.resultRequants(site.op, site.index)
		if state.empty() || (state.immutable && len(requants) == 0) {
			continue
		}
		if !state.immutable {
			d.quantizeOpResult(site.op, site.index, state.params)
		}
		if len(requants) > 0 {
			d.requantizeOpResult(site.op, site.index, requants)
		}
	}
}
