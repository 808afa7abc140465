package propagate

import (
	"log/slog"
	"math"
	"sort"

	"github.com/emirpasic/gods/sets/hashset"

	"github.com/quantlite/quantlite/graph"
	"github.com/quantlite/quantlite/logutil"
	"github.com/quantlite/quantlite/quant"
)

// biasMax caps the quantized magnitude of a bias at half the int32
// range, leaving headroom in the accumulator.
const biasMax = math.MaxInt32 / 2

// Config carries the knobs of one propagation run.
type Config struct {
	// IsSigned selects signed storage types for activations.
	IsSigned bool
	// BitWidth is the activation bit width handed to fixed-range
	// policies. Weights are always quantized at 8 bits.
	BitWidth int
	// DisablePerChannel forces per-tensor parameters even for weights
	// whose consumers support per-channel quantization.
	DisablePerChannel bool
	// InferTensorRanges enables deriving parameters from constant
	// content and fixed activation ranges (post-training workflows).
	InferTensorRanges bool
	// LegacyFloatScale truncates derived scales to float32 precision.
	LegacyFloatScale bool
	// IsQDQConversion suppresses fixed output ranges: in QDQ form the
	// model's existing casts are authoritative.
	IsQDQConversion bool
}

type driver struct {
	fn      *graph.Func
	cfg     Config
	specFn  OpQuantSpecGetter
	scaleFn OpQuantScaleSpecGetter

	store *stateStore
	args  []*graph.Value

	// worklist is a set-backed stack: ops may be pushed repeatedly but
	// are skipped while marked quantized.
	worklist  []*graph.Op
	quantized *hashset.Set

	// weights are constants whose parameters come from their content.
	// perAxisWeights maps those with per-channel support to the axis
	// (-1 when the consumer declared no usable axis).
	weights        *hashset.Set
	perAxisWeights map[*graph.Op]int

	// classification computed once per op from the policy adapters
	specs      map[*graph.Op]OpQuantSpec
	scaleSpecs map[*graph.Op]OpQuantScaleSpec
}

func newDriver(fn *graph.Func, cfg Config, specFn OpQuantSpecGetter, scaleFn OpQuantScaleSpecGetter) *driver {
	return &driver{
		fn:             fn,
		cfg:            cfg,
		specFn:         specFn,
		scaleFn:        scaleFn,
		store:          newStateStore(),
		quantized:      hashset.New(),
		weights:        hashset.New(),
		perAxisWeights: map[*graph.Op]int{},
		specs:          map[*graph.Op]OpQuantSpec{},
		scaleSpecs:     map[*graph.Op]OpQuantScaleSpec{},
	}
}

func (d *driver) spec(op *graph.Op) OpQuantSpec {
	if s, ok := d.specs[op]; ok {
		return s
	}
	s := d.specFn(op)
	if s.Biases == nil {
		s.Biases = map[int]BiasSpec{}
	}
	if s.WeightAxis == nil {
		s.WeightAxis = map[int]int{}
	}
	d.specs[op] = s
	return s
}

func (d *driver) scaleSpec(op *graph.Op) OpQuantScaleSpec {
	if s, ok := d.scaleSpecs[op]; ok {
		return s
	}
	s := d.scaleFn(op)
	d.scaleSpecs[op] = s
	return s
}

// initialize runs constant preprocessing and then creates the state of
// every argument, operand and result of interest.
func (d *driver) initialize() {
	d.preprocessConstants()
	d.setupAllStates()
}

// preprocessConstants classifies every float constant. Constants that
// are neither biases nor same-scale operands nor already feeding a
// quantize cast are weights: their parameters will be derived from
// their content. Everything else is propagated into, so shared
// constants are duplicated per use to keep the copies independently
// mutable.
func (d *driver) preprocessConstants() {
	d.fn.Walk(func(cst *graph.Op) {
		if !cst.Is(graph.KindConst) || !cst.Result(0).Type().IsFloat() {
			return
		}
		payload := cst.Payload()
		if payload == nil {
			return
		}
		data, ok := payload.Data().([]float32)
		if !ok || len(data) == 0 {
			return
		}
		// A NaN or infinite leading element would produce an invalid
		// scale; leave the constant unquantized.
		if f := float64(data[0]); math.IsNaN(f) || math.IsInf(f, 0) {
			return
		}

		value := cst.Result(0)
		uses := append([]graph.Use(nil), value.Uses()...)
		for _, use := range uses {
			spec := d.spec(use.Op)
			scaleSpec := d.scaleSpec(use.Op)
			_, isBias := spec.Biases[use.Index]

			if !isBias && !scaleSpec.SameScale && !use.Op.Is(graph.KindQuantizeCast) {
				d.weights.Add(cst)
				if axis, ok := spec.WeightAxis[use.Index]; ok {
					d.perAxisWeights[cst] = axis
				}
			} else if len(uses) > 1 {
				dup := d.fn.Clone(cst)
				use.Op.SetOperand(use.Index, dup.Result(0))
			}
		}
	})
}

// setupAllStates registers every quantizable or same-scale op on the
// worklist and creates states for its operands and results, resolving
// through adjacent quantize/dequantize casts so externally quantized
// values are observed with their existing parameters.
func (d *driver) setupAllStates() {
	for _, arg := range d.fn.Args() {
		d.args = append(d.args, arg)
		observed := arg
		if arg.HasOneUse() {
			if user := arg.Uses()[0].Op; user.Is(graph.KindQuantizeCast) {
				observed = user.Result(0)
			}
		}
		d.store.initArg(arg, observed)
	}

	d.fn.Walk(func(op *graph.Op) {
		spec := d.spec(op)
		scaleSpec := d.scaleSpec(op)
		// Constants are always of interest: weight content inference
		// happens on the worklist like everything else.
		if !spec.Quantizable && !scaleSpec.SameScale && !op.Is(graph.KindConst) {
			return
		}
		d.worklist = append(d.worklist, op)

		for i := 0; i < op.NumOperands(); i++ {
			operand := op.Operand(i)
			if def := operand.DefiningOp(); def != nil && def.Is(graph.KindDequantizeCast) {
				operand = def.Operand(0)
			}
			d.store.initOperand(op, i, operand)
		}

		for i := 0; i < op.NumResults(); i++ {
			result := op.Result(i)
			if result.HasOneUse() {
				if user := result.Uses()[0].Op; user.Is(graph.KindQuantizeCast) {
					result = user.Result(0)
				}
			}
			d.store.initResult(op, i, result)
		}
	})
}

// pushUsers re-enqueues every consumer of a result whose state changed.
func (d *driver) pushUsers(op *graph.Op, index int) {
	for _, use := range op.Result(index).Uses() {
		d.worklist = append(d.worklist, use.Op)
	}
}

// pushProducer re-enqueues the producer of an operand whose state
// changed.
func (d *driver) pushProducer(op *graph.Op, index int) {
	if def := op.Operand(index).DefiningOp(); def != nil {
		d.worklist = append(d.worklist, def)
	}
}

func (d *driver) isQuantized(op *graph.Op) bool {
	for i := 0; i < op.NumResults(); i++ {
		if d.store.resultState(op, i).empty() {
			return false
		}
	}
	return true
}

// setResultParams assigns params to a result state. A conflicting
// assignment on a non-empty state queues an on-input requantization
// instead of overwriting. Reports whether anything changed.
func (d *driver) setResultParams(op *graph.Op, index int, params quant.Params) bool {
	state := d.store.resultState(op, index)
	if state.params.Equal(params) {
		return false
	}
	if !state.empty() {
		requants := d.store.resultRequants(op, index)
		*requants = append(*requants, requantState{pos: onInput, params: params})
		return true
	}
	state.params = params
	logutil.Trace("assigned result params", "op", op.Kind(), "result", index, "scale", params.Scale())
	d.pushUsers(op, index)
	return true
}

// setOperandParams assigns params to an operand state. A conflicting
// assignment without override joins or creates an on-output
// requantization carrying this use; with override it overwrites
// unconditionally (filter/bias coupling, last write wins even with
// pending requantizations).
func (d *driver) setOperandParams(op *graph.Op, index int, params quant.Params, override bool) bool {
	state := d.store.operandState(op, index)
	if state.params.Equal(params) {
		return false
	}

	if !state.empty() && !override {
		requants := d.store.operandRequants(op, index)
		for i := range *requants {
			if (*requants)[i].params.Equal(params) {
				(*requants)[i].users = append((*requants)[i].users, opSite{op, index})
				return true
			}
		}
		*requants = append(*requants, requantState{
			pos:    onOutput,
			params: params,
			users:  []opSite{{op, index}},
		})
		return true
	}

	state.params = params
	logutil.Trace("assigned operand params", "op", op.Kind(), "operand", index, "scale", params.Scale())
	d.pushProducer(op, index)
	return true
}

// setConstantResultParams derives a constant's parameters from its
// content. Weights whose consumer supports per-channel quantization get
// per-channel symmetric parameters unless disabled; everything else is
// per-tensor.
func (d *driver) setConstantResultParams(op *graph.Op) bool {
	payload := op.Payload()
	if payload == nil {
		return false
	}

	axis, isWeight := d.perAxisWeights[op]
	perChannel := isWeight && axis != -1 && d.cfg.IsSigned && !d.cfg.DisablePerChannel

	var params quant.Params
	var ok bool
	if perChannel {
		params, ok = quant.PerAxisForWeight(payload, axis, 8, d.cfg.IsSigned, d.cfg.LegacyFloatScale)
	} else {
		params, ok = quant.ForWeight(payload, isWeight && d.cfg.IsSigned, 8, d.cfg.IsSigned, isWeight, d.cfg.LegacyFloatScale)
	}
	if !ok {
		return false
	}
	return d.setResultParams(op, 0, params)
}

// sameScaleParams picks the one parameter set an op with a same-scale
// requirement should impose on all its float operands and results:
// prefer immutable states, then a single operand, then a single result,
// then the first known state, operands before results. Zero when no
// neighbor has resolved yet.
func (d *driver) sameScaleParams(op *graph.Op) quant.Params {
	var mutable, immutable []*quantState
	for i := 0; i < op.NumOperands(); i++ {
		state := d.store.operandState(op, i)
		if state.immutable {
			immutable = append(immutable, state)
		} else if !state.empty() {
			mutable = append(mutable, state)
		}
	}

	immutableOperands := len(immutable)
	mutableOperands := len(mutable)
	if op.NumOperands() == 1 && immutableOperands == 1 {
		return immutable[0].params
	}

	for i := 0; i < op.NumResults(); i++ {
		state := d.store.resultState(op, i)
		if state.immutable {
			immutable = append(immutable, state)
		} else if !state.empty() {
			mutable = append(mutable, state)
		}
	}

	immutableResults := len(immutable) - immutableOperands
	mutableResults := len(mutable) - mutableOperands
	if op.NumResults() == 1 && immutableResults == 1 {
		return immutable[len(immutable)-1].params
	}
	if len(immutable) > 0 {
		return immutable[0].params
	}
	if op.NumOperands() == 1 && mutableOperands == 1 {
		return mutable[0].params
	}
	if op.NumResults() == 1 && mutableResults == 1 {
		return mutable[len(mutable)-1].params
	}
	if len(mutable) > 0 {
		return mutable[0].params
	}
	return quant.Params{}
}

// biasParams computes the parameters a bias operand needs by combining
// its peer operands through the policy's accumulator scale function.
// Already-assigned biases are reused as-is.
func (d *driver) biasParams(op *graph.Op, biasIndex int, nonBias []int, fn AccumulatorScaleFunc) quant.Params {
	biasState := d.store.operandState(op, biasIndex)
	if !biasState.empty() {
		return biasState.params
	}

	adjustedAxis := -1
	if op.NumOperands() > biasIndex {
		// 1-D biases broadcast inside the kernel quantize along axis
		// 0; pre-broadcast biases use their last axis.
		if def := op.Operand(biasIndex).DefiningOp(); def != nil {
			if rank := def.Result(0).Type().Rank(); rank > 1 {
				adjustedAxis = rank - 1
			} else {
				adjustedAxis = 0
			}
		}
	}

	operands := make([]quant.Params, 0, len(nonBias))
	for _, i := range nonBias {
		operands = append(operands, d.store.operandState(op, i).params)
	}
	return fn(operands, adjustedAxis, d.cfg.LegacyFloatScale)
}

// duplicateConstIfNeeded gives target its own copy of a shared constant
// so a scale adjustment cannot corrupt other consumers, registering
// states for the copy.
func (d *driver) duplicateConstIfNeeded(cst, target *graph.Op, operandIndex int) *graph.Op {
	if cst.Result(0).HasOneUse() {
		return cst
	}
	dup := d.fn.Clone(cst)
	if dup == nil {
		return nil
	}
	target.SetOperand(operandIndex, dup.Result(0))
	d.store.initOperand(target, operandIndex, dup.Result(0))
	d.store.initResult(dup, 0, dup.Result(0))
	return dup
}

// shouldCheckBiasScale restricts bias saturation adjustment to affine
// ops whose bias and filter are constants with 8-bit input/filter and a
// 32-bit bias. Returns the paired input and filter operand indices.
func (d *driver) shouldCheckBiasScale(op *graph.Op, biasIndex int, nonBias []int, params quant.Params) (inputIndex, filterIndex int, ok bool) {
	spec := d.spec(op)
	if !spec.Affine || len(nonBias) != 2 {
		return 0, 0, false
	}
	biasOp := op.Operand(biasIndex).DefiningOp()
	if biasOp == nil || !biasOp.Is(graph.KindConst) || biasOp.Payload() == nil {
		return 0, 0, false
	}
	filterIndex = spec.FilterIndex
	filterOp := op.Operand(filterIndex).DefiningOp()
	if filterOp == nil || !filterOp.Is(graph.KindConst) {
		return 0, 0, false
	}
	switch filterIndex {
	case nonBias[0]:
		inputIndex = nonBias[1]
	case nonBias[1]:
		inputIndex = nonBias[0]
	default:
		return 0, 0, false
	}

	inputState := d.store.operandState(op, inputIndex)
	filterState := d.store.operandState(op, filterIndex)
	if inputState.params.Bits != 8 || filterState.params.Bits != 8 || params.Bits != 32 {
		return 0, 0, false
	}
	return inputIndex, filterIndex, true
}

// setBiasParamsWithAdjustments assigns bias parameters, rescaling the
// bias and its filter when the quantized bias would overflow half the
// int32 accumulator range.
func (d *driver) setBiasParamsWithAdjustments(op *graph.Op, biasIndex int, nonBias []int, params quant.Params) bool {
	inputIndex, filterIndex, check := d.shouldCheckBiasScale(op, biasIndex, nonBias, params)
	if !check {
		return d.setOperandParams(op, biasIndex, params, false)
	}

	inputState := d.store.operandState(op, inputIndex)
	filterState := d.store.operandState(op, filterIndex)
	biasOp := op.Operand(biasIndex).DefiningOp()
	inputScale := inputState.params.Scale()

	changed := false
	if !params.PerChannel() {
		biasHalfRange := quant.MaxAbs(biasOp.Payload())
		if biasHalfRange/params.Scale() < biasMax {
			return d.setOperandParams(op, biasIndex, params, false)
		}
		newBiasScale := biasHalfRange / biasMax
		slog.Debug("adjusting bias scale to avoid accumulator saturation",
			"op", op.Kind(), "bias", biasIndex, "scale", newBiasScale)

		changed = d.setOperandParams(op, biasIndex, params.WithScale(newBiasScale), false) || changed
		filterOp := d.duplicateConstIfNeeded(op.Operand(filterIndex).DefiningOp(), op, filterIndex)
		if filterOp == nil {
			return d.setOperandParams(op, biasIndex, params, false)
		}
		changed = d.setOperandParams(op, filterIndex, filterState.params.WithScale(newBiasScale/inputScale), true) || changed
		return changed
	}

	biasValues, _ := biasOp.Payload().Data().([]float32)
	newBiasScales := append([]float64(nil), params.Scales...)
	newFilterScales := append([]float64(nil), filterState.params.Scales...)
	needsAdjustment := false
	for i := range newBiasScales {
		if i >= len(biasValues) || i >= len(newFilterScales) {
			break
		}
		absBias := math.Abs(float64(biasValues[i]))
		if absBias/newBiasScales[i] > biasMax {
			newBiasScales[i] = absBias / biasMax
			newFilterScales[i] = newBiasScales[i] / inputScale
			needsAdjustment = true
		}
	}
	if !needsAdjustment {
		return d.setOperandParams(op, biasIndex, params, false)
	}
	slog.Debug("adjusting per-channel bias scales to avoid accumulator saturation",
		"op", op.Kind(), "bias", biasIndex)

	changed = d.setOperandParams(op, biasIndex, params.WithScales(newBiasScales), false) || changed
	filterOp := d.duplicateConstIfNeeded(op.Operand(filterIndex).DefiningOp(), op, filterIndex)
	if filterOp == nil {
		return changed
	}
	changed = d.setOperandParams(op, filterIndex, filterState.params.WithScales(newFilterScales), true) || changed
	return changed
}

// propagate runs the worklist to a fixed point. Reports whether any
// state changed.
func (d *driver) propagate() bool {
	changed := false
	for len(d.worklist) > 0 {
		op := d.worklist[len(d.worklist)-1]
		d.worklist = d.worklist[:len(d.worklist)-1]

		if d.quantized.Contains(op) {
			continue
		}
		d.quantized.Add(op)

		if op.Is(graph.KindConst) {
			// Weight content inference only applies in range-inferring
			// workflows and only once per constant.
			if d.cfg.InferTensorRanges && d.weights.Contains(op) && !d.isQuantized(op) {
				changed = d.setConstantResultParams(op) || changed
			}
			continue
		}

		scaleSpec := d.scaleSpec(op)

		if scaleSpec.SameScale {
			params := d.sameScaleParams(op)
			if params.IsZero() {
				// No neighbor resolved yet; revisit once one does.
				d.quantized.Remove(op)
				continue
			}

			for i := 0; i < op.NumOperands(); i++ {
				// Shared non-float values (shapes, indices) must not
				// carry quantization parameters.
				if op.Operand(i).Type().IsFloat() {
					changed = d.setOperandParams(op, i, params, false) || changed
				}
			}
			for i := 0; i < op.NumResults(); i++ {
				if op.Result(i).Type().IsFloat() {
					changed = d.setResultParams(op, i, params) || changed
				}
			}
		}

		if scaleSpec.FixedOutputRange && d.cfg.InferTensorRanges && !d.cfg.IsQDQConversion && scaleSpec.FixedRange != nil {
			if params, ok := scaleSpec.FixedRange(d.cfg.IsSigned, d.cfg.BitWidth); ok && !params.IsZero() {
				for i := 0; i < op.NumResults(); i++ {
					changed = d.setResultParams(op, i, params) || changed
				}
			}
		}

		spec := d.spec(op)
		biasIndices := make([]int, 0, len(spec.Biases))
		for i := range spec.Biases {
			biasIndices = append(biasIndices, i)
		}
		sort.Ints(biasIndices)
		for _, biasIndex := range biasIndices {
			bias := spec.Biases[biasIndex]
			params := d.biasParams(op, biasIndex, bias.NonBias, bias.Scale)
			if params.IsZero() {
				// Inputs not resolved yet; revisit.
				d.quantized.Remove(op)
				continue
			}
			changed = d.setBiasParamsWithAdjustments(op, biasIndex, bias.NonBias, params) || changed
		}
	}
	return changed
}
