package propagate

import (
	"github.com/quantlite/quantlite/graph"
	"github.com/quantlite/quantlite/quant"
)

// quantState is the mutable per-value record: the candidate parameters
// (zero until decided) and whether the value's type already fixes them.
type quantState struct {
	params    quant.Params
	immutable bool
}

func (s *quantState) empty() bool { return s.params.IsZero() }

type requantPosition int

const (
	noRequant requantPosition = iota
	// onInput rescales right after the producer: the consumer's view
	// of the value changes.
	onInput
	// onOutput rescales right before the consumer: the producer's
	// output is converted on the edges that asked for it.
	onOutput
)

// requantState is a deferred scale change at one graph edge, created
// when a conflicting assignment lands on an already-assigned state.
type requantState struct {
	pos    requantPosition
	params quant.Params
	users  []opSite
}

// opSite identifies an operand or result slot of an op.
type opSite struct {
	op    *graph.Op
	index int
}

// stateStore holds one quantState per distinct value. States live in an
// arena; the identity map deduplicates every operand/result slot that
// observes the same produced value onto one arena index, so an update
// through any slot is visible to all of them. Requantize queues are
// keyed by the same arena index and share the same aliasing.
type stateStore struct {
	requants [][]requantState // lazily nil; parallel to arena
	arena    []quantState
	byValue  map[*graph.Value]int
	operands map[opSite]int
	results  map[opSite]int
	args     map[*graph.Value]int

	// resultSites is the deterministic finalization order: one entry
	// per distinct (op, result index) in initialization order.
	resultSites []opSite
}

func newStateStore() *stateStore {
	return &stateStore{
		byValue:  map[*graph.Value]int{},
		operands: map[opSite]int{},
		results:  map[opSite]int{},
		args:     map[*graph.Value]int{},
	}
}

// getOrCreate returns the arena index for value, allocating a fresh
// state on first sight. The state is immutable iff the value already
// carries a quantized type.
func (ss *stateStore) getOrCreate(value *graph.Value) int {
	if idx, ok := ss.byValue[value]; ok {
		return idx
	}
	state := quantState{}
	if q := value.Type().Quant; q != nil {
		state.params = *q
		state.immutable = true
	}
	idx := len(ss.arena)
	ss.arena = append(ss.arena, state)
	ss.requants = append(ss.requants, nil)
	ss.byValue[value] = idx
	return idx
}

func (ss *stateStore) initArg(arg, observed *graph.Value) {
	ss.args[arg] = ss.getOrCreate(observed)
}

func (ss *stateStore) initOperand(op *graph.Op, index int, value *graph.Value) {
	ss.operands[opSite{op, index}] = ss.getOrCreate(value)
}

func (ss *stateStore) initResult(op *graph.Op, index int, value *graph.Value) {
	site := opSite{op, index}
	if _, seen := ss.results[site]; !seen {
		ss.resultSites = append(ss.resultSites, site)
	}
	ss.results[site] = ss.getOrCreate(value)
}

func (ss *stateStore) operandState(op *graph.Op, index int) *quantState {
	return &ss.arena[ss.operands[opSite{op, index}]]
}

func (ss *stateStore) resultState(op *graph.Op, index int) *quantState {
	return &ss.arena[ss.results[opSite{op, index}]]
}

func (ss *stateStore) argState(arg *graph.Value) *quantState {
	return &ss.arena[ss.args[arg]]
}

// Requantize queue access, created empty on first use. The returned
// pointer stays valid until the next state allocation.

func (ss *stateStore) operandRequants(op *graph.Op, index int) *[]requantState {
	return &ss.requants[ss.operands[opSite{op, index}]]
}

func (ss *stateStore) resultRequants(op *graph.Op, index int) *[]requantState {
	return &ss.requants[ss.results[opSite{op, index}]]
}

func (ss *stateStore) argRequants(arg *graph.Value) *[]requantState {
	return &ss.requants[ss.args[arg]]
}
