package propagate

import (
	"log/slog"

	"github.com/quantlite/quantlite/graph"
)

// ApplyQuantizationParamsPropagation assigns quantization parameters to
// every resolvable value in fn and inserts the quantize/dequantize
// casts materializing them, mutating fn in place. Reports whether
// anything changed, so a second run over the same function returns
// false.
//
// The scale-constraint policy defaults to DefaultScaleSpec; use
// ApplyQuantizationParamsPropagationWithScaleSpec to supply one.
func ApplyQuantizationParamsPropagation(fn *graph.Func, cfg Config, specFn OpQuantSpecGetter) bool {
	return ApplyQuantizationParamsPropagationWithScaleSpec(fn, cfg, specFn, DefaultScaleSpec)
}

// ApplyQuantizationParamsPropagationWithScaleSpec is
// ApplyQuantizationParamsPropagation with an explicit scale-constraint
// policy.
func ApplyQuantizationParamsPropagationWithScaleSpec(fn *graph.Func, cfg Config, specFn OpQuantSpecGetter, scaleFn OpQuantScaleSpecGetter) bool {
	d := newDriver(fn, cfg, specFn, scaleFn)
	return d.run()
}

// run executes one full propagation: initialize states, iterate to the
// fixed point, then materialize the decisions.
func (d *driver) run() bool {
	slog.Debug("quantization propagation starting", "func", d.fn.Name(),
		"signed", d.cfg.IsSigned, "bits", d.cfg.BitWidth)
	d.initialize()
	changed := d.propagate()
	if changed {
		d.finalize()
	}
	slog.Debug("quantization propagation finished", "func", d.fn.Name(), "changed", changed)
	return changed
}
