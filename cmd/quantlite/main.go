package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/quantlite/quantlite/envconfig"
	"github.com/quantlite/quantlite/graph"
	"github.com/quantlite/quantlite/logutil"
	"github.com/quantlite/quantlite/quant/propagate"
	"github.com/quantlite/quantlite/version"
)

type applyOptions struct {
	bits        int
	unsigned    bool
	perTensor   bool
	noInfer     bool
	legacyScale bool
	qdq         bool
}

func (o applyOptions) config() propagate.Config {
	return propagate.Config{
		IsSigned:          !o.unsigned,
		BitWidth:          o.bits,
		DisablePerChannel: o.perTensor || envconfig.NoPerChannel,
		InferTensorRanges: !o.noInfer,
		LegacyFloatScale:  o.legacyScale,
		IsQDQConversion:   o.qdq,
	}
}

func outputPath(in string) string {
	base := strings.TrimSuffix(in, ".cbor")
	return base + ".quant.cbor"
}

func applyFile(path string, cfg propagate.Config) error {
	runID := uuid.New().String()
	logger := slog.With("run", runID, "file", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	fn, err := graph.DecodeSnapshot(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	changed := propagate.ApplyQuantizationParamsPropagationWithScaleSpec(fn, cfg, quantSpec, scaleSpec)
	logger.Info("propagation complete", "func", fn.Name(), "changed", changed)

	out, err := graph.EncodeSnapshot(fn)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return os.WriteFile(outputPath(path), out, 0o644)
}

func showFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	fn, err := graph.DecodeSnapshot(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	fmt.Println(fn)
	return nil
}

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "quantlite",
		Short:         "Quantization parameter propagation for dataflow graph snapshots",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			envconfig.LoadConfig()
			level := slog.LevelInfo
			if envconfig.Debug {
				level = slog.LevelDebug
			}
			if envconfig.Trace {
				level = logutil.LevelTrace
			}
			slog.SetDefault(logutil.NewLogger(os.Stderr, level))
		},
	}

	var opts applyOptions
	applyCmd := &cobra.Command{
		Use:   "apply file...",
		Short: "Propagate quantization parameters through snapshot files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.config()
			// Each graph run is strictly single threaded; only
			// distinct files run concurrently.
			g := new(errgroup.Group)
			g.SetLimit(runtime.NumCPU())
			for _, path := range args {
				g.Go(func() error { return applyFile(path, cfg) })
			}
			return g.Wait()
		},
	}
	applyCmd.Flags().IntVar(&opts.bits, "bits", 8, "Activation bit width")
	applyCmd.Flags().BoolVar(&opts.unsigned, "unsigned", false, "Use unsigned storage types")
	applyCmd.Flags().BoolVar(&opts.perTensor, "per-tensor", false, "Disable per-channel weight quantization")
	applyCmd.Flags().BoolVar(&opts.noInfer, "no-infer", false, "Do not infer ranges from constant content")
	applyCmd.Flags().BoolVar(&opts.legacyScale, "legacy-scale", false, "Compute scales in float32 precision")
	applyCmd.Flags().BoolVar(&opts.qdq, "qdq", false, "Quantize/dequantize conversion mode")

	showCmd := &cobra.Command{
		Use:   "show file",
		Short: "Print a snapshot in readable form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showFile(args[0])
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Version)
		},
	}

	rootCmd.AddCommand(applyCmd, showCmd, versionCmd)
	return rootCmd
}

func main() {
	if err := NewCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
