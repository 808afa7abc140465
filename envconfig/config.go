// Package envconfig reads the QUANTLITE_* environment knobs.
package envconfig

import (
	"log/slog"
	"os"
	"strconv"
)

var (
	// Set via QUANTLITE_DEBUG in the environment
	Debug bool
	// Set via QUANTLITE_TRACE in the environment
	Trace bool
	// Set via QUANTLITE_NOPERCHANNEL in the environment; disables
	// per-channel weight quantization unless a caller overrides it
	NoPerChannel bool
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"QUANTLITE_DEBUG":        {"QUANTLITE_DEBUG", Debug, "Show additional debug information (e.g. QUANTLITE_DEBUG=1)"},
		"QUANTLITE_TRACE":        {"QUANTLITE_TRACE", Trace, "Log every parameter assignment the driver makes"},
		"QUANTLITE_NOPERCHANNEL": {"QUANTLITE_NOPERCHANNEL", NoPerChannel, "Disable per-channel weight quantization"},
	}
}

// LoadConfig reads the environment into the package variables.
func LoadConfig() {
	Debug = boolFromEnv("QUANTLITE_DEBUG")
	Trace = boolFromEnv("QUANTLITE_TRACE")
	NoPerChannel = boolFromEnv("QUANTLITE_NOPERCHANNEL")
}

func boolFromEnv(name string) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("invalid environment variable, ignoring", "name", name, "value", raw)
		return false
	}
	return v
}
