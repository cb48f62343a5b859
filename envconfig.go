package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// EnvVar describes one environment setting for the help output.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// EnvVars lists the variables the trainer reads.
func EnvVars() []EnvVar {
	return []EnvVar{
		{"RWKV_FLOAT_MODE", Var("RWKV_FLOAT_MODE"), "Weight precision: fp16, bf16, fp32 or tf32 (required)"},
		{"RWKV_DEBUG", LogLevel(), "Show additional debug information (e.g. RWKV_DEBUG=1)"},
		{"RWKV_NUM_WORKERS", NumWorkers(), "Worker goroutines for the gpu accelerator (default all CPUs)"},
	}
}

// FloatMode returns the precision selected by RWKV_FLOAT_MODE. Unlike the
// other settings it has no default.
func FloatMode() (Precision, error) {
	s := Var("RWKV_FLOAT_MODE")
	if s == "" {
		return PrecisionUnset, fmt.Errorf("%w: RWKV_FLOAT_MODE is not set", ErrPrecision)
	}
	return ParsePrecision(s)
}

// LogLevel returns the log level. Configure via RWKV_DEBUG:
// 0/false = INFO (default), 1/true = DEBUG, 2 = TRACE.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("RWKV_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}
	return level
}

// NumWorkers returns RWKV_NUM_WORKERS, or 0 for "all CPUs".
func NumWorkers() int {
	if s := Var("RWKV_NUM_WORKERS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
		slog.Warn("invalid RWKV_NUM_WORKERS, using all CPUs", "value", s)
	}
	return 0
}

// Var returns an environment variable stripped of spaces and quotes.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
