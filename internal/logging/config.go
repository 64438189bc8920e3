package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the configuration for the logger.
type Config struct {
	// Level is the minimum log level to output (debug, info, warn, error)
	Level string
	// Format is the output format (json, console)
	Format string
	// Output is the output destination (stdout, stderr, or file path)
	Output string
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "json",
		Output: "stderr",
	}
}

// NewLogger creates a new logger with the given configuration.
func NewLogger(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(parseLevel(cfg.Level))
	zcfg.EncoderConfig.TimeKey = "timestamp"
	zcfg.EncoderConfig.MessageKey = "message"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.Sampling = nil

	switch strings.ToLower(cfg.Format) {
	case "console", "text":
		zcfg.Encoding = "console"
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	default:
		zcfg.Encoding = "json"
	}

	output := cfg.Output
	if output == "" {
		output = "stderr"
	}
	zcfg.OutputPaths = []string{output}
	zcfg.ErrorOutputPaths = []string{"stderr"}

	z, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return New(z), nil
}

// parseLevel converts a string log level to a zap level. Unknown levels
// fall back to info.
func parseLevel(level string) zapcore.Level {
	l, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zapcore.InfoLevel
	}
	return l
}
