// Package oxlog builds the process-wide structured logger. Components take
// a *zap.SugaredLogger explicitly through their constructors; nothing in
// this tree calls zap.L() globally.
package oxlog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a console-encoded logger suitable for a CLI daemon: human
// readable at the terminal, still structured enough to grep. debug enables
// debug-level output (wired to a --verbose flag).
func New(debug bool) (*zap.SugaredLogger, error) {
	level := zap.InfoLevel
	if debug {
		level = zap.DebugLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    encoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return cfg
}

// Noop returns a logger that discards everything, for use in tests.
func Noop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
