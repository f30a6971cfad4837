package logger

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ErrUnknownLevel is returned for a level zap does not recognise.
var ErrUnknownLevel = errors.New("logger: unknown level")

// NewLogger builds the process logger. outputs defaults to stdout.
func NewLogger(level string, outputs ...string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("%w %q", ErrUnknownLevel, level)
	}
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(lvl)
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	config.OutputPaths = outputs

	return config.Build()
}
