package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerLevels(testContext *testing.T) {
	testCases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"":        zapcore.InfoLevel,
		" INFO ":  zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"verbose": zapcore.InfoLevel,
	}
	for input, want := range testCases {
		logger, err := NewLogger(input)
		if err != nil {
			testContext.Fatalf("level %q: unexpected error %v", input, err)
		}
		if !logger.Core().Enabled(want) {
			testContext.Fatalf("level %q: expected %s enabled", input, want)
		}
		if want > zapcore.DebugLevel && logger.Core().Enabled(want-1) {
			testContext.Fatalf("level %q: expected %s disabled", input, want-1)
		}
	}
}

func TestNewConsoleLoggerHonorsLevel(testContext *testing.T) {
	logger, err := NewConsoleLogger("warn")
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		testContext.Fatalf("info must be disabled at warn level")
	}
	if !logger.Core().Enabled(zapcore.WarnLevel) {
		testContext.Fatalf("warn must be enabled")
	}
}
