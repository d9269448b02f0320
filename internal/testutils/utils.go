package testutils

import (
	"io"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns a development logger for test suites. The level is given
// in logr verbosity terms: -10 enables everything up to V(10).
func NewLogger(w io.Writer, level int) logr.Logger {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(w),
		zapcore.Level(int8(level)),
	)

	return zapr.NewLogger(zap.New(core, zap.AddStacktrace(zapcore.Level(3))))
}
