package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. LOG_LEVEL selects debug|info|warn|error and
// LOG_FORMAT=json switches from the console encoder. Output goes to stderr.
func New() *zap.Logger {
	return build(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
}

func build(level, format string) *zap.Logger {
	lvl := zap.NewAtomicLevelAt(zap.InfoLevel)
	if level != "" {
		if l, err := zapcore.ParseLevel(strings.ToLower(level)); err == nil {
			lvl.SetLevel(l)
		}
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if strings.ToLower(format) != "json" {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.DisableStacktrace = true
		cfg.Sampling = nil
	}

	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}
