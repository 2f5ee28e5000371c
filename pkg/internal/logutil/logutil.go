// Package logutil provides the level-prefixed logging helpers used across
// chronicle's packages. The call surface (Infof/Warnf/Errorf taking a
// *zap.Logger) stays stable even as the backend changes, so callers never
// need to know which logging library is wired underneath.
package logutil

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	once    sync.Once
	jsonFmt bool
)

func init() {
	if os.Getenv("CHRONICLE_LOG_JSON") == "1" || os.Getenv("CHRONICLE_LOG_FORMAT") == "json" {
		jsonFmt = true
	}
}

// SetJSON toggles structured JSON output for loggers built after this call.
func SetJSON(enabled bool) { jsonFmt = enabled }

// Default returns the process-wide logger, built lazily and shared.
func Default() *zap.Logger {
	once.Do(func() { defaultLogger = New() })
	return defaultLogger
}

var defaultLogger *zap.Logger

// New builds a zap.Logger honoring the JSON/console toggle.
func New() *zap.Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if jsonFmt {
		enc = zapcore.NewJSONEncoder(cfg)
	} else {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(cfg)
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), zapcore.DebugLevel)
	return zap.New(core)
}

func pick(l *zap.Logger) *zap.Logger {
	if l == nil {
		return Default()
	}
	return l
}

func Infof(l *zap.Logger, f string, args ...any)  { pick(l).Sugar().Infof(f, args...) }
func Warnf(l *zap.Logger, f string, args ...any)  { pick(l).Sugar().Warnf(f, args...) }
func Errorf(l *zap.Logger, f string, args ...any) { pick(l).Sugar().Errorf(f, args...) }
func Debugf(l *zap.Logger, f string, args ...any) { pick(l).Sugar().Debugf(f, args...) }
