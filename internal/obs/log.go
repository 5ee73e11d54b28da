package obs

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	loggerMu sync.RWMutex
	logger   *zap.SugaredLogger
)

// InitLogger builds the process logger at the given level ("debug", "info", "warn", "error").
func InitLogger(level string) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
			return nil, err
		}
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	base, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	SetLogger(base.Sugar())
	return Logger(), nil
}

// SetLogger replaces the shared logger; tests pass zap.NewNop().Sugar() or an observer.
func SetLogger(l *zap.SugaredLogger) {
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}

// Logger returns the shared structured logger used across the service.
func Logger() *zap.SugaredLogger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger == nil {
		base, err := zap.NewProduction()
		if err != nil {
			base = zap.NewNop()
		}
		logger = base.Sugar()
	}
	return logger
}

// Sync flushes buffered log entries.
func Sync() {
	_ = Logger().Sync()
}

// LogRequest emits a structured log line with common HTTP fields.
func LogRequest(entry map[string]any) {
	kv := make([]any, 0, len(entry)*2)
	for k, v := range entry {
		kv = append(kv, k, v)
	}
	Logger().Infow("http_request", kv...)
}
