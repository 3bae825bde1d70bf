package logging

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/interfaces"
)

// ZapLogger implements interfaces.SimpleLogger on top of a zap.Logger.
type ZapLogger struct {
	logger *zap.Logger
}

// Config holds logger configuration.
type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// NewZapLogger creates a production logger with the given level and format.
func NewZapLogger(cfg Config) (*ZapLogger, error) {
	level := zapcore.InfoLevel
	switch cfg.Level {
	case interfaces.LogLevelDebug:
		level = zapcore.DebugLevel
	case interfaces.LogLevelWarn:
		level = zapcore.WarnLevel
	case interfaces.LogLevelError:
		level = zapcore.ErrorLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	if cfg.Format == "console" {
		zapCfg.Encoding = "console"
	}

	logger, err := zapCfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}

	return &ZapLogger{logger: logger}, nil
}

// LogInfo logs an info-level message with structured fields.
func (l *ZapLogger) LogInfo(ctx context.Context, message string, fields map[string]interface{}) {
	l.logger.Info(message, toZapFields(fields)...)
}

// LogWarning logs a warning-level message with structured fields.
func (l *ZapLogger) LogWarning(ctx context.Context, message string, fields map[string]interface{}) {
	l.logger.Warn(message, toZapFields(fields)...)
}

// LogError logs an error-level message with structured fields.
func (l *ZapLogger) LogError(ctx context.Context, message string, fields map[string]interface{}) {
	l.logger.Error(message, toZapFields(fields)...)
}

// Sync flushes buffered log entries.
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}

func toZapFields(fields map[string]interface{}) []zap.Field {
	if len(fields) == 0 {
		return nil
	}

	zapFields := make([]zap.Field, 0, len(fields))
	for key, value := range fields {
		zapFields = append(zapFields, zap.Any(key, value))
	}
	return zapFields
}

// NoOpLogger discards all log output. Used in tests.
type NoOpLogger struct{}

// NewNoOpLogger creates a logger that discards everything.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (l *NoOpLogger) LogInfo(ctx context.Context, message string, fields map[string]interface{}) {
}

func (l *NoOpLogger) LogWarning(ctx context.Context, message string, fields map[string]interface{}) {
}

func (l *NoOpLogger) LogError(ctx context.Context, message string, fields map[string]interface{}) {
}
