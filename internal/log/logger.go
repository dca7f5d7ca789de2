package log

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Init initializes the global logger. Production uses JSON, anything else
// a colored console encoder.
func Init(environment string) error {
	var cfg zap.Config

	if environment == "production" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return build(cfg)
}

// InitJSON initializes the global logger with JSON output regardless of environment.
func InitJSON() error {
	return build(zap.NewProductionConfig())
}

func build(cfg zap.Config) error {
	cfg.Level = level
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}
	logger = l
	return nil
}

// SetLevel changes the minimum level of the global logger at runtime.
func SetLevel(name string) error {
	if name == "" {
		return nil
	}
	lvl, err := zapcore.ParseLevel(name)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", name, err)
	}
	level.SetLevel(lvl)
	return nil
}

// Logger returns the global logger instance.
func Logger() *zap.Logger {
	if logger == nil {
		// Fallback to a default logger if Init hasn't been called
		logger, _ = zap.NewProduction()
	}
	return logger
}

// Enabled reports whether messages at lvl would be written.
func Enabled(lvl zapcore.Level) bool {
	return Logger().Core().Enabled(lvl)
}

// Sync flushes any buffered log entries.
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}

// Info logs an info message.
func Info(msg string, fields ...zap.Field) {
	Logger().Info(msg, fields...)
}

// Error logs an error message.
func Error(msg string, fields ...zap.Field) {
	Logger().Error(msg, fields...)
}

// Warn logs a warning message.
func Warn(msg string, fields ...zap.Field) {
	Logger().Warn(msg, fields...)
}

// Debug logs a debug message.
func Debug(msg string, fields ...zap.Field) {
	Logger().Debug(msg, fields...)
}

// Log logs msg at an explicit level.
func Log(lvl zapcore.Level, msg string, fields ...zap.Field) {
	if ce := Logger().Check(lvl, msg); ce != nil {
		ce.Write(fields...)
	}
}

// Fatal logs a fatal message and exits.
func Fatal(msg string, fields ...zap.Field) {
	Logger().Fatal(msg, fields...)
	os.Exit(1)
}

// With creates a child logger with the given fields.
func With(fields ...zap.Field) *zap.Logger {
	return Logger().With(fields...)
}
