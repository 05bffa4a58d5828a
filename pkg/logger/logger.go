// Package logger provides package-level leveled logging for the server.
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var sugar *zap.SugaredLogger

func init() {
	build(os.Getenv("LOG_LEVEL"))
}

// Init re-initializes the logger with the level from LOG_LEVEL.
func Init() {
	build(os.Getenv("LOG_LEVEL"))
}

func build(levelStr string) {
	level := zapcore.InfoLevel
	switch strings.ToLower(levelStr) {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	log, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(err)
	}
	sugar = log.Sugar()
}

// Debug logs a debug message (only if LOG_LEVEL=debug).
func Debug(format string, v ...interface{}) {
	sugar.Debugf(format, v...)
}

// Info logs an info message.
func Info(format string, v ...interface{}) {
	sugar.Infof(format, v...)
}

// Warn logs a warning message.
func Warn(format string, v ...interface{}) {
	sugar.Warnf(format, v...)
}

// Error logs an error message.
func Error(format string, v ...interface{}) {
	sugar.Errorf(format, v...)
}

// Sync flushes any buffered log entries.
func Sync() {
	_ = sugar.Sync()
}
