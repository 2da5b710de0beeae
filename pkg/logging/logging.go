package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const levelEnv = "RUNLOOP_LOG_LEVEL"

var (
	Logger *zap.Logger
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

func init() {
	if v, ok := os.LookupEnv(levelEnv); ok {
		var l zapcore.Level
		if err := l.UnmarshalText([]byte(v)); err == nil {
			level.SetLevel(l)
		}
	}

	// Everything goes to stdout for human operators.
	consoleDebugging := zapcore.Lock(os.Stdout)

	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(cfg)
	core := zapcore.NewTee(zapcore.NewCore(consoleEncoder, consoleDebugging, level))

	Logger = zap.New(core).WithOptions(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel), zap.AddCallerSkip(1), zap.Fields(zap.Int("pid", os.Getpid())))
	zap.ReplaceGlobals(Logger)
}

// SetLevel changes the minimum enabled level at runtime.
func SetLevel(l zapcore.Level) {
	level.SetLevel(l)
}

// Level reports the current minimum enabled level.
func Level() zapcore.Level {
	return level.Level()
}

// Infof uses fmt.Sprintf to log a templated message.
func Infof(template string, args ...interface{}) {
	zap.S().Infof(template, args...)
}

func Debugf(template string, args ...interface{}) {
	zap.S().Debugf(template, args...)
}

func Errorf(template string, args ...interface{}) {
	zap.S().Errorf(template, args...)
}

func Warnf(template string, args ...interface{}) {
	zap.S().Warnf(template, args...)
}

func Fatalf(template string, args ...interface{}) {
	zap.S().Fatalf(template, args...)
}

func Info(msg string, fields ...zapcore.Field) {
	zap.L().Info(msg, fields...)
}

func Debug(msg string, fields ...zapcore.Field) {
	zap.L().Debug(msg, fields...)
}

func Error(msg string, fields ...zapcore.Field) {
	zap.L().Error(msg, fields...)
}

func Warn(msg string, fields ...zapcore.Field) {
	zap.L().Warn(msg, fields...)
}
