package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the surface shared by the process-wide logger and scoped children.
type Logger interface {
	Info(msg string, values ...any)
	Warn(msg string, values ...any)
	Error(msg string, values ...any)
	Debug(msg string, values ...any)
	Panic(msg string, values ...any)
	Fatal(err error, values ...any)
	Printf(format string, args ...any)
	With(values ...any) Logger
}

type ZapLogger struct {
	log *zap.SugaredLogger
}

var zapLogger *ZapLogger

func init() {
	var config zap.Config
	if os.Getenv("LOG_ENV") == "production" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		var l zapcore.Level
		if err := l.UnmarshalText([]byte(strings.ToLower(lvl))); err == nil {
			config.Level = zap.NewAtomicLevelAt(l)
		}
	}

	if _, err := NewLogger(config); err != nil {
		panic(err)
	}
}

func NewLogger(config zap.Config) (*ZapLogger, error) {
	l, err := config.Build(zap.AddCallerSkip(2))
	if err != nil {
		return nil, err
	}
	zapLogger = &ZapLogger{log: l.Sugar()}
	return zapLogger, nil
}

func GetLogger() *ZapLogger {
	if zapLogger == nil {
		panic("logger not initialized")
	}
	return zapLogger
}

// Sync flushes buffered entries; call it once on shutdown.
func Sync() {
	_ = GetLogger().log.Sync()
}

func Info(msg string, values ...any)  { GetLogger().Info(msg, values...) }
func Warn(msg string, values ...any)  { GetLogger().Warn(msg, values...) }
func Error(msg string, values ...any) { GetLogger().Error(msg, values...) }
func Debug(msg string, values ...any) { GetLogger().Debug(msg, values...) }
func Panic(msg string, values ...any) { GetLogger().Panic(msg, values...) }
func Fatal(err error, values ...any)  { GetLogger().Fatal(err, values...) }

// With returns a child logger carrying the given key/value pairs.
func With(values ...any) Logger {
	return GetLogger().With(values...)
}

func (l *ZapLogger) Info(msg string, values ...any)  { l.log.Infow(msg, values...) }
func (l *ZapLogger) Warn(msg string, values ...any)  { l.log.Warnw(msg, values...) }
func (l *ZapLogger) Error(msg string, values ...any) { l.log.Errorw(msg, values...) }
func (l *ZapLogger) Debug(msg string, values ...any) { l.log.Debugw(msg, values...) }
func (l *ZapLogger) Panic(msg string, values ...any) { l.log.Panicw(msg, values...) }
func (l *ZapLogger) Fatal(err error, values ...any)  { l.log.Fatalw(err.Error(), values...) }

// Printf lets the logger stand in for fasthttp's server logger.
func (l *ZapLogger) Printf(format string, args ...any) {
	l.log.Infof(format, args...)
}

func (l *ZapLogger) With(values ...any) Logger {
	// the package-level helpers add one extra frame, child loggers are called directly
	return &ZapLogger{log: l.log.Desugar().WithOptions(zap.AddCallerSkip(-1)).Sugar().With(values...)}
}
