package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapConfig defines the zap backend configuration
type ZapConfig struct {
	Level      string `yaml:"level"`      // "debug", "info", "warn", "error"
	Format     string `yaml:"format"`     // "json", "console"
	Output     string `yaml:"output"`     // "stdout", "stderr"
	Caller     bool   `yaml:"caller"`     // Include caller information
	Stacktrace bool   `yaml:"stacktrace"` // Include stacktrace on errors
}

// DefaultZapConfig returns the configuration used by the servers when nothing else is set
func DefaultZapConfig() ZapConfig {
	return ZapConfig{
		Level:      "info",
		Format:     "console",
		Output:     "stdout",
		Caller:     false,
		Stacktrace: true,
	}
}

// ZapLogger adapts a sugared zap logger to Logger
type ZapLogger struct {
	logger *zap.Logger
	sugar  *zap.SugaredLogger
}

// NewZapLogger builds a zap logger from config
func NewZapLogger(config ZapConfig) (*ZapLogger, error) {
	zapLogger, err := createZapLogger(config)
	if err != nil {
		return nil, err
	}
	return WrapZap(zapLogger), nil
}

// WrapZap adapts an already built zap logger
func WrapZap(zapLogger *zap.Logger) *ZapLogger {
	// Skip the adapter frame so caller info points at the real call site
	zapLogger = zapLogger.WithOptions(zap.AddCallerSkip(2))
	return &ZapLogger{
		logger: zapLogger,
		sugar:  zapLogger.Sugar(),
	}
}

func (z *ZapLogger) LogLevelf(level int, format string, args ...interface{}) {
	switch level {
	case LogLevelDebug:
		z.sugar.Debugf(format, args...)
	case LogLevelInfo:
		z.sugar.Infof(format, args...)
	case LogLevelWarn:
		z.sugar.Warnf(format, args...)
	case LogLevelError:
		z.sugar.Errorf(format, args...)
	default:
		z.sugar.Infof(format, args...)
	}
}

func (z *ZapLogger) Debugf(format string, args ...interface{}) {
	z.LogLevelf(LogLevelDebug, format, args...)
}

func (z *ZapLogger) Infof(format string, args ...interface{}) {
	z.LogLevelf(LogLevelInfo, format, args...)
}

func (z *ZapLogger) Warnf(format string, args ...interface{}) {
	z.LogLevelf(LogLevelWarn, format, args...)
}

func (z *ZapLogger) Errorf(format string, args ...interface{}) {
	z.LogLevelf(LogLevelError, format, args...)
}

// Sync flushes any buffered log entries
func (z *ZapLogger) Sync() error {
	return z.logger.Sync()
}

func createZapLogger(config ZapConfig) (*zap.Logger, error) {
	level, err := ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	encoderConfig.LevelKey = "level"
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	var encoder zapcore.Encoder
	switch config.Format {
	case "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case "console", "":
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return nil, fmt.Errorf("invalid log format: %s", config.Format)
	}

	var writeSyncer zapcore.WriteSyncer
	switch config.Output {
	case "stdout", "":
		writeSyncer = zapcore.Lock(zapcore.AddSync(os.Stdout))
	case "stderr":
		writeSyncer = zapcore.Lock(zapcore.AddSync(os.Stderr))
	default:
		return nil, fmt.Errorf("invalid log output: %s", config.Output)
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)

	opts := []zap.Option{}
	if config.Caller {
		opts = append(opts, zap.AddCaller())
	}
	if config.Stacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	return zap.New(core, opts...), nil
}

// ParseLevel maps the configuration level names onto zap levels.
// zap v1.20 has no zapcore.ParseLevel yet.
func ParseLevel(levelStr string) (zapcore.Level, error) {
	switch levelStr {
	case "debug":
		return zap.DebugLevel, nil
	case "info", "":
		return zap.InfoLevel, nil
	case "warn":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	default:
		return zap.InfoLevel, fmt.Errorf("invalid log level: %s", levelStr)
	}
}
