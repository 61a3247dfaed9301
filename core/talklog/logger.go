// Package talklog builds the process logger. The console output only colors
// the level; the optional log file receives the same lines without color.
package talklog

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Singert/webserv/core/utils"
)

type LogConfig struct {
	Level     string
	LogToFile bool
	FilePath  string
	WithTime  bool
	Color     bool
}

const timeLayout = "2006-01-02 15:04:05"

func encoderConfig(cfg LogConfig, color bool) zapcore.EncoderConfig {
	ec := zapcore.EncoderConfig{
		MessageKey:       "msg",
		LevelKey:         "level",
		NameKey:          "logger",
		CallerKey:        zapcore.OmitKey,
		StacktraceKey:    zapcore.OmitKey,
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		EncodeName:       zapcore.FullNameEncoder,
		ConsoleSeparator: " ",
	}
	if color {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if cfg.WithTime {
		ec.TimeKey = "time"
		ec.EncodeTime = zapcore.TimeEncoderOfLayout("[" + timeLayout + "]")
	}
	return ec
}

// New returns a logger for cfg and a function that flushes and closes it.
func New(cfg LogConfig) (*zap.Logger, func() error, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig(cfg, cfg.Color)), zapcore.Lock(os.Stdout), level),
	}
	var file *os.File
	if cfg.LogToFile && cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		file = f
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig(cfg, false)), zapcore.Lock(f), level))
	}

	logger := zap.New(zapcore.NewTee(cores...))
	closeFn := func() error {
		// Syncing stdout fails with EINVAL on pipes and terminals.
		_ = logger.Sync()
		if file == nil {
			return nil
		}
		return multierr.Combine(file.Sync(), file.Close())
	}
	return logger, closeFn, nil
}

// Req logs a parsed request line.
func Req(log *zap.Logger, method, uri, proto string) {
	log.Info("request", zap.String("method", method), zap.String("uri", uri), zap.String("proto", proto))
}

// Hdr logs one request header at debug level.
func Hdr(log *zap.Logger, key string, values []string) {
	if ce := log.Check(zapcore.DebugLevel, "header"); ce != nil {
		ce.Write(zap.String("key", key), zap.Strings("values", values))
	}
}

// Resp logs the status of a response about to be sent.
func Resp(log *zap.Logger, status utils.HTTPStatus) {
	fields := []zap.Field{zap.Int("status", int(status)), zap.String("text", status.Text())}
	switch {
	case status.IsInternalError():
		log.Error("response", fields...)
	case status.IsError():
		log.Warn("response", fields...)
	default:
		log.Info("response", fields...)
	}
}
