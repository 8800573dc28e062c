package logging

import (
	"time"

	"github.com/mattn/go-colorable"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level string
	// File enables a JSON log file next to the console output.
	File          string
	MaxSizeMB     int
	MaxBackups    int
	MaxAgeDays    int
	FlushInterval time.Duration
}

// ConfigureZap builds the process logger: a colored console core and, when
// a file is configured, a rotated JSON core. The returned func flushes and
// stops every buffered sink.
func ConfigureZap(cfg Config) (*zap.Logger, func() error, error) {
	level := zap.InfoLevel
	if cfg.Level != "" {
		parsed, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "invalid log level %q", cfg.Level)
		}
		level = parsed
	}
	return build(cfg, level, zapcore.AddSync(colorable.NewColorableStdout()))
}

func build(cfg Config, level zapcore.Level, console zapcore.WriteSyncer) (*zap.Logger, func() error, error) {
	pe := zap.NewProductionEncoderConfig()
	pe.EncodeTime = zapcore.RFC3339TimeEncoder
	consoleEncoder := pe
	consoleEncoder.EncodeLevel = zapcore.CapitalColorLevelEncoder

	bws := &BufferedWriteSyncer{WS: console, FlushInterval: cfg.FlushInterval}
	consoleCore := zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEncoder), bws, level)

	if cfg.File == "" {
		return zap.New(consoleCore), bws.Stop, nil
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    orDefault(cfg.MaxSizeMB, 100),
		MaxBackups: orDefault(cfg.MaxBackups, 5),
		MaxAge:     orDefault(cfg.MaxAgeDays, 30),
	}
	blws := &BufferedWriteSyncer{WS: zapcore.AddSync(rotator), FlushInterval: cfg.FlushInterval}
	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(pe), blws, level),
		consoleCore,
	)
	cleanup := func() error {
		return multierr.Combine(bws.Stop(), blws.Stop(), rotator.Close())
	}
	return zap.New(core), cleanup, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
