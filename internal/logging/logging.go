// Package logging wires the pipeline's ambient structured logging:
// go.uber.org/zap for the log API, backed by a github.com/agilira/lethe
// rotating file sink so a long-running correlator process doesn't grow one
// unbounded log file.
//
// Grounded on the zap.SugaredLogger usage in
// other_examples/84038ed9_sakateka-yanet2__modules-pdump-controlplane-service.go.go
// (a ring-buffer/packet-capture control plane logging the same way) and the
// Logger configuration shape in agilira-lethe/lethe.go.
package logging

import (
	"os"

	"github.com/agilira/lethe"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls where and how the pipeline logs.
type Config struct {
	// Path is the log file path. Empty means stdout-only (development mode).
	Path string

	// MaxSizeStr is lethe's human-sized rotation threshold, e.g. "100MB".
	MaxSizeStr string

	// MaxBackups is the number of rotated files to retain.
	MaxBackups int

	// Compress enables gzip of rotated files.
	Compress bool
}

// New builds a *zap.SugaredLogger. When cfg.Path is set, log output is
// written through a lethe.Logger (rotation-aware, zero-allocation hot path)
// in addition to stdout; otherwise stdout only.
func New(cfg Config) (*zap.SugaredLogger, func() error, error) {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stdout)), zapcore.InfoLevel),
	}

	closer := func() error { return nil }
	if cfg.Path != "" {
		rotator := &lethe.Logger{
			Filename:   cfg.Path,
			MaxSizeStr: firstNonEmpty(cfg.MaxSizeStr, "256MB"),
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), zapcore.InfoLevel))
		closer = rotator.Close
	}

	core := zapcore.NewTee(cores...)
	logger := zap.New(core)
	return logger.Sugar(), closer, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
