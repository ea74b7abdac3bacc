package logging

import (
	"sync"

	"github.com/fatih/color"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	once   sync.Once
)

// Init initializes the global logger. If called multiple times, only the first takes effect.
// Every entry carries the instance id so output of instances sharing a queue
// can be told apart.
func Init(development bool, instanceID string) error {
	var err error
	once.Do(func() {
		var l *zap.Logger
		if development {
			cfg := zap.NewDevelopmentConfig()
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
			l, err = cfg.Build()
			if err == nil && instanceID != "" {
				l = l.Named(color.CyanString("[%s]", instanceID))
			}
		} else {
			l, err = zap.NewProduction()
		}
		if err != nil {
			return
		}
		if instanceID != "" {
			l = l.With(zap.String("instance_id", instanceID))
		}
		logger = l
	})
	return err
}

// L returns the global logger, initializing a production logger if needed.
func L() *zap.Logger {
	if logger == nil {
		// ignore error; fall back to no-op logger if creation fails
		_ = Init(false, "")
		if logger == nil {
			return zap.NewNop()
		}
	}
	return logger
}

// Sync flushes buffered entries. Errors from syncing stdout/stderr are ignored.
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}
