package config

import (
	"log"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitializeLogger builds the process logger, installs it as the zap global
// and returns a cleanup that flushes it.
func InitializeLogger(cfg LogConfig) (*zap.Logger, func(), error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		return nil, nil, err
	}
	restore := zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil && !isIgnorableSyncError(err) {
			log.Printf("Failed to sync logger: %v\n", err)
		}
		restore()
	}
	return logger, cleanup, nil
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "sync /dev/stderr: inappropriate ioctl for device") ||
		strings.Contains(msg, "sync /dev/stdout: inappropriate ioctl for device") ||
		strings.Contains(msg, "sync /dev/stderr: invalid argument")
}
