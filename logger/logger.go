// Package logger provides the gateway's global structured logger.
package logger

import (
	"go.uber.org/zap"
)

// Log is the global logger instance, set by Init.
var Log *zap.Logger

// Init initializes the global logger. JSON encoding is used outside of
// development so that log lines are directly ingestible by a log pipeline;
// console encoding is used in development for readability.
func Init(environment string) error {
	var cfg zap.Config
	if environment == "development" || environment == "local" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	l, err := cfg.Build()
	if err != nil {
		return err
	}
	Log = l
	return nil
}

// Sync flushes any buffered log entries. Errors from Sync on a terminal are
// expected (stdout does not support fsync) and are intentionally ignored by
// callers.
func Sync() error {
	if Log == nil {
		return nil
	}
	return Log.Sync()
}
