// Package logging configures the process-wide zap logger.
//
// The MCP transport owns stdout, so all log output goes to stderr. The
// logger is built once at startup from config and handed to components;
// L() exists for the few places (cobra hooks) that run before wiring.
package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	global = zap.NewNop()
)

// Options controls logger construction.
type Options struct {
	Level   string // debug, info, warn, error
	Format  string // json, console
	Verbose bool   // forces debug level
}

// New builds a zap logger writing to stderr.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.Set(opts.Level); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
	}
	if opts.Verbose {
		level = zapcore.DebugLevel
	}

	cfg := zap.NewProductionConfig()
	if opts.Format == "console" {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	return cfg.Build()
}

// SetGlobal installs the process logger returned by New.
func SetGlobal(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l != nil {
		global = l
	}
}

// L returns the process logger (a nop logger before SetGlobal).
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// Named returns a sub-logger for a subsystem.
func Named(name string) *zap.Logger {
	return L().Named(name)
}
