// Package logging provides categorized logging for the engine. Each
// subsystem logs under its own category; categories can be silenced
// individually, and the whole package is a no-op until Initialize is called.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names a logging subsystem.
type Category string

const (
	CategorySession Category = "session" // Context lifecycle, fact loading
	CategoryCompile Category = "compile" // Schema inference, stratification
	CategoryEval    Category = "eval"    // Fixpoint rounds, rule firings
	CategoryBatch   Category = "batch"   // Batch world scheduling
	CategoryCLI     Category = "cli"     // Command line front end
)

// Options controls the backing zap configuration.
type Options struct {
	// Debug enables debug-level output. Off by default.
	Debug bool
	// JSON switches from console to JSON encoding.
	JSON bool
	// Categories, when non-empty, whitelists the categories that emit.
	Categories map[Category]bool
}

var (
	mu      sync.RWMutex
	root    *zap.SugaredLogger
	opts    Options
	loggers = make(map[Category]*Logger)
)

// Initialize builds the shared zap core. Safe to call again to reconfigure.
func Initialize(o Options) error {
	cfg := zap.NewProductionConfig()
	if !o.JSON {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	if o.Debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	logger, err := cfg.Build(zap.WithCaller(false))
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	root = logger.Sugar()
	opts = o
	loggers = make(map[Category]*Logger)
	return nil
}

// Get returns the logger for a category. Before Initialize, or for a
// silenced category, the returned logger discards everything.
func Get(c Category) *Logger {
	mu.RLock()
	if l, ok := loggers[c]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[c]; ok {
		return l
	}
	l := &Logger{category: c}
	if root != nil && categoryEnabled(c) {
		l.sl = root.Named(string(c))
	}
	loggers[c] = l
	return l
}

func categoryEnabled(c Category) bool {
	if len(opts.Categories) == 0 {
		return true
	}
	return opts.Categories[c]
}

// Sync flushes buffered output.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if root != nil {
		_ = root.Sync()
	}
}

// Logger emits for one category. The zero value discards everything.
type Logger struct {
	category Category
	sl       *zap.SugaredLogger
}

func (l *Logger) Debug(format string, args ...any) {
	if l != nil && l.sl != nil {
		l.sl.Debugf(format, args...)
	}
}

func (l *Logger) Info(format string, args ...any) {
	if l != nil && l.sl != nil {
		l.sl.Infof(format, args...)
	}
}

func (l *Logger) Warn(format string, args ...any) {
	if l != nil && l.sl != nil {
		l.sl.Warnf(format, args...)
	}
}

func (l *Logger) Error(format string, args ...any) {
	if l != nil && l.sl != nil {
		l.sl.Errorf(format, args...)
	}
}

// With returns a logger carrying extra key value context on every entry.
func (l *Logger) With(args ...any) *Logger {
	if l == nil || l.sl == nil {
		return l
	}
	return &Logger{category: l.category, sl: l.sl.With(args...)}
}
