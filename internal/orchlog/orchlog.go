// Package orchlog wraps the orchestrator's zap logger with a small,
// component-scoped helper. Components identify themselves through a
// structured "component" field rather than separate named loggers.
package orchlog

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu     sync.RWMutex
	base   *zap.Logger = zap.NewNop()
)

// Init installs the process-wide base logger. Call once from
// PersistentPreRunE. Passing verbose=true lowers the level to Debug.
func Init(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	mu.Lock()
	base = l
	mu.Unlock()
	return l, nil
}

// Sync flushes the base logger. Call from PersistentPostRun.
func Sync() {
	mu.RLock()
	l := base
	mu.RUnlock()
	_ = l.Sync()
}

// For returns a logger scoped to one component name, e.g. "scheduler" or
// "gating". Additional fields (run id, step, attempt) should be attached by
// the caller via .With(...) at the call site.
func For(component string) *zap.SugaredLogger {
	mu.RLock()
	l := base
	mu.RUnlock()
	return l.With(zap.String("component", component)).Sugar()
}
