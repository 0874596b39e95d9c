package export

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ahsync/ahsync/internal/types"
	"github.com/ahsync/ahsync/internal/watcher"
)

// Target is the export remembered for automatic re-export.
type Target struct {
	Selection   types.Selection
	Destination string
}

// AutoExporter re-runs the last manual export whenever one of its keys
// changes. Until the first manual export it ignores every event.
type AutoExporter struct {
	engine *Engine
	logger *zap.Logger

	// OnExport, if set, is called after every automatic export attempt.
	OnExport func(*Result, error)

	mu     sync.Mutex
	target *Target
}

// NewAutoExporter wraps engine.
func NewAutoExporter(engine *Engine, logger *zap.Logger) *AutoExporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AutoExporter{engine: engine, logger: logger.Named("autoexport")}
}

// Export runs a manual export and, on success, makes req the target.
func (a *AutoExporter) Export(ctx context.Context, req Request) (*Result, error) {
	res, err := a.engine.Export(ctx, req)
	if err != nil {
		return nil, err
	}
	a.SetTarget(Target{Selection: req.Selection, Destination: req.Destination})
	return res, nil
}

// SetTarget replaces the target without exporting.
func (a *AutoExporter) SetTarget(t Target) {
	a.mu.Lock()
	a.target = &t
	a.mu.Unlock()
}

// Target returns the current target, if any.
func (a *AutoExporter) Target() (Target, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.target == nil {
		return Target{}, false
	}
	return *a.target, true
}

// Run consumes events until ctx is cancelled or events is closed, exporting
// the target each time an event names one of its keys. Export failures are
// logged and reported to OnExport; they do not stop the loop.
func (a *AutoExporter) Run(ctx context.Context, events <-chan watcher.DirtyEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			a.handle(ctx, ev)
		}
	}
}

func (a *AutoExporter) handle(ctx context.Context, ev watcher.DirtyEvent) {
	target, ok := a.Target()
	if !ok {
		a.logger.Debug("no export target yet, ignoring change", zap.Int("keys", len(ev.Keys)))
		return
	}
	if !intersects(target.Selection, ev.Keys) {
		return
	}

	res, err := a.engine.Export(ctx, Request{Selection: target.Selection, Destination: target.Destination})
	if err != nil {
		a.logger.Error("auto export failed", zap.String("path", target.Destination), zap.Error(err))
	}
	if a.OnExport != nil {
		a.OnExport(res, err)
	}
}

func intersects(sel types.Selection, keys []types.Key) bool {
	for _, k := range keys {
		if sel.Contains(k) {
			return true
		}
	}
	return false
}
