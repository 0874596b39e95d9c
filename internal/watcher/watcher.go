// Package watcher turns committed store changes into debounced, selection
// scoped DirtyEvents.
//
// The watcher:
//  1. Subscribes once to the store's change feed
//  2. Drops changes outside each subscription's selection
//  3. Drops changes whose fingerprint the subscription has already seen
//  4. Batches the rest until the debounce window has passed quietly
//
// Subscriptions are independent: closing one, or cancelling the context it
// was created with, does not affect the others.
package watcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ahsync/ahsync/internal/errs"
	"github.com/ahsync/ahsync/internal/store"
	"github.com/ahsync/ahsync/internal/types"
)

// Source is a feed of committed store changes. Fingerprint reports the
// currently stored fingerprint of key, or errs.ErrNotFound.
type Source interface {
	Subscribe(fn func(store.Change)) (cancel func())
	Fingerprint(ctx context.Context, key types.Key) (string, error)
}

// DirtyEvent reports keys whose stored record changed. Keys are sorted.
type DirtyEvent struct {
	Keys []types.Key
}

// Config holds configuration for the watcher.
type Config struct {
	// DebounceInterval is how long the queue must stay quiet before an
	// event is emitted. It also paces the drain ticker.
	DebounceInterval time.Duration

	// Logger for watcher activity
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 500 * time.Millisecond,
		Logger:           zap.NewNop(),
	}
}

// Watcher fans store changes out to subscriptions.
type Watcher struct {
	src    Source
	config *Config
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	cancel func()
	closed bool
}

// New creates a watcher attached to src. Call Close to detach.
func New(src Source, config *Config) *Watcher {
	if config == nil {
		config = DefaultConfig()
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &Watcher{
		src:    src,
		config: config,
		logger: logger.Named("watcher"),
		subs:   make(map[*Subscription]struct{}),
	}
	w.cancel = src.Subscribe(w.dispatch)
	return w
}

// Subscribe starts a subscription for sel. It ends when ctx is cancelled or
// Close is called; its Events channel is then closed.
func (w *Watcher) Subscribe(ctx context.Context, sel types.Selection) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		sel:      sel,
		debounce: w.config.DebounceInterval,
		logger:   w.logger,
		events:   make(chan DirtyEvent, 16),
		queue:    make(map[types.Key]time.Time),
		seen:     make(map[types.Key]string),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		cancel()
		close(s.events)
		close(s.done)
		return s
	}
	w.subs[s] = struct{}{}
	w.mu.Unlock()

	w.seed(ctx, s)

	go func() {
		s.run(ctx)
		w.mu.Lock()
		delete(w.subs, s)
		w.mu.Unlock()
	}()

	w.logger.Debug("subscription started",
		zap.String("region", string(sel.Region)),
		zap.Strings("realms", sel.Realms))
	return s
}

// seed records the stored fingerprint of every selected key, so rewriting
// identical content after subscribing is not reported. Changes offered
// while seeding win over the stored value.
func (w *Watcher) seed(ctx context.Context, s *Subscription) {
	for _, key := range s.sel.Keys() {
		fp, err := w.src.Fingerprint(ctx, key)
		if err != nil {
			if !errors.Is(err, errs.ErrNotFound) {
				w.logger.Warn("failed to read fingerprint", zap.String("key", key.String()), zap.Error(err))
			}
			continue
		}
		s.mu.Lock()
		if _, ok := s.seen[key]; !ok {
			s.seen[key] = fp
		}
		s.mu.Unlock()
	}
}

// Close detaches from the source and closes every subscription.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	subs := make([]*Subscription, 0, len(w.subs))
	for s := range w.subs {
		subs = append(subs, s)
	}
	w.mu.Unlock()

	w.cancel()
	for _, s := range subs {
		s.Close()
	}
}

// dispatch runs on the committing goroutine and must not block.
func (w *Watcher) dispatch(c store.Change) {
	w.mu.Lock()
	subs := make([]*Subscription, 0, len(w.subs))
	for s := range w.subs {
		subs = append(subs, s)
	}
	w.mu.Unlock()

	for _, s := range subs {
		s.offer(c)
	}
}

// Subscription is one selection-scoped stream of DirtyEvents.
type Subscription struct {
	sel      types.Selection
	debounce time.Duration
	logger   *zap.Logger
	events   chan DirtyEvent

	mu    sync.Mutex
	queue map[types.Key]time.Time // key -> last queued
	seen  map[types.Key]string    // key -> last fingerprint

	cancel context.CancelFunc
	done   chan struct{}
}

// Events returns the event channel. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan DirtyEvent {
	return s.events
}

// Selection returns the selection the subscription filters by.
func (s *Subscription) Selection() types.Selection {
	return s.sel
}

// Close ends the subscription and waits for its goroutine to exit.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

func (s *Subscription) offer(c store.Change) {
	if !s.sel.Contains(c.Key) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[c.Key] == c.Fingerprint {
		return
	}
	s.seen[c.Key] = c.Fingerprint
	s.queue[c.Key] = time.Now()
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)

	ticker := time.NewTicker(s.tick())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ev, ok := s.drain(time.Now())
			if !ok {
				continue
			}
			s.logger.Debug("emitting dirty event", zap.Int("keys", len(ev.Keys)))
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// tick polls a few times per debounce window.
func (s *Subscription) tick() time.Duration {
	t := s.debounce / 4
	if t < time.Millisecond {
		t = time.Millisecond
	}
	return t
}

// drain empties the queue once its newest entry is older than the debounce
// window.
func (s *Subscription) drain(now time.Time) (DirtyEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return DirtyEvent{}, false
	}
	var newest time.Time
	for _, at := range s.queue {
		if at.After(newest) {
			newest = at
		}
	}
	if now.Sub(newest) < s.debounce {
		return DirtyEvent{}, false
	}

	keys := make([]types.Key, 0, len(s.queue))
	for k := range s.queue {
		keys = append(keys, k)
	}
	types.SortKeys(keys)
	s.queue = make(map[types.Key]time.Time)
	return DirtyEvent{Keys: keys}, true
}
