package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ahsync/ahsync/internal/types"
)

// DefaultWatchInterval is the polling frequency of WatchExternal.
const DefaultWatchInterval = time.Second

// WatchExternal detects commits made to the database file by other
// processes (for example a second ahsync running "pull") and announces them
// to subscribers like in-process Puts. It blocks until ctx is cancelled.
//
// Detection polls PRAGMA data_version on a pinned connection: the value
// changes whenever any other connection commits. On change the fingerprints
// are re-read and every key whose fingerprint differs from the last one
// announced is published.
func (s *Store) WatchExternal(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}

	conn, err := s.conn.Conn(ctx)
	if err != nil {
		return fmt.Errorf("watch: failed to pin connection: %w", err)
	}
	defer conn.Close()

	dataVersion := func() (int64, error) {
		var v int64
		err := conn.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
		return v, err
	}

	version, err := dataVersion()
	if err != nil {
		return fmt.Errorf("watch: initial version check failed: %w", err)
	}
	if err := s.seedKnown(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Debug("watching for external commits", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cur, err := dataVersion()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Warn("version check failed", zap.Error(err))
				continue
			}
			if cur == version {
				continue
			}
			version = cur
			if err := s.publishExternal(ctx); err != nil {
				s.logger.Warn("failed to read external changes", zap.Error(err))
			}
		}
	}
}

func (s *Store) seedKnown(ctx context.Context) error {
	current, err := s.Fingerprints(ctx)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	s.subMu.Lock()
	for k, fp := range current {
		if _, ok := s.known[k]; !ok {
			s.known[k] = fp
		}
	}
	s.subMu.Unlock()
	return nil
}

func (s *Store) publishExternal(ctx context.Context) error {
	current, err := s.Fingerprints(ctx)
	if err != nil {
		return err
	}

	var changed []types.Key
	s.subMu.Lock()
	for k, fp := range current {
		if s.known[k] != fp {
			changed = append(changed, k)
		}
	}
	s.subMu.Unlock()

	types.SortKeys(changed)
	for _, k := range changed {
		s.logger.Debug("external commit", zap.Stringer("key", k))
		s.notify(Change{Key: k, Fingerprint: current[k]})
	}
	return nil
}
