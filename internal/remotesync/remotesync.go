// Package remotesync keeps the local snapshot store in step with a shared
// dataset hosted in a remote Git repository.
//
// Two operations exist:
//
//   - Fork seeds an empty store from the remote.
//   - PullOverwrite replaces every local record the remote also holds and
//     whose content differs. Records the remote does not hold are left alone.
//
// Both clone (or update) a shallow mirror under <data dir>/remote, parse and
// validate the whole dataset, and only then write to the store. A structural
// problem in the remote therefore never half-applies.
package remotesync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ahsync/ahsync/internal/errs"
	"github.com/ahsync/ahsync/internal/proxy"
	"github.com/ahsync/ahsync/internal/types"
	"github.com/ahsync/ahsync/internal/vcs"
	"github.com/ahsync/ahsync/internal/vcs/git"
)

// Store is the subset of the snapshot store remote sync writes through.
type Store interface {
	Put(ctx context.Context, key types.Key, rec *types.Record) error
	Fingerprints(ctx context.Context) (map[types.Key]string, error)
}

// Result summarizes one sync.
type Result struct {
	// Head is the remote commit the dataset was read from.
	Head string

	// Added counts keys that did not exist locally.
	Added int

	// Replaced counts keys whose local record was overwritten.
	Replaced int

	// Unchanged counts keys whose local fingerprint already matched.
	Unchanged int

	// Keys lists every key present in the remote dataset.
	Keys []types.Key
}

// Options configures a Manager.
type Options struct {
	// DataDir holds the mirror checkouts under DataDir/remote.
	DataDir string

	// Logger receives sync diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger

	// NewMirror builds the VCS mirror for a given proxy. Defaults to git.
	NewMirror func(proxy string) vcs.Mirror

	// DialTimeout bounds the proxy reachability check.
	DialTimeout time.Duration
}

// Manager runs remote sync operations. Operations are serialized.
type Manager struct {
	store       Store
	dataDir     string
	logger      *zap.Logger
	newMirror   func(proxy string) vcs.Mirror
	dialTimeout time.Duration

	mu sync.Mutex
}

// New creates a Manager writing into st.
func New(st Store, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	newMirror := opts.NewMirror
	if newMirror == nil {
		newMirror = func(proxy string) vcs.Mirror {
			return git.New(git.Options{Proxy: proxy})
		}
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = proxy.DefaultTimeout
	}
	return &Manager{
		store:       st,
		dataDir:     opts.DataDir,
		logger:      logger.Named("remotesync"),
		newMirror:   newMirror,
		dialTimeout: dialTimeout,
	}
}

// Fork seeds an empty store with every record of the remote dataset.
func (m *Manager) Fork(ctx context.Context, remoteURL, proxy string) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	local, err := m.store.Fingerprints(ctx)
	if err != nil {
		return nil, fmt.Errorf("fork: %w", err)
	}
	if len(local) > 0 {
		return nil, errs.E("fork", errs.ErrStoreNotEmpty, "", "", fmt.Errorf("%d local records", len(local)))
	}

	ds, head, err := m.fetch(ctx, "fork", remoteURL, proxy, true)
	if err != nil {
		return nil, err
	}
	return m.apply(ctx, "fork", ds, head, local)
}

// PullOverwrite replaces local records with the remote's wherever the two
// differ. Keys absent from the remote are left untouched.
func (m *Manager) PullOverwrite(ctx context.Context, remoteURL, proxy string) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ds, head, err := m.fetch(ctx, "pull", remoteURL, proxy, false)
	if err != nil {
		return nil, err
	}

	local, err := m.store.Fingerprints(ctx)
	if err != nil {
		return nil, fmt.Errorf("pull: %w", err)
	}
	return m.apply(ctx, "pull", ds, head, local)
}

// MirrorDir returns the checkout directory used for remoteURL.
func (m *Manager) MirrorDir(remoteURL string) string {
	return filepath.Join(m.dataDir, "remote", types.HashBytes([]byte(remoteURL))[:16])
}

// fetch brings the mirror of remoteURL up to date and parses it. fresh
// forces a new clone.
func (m *Manager) fetch(ctx context.Context, op, remoteURL, proxyURL string, fresh bool) (*Dataset, string, error) {
	if remoteURL == "" {
		return nil, "", errs.E(op, errs.ErrInvalidRepository, "", "", errors.New("no remote URL configured"))
	}
	if proxyURL != "" {
		if err := proxy.Reach(ctx, proxyURL, m.dialTimeout); err != nil {
			return nil, "", errs.E(op, errs.ErrProxyUnreachable, "", "", err)
		}
	}

	mirror := m.newMirror(proxyURL)
	dir := m.MirrorDir(remoteURL)
	log := m.logger.With(zap.String("op", op), zap.String("remote", remoteURL))

	if !fresh && m.reusable(ctx, mirror, dir, remoteURL) {
		log.Debug("updating mirror", zap.String("dir", dir))
		if err := mirror.Update(ctx, dir); err != nil {
			return nil, "", classify(op, err)
		}
	} else {
		log.Debug("cloning mirror", zap.String("dir", dir))
		if err := os.RemoveAll(dir); err != nil {
			return nil, "", fmt.Errorf("%s: failed to clear mirror: %w", op, err)
		}
		if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
			return nil, "", fmt.Errorf("%s: failed to create mirror directory: %w", op, err)
		}
		if err := mirror.Clone(ctx, remoteURL, dir); err != nil {
			_ = os.RemoveAll(dir)
			return nil, "", classify(op, err)
		}
	}

	head, err := mirror.Head(ctx, dir)
	if err != nil {
		return nil, "", classify(op, err)
	}

	ds, err := LoadDataset(dir)
	if err != nil {
		return nil, "", errs.E(op, errs.ErrInvalidRepository, "", "", err)
	}
	log.Info("remote dataset loaded", zap.String("head", head), zap.Int("records", len(ds.Records)))
	return ds, head, nil
}

func (m *Manager) reusable(ctx context.Context, mirror vcs.Mirror, dir, remoteURL string) bool {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return false
	}
	got, err := mirror.RemoteURL(ctx, dir)
	return err == nil && got == remoteURL
}

// apply writes every dataset record whose fingerprint differs from local.
func (m *Manager) apply(ctx context.Context, op string, ds *Dataset, head string, local map[types.Key]string) (*Result, error) {
	res := &Result{Head: head, Keys: ds.Keys()}
	for _, key := range res.Keys {
		rec := ds.Records[key]
		fp, err := rec.Fingerprint()
		if err != nil {
			return res, fmt.Errorf("%s: %w", op, err)
		}

		prev, exists := local[key]
		if exists && prev == fp {
			res.Unchanged++
			continue
		}
		if err := m.store.Put(ctx, key, rec); err != nil {
			return res, fmt.Errorf("%s: %w", op, err)
		}
		if exists {
			res.Replaced++
		} else {
			res.Added++
		}
	}

	m.logger.Info("sync applied",
		zap.String("op", op),
		zap.String("head", head),
		zap.Int("added", res.Added),
		zap.Int("replaced", res.Replaced),
		zap.Int("unchanged", res.Unchanged))
	return res, nil
}

// classify maps VCS failures onto the sync error taxonomy.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, vcs.ErrProxy):
		return errs.E(op, errs.ErrProxyUnreachable, "", "", err)
	case errors.Is(err, vcs.ErrRemoteNotFound), errors.Is(err, vcs.ErrNotInVCS):
		return errs.E(op, errs.ErrInvalidRepository, "", "", err)
	case errors.Is(err, vcs.ErrAuth):
		// Hosts answer a wrong or private URL with a credential challenge.
		return errs.E(op, errs.ErrInvalidRepository, "", "", err)
	default:
		return errs.E(op, errs.ErrRemoteUnavailable, "", "", err)
	}
}
