// Package export writes the snapshot store into the Lua data file the
// auction add-on loads at startup (AppData.lua).
//
// Each selected realm becomes one AUCTIONDB_REALM_DATA line and each region
// one AUCTIONDB_REGION_STAT line:
//
//	select(2, ...).LoadData("AUCTIONDB_REALM_DATA","Area 52",[[return {downloadTime=1700000000,fields={"itemString","minBuyout","numAuctions","marketValueRecent"},data={{2589,25I,K,25I}}}]])
//
// The output is a pure function of the selection, the records it names and
// the realm registry, so exporting unchanged input twice yields the same bytes.
package export

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ahsync/ahsync/internal/atomicfile"
	"github.com/ahsync/ahsync/internal/errs"
	"github.com/ahsync/ahsync/internal/realmid"
	"github.com/ahsync/ahsync/internal/types"
)

// AppDataPath is the export file's location relative to a game version folder.
const AppDataPath = "Interface/AddOns/TradeSkillMaster_AppHelper/AppData.lua"

// Reader is the subset of the snapshot store the exporter reads.
type Reader interface {
	Get(ctx context.Context, key types.Key) (*types.Record, error)
}

// Request names what to export and where.
type Request struct {
	Selection   types.Selection
	Destination string

	// PatchPath, if set, names a realm identity table to patch with
	// Mappings once every selected record has been read. The patched table
	// then resolves identity for this export and every later one.
	PatchPath string
	Mappings  []realmid.Realm
}

// Result describes a completed export.
type Result struct {
	Path string

	// Keys lists the exported keys in canonical order.
	Keys []types.Key

	// Warnings holds soft failures, each matching errs.ErrUnmappedRealm.
	Warnings []error

	// Patch is set when the request patched an identity table.
	Patch *realmid.PatchResult

	// DownloadTime is the newest scan time among the exported records.
	DownloadTime int64

	Bytes int
}

// Options configures an Engine.
type Options struct {
	// Registry resolves realm identity. When nil, display names come from
	// the records and no unmapped warnings are produced.
	Registry *realmid.Registry

	// Logger receives export diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger
}

// Engine renders selections from a store into Lua files.
type Engine struct {
	reader   Reader
	logger   *zap.Logger
	mu       sync.Mutex
	registry *realmid.Registry
}

// New creates an Engine reading from r.
func New(r Reader, opts *Options) *Engine {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{reader: r, logger: logger.Named("export"), registry: opts.Registry}
}

// SetRegistry replaces the realm registry, e.g. after a patch.
func (e *Engine) SetRegistry(reg *realmid.Registry) {
	e.mu.Lock()
	e.registry = reg
	e.mu.Unlock()
}

// Export writes the selection to req.Destination. If any selected key has
// no record, it fails with errs.ErrIncompleteSelection and writes nothing.
func (e *Engine) Export(ctx context.Context, req Request) (*Result, error) {
	if err := req.Selection.Validate(); err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	if req.Destination == "" {
		return nil, fmt.Errorf("export: destination is required")
	}

	keys := req.Selection.Keys()
	entries := make([]realmEntry, 0, len(keys))
	var missing []string
	for _, key := range keys {
		rec, err := e.reader.Get(ctx, key)
		if errors.Is(err, errs.ErrNotFound) {
			missing = append(missing, key.String())
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("export: %w", err)
		}
		entries = append(entries, realmEntry{key: key, name: rec.DisplayName(), record: rec})
	}
	if len(missing) > 0 {
		return nil, errs.E("export", errs.ErrIncompleteSelection, "", req.Destination,
			fmt.Errorf("no snapshot for %s", strings.Join(missing, ", ")))
	}

	var patch *realmid.PatchResult
	if req.PatchPath != "" {
		var err error
		if patch, err = e.patch(ctx, req.PatchPath, req.Mappings); err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	registry := e.registry
	e.mu.Unlock()

	var warnings []error
	if registry != nil {
		for i := range entries {
			realm, ok := registry.Lookup(entries[i].key)
			if !ok {
				warnings = append(warnings, errs.E("export", errs.ErrUnmappedRealm, entries[i].key.String(), "", nil))
				continue
			}
			entries[i].name = realm.Name
		}
	}

	content, downloadTime := render(entries)
	if err := atomicfile.WriteFile(ctx, req.Destination, content, 0644); err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}

	for _, w := range warnings {
		e.logger.Warn("realm not in identity table", zap.Error(w))
	}
	e.logger.Info("exported",
		zap.String("path", req.Destination),
		zap.Int("realms", len(keys)),
		zap.Int64("download_time", downloadTime))

	return &Result{
		Path:         req.Destination,
		Keys:         keys,
		Warnings:     warnings,
		Patch:        patch,
		DownloadTime: downloadTime,
		Bytes:        len(content),
	}, nil
}

func (e *Engine) patch(ctx context.Context, path string, mappings []realmid.Realm) (*realmid.PatchResult, error) {
	res, err := realmid.Patch(ctx, path, mappings)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	reg, err := realmid.LoadRegistry(path)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	e.SetRegistry(reg)
	if res.Changed {
		e.logger.Info("patched realm identity table", zap.String("path", path), zap.Int("added", len(res.Added)))
	}
	return res, nil
}

// FindAppDataPath returns the export file location for a game version
// installed under wowBase.
func FindAppDataPath(wowBase string, version types.GameVersion) string {
	return filepath.Join(wowBase, version.FolderName(), filepath.FromSlash(AppDataPath))
}
