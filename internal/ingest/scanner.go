package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ahsync/ahsync/internal/errs"
	"github.com/ahsync/ahsync/internal/types"
)

// Putter is the store write the scanner funnels records through.
type Putter interface {
	Put(ctx context.Context, key types.Key, rec *types.Record) error
}

// Config configures a Scanner.
type Config struct {
	// Concurrency bounds in-flight fetches. Defaults to 4.
	Concurrency int

	// Rate paces fetches per second; Burst allows short bursts. Rate
	// defaults to 2 and Burst to 2.
	Rate  float64
	Burst int

	// GameVersion selects price semantics; classic scans price per stack.
	GameVersion types.GameVersion

	// Logger receives scan diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger
}

// DefaultConfig returns the default scanner settings.
func DefaultConfig() *Config {
	return &Config{
		Concurrency: 4,
		Rate:        2,
		Burst:       2,
		GameVersion: types.GameRetail,
	}
}

// Scanner fetches realms concurrently and stores them one at a time.
type Scanner struct {
	provider Provider
	store    Putter
	config   Config
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// NewScanner creates a Scanner. A nil config uses DefaultConfig.
func NewScanner(p Provider, st Putter, config *Config) *Scanner {
	cfg := *DefaultConfig()
	if config != nil {
		if config.Concurrency > 0 {
			cfg.Concurrency = config.Concurrency
		}
		if config.Rate > 0 {
			cfg.Rate = config.Rate
		}
		if config.Burst > 0 {
			cfg.Burst = config.Burst
		}
		if config.GameVersion != "" {
			cfg.GameVersion = config.GameVersion
		}
		cfg.Logger = config.Logger
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		provider: p,
		store:    st,
		config:   cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		logger:   logger.Named("scanner"),
	}
}

// ScanResult reports a scan.
type ScanResult struct {
	// Stored lists keys written to the store, sorted.
	Stored []types.Key

	// Failed holds per-key fetch or conversion errors.
	Failed map[types.Key]error
}

type fetched struct {
	key types.Key
	rec *types.Record
	err error
}

// Scan fetches every key and puts the converted records. A key that fails
// to fetch is recorded in Failed and does not stop the others, except
// errs.ErrAuthFailed, which aborts the scan since no other key can succeed.
func (s *Scanner) Scan(ctx context.Context, keys []types.Key) (*ScanResult, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)
	results := make(chan fetched)

	go func() {
		for _, key := range keys {
			g.Go(func() error {
				if err := s.limiter.Wait(gctx); err != nil {
					return err
				}
				raw, err := s.provider.FetchRaw(gctx, key.Region, key.Realm)
				if errors.Is(err, errs.ErrAuthFailed) {
					return err
				}
				f := fetched{key: key, err: err}
				if err == nil {
					f.rec, f.err = Convert(key, raw, s.config.GameVersion)
				}
				select {
				case results <- f:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			})
		}
		_ = g.Wait()
		close(results)
	}()

	res := &ScanResult{Failed: make(map[types.Key]error)}
	var putErr error
	for f := range results {
		if putErr != nil {
			continue
		}
		if f.err != nil {
			s.logger.Warn("scan failed", zap.Stringer("key", f.key), zap.Error(f.err))
			res.Failed[f.key] = f.err
			continue
		}
		if err := s.store.Put(ctx, f.key, f.rec); err != nil {
			putErr = fmt.Errorf("scan %s: %w", f.key, err)
			continue
		}
		res.Stored = append(res.Stored, f.key)
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	if putErr != nil {
		return nil, putErr
	}
	types.SortKeys(res.Stored)
	s.logger.Info("scan complete", zap.Int("stored", len(res.Stored)), zap.Int("failed", len(res.Failed)))
	return res, nil
}

// Convert builds the snapshot record for key from a raw scan.
//
// The unit price of a listing is its commodity unit price, else its buyout,
// else its bid. Classic scans price whole stacks, so their prices are
// divided by the stack size.
func Convert(key types.Key, raw *RawRecord, version types.GameVersion) (*types.Record, error) {
	if raw == nil {
		return nil, fmt.Errorf("convert %s: no scan", key)
	}
	if raw.Timestamp <= 0 {
		return nil, fmt.Errorf("convert %s: scan has no timestamp", key)
	}
	perStack := version == types.GameClassic || version == types.GameClassicEra

	rec := &types.Record{
		Region:    key.Region,
		Realm:     key.Realm,
		RealmName: raw.RealmName,
		ScanTime:  raw.Timestamp,
		Auctions:  make([]types.Auction, 0, len(raw.Auctions)),
	}
	for _, a := range raw.Auctions {
		if a.Quantity <= 0 {
			continue
		}
		var price, buyout int64
		if a.UnitPrice > 0 {
			price, buyout = a.UnitPrice, a.UnitPrice
		} else {
			buyout = a.Buyout
			price = a.Buyout
			if price == 0 {
				price = a.Bid
			}
			if perStack {
				price /= a.Quantity
				buyout /= a.Quantity
			}
		}
		if price <= 0 {
			continue
		}
		rec.Auctions = append(rec.Auctions, types.Auction{
			Item:      ItemString(a),
			Quantity:  a.Quantity,
			UnitPrice: price,
			Buyout:    buyout,
		})
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("convert %s: %w", key, err)
	}
	return rec, nil
}

// ItemString renders the add-on's item identifier: the bare item ID for
// plain items, "i:<id>::<n>:<bonus>..." with sorted bonus IDs for variants
// and "p:<species>" for battle pets.
func ItemString(a RawAuction) string {
	if a.PetSpeciesID > 0 {
		return "p:" + strconv.Itoa(a.PetSpeciesID)
	}
	if len(a.Bonuses) == 0 {
		return strconv.Itoa(a.ItemID)
	}
	bonuses := append([]int(nil), a.Bonuses...)
	sort.Ints(bonuses)
	parts := make([]string, 0, len(bonuses)+4)
	parts = append(parts, "i", strconv.Itoa(a.ItemID), "", strconv.Itoa(len(bonuses)))
	for _, b := range bonuses {
		parts = append(parts, strconv.Itoa(b))
	}
	return strings.Join(parts, ":")
}
