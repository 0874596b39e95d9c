// Package store provides the local snapshot store: one auction snapshot per
// (region, realm), held in an embedded SQLite database.
//
// The store runs SQLite in WAL mode so export and watcher readers never
// block the single writer. A record, its fingerprint and its modification
// time live in the same row and are written in one transaction, so a reader
// can never observe a fingerprint that does not belong to the stored record.
//
// Layout:
//   - Database file: <data dir>/snapshots.db
//   - Table snapshots(region, realm, realm_name, fingerprint, modified_at, payload)
//   - payload: gzip-compressed canonical JSON of types.Record
//
// Every committed Put is announced to subscribers (see Subscribe) after the
// commit returns, which gives the change watcher its happens-before edge.
package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"

	"github.com/ahsync/ahsync/internal/errs"
	"github.com/ahsync/ahsync/internal/types"
)

// Change announces a committed Put.
type Change struct {
	Key         types.Key
	Fingerprint string
}

// Meta is the per-key store metadata.
type Meta struct {
	Key         types.Key
	RealmName   string
	Fingerprint string
	ModifiedAt  time.Time
}

// Options configures a Store.
type Options struct {
	// Logger receives store diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger

	// Now overrides the clock used for modified_at.
	Now func() time.Time
}

// Store is the snapshot store. It is safe for concurrent use; writes are
// serialized internally.
type Store struct {
	conn   *sql.DB
	path   string
	logger *zap.Logger
	now    func() time.Time

	writeMu sync.Mutex

	subMu  sync.Mutex
	subs   map[int]func(Change)
	nextID int
	known  map[types.Key]string

	// beforeCommit runs inside the Put transaction right before COMMIT.
	// Tests use it to simulate a crash mid-write.
	beforeCommit func(types.Key) error
}

// Open opens (creating if needed) the store database at path.
//
// The caller MUST call Close() when done.
func Open(path string, opts *Options) (*Store, error) {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:   conn,
		path:   path,
		logger: logger.Named("store"),
		now:    now,
		subs:   make(map[int]func(Change)),
		known:  make(map[types.Key]string),
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := s.initSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn("failed to checkpoint WAL", zap.Error(err))
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	s.conn = nil
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		region TEXT NOT NULL,
		realm TEXT NOT NULL,
		realm_name TEXT NOT NULL DEFAULT '',
		fingerprint TEXT NOT NULL,
		modified_at INTEGER NOT NULL,
		payload BLOB NOT NULL,
		PRIMARY KEY (region, realm)
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_region ON snapshots(region);
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Put replaces the record stored under key. The record must belong to key.
func (s *Store) Put(ctx context.Context, key types.Key, rec *types.Record) error {
	if rec == nil {
		return fmt.Errorf("put %s: nil record", key)
	}
	if rec.Key() != key {
		return fmt.Errorf("put %s: record belongs to %s", key, rec.Key())
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	data, err := rec.Encode()
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	fingerprint := types.HashBytes(data)
	payload, err := compress(data)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	s.writeMu.Lock()
	err = s.commit(ctx, key, rec.RealmName, fingerprint, payload)
	s.writeMu.Unlock()
	if err != nil {
		return err
	}

	s.logger.Debug("committed snapshot",
		zap.Stringer("key", key),
		zap.String("fingerprint", fingerprint),
		zap.Int("auctions", len(rec.Auctions)))
	s.notify(Change{Key: key, Fingerprint: fingerprint})
	return nil
}

func (s *Store) commit(ctx context.Context, key types.Key, realmName, fingerprint string, payload []byte) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put %s: failed to begin transaction: %w", key, err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
	INSERT INTO snapshots (region, realm, realm_name, fingerprint, modified_at, payload)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(region, realm) DO UPDATE SET
		realm_name = excluded.realm_name,
		fingerprint = excluded.fingerprint,
		modified_at = excluded.modified_at,
		payload = excluded.payload
	`
	if _, err := tx.ExecContext(ctx, query,
		string(key.Region),
		key.Realm,
		realmName,
		fingerprint,
		s.now().UnixMilli(),
		payload,
	); err != nil {
		return fmt.Errorf("put %s: failed to write snapshot: %w", key, err)
	}

	if s.beforeCommit != nil {
		if err := s.beforeCommit(key); err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("put %s: failed to commit: %w", key, err)
	}
	return nil
}

// Get returns the record stored under key, or an error matching
// errs.ErrNotFound when there is none or it cannot be read back intact.
func (s *Store) Get(ctx context.Context, key types.Key) (*types.Record, error) {
	var fingerprint string
	var payload []byte
	err := s.conn.QueryRowContext(ctx,
		`SELECT fingerprint, payload FROM snapshots WHERE region = ? AND realm = ?`,
		string(key.Region), key.Realm,
	).Scan(&fingerprint, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.E("get", errs.ErrNotFound, key.String(), "", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}

	rec, err := decodePayload(key, fingerprint, payload)
	if err != nil {
		s.logger.Error("stored snapshot does not match its fingerprint",
			zap.Stringer("key", key),
			zap.Error(fmt.Errorf("%w: %v", errs.ErrCorruptWrite, err)))
		return nil, errs.E("get", errs.ErrNotFound, key.String(), "", nil)
	}
	return rec, nil
}

func decodePayload(key types.Key, fingerprint string, payload []byte) (*types.Record, error) {
	data, err := decompress(payload)
	if err != nil {
		return nil, err
	}
	if got := types.HashBytes(data); got != fingerprint {
		return nil, fmt.Errorf("fingerprint %s, payload hashes to %s", fingerprint, got)
	}
	rec, err := types.DecodeRecord(data)
	if err != nil {
		return nil, err
	}
	if rec.Key() != key {
		return nil, fmt.Errorf("payload belongs to %s", rec.Key())
	}
	return rec, nil
}

// Fingerprint returns the fingerprint of the record stored under key.
func (s *Store) Fingerprint(ctx context.Context, key types.Key) (string, error) {
	m, err := s.Meta(ctx, key)
	if err != nil {
		return "", err
	}
	return m.Fingerprint, nil
}

// Meta returns the metadata of the record stored under key.
func (s *Store) Meta(ctx context.Context, key types.Key) (*Meta, error) {
	var m Meta
	var modified int64
	err := s.conn.QueryRowContext(ctx,
		`SELECT realm_name, fingerprint, modified_at FROM snapshots WHERE region = ? AND realm = ?`,
		string(key.Region), key.Realm,
	).Scan(&m.RealmName, &m.Fingerprint, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.E("meta", errs.ErrNotFound, key.String(), "", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("meta %s: %w", key, err)
	}
	m.Key = key
	m.ModifiedAt = time.UnixMilli(modified).UTC()
	return &m, nil
}

// List returns the stored keys in canonical order. An empty region lists
// every region.
func (s *Store) List(ctx context.Context, region types.Region) ([]types.Key, error) {
	metas, err := s.Metas(ctx, region)
	if err != nil {
		return nil, err
	}
	keys := make([]types.Key, len(metas))
	for i, m := range metas {
		keys[i] = m.Key
	}
	return keys, nil
}

// Metas returns the metadata of every stored record in canonical key order.
// An empty region lists every region.
func (s *Store) Metas(ctx context.Context, region types.Region) ([]Meta, error) {
	query := `SELECT region, realm, realm_name, fingerprint, modified_at FROM snapshots`
	var args []any
	if region != "" {
		query += ` WHERE region = ?`
		args = append(args, string(region))
	}
	query += ` ORDER BY region, realm`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	defer rows.Close()

	var metas []Meta
	for rows.Next() {
		var m Meta
		var r string
		var modified int64
		if err := rows.Scan(&r, &m.Key.Realm, &m.RealmName, &m.Fingerprint, &modified); err != nil {
			return nil, fmt.Errorf("list: %w", err)
		}
		m.Key.Region = types.Region(r)
		m.ModifiedAt = time.UnixMilli(modified).UTC()
		metas = append(metas, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	return metas, nil
}

// Fingerprints returns key -> fingerprint for every stored record.
func (s *Store) Fingerprints(ctx context.Context) (map[types.Key]string, error) {
	metas, err := s.Metas(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make(map[types.Key]string, len(metas))
	for _, m := range metas {
		out[m.Key] = m.Fingerprint
	}
	return out, nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// Stats returns the number of stored records per region.
func (s *Store) Stats(ctx context.Context) (map[types.Region]int, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT region, COUNT(*) FROM snapshots GROUP BY region`)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()

	out := make(map[types.Region]int)
	for rows.Next() {
		var r string
		var n int
		if err := rows.Scan(&r, &n); err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}
		out[types.Region(r)] = n
	}
	return out, rows.Err()
}

// Subscribe registers fn to receive every committed change. fn runs on the
// committing goroutine and must not block. The returned func unsubscribes.
func (s *Store) Subscribe(fn func(Change)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify(c Change) {
	s.subMu.Lock()
	s.known[c.Key] = c.Fingerprint
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(payload []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to open payload: %w", err)
	}
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	return data, nil
}
