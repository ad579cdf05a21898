// Package tile_store is the durable tile cache: raw tile bytes keyed by (zoom, x, y)
// plus a single status row holding the completion flag and the resume anchor.
//
// The backing file is an embedded SQLite database. All writes are upserts keyed by
// tile identity, so concurrent fetchers never conflict on a row.
package tile_store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"offlinemap/internal/tile_grid"
)

// ErrStoreNotFound is returned by Open when the store must already exist but the
// backing file is missing.
var ErrStoreNotFound = errors.New("tile store: database file does not exist")

const schema = `
CREATE TABLE IF NOT EXISTS tiles (
	zoom INTEGER NOT NULL,
	x    INTEGER NOT NULL,
	y    INTEGER NOT NULL,
	data BLOB,
	PRIMARY KEY (zoom, x, y)
);
CREATE TABLE IF NOT EXISTS status (
	currentStatus INTEGER NOT NULL DEFAULT 0,
	lat           REAL    NOT NULL DEFAULT 0.0,
	lon           REAL    NOT NULL DEFAULT 0.0
);
INSERT INTO status (currentStatus, lat, lon)
SELECT 0, 0.0, 0.0 WHERE NOT EXISTS (SELECT 1 FROM status);
`

// Anchor is the first center coordinate a download was started for.
// The zero value means no anchor has been recorded.
type Anchor struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (a Anchor) IsZero() bool {
	return a.Lat == 0 && a.Lon == 0
}

// Status is a read-only snapshot of the store.
type Status struct {
	Complete  bool
	Anchor    Anchor
	HasAnchor bool
	TileCount int
}

type Store struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

type options struct {
	mustExist bool
	logger    *zap.Logger
}

type Option func(*options)

// WithMustExist makes Open fail with ErrStoreNotFound instead of creating the file.
func WithMustExist(mustExist bool) Option {
	return func(o *options) { o.mustExist = mustExist }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Open opens (or creates) the store at path and ensures the schema exists.
func Open(path string, opts ...Option) (*Store, error) {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat tile store: %w", err)
		}
		if o.mustExist {
			return nil, fmt.Errorf("%w: %s", ErrStoreNotFound, path)
		}
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create store directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open tile store: %w", err)
	}
	// SQLite allows one writer; a single connection serialises access instead of
	// surfacing SQLITE_BUSY to concurrent fetchers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tile store schema: %w", err)
	}

	o.logger.Info("Tile store opened", zap.String("path", path))

	return &Store{db: db, path: path, logger: o.logger}, nil
}

// dsn escapes path so that '?' or '#' in a file name stay part of the path.
func dsn(path string) string {
	u := url.URL{
		Scheme:   "file",
		Path:     filepath.ToSlash(path),
		RawQuery: "_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
	}
	return u.String()
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	return s.db.Close()
}

// GetTile returns the stored bytes of a tile. A missing tile is not an error.
func (s *Store) GetTile(ctx context.Context, key tile_grid.Key) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM tiles WHERE zoom = ? AND x = ? AND y = ?`,
		key.Z, key.X, key.Y,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get tile %s: %w", key, err)
	}
	return data, true, nil
}

// PutTile inserts or overwrites a tile.
func (s *Store) PutTile(ctx context.Context, key tile_grid.Key, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tiles (zoom, x, y, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT (zoom, x, y) DO UPDATE SET data = excluded.data`,
		key.Z, key.X, key.Y, data,
	)
	if err != nil {
		return fmt.Errorf("put tile %s: %w", key, err)
	}
	return nil
}

// ExistingKeys returns the (x, y) pairs stored for a zoom level as one consistent
// snapshot of the rows committed when the query runs.
func (s *Store) ExistingKeys(ctx context.Context, zoom int) (map[[2]int]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT x, y FROM tiles WHERE zoom = ?`, zoom)
	if err != nil {
		return nil, fmt.Errorf("query tiles for zoom %d: %w", zoom, err)
	}
	defer rows.Close()

	keys := make(map[[2]int]struct{})
	for rows.Next() {
		var x, y int
		if err := rows.Scan(&x, &y); err != nil {
			return nil, fmt.Errorf("scan tile key: %w", err)
		}
		keys[[2]int{x, y}] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tiles for zoom %d: %w", zoom, err)
	}
	return keys, nil
}

// RecordCenter stores the anchor only while the stored coordinate is still the
// zero sentinel. It reports whether this call wrote the anchor.
func (s *Store) RecordCenter(ctx context.Context, anchor Anchor) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE status SET lat = ?, lon = ? WHERE lat = 0.0 AND lon = 0.0`,
		anchor.Lat, anchor.Lon,
	)
	if err != nil {
		return false, fmt.Errorf("record center: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record center: %w", err)
	}
	if n > 0 {
		s.logger.Info("Recorded download anchor", zap.Float64("lat", anchor.Lat), zap.Float64("lon", anchor.Lon))
	}
	return n > 0, nil
}

// CachedCenter returns the anchor if one has been recorded.
func (s *Store) CachedCenter(ctx context.Context) (Anchor, bool, error) {
	var a Anchor
	err := s.db.QueryRowContext(ctx, `SELECT lat, lon FROM status LIMIT 1`).Scan(&a.Lat, &a.Lon)
	if errors.Is(err, sql.ErrNoRows) {
		return Anchor{}, false, nil
	}
	if err != nil {
		return Anchor{}, false, fmt.Errorf("read center: %w", err)
	}
	if a.IsZero() {
		return Anchor{}, false, nil
	}
	return a, true, nil
}

func (s *Store) IsComplete(ctx context.Context) (bool, error) {
	var status int
	err := s.db.QueryRowContext(ctx, `SELECT currentStatus FROM status LIMIT 1`).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read completion flag: %w", err)
	}
	return status == 1, nil
}

// MarkComplete sets the completion flag. Calling it again is a no-op.
func (s *Store) MarkComplete(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE status SET currentStatus = 1`); err != nil {
		return fmt.Errorf("mark complete: %w", err)
	}
	return nil
}

// Clear deletes every tile. The status row is left as is.
func (s *Store) Clear(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tiles`)
	if err != nil {
		return fmt.Errorf("clear tiles: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Info("Cleared tile store", zap.Int64("tiles", n))
	return nil
}

func (s *Store) TileCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tiles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tiles: %w", err)
	}
	return n, nil
}

func (s *Store) Status(ctx context.Context) (Status, error) {
	complete, err := s.IsComplete(ctx)
	if err != nil {
		return Status{}, err
	}
	anchor, ok, err := s.CachedCenter(ctx)
	if err != nil {
		return Status{}, err
	}
	count, err := s.TileCount(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{Complete: complete, Anchor: anchor, HasAnchor: ok, TileCount: count}, nil
}
