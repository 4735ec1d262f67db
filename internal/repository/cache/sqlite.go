package cache

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/hilbert"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/tileid"
	"github.com/mapbox/mapbox-unity-sdk-sub003/pkg/logger"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

const gooseTable = "goose_db_version"

// SQLiteCache is the durable tile index. Rows for file-backed tiles carry
// only metadata and the file path; other rows also carry the payload.
type SQLiteCache struct {
	db       *sql.DB
	maxTiles int
	logger   logger.Logger
	wasReset bool
}

var _ Tier = (*SQLiteCache)(nil)

// NewSQLiteCache opens path and migrates it. A database whose schema version
// differs from the embedded migrations is wiped first; WasReset reports it.
// A maxTiles of zero disables the tier.
func NewSQLiteCache(ctx context.Context, path string, maxTiles int, l logger.Logger) (*SQLiteCache, error) {
	if maxTiles < 0 {
		return nil, fmt.Errorf("%w: sqlite max tiles %d", ErrInvalidSize, maxTiles)
	}
	c := &SQLiteCache{
		maxTiles: maxTiles,
		logger:   l.With("tier", "sqlite"),
	}
	if maxTiles == 0 {
		return c, nil
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	err = db.PingContext(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	c.db = db

	err = c.runMigrations(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}

	c.logger.Info("sqlite cache initialized", "path", path, "reset", c.wasReset)

	return c, nil
}

func (c *SQLiteCache) runMigrations(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, c.db, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}

	var latest int64
	for _, src := range provider.ListSources() {
		latest = max(latest, src.Version)
	}

	current, err := c.schemaVersion(ctx, provider)
	if err != nil {
		return err
	}

	if current != 0 && current != latest {
		c.logger.Warn("sqlite schema is stale, wiping cache", "current", current, "latest", latest)
		if err := c.wipe(ctx); err != nil {
			return err
		}
		c.wasReset = true
	}

	_, err = provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func (c *SQLiteCache) schemaVersion(ctx context.Context, provider *goose.Provider) (int64, error) {
	var name string
	err := c.db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, gooseTable,
	).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to inspect schema: %w", err)
	}

	version, err := provider.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func (c *SQLiteCache) wipe(ctx context.Context) error {
	for _, stmt := range []string{
		`DROP TABLE IF EXISTS tiles`,
		`DROP TABLE IF EXISTS ` + gooseTable,
	} {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to wipe cache: %w", err)
		}
	}
	return nil
}

func (c *SQLiteCache) Name() string {
	return "sqlite"
}

func (c *SQLiteCache) Enabled() bool {
	return c.db != nil
}

// WasReset reports whether opening the database wiped a stale schema. Files
// indexed by the old rows are no longer trustworthy.
func (c *SQLiteCache) WasReset() bool {
	return c.wasReset
}

func (c *SQLiteCache) Get(ctx context.Context, k Key) (*Item, bool, error) {
	if !c.Enabled() {
		return nil, false, nil
	}
	c.logger.Debug("sqlite cache get", "tileset", k.TilesetID, "z", k.TileID.Z, "x", k.TileID.X, "y", k.TileID.Y)

	query := `SELECT data, etag, last_modified, expires_at, added_at, file_path
	FROM tiles
	WHERE tileset = ? AND z = ? AND x = ? AND y = ?`

	var (
		data      []byte
		expiresAt sql.NullInt64
		addedAt   int64
		filePath  sql.NullString
	)
	item := &Item{TilesetID: k.TilesetID, TileID: k.TileID}
	err := c.db.QueryRowContext(ctx, query, k.TilesetID, k.TileID.Z, k.TileID.X, k.TileID.Y).
		Scan(&data, &item.ETag, &item.LastModified, &expiresAt, &addedAt, &filePath)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		c.logger.Error("sqlite cache get failed", "key", k.String(), "error", err)
		return nil, false, err
	}

	item.Data = data
	item.AddedAt = time.UnixMilli(addedAt)
	if expiresAt.Valid {
		item.ExpiresAt = time.UnixMilli(expiresAt.Int64)
	}
	item.FilePath = filePath.String

	return item, true, nil
}

// Add upserts the row for item when forceInsert is set, otherwise it keeps an
// existing row. Items with a FilePath are stored without their payload.
func (c *SQLiteCache) Add(ctx context.Context, item *Item, forceInsert bool) error {
	if !c.Enabled() {
		return nil
	}
	k := item.Key()
	c.logger.Debug("sqlite cache add", "key", k.String(), "force", forceInsert)

	var (
		data      []byte
		filePath  sql.NullString
		expiresAt sql.NullInt64
	)
	if item.FilePath != "" {
		filePath = sql.NullString{String: item.FilePath, Valid: true}
	} else {
		data = item.Data
	}
	if !item.ExpiresAt.IsZero() {
		expiresAt = sql.NullInt64{Int64: item.ExpiresAt.UnixMilli(), Valid: true}
	}
	addedAt := item.AddedAt
	if addedAt.IsZero() {
		addedAt = time.Now()
	}

	conflict := `ON CONFLICT(tileset, z, x, y) DO NOTHING`
	if forceInsert {
		conflict = `ON CONFLICT(tileset, z, x, y) DO UPDATE SET
		data = excluded.data,
		etag = excluded.etag,
		last_modified = excluded.last_modified,
		expires_at = excluded.expires_at,
		added_at = excluded.added_at,
		file_path = excluded.file_path`
	}

	query := `INSERT INTO tiles (tileset, z, x, y, tile_code, data, etag, last_modified, expires_at, added_at, file_path)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ` + conflict

	_, err := c.db.ExecContext(ctx, query,
		k.TilesetID, k.TileID.Z, k.TileID.X, k.TileID.Y, tileCode(k.TileID),
		data, item.ETag, item.LastModified, expiresAt, addedAt.UnixMilli(), filePath,
	)
	if err != nil {
		c.logger.Error("sqlite cache add failed", "key", k.String(), "error", err)
		return err
	}

	return nil
}

func (c *SQLiteCache) Exists(ctx context.Context, k Key) (bool, error) {
	if !c.Enabled() {
		return false, nil
	}
	var one int
	err := c.db.QueryRowContext(ctx,
		`SELECT 1 FROM tiles WHERE tileset = ? AND z = ? AND x = ? AND y = ?`,
		k.TilesetID, k.TileID.Z, k.TileID.X, k.TileID.Y,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *SQLiteCache) Remove(ctx context.Context, k Key) error {
	if !c.Enabled() {
		return nil
	}
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM tiles WHERE tileset = ? AND z = ? AND x = ? AND y = ?`,
		k.TilesetID, k.TileID.Z, k.TileID.X, k.TileID.Y,
	)
	return err
}

// RemoveByPath deletes the row indexing the file at path.
func (c *SQLiteCache) RemoveByPath(ctx context.Context, path string) error {
	if !c.Enabled() {
		return nil
	}
	_, err := c.db.ExecContext(ctx, `DELETE FROM tiles WHERE file_path = ?`, path)
	return err
}

func (c *SQLiteCache) Clear(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	_, err := c.db.ExecContext(ctx, `DELETE FROM tiles`)
	if err != nil {
		return err
	}
	c.logger.Info("sqlite cache cleared")
	return nil
}

// FilePaths lists every file path referenced by a row.
func (c *SQLiteCache) FilePaths(ctx context.Context) ([]string, error) {
	if !c.Enabled() {
		return nil, nil
	}
	rows, err := c.db.QueryContext(ctx, `SELECT file_path FROM tiles WHERE file_path IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func (c *SQLiteCache) Count(ctx context.Context) (int, error) {
	if !c.Enabled() {
		return 0, nil
	}
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tiles`).Scan(&n)
	return n, err
}

// Prune deletes the oldest rows beyond the tile limit and returns the file
// paths they referenced, which the caller must remove.
func (c *SQLiteCache) Prune(ctx context.Context) ([]string, error) {
	if !c.Enabled() {
		return nil, nil
	}
	n, err := c.Count(ctx)
	if err != nil {
		return nil, err
	}
	excess := n - c.maxTiles
	if excess <= 0 {
		return nil, nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT rowid, file_path FROM tiles ORDER BY added_at ASC, rowid ASC LIMIT ?`, excess)
	if err != nil {
		return nil, err
	}
	var (
		ids   []int64
		paths []string
	)
	for rows.Next() {
		var (
			id int64
			p  sql.NullString
		)
		if err := rows.Scan(&id, &p); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
		if p.Valid {
			paths = append(paths, p.String)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tiles WHERE rowid = ?`, id); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	c.logger.Info("sqlite cache pruned", "rows", len(ids))
	return paths, nil
}

func (c *SQLiteCache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.db.Close()
}

// tileCode orders tiles along a Hilbert curve, zoom level by zoom level.
func tileCode(id tileid.CanonicalTileID) int64 {
	h, err := hilbert.NewHilbert(1 << id.Z)
	if err != nil {
		return -1
	}
	code, err := h.MapInverse(id.X, id.Y)
	if err != nil {
		return -1
	}
	tilesBefore := (1<<(id.Z*2) - 1) / 3
	return int64(code + tilesBefore)
}
