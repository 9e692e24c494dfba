// Package catalog persists the set of known model weight files in SQLite.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"runnerd/pkg/types"
)

// Store is the SQLite-backed catalog. It satisfies manager.Catalog.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the catalog database at path. Use ":memory:"
// for a throwaway catalog.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("catalog dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	// One connection keeps :memory: databases alive and serializes writers.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if s.path != ":memory:" {
		if _, err := s.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("set WAL mode: %w", err)
		}
	}
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS models (
  name TEXT NOT NULL,
  tag TEXT NOT NULL,
  path TEXT NOT NULL,
  size INTEGER NOT NULL DEFAULT 0,
  digest TEXT NOT NULL DEFAULT '',
  format TEXT NOT NULL DEFAULT '',
  family TEXT NOT NULL DEFAULT '',
  parameter_size TEXT NOT NULL DEFAULT '',
  quantization_level TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  modified_at INTEGER NOT NULL,
  PRIMARY KEY (name, tag)
);
CREATE INDEX IF NOT EXISTS models_path ON models(path);
`)
	if err != nil {
		return fmt.Errorf("migrate catalog: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

const selectCols = `SELECT name, tag, path, size, digest, format, family, parameter_size, quantization_level, created_at, modified_at FROM models`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(r scanner) (types.CatalogEntry, error) {
	var e types.CatalogEntry
	var created, modified int64
	err := r.Scan(&e.Name, &e.Tag, &e.Path, &e.Size, &e.Digest, &e.Format, &e.Family,
		&e.ParameterSize, &e.QuantizationLevel, &created, &modified)
	if err != nil {
		return types.CatalogEntry{}, err
	}
	e.CreatedAt = time.Unix(0, created).UTC()
	e.ModifiedAt = time.Unix(0, modified).UTC()
	return e, nil
}

// Get returns the entry for key.
func (s *Store) Get(ctx context.Context, key types.ModelKey) (types.CatalogEntry, bool, error) {
	key = types.NewModelKey(key.Name, key.Tag)
	row := s.db.QueryRowContext(ctx, selectCols+` WHERE name=? AND tag=?;`, key.Name, key.Tag)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.CatalogEntry{}, false, nil
	}
	if err != nil {
		return types.CatalogEntry{}, false, fmt.Errorf("get %s: %w", key, err)
	}
	return e, true, nil
}

// Save inserts or replaces e. Name and tag are normalized; a zero CreatedAt or
// ModifiedAt is set to now. CreatedAt of an existing entry is preserved.
func (s *Store) Save(ctx context.Context, e types.CatalogEntry) error {
	key := e.Key()
	if key.IsZero() {
		return errors.New("catalog: entry has no name")
	}
	if e.Path == "" {
		return fmt.Errorf("catalog: entry %s has no path", key)
	}
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.ModifiedAt.IsZero() {
		e.ModifiedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO models(name, tag, path, size, digest, format, family, parameter_size, quantization_level, created_at, modified_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(name, tag) DO UPDATE SET
  path=excluded.path,
  size=excluded.size,
  digest=excluded.digest,
  format=excluded.format,
  family=excluded.family,
  parameter_size=excluded.parameter_size,
  quantization_level=excluded.quantization_level,
  modified_at=excluded.modified_at;
`, key.Name, key.Tag, e.Path, e.Size, e.Digest, e.Format, e.Family, e.ParameterSize,
		e.QuantizationLevel, e.CreatedAt.UnixNano(), e.ModifiedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

// Delete removes the entry for key and reports whether one existed.
func (s *Store) Delete(ctx context.Context, key types.ModelKey) (bool, error) {
	key = types.NewModelKey(key.Name, key.Tag)
	res, err := s.db.ExecContext(ctx, "DELETE FROM models WHERE name=? AND tag=?;", key.Name, key.Tag)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns every entry ordered by name and tag.
func (s *Store) List(ctx context.Context) ([]types.CatalogEntry, error) {
	rows, err := s.db.QueryContext(ctx, selectCols+` ORDER BY name ASC, tag ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list catalog: %w", err)
	}
	defer rows.Close()
	var out []types.CatalogEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) hasPath(ctx context.Context, path string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM models WHERE path=?;", path).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}
