// Package dumpindex persists the (name, size) pairs of files already copied
// into a continuous-mode destination, so planning a new dump does not have to
// walk the whole destination tree.
//
// A root is seeded by one full walk the first time it is queried; afterwards
// the controller records each copied item. Files removed from the destination
// behind the daemon's back stay in the index until the root is reseeded.
package dumpindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	_ "modernc.org/sqlite"

	"offload/internal/planner"
)

// Store manages index persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
	fs   afero.Fs
	now  func() time.Time
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
	timestampLayout         = time.RFC3339
)

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

// Open initializes or connects to the index database at path. Seeding walks
// go through fsys; nil selects the OS filesystem.
func Open(path string, fsys afero.Fs) (*Store, error) {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps in-memory databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path, fs: fsys, now: time.Now}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Known implements planner.KnownSource. The first query for a root seeds it
// from a full walk of the destination.
func (s *Store) Known(ctx context.Context, root string) (map[planner.Key]struct{}, error) {
	root = filepath.Clean(root)
	seeded, err := s.seeded(ctx, root)
	if err != nil {
		return nil, err
	}
	if !seeded {
		if err := s.Reseed(ctx, root); err != nil {
			return nil, err
		}
	}

	known := make(map[planner.Key]struct{})
	err = retryOnBusy(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, "SELECT name, size FROM files WHERE root = ?", root)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var key planner.Key
			if err := rows.Scan(&key.Name, &key.Size); err != nil {
				return err
			}
			known[key] = struct{}{}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("query index for %s: %w", root, err)
	}
	return known, nil
}

// Reseed replaces everything recorded for root with a fresh walk.
func (s *Store) Reseed(ctx context.Context, root string) error {
	root = filepath.Clean(root)
	walked, err := planner.WalkKnown(ctx, s.fs, root)
	if err != nil {
		return fmt.Errorf("walk %s: %w", root, err)
	}
	stamp := s.now().UTC().Format(timestampLayout)
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, "DELETE FROM roots WHERE root = ?", root); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO roots (root, seeded_at) VALUES (?, ?)", root, stamp); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, "INSERT OR IGNORE INTO files (root, name, size, recorded_at) VALUES (?, ?, ?, ?)")
		if err != nil {
			return err
		}
		defer stmt.Close()
		for key := range walked {
			if _, err := stmt.ExecContext(ctx, root, key.Name, key.Size, stamp); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// Record adds copied items to root's index. Items are keyed by base name and
// size; dump names the folder they landed in. Unseeded roots are left alone:
// their first query walks the tree and picks the items up anyway.
func (s *Store) Record(ctx context.Context, root, dump string, items []planner.Item) error {
	if len(items) == 0 {
		return nil
	}
	root = filepath.Clean(root)
	seeded, err := s.seeded(ctx, root)
	if err != nil || !seeded {
		return err
	}
	stamp := s.now().UTC().Format(timestampLayout)
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO files (root, name, size, dump, recorded_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(root, name, size) DO UPDATE SET dump = excluded.dump, recorded_at = excluded.recorded_at`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, item := range items {
			if _, err := stmt.ExecContext(ctx, root, filepath.Base(item.Source), item.Size, dump, stamp); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// Forget drops everything recorded for root.
func (s *Store) Forget(ctx context.Context, root string) error {
	root = filepath.Clean(root)
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, "DELETE FROM roots WHERE root = ?", root)
		return err
	})
}

func (s *Store) seeded(ctx context.Context, root string) (bool, error) {
	var count int
	err := retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM roots WHERE root = ?", root).Scan(&count)
	})
	if err != nil {
		return false, fmt.Errorf("check index root %s: %w", root, err)
	}
	return count > 0, nil
}
