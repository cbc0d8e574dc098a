package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLite implements Adapter on a local SQLite file. The driver is pure Go,
// so the binary stays cgo-free.
type SQLite struct {
	db *sqlx.DB
}

func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sqlx.Connect("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite: %w", err)
	}

	// Single writer; WAL keeps readers unblocked during activations.
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	db.SetMaxOpenConns(1)

	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// Ping verifies the database file is reachable. Used by readiness probes.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RunMigrations executes schema DDL.
func (s *SQLite) RunMigrations(migrationSQL string) error {
	_, err := s.db.Exec(migrationSQL)
	return err
}

func (s *SQLite) Get(ctx context.Context, kind, id string) (*Record, error) {
	var rec Record
	query := `SELECT kind, id, version, data, updated_at FROM records WHERE kind = ? AND id = ?`
	err := s.db.GetContext(ctx, &rec, query, kind, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLite) Put(ctx context.Context, kind, id string, data []byte, expectVersion int64) (*Record, error) {
	now := time.Now().UTC()

	if expectVersion == 0 {
		query := `INSERT INTO records (kind, id, version, data, updated_at) VALUES (?, ?, 1, ?, ?)
			ON CONFLICT (kind, id) DO NOTHING`
		res, err := s.db.ExecContext(ctx, query, kind, id, data, now)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, ErrVersionConflict
		}
		return &Record{Kind: kind, ID: id, Version: 1, Data: data, UpdatedAt: now}, nil
	}

	query := `UPDATE records SET version = version + 1, data = ?, updated_at = ?
		WHERE kind = ? AND id = ? AND version = ?`
	res, err := s.db.ExecContext(ctx, query, data, now, kind, id, expectVersion)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Distinguish a missing record from a stale version.
		if _, gerr := s.Get(ctx, kind, id); errors.Is(gerr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrVersionConflict
	}
	return &Record{Kind: kind, ID: id, Version: expectVersion + 1, Data: data, UpdatedAt: now}, nil
}

func (s *SQLite) Delete(ctx context.Context, kind, id string, expectVersion int64) error {
	var (
		res sql.Result
		err error
	)
	if expectVersion == 0 {
		res, err = s.db.ExecContext(ctx, `DELETE FROM records WHERE kind = ? AND id = ?`, kind, id)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM records WHERE kind = ? AND id = ? AND version = ?`, kind, id, expectVersion)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, gerr := s.Get(ctx, kind, id); errors.Is(gerr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

func (s *SQLite) List(ctx context.Context, kind, prefix string) ([]*Record, error) {
	var recs []*Record
	query := `SELECT kind, id, version, data, updated_at FROM records
		WHERE kind = ? AND id >= ? AND id < ?
		ORDER BY id ASC`
	if prefix == "" {
		query = `SELECT kind, id, version, data, updated_at FROM records WHERE kind = ? ORDER BY id ASC`
		err := s.db.SelectContext(ctx, &recs, query, kind)
		return recs, err
	}
	err := s.db.SelectContext(ctx, &recs, query, kind, prefix, prefixEnd(prefix))
	return recs, err
}

// prefixEnd returns the smallest string greater than every string with the
// given prefix, for range scans on the id column.
func prefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return prefix + "\xff"
}
