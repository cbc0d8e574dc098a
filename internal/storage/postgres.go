package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Postgres implements Adapter on PostgreSQL for multi-node deployments.
type Postgres struct {
	db *sqlx.DB
}

func NewPostgres(connectionString string) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

// Ping verifies the connection pool can reach the server. Used by readiness
// probes.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// RunMigrations executes schema DDL.
func (p *Postgres) RunMigrations(migrationSQL string) error {
	_, err := p.db.Exec(migrationSQL)
	return err
}

func (p *Postgres) Get(ctx context.Context, kind, id string) (*Record, error) {
	var rec Record
	query := `SELECT kind, id, version, data, updated_at FROM records WHERE kind = $1 AND id = $2`
	err := p.db.GetContext(ctx, &rec, query, kind, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (p *Postgres) Put(ctx context.Context, kind, id string, data []byte, expectVersion int64) (*Record, error) {
	now := time.Now().UTC()

	if expectVersion == 0 {
		query := `INSERT INTO records (kind, id, version, data, updated_at) VALUES ($1, $2, 1, $3, $4)
			ON CONFLICT (kind, id) DO NOTHING`
		res, err := p.db.ExecContext(ctx, query, kind, id, data, now)
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

	query := `UPDATE records SET version = version + 1, data = $1, updated_at = $2
		WHERE kind = $3 AND id = $4 AND version = $5`
	res, err := p.db.ExecContext(ctx, query, data, now, kind, id, expectVersion)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if _, gerr := p.Get(ctx, kind, id); errors.Is(gerr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrVersionConflict
	}
	return &Record{Kind: kind, ID: id, Version: expectVersion + 1, Data: data, UpdatedAt: now}, nil
}

func (p *Postgres) Delete(ctx context.Context, kind, id string, expectVersion int64) error {
	var (
		res sql.Result
		err error
	)
	if expectVersion == 0 {
		res, err = p.db.ExecContext(ctx, `DELETE FROM records WHERE kind = $1 AND id = $2`, kind, id)
	} else {
		res, err = p.db.ExecContext(ctx, `DELETE FROM records WHERE kind = $1 AND id = $2 AND version = $3`, kind, id, expectVersion)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, gerr := p.Get(ctx, kind, id); errors.Is(gerr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

func (p *Postgres) List(ctx context.Context, kind, prefix string) ([]*Record, error) {
	var recs []*Record
	if prefix == "" {
		err := p.db.SelectContext(ctx, &recs,
			`SELECT kind, id, version, data, updated_at FROM records WHERE kind = $1 ORDER BY id ASC`, kind)
		return recs, err
	}
	err := p.db.SelectContext(ctx, &recs,
		`SELECT kind, id, version, data, updated_at FROM records
		 WHERE kind = $1 AND id >= $2 AND id < $3
		 ORDER BY id ASC`, kind, prefix, prefixEnd(prefix))
	return recs, err
}
