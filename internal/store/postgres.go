// Package store provides storage backends for ChannelFlow.
//
// This file implements a PostgreSQL-backed object repository.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// Compile-time check that PostgresStore implements Repository.
var _ Repository = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db, now: time.Now}, nil
}

func (s *PostgresStore) Save(ctx context.Context, rec Record) (Record, error) {
	var existing *Record
	if rec.ID != "" {
		var err error
		if existing, err = s.Fetch(ctx, rec.ID); err != nil {
			return rec, err
		}
	}
	rec, err := prepareSave(rec, existing, s.now().UTC())
	if err != nil {
		return rec, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO objects (id, type, data, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET type = EXCLUDED.type, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.Type, string(rec.Data), rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore.Save failed", "error", err, "id", rec.ID, "type", rec.Type)
		return rec, fmt.Errorf("failed to save %s record %s: %w", rec.Type, rec.ID, err)
	}
	slog.Debug("PostgresStore.Save succeeded", "id", rec.ID, "type", rec.Type)
	return rec, nil
}

func (s *PostgresStore) Fetch(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, data, created_at, updated_at FROM objects WHERE id = $1`, id)
	rec, err := scanRecordRow(row)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore.Fetch not found", "id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.Fetch failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to fetch record %s: %w", id, err)
	}
	return &rec, nil
}

func (s *PostgresStore) FetchAll(ctx context.Context, recordType string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, data, created_at, updated_at FROM objects WHERE type = $1 ORDER BY created_at ASC, id ASC`,
		recordType)
	if err != nil {
		slog.Error("PostgresStore.FetchAll query failed", "error", err, "type", recordType)
		return nil, fmt.Errorf("failed to query %s records: %w", recordType, err)
	}
	return scanRecords(rows)
}

func (s *PostgresStore) FetchAllWhere(ctx context.Context, recordType, field, value string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, data, created_at, updated_at FROM objects
		 WHERE type = $1 AND data -> $2 = to_jsonb($3::text)
		 ORDER BY created_at ASC, id ASC`,
		recordType, field, value)
	if err != nil {
		slog.Error("PostgresStore.FetchAllWhere query failed", "error", err, "type", recordType, "field", field)
		return nil, fmt.Errorf("failed to query %s records by %s: %w", recordType, field, err)
	}
	return scanRecords(rows)
}

func (s *PostgresStore) Delete(ctx context.Context, rec Record) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE id = $1`, rec.ID)
	if err != nil {
		slog.Error("PostgresStore.Delete failed", "error", err, "id", rec.ID)
		return fmt.Errorf("failed to delete record %s: %w", rec.ID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotPersisted
	}
	slog.Debug("PostgresStore.Delete succeeded", "id", rec.ID, "type", rec.Type)
	return nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
