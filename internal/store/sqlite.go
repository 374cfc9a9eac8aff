// Package store provides storage backends for ChannelFlow.
//
// This file implements an SQLite-backed object repository.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// Compile-time check that SQLiteStore implements Repository.
var _ Repository = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "dir", dir)

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, rec Record) (Record, error) {
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
		`INSERT INTO objects (id, type, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET type = excluded.type, data = excluded.data, updated_at = excluded.updated_at`,
		rec.ID, rec.Type, string(rec.Data), rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore.Save failed", "error", err, "id", rec.ID, "type", rec.Type)
		return rec, fmt.Errorf("failed to save %s record %s: %w", rec.Type, rec.ID, err)
	}
	slog.Debug("SQLiteStore.Save succeeded", "id", rec.ID, "type", rec.Type)
	return rec, nil
}

func (s *SQLiteStore) Fetch(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, data, created_at, updated_at FROM objects WHERE id = ?`, id)
	rec, err := scanRecordRow(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore.Fetch not found", "id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.Fetch failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to fetch record %s: %w", id, err)
	}
	return &rec, nil
}

func (s *SQLiteStore) FetchAll(ctx context.Context, recordType string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, data, created_at, updated_at FROM objects WHERE type = ? ORDER BY created_at ASC, id ASC`,
		recordType)
	if err != nil {
		slog.Error("SQLiteStore.FetchAll query failed", "error", err, "type", recordType)
		return nil, fmt.Errorf("failed to query %s records: %w", recordType, err)
	}
	return scanRecords(rows)
}

func (s *SQLiteStore) FetchAllWhere(ctx context.Context, recordType, field, value string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, data, created_at, updated_at FROM objects
		 WHERE type = ? AND json_type(data, ?) = 'text' AND json_extract(data, ?) = ?
		 ORDER BY created_at ASC, id ASC`,
		recordType, jsonPath(field), jsonPath(field), value)
	if err != nil {
		slog.Error("SQLiteStore.FetchAllWhere query failed", "error", err, "type", recordType, "field", field)
		return nil, fmt.Errorf("failed to query %s records by %s: %w", recordType, field, err)
	}
	return scanRecords(rows)
}

func (s *SQLiteStore) Delete(ctx context.Context, rec Record) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE id = ?`, rec.ID)
	if err != nil {
		slog.Error("SQLiteStore.Delete failed", "error", err, "id", rec.ID)
		return fmt.Errorf("failed to delete record %s: %w", rec.ID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotPersisted
	}
	slog.Debug("SQLiteStore.Delete succeeded", "id", rec.ID, "type", rec.Type)
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
