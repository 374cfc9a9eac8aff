// Package store provides storage backends for ChannelFlow.
//
// Every backend implements Repository, a small object store keyed by an
// opaque string id: records carry a type name and a JSON document. The
// in-memory backend serves tests; SQLite and PostgreSQL serve deployments.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotPersisted is returned when deleting a record that was never saved.
	ErrNotPersisted = errors.New("record not persisted")
	// ErrMissingType is returned when saving a record without a type.
	ErrMissingType = errors.New("record type cannot be empty")
)

// Record is a typed JSON document stored under an opaque id.
type Record struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Repository is the object repository consumed by the engine and behaviors.
type Repository interface {
	// Save inserts or updates rec. A record without an id gets one assigned;
	// the stored record is returned.
	Save(ctx context.Context, rec Record) (Record, error)

	// Fetch returns the record with the given id, or nil when it does not exist.
	Fetch(ctx context.Context, id string) (*Record, error)

	// FetchAll returns all records of a type ordered by creation time.
	FetchAll(ctx context.Context, recordType string) ([]Record, error)

	// FetchAllWhere returns the records of a type whose top-level string
	// field equals value.
	FetchAllWhere(ctx context.Context, recordType, field, value string) ([]Record, error)

	// Delete removes rec, returning ErrNotPersisted if it does not exist.
	Delete(ctx context.Context, rec Record) error

	// Close releases backend resources.
	Close() error
}

// newRecordID returns a fresh id for a record saved without one.
func newRecordID() string {
	return uuid.NewString()
}

// prepareSave validates rec and fills in id and timestamps. existing is the
// currently stored version, if any.
func prepareSave(rec Record, existing *Record, now time.Time) (Record, error) {
	if rec.Type == "" {
		return rec, ErrMissingType
	}
	if rec.ID == "" {
		rec.ID = newRecordID()
	}
	if len(rec.Data) == 0 {
		rec.Data = json.RawMessage("null")
	}
	if existing != nil {
		rec.CreatedAt = existing.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	return rec, nil
}
