package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Item is a decoded record value together with its storage metadata.
type Item[T any] struct {
	ID        string
	Value     T
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Collection is a typed view over the records of one type in a Repository.
type Collection[T any] struct {
	repo       Repository
	recordType string
}

// NewCollection returns a typed view of recordType records in repo.
func NewCollection[T any](repo Repository, recordType string) *Collection[T] {
	return &Collection[T]{repo: repo, recordType: recordType}
}

// Type returns the record type name of the collection.
func (c *Collection[T]) Type() string {
	return c.recordType
}

// Save stores v under id, assigning a new id when id is empty.
func (c *Collection[T]) Save(ctx context.Context, id string, v T) (Item[T], error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Item[T]{}, fmt.Errorf("failed to encode %s: %w", c.recordType, err)
	}
	rec, err := c.repo.Save(ctx, Record{ID: id, Type: c.recordType, Data: data})
	if err != nil {
		return Item[T]{}, err
	}
	return Item[T]{ID: rec.ID, Value: v, CreatedAt: rec.CreatedAt, UpdatedAt: rec.UpdatedAt}, nil
}

// Get returns the item with the given id, or nil when it does not exist or
// belongs to another type.
func (c *Collection[T]) Get(ctx context.Context, id string) (*Item[T], error) {
	rec, err := c.repo.Fetch(ctx, id)
	if err != nil || rec == nil || rec.Type != c.recordType {
		return nil, err
	}
	item, err := c.decode(*rec)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// All returns every item of the collection.
func (c *Collection[T]) All(ctx context.Context) ([]Item[T], error) {
	recs, err := c.repo.FetchAll(ctx, c.recordType)
	if err != nil {
		return nil, err
	}
	return c.decodeAll(recs)
}

// Where returns the items whose string field equals value.
func (c *Collection[T]) Where(ctx context.Context, field, value string) ([]Item[T], error) {
	recs, err := c.repo.FetchAllWhere(ctx, c.recordType, field, value)
	if err != nil {
		return nil, err
	}
	return c.decodeAll(recs)
}

// Delete removes the item with the given id.
func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	return c.repo.Delete(ctx, Record{ID: id, Type: c.recordType})
}

func (c *Collection[T]) decodeAll(recs []Record) ([]Item[T], error) {
	items := make([]Item[T], 0, len(recs))
	for _, rec := range recs {
		item, err := c.decode(rec)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (c *Collection[T]) decode(rec Record) (Item[T], error) {
	var v T
	if err := json.Unmarshal(rec.Data, &v); err != nil {
		return Item[T]{}, fmt.Errorf("failed to decode %s %s: %w", c.recordType, rec.ID, err)
	}
	return Item[T]{ID: rec.ID, Value: v, CreatedAt: rec.CreatedAt, UpdatedAt: rec.UpdatedAt}, nil
}
