// Package store is the event store client: append-only writes keyed by the
// event identifier and bounded listing of raw entries.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zsprackett/setupwatch/internal/db"
	"github.com/zsprackett/setupwatch/internal/events"
)

// DefaultTTL is how long events are retained.
const DefaultTTL = 90 * 24 * time.Hour

// ErrExists is returned by Append when the identifier is already stored.
var ErrExists = db.ErrExists

// Backend is a key-value store with per-entry expiry.
type Backend interface {
	Create(ctx context.Context, key string, value []byte, ttl time.Duration) error
	List(ctx context.Context, limit int) ([]db.Entry, error)
	Ping(ctx context.Context) error
}

// Entry is one raw listed value; it may not decode as an event.
type Entry struct {
	Key   string
	Value []byte
}

type EventStore struct {
	backend Backend
	ttl     time.Duration
}

func New(backend Backend, ttl time.Duration) *EventStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &EventStore{backend: backend, ttl: ttl}
}

// Append writes ev under its identifier. It never overwrites an existing
// entry.
func (s *EventStore) Append(ctx context.Context, ev events.StoredEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.backend.Create(ctx, ev.ID, data, s.ttl)
}

// List returns up to limit raw entries, most recently written first.
func (s *EventStore) List(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.backend.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := make([]Entry, len(rows))
	for i, r := range rows {
		out[i] = Entry{Key: r.Key, Value: r.Value}
	}
	return out, nil
}

func (s *EventStore) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

func (s *EventStore) TTL() time.Duration {
	return s.ttl
}
