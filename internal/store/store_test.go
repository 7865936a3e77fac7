package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/zsprackett/setupwatch/internal/db"
	"github.com/zsprackett/setupwatch/internal/events"
	"github.com/zsprackett/setupwatch/internal/store"
)

func newStore(t *testing.T) (*store.EventStore, *db.DB) {
	t.Helper()
	backend, err := db.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { backend.Close() })
	if err := backend.Migrate(); err != nil {
		t.Fatal(err)
	}
	return store.New(backend, 0), backend
}

func sampleEvent(serial string, received time.Time) events.StoredEvent {
	return events.NewStored(events.Event{
		Name:                "Started",
		Type:                events.TypeStarted,
		Timestamp:           received,
		Started:             received,
		ModelName:           "MacBook Air",
		ModelIdentifier:     "Mac14,2",
		MacOSBuild:          "24D70",
		MacOSVersion:        "15.3.1",
		SerialNumber:        serial,
		SetupManagerVersion: "1.2.0",
	}, received)
}

func TestAppendUsesIdentifierAsKey(t *testing.T) {
	s, backend := newStore(t)
	ctx := context.Background()
	ev := sampleEvent("C02XYZ", time.UnixMilli(1767225600000))

	if err := s.Append(ctx, ev); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, err := backend.Get(ctx, ev.ID)
	if err != nil {
		t.Fatalf("get %q: %v", ev.ID, err)
	}
	var back events.StoredEvent
	if err := json.Unmarshal(got.Value, &back); err != nil {
		t.Fatal(err)
	}
	if back.ID != ev.ID || back.SerialNumber != "C02XYZ" {
		t.Errorf("stored value mismatch: %+v", back)
	}
	if ttl := got.ExpiresAt.Sub(got.CreatedAt); ttl != store.DefaultTTL {
		t.Errorf("ttl: got %v want %v", ttl, store.DefaultTTL)
	}
}

func TestAppendDuplicate(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	ev := sampleEvent("C02XYZ", time.UnixMilli(1767225600000))
	s.Append(ctx, ev)
	if err := s.Append(ctx, ev); !errors.Is(err, store.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestListReturnsRawEntries(t *testing.T) {
	s, backend := newStore(t)
	ctx := context.Background()
	backend.Create(ctx, "garbage", []byte("not json"), time.Hour)
	s.Append(ctx, sampleEvent("A", time.UnixMilli(1767225600000)))

	entries, err := s.List(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}
