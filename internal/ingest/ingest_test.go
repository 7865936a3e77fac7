package ingest_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zsprackett/setupwatch/internal/db"
	"github.com/zsprackett/setupwatch/internal/events"
	"github.com/zsprackett/setupwatch/internal/ingest"
	"github.com/zsprackett/setupwatch/internal/store"
)

const startedJSON = `{
	"name": "Started",
	"event": "com.jamf.setupmanager.started",
	"timestamp": "2026-03-01T10:00:00Z",
	"started": "2026-03-01T09:59:58Z",
	"modelName": "MacBook Pro",
	"modelIdentifier": "Mac15,3",
	"macOSBuild": "24D70",
	"macOSVersion": "15.3.1",
	"serialNumber": "TEST001",
	"setupManagerVersion": "1.2.0"
}`

var fixedNow = time.UnixMilli(1772359200123)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T) *store.EventStore {
	t.Helper()
	kv, err := db.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { kv.Close() })
	if err := kv.Migrate(); err != nil {
		t.Fatal(err)
	}
	return store.New(kv, 0)
}

// checkingBroadcaster asserts every event is already readable from the store
// when it is broadcast.
type checkingBroadcaster struct {
	t     *testing.T
	store *store.EventStore

	mu   sync.Mutex
	seen []events.StoredEvent
}

func (b *checkingBroadcaster) Broadcast(ev events.StoredEvent) events.Outcome {
	entries, err := b.store.List(context.Background(), 1000)
	if err != nil {
		b.t.Errorf("list during broadcast: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Key == ev.ID {
			found = true
		}
	}
	if !found {
		b.t.Errorf("event %s broadcast before it was stored", ev.ID)
	}
	b.mu.Lock()
	b.seen = append(b.seen, ev)
	b.mu.Unlock()
	return events.Outcome{Attempted: 2, Succeeded: 1, Failed: 1}
}

func (b *checkingBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.seen)
}

type failingStore struct{}

func (failingStore) Append(context.Context, events.StoredEvent) error {
	return errors.New("disk on fire")
}

type recorder struct {
	mu       sync.Mutex
	accepted int
	rejected []string
	outcomes []events.Outcome
}

func (r *recorder) Accepted(context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accepted++
}

func (r *recorder) Rejected(_ context.Context, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected = append(r.rejected, reason)
}

func (r *recorder) Broadcast(_ context.Context, out events.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, out)
}

type hookFunc struct {
	name string
	fn   func(ctx context.Context, ev events.StoredEvent) error
}

func (h hookFunc) Name() string { return h.name }
func (h hookFunc) Handle(ctx context.Context, ev events.StoredEvent) error {
	return h.fn(ctx, ev)
}

func newIngestor(t *testing.T, opts ingest.Options) (*ingest.Ingestor, *store.EventStore, *checkingBroadcaster) {
	t.Helper()
	st := newStore(t)
	b := &checkingBroadcaster{t: t, store: st}
	opts.Now = func() time.Time { return fixedNow }
	return ingest.New(st, b, discardLogger(), opts), st, b
}

func TestIngestStoresThenBroadcasts(t *testing.T) {
	rec := &recorder{}
	in, st, b := newIngestor(t, ingest.Options{Recorder: rec})

	ev, err := in.Ingest(context.Background(), []byte(startedJSON))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	want := "com.jamf.setupmanager.started:TEST001:1772359200123"
	if ev.ID != want {
		t.Errorf("id: got %q want %q", ev.ID, want)
	}
	if ev.ReceivedAt != fixedNow.UnixMilli() {
		t.Errorf("receivedAt: got %d", ev.ReceivedAt)
	}
	if b.count() != 1 {
		t.Errorf("broadcasts: got %d want 1", b.count())
	}

	entries, _ := st.List(context.Background(), 10)
	if len(entries) != 1 {
		t.Fatalf("stored entries: got %d want 1", len(entries))
	}
	var stored events.StoredEvent
	if err := json.Unmarshal(entries[0].Value, &stored); err != nil {
		t.Fatal(err)
	}
	if stored.ID != want || stored.SerialNumber != "TEST001" {
		t.Errorf("stored event: %+v", stored)
	}

	if rec.accepted != 1 || len(rec.outcomes) != 1 || rec.outcomes[0].Failed != 1 {
		t.Errorf("recorder: %+v", rec)
	}
}

func TestIngestSameMillisecondGetsSuffix(t *testing.T) {
	in, st, _ := newIngestor(t, ingest.Options{})
	ctx := context.Background()

	ids := make([]string, 3)
	for i := range ids {
		ev, err := in.Ingest(ctx, []byte(startedJSON))
		if err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
		ids[i] = ev.ID
	}
	base := "com.jamf.setupmanager.started:TEST001:1772359200123"
	for i, want := range []string{base, base + "-2", base + "-3"} {
		if ids[i] != want {
			t.Errorf("id %d: got %q want %q", i, ids[i], want)
		}
	}
	entries, _ := st.List(ctx, 10)
	if len(entries) != 3 {
		t.Errorf("stored entries: got %d want 3", len(entries))
	}
}

func TestIngestRejections(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		target error
		reason string
	}{
		{"malformed", `{"name":`, ingest.ErrMalformed, "malformed"},
		{"trailing", startedJSON + `{}`, ingest.ErrMalformed, "malformed"},
		{"not an object", `[1,2,3]`, ingest.ErrInvalid, "invalid"},
		{"unknown type", strings.Replace(startedJSON, "setupmanager.started", "setupmanager.exploded", 1), ingest.ErrInvalid, "invalid"},
		{"forbidden key", strings.Replace(startedJSON, "{", `{"__proto__": {},`, 1), ingest.ErrInvalid, "invalid"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &recorder{}
			in, st, b := newIngestor(t, ingest.Options{Recorder: rec})
			_, err := in.Ingest(context.Background(), []byte(tc.body))
			if !errors.Is(err, tc.target) {
				t.Fatalf("expected %v, got %v", tc.target, err)
			}
			if b.count() != 0 {
				t.Error("rejected event must not be broadcast")
			}
			if entries, _ := st.List(context.Background(), 10); len(entries) != 0 {
				t.Error("rejected event must not be stored")
			}
			if len(rec.rejected) != 1 || rec.rejected[0] != tc.reason {
				t.Errorf("rejected reasons: %v", rec.rejected)
			}
		})
	}
}

func TestIngestRejectionCarriesField(t *testing.T) {
	in, _, _ := newIngestor(t, ingest.Options{})
	body := strings.Replace(startedJSON, `"serialNumber": "TEST001"`, `"serialNumber": "   "`, 1)
	_, err := in.Ingest(context.Background(), []byte(body))
	var rej *events.Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if rej.Field != "serialNumber" {
		t.Errorf("field: got %q", rej.Field)
	}
}

func TestIngestStoreFailureSkipsBroadcast(t *testing.T) {
	b := &checkingBroadcaster{t: t}
	hookCalled := false
	in := ingest.New(failingStore{}, b, discardLogger(), ingest.Options{
		Hooks: []ingest.Hook{hookFunc{name: "h", fn: func(context.Context, events.StoredEvent) error {
			hookCalled = true
			return nil
		}}},
	})
	_, err := in.Ingest(context.Background(), []byte(startedJSON))
	if !errors.Is(err, ingest.ErrStore) {
		t.Fatalf("expected ErrStore, got %v", err)
	}
	in.Wait()
	if b.count() != 0 || hookCalled {
		t.Error("failed store write must not reach viewers or hooks")
	}
}

func TestIngestRunsHooksAsync(t *testing.T) {
	got := make(chan events.StoredEvent, 2)
	okHook := hookFunc{name: "ok", fn: func(ctx context.Context, ev events.StoredEvent) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("hook context should carry a deadline")
		}
		got <- ev
		return nil
	}}
	badHook := hookFunc{name: "bad", fn: func(context.Context, events.StoredEvent) error {
		return errors.New("broker unreachable")
	}}
	in, _, _ := newIngestor(t, ingest.Options{Hooks: []ingest.Hook{okHook, badHook}})

	ev, err := in.Ingest(context.Background(), []byte(startedJSON))
	if err != nil {
		t.Fatalf("hook failure must not fail ingestion: %v", err)
	}
	in.Wait()
	select {
	case hooked := <-got:
		if hooked.ID != ev.ID {
			t.Errorf("hook saw %q want %q", hooked.ID, ev.ID)
		}
	default:
		t.Fatal("hook did not run")
	}
}
