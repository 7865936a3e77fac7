// Package ingest turns raw event submissions into stored, broadcast events.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zsprackett/setupwatch/internal/events"
	"github.com/zsprackett/setupwatch/internal/store"
)

var (
	// ErrMalformed means the body was not a single JSON value.
	ErrMalformed = errors.New("malformed json")
	// ErrInvalid wraps an *events.Rejection.
	ErrInvalid = errors.New("invalid event")
	// ErrStore means the event could not be persisted and was not broadcast.
	ErrStore = errors.New("store write failed")
)

const (
	maxIDAttempts = 16
	hookTimeout   = 5 * time.Second
)

// Appender persists stored events without overwriting.
type Appender interface {
	Append(ctx context.Context, ev events.StoredEvent) error
}

// Hook receives every event after it has been stored and broadcast. Hooks
// run asynchronously and their failures are only logged.
type Hook interface {
	Name() string
	Handle(ctx context.Context, ev events.StoredEvent) error
}

// Recorder receives ingest outcomes for metrics.
type Recorder interface {
	Accepted(ctx context.Context)
	Rejected(ctx context.Context, reason string)
	Broadcast(ctx context.Context, out events.Outcome)
}

type Options struct {
	Hooks    []Hook
	Recorder Recorder
	Now      func() time.Time
}

type Ingestor struct {
	store       Appender
	broadcaster events.Broadcaster
	hooks       []Hook
	recorder    Recorder
	now         func() time.Time
	logger      *slog.Logger

	wg sync.WaitGroup
}

func New(st Appender, b events.Broadcaster, logger *slog.Logger, opts Options) *Ingestor {
	in := &Ingestor{
		store:       st,
		broadcaster: b,
		hooks:       opts.Hooks,
		recorder:    opts.Recorder,
		now:         opts.Now,
		logger:      logger,
	}
	if in.now == nil {
		in.now = time.Now
	}
	if in.recorder == nil {
		in.recorder = nopRecorder{}
	}
	return in
}

// Ingest validates body, stores the resulting event and only then hands it
// to the broadcaster. The returned event carries the identifier actually
// used as the store key.
func (in *Ingestor) Ingest(ctx context.Context, body []byte) (events.StoredEvent, error) {
	raw, err := events.DecodeJSON(body)
	if err != nil {
		in.logger.Info("ingest: malformed body", "err", err)
		in.recorder.Rejected(ctx, "malformed")
		return events.StoredEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	ev, err := events.Validate(raw)
	if err != nil {
		var rej *events.Rejection
		if errors.As(err, &rej) {
			in.logger.Info("ingest: rejected event", "field", rej.Field, "reason", rej.Reason)
		}
		in.recorder.Rejected(ctx, "invalid")
		return events.StoredEvent{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	stored, err := in.append(ctx, events.NewStored(ev, in.now()))
	if err != nil {
		in.logger.Error("ingest: store write failed", "serial", ev.SerialNumber, "err", err)
		in.recorder.Rejected(ctx, "store")
		return events.StoredEvent{}, fmt.Errorf("%w: %w", ErrStore, err)
	}
	in.recorder.Accepted(ctx)

	out := in.broadcaster.Broadcast(stored)
	in.recorder.Broadcast(ctx, out)
	in.logger.Info("ingest: event accepted", "id", stored.ID,
		"type", string(stored.Type), "delivered", out.Succeeded, "failed", out.Failed)

	in.runHooks(stored)
	return stored, nil
}

// append stores ev, suffixing the identifier when another event from the
// same device landed in the same millisecond.
func (in *Ingestor) append(ctx context.Context, ev events.StoredEvent) (events.StoredEvent, error) {
	base := ev.ID
	for attempt := 1; attempt <= maxIDAttempts; attempt++ {
		if attempt > 1 {
			ev.ID = fmt.Sprintf("%s-%d", base, attempt)
		}
		err := in.store.Append(ctx, ev)
		if err == nil {
			return ev, nil
		}
		if !errors.Is(err, store.ErrExists) {
			return events.StoredEvent{}, err
		}
		in.logger.Debug("ingest: identifier taken", "id", ev.ID)
	}
	return events.StoredEvent{}, fmt.Errorf("identifier %s: %w", base, store.ErrExists)
}

func (in *Ingestor) runHooks(ev events.StoredEvent) {
	for _, h := range in.hooks {
		in.wg.Add(1)
		go func(h Hook) {
			defer in.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
			defer cancel()
			if err := h.Handle(ctx, ev); err != nil {
				in.logger.Warn("ingest: hook failed", "hook", h.Name(), "id", ev.ID, "err", err)
			}
		}(h)
	}
}

// Wait blocks until in-flight hooks have returned.
func (in *Ingestor) Wait() {
	in.wg.Wait()
}

type nopRecorder struct{}

func (nopRecorder) Accepted(context.Context)                  {}
func (nopRecorder) Rejected(context.Context, string)          {}
func (nopRecorder) Broadcast(context.Context, events.Outcome) {}
