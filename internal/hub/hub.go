// Package hub is the broadcast room: it owns the set of live viewer
// sessions, fans stored events out to them and serves history replay.
//
// Session membership and broadcasts are serialized through a single actor
// goroutine; callers on any goroutine talk to it over channels.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsprackett/setupwatch/internal/events"
	"github.com/zsprackett/setupwatch/internal/store"
)

const (
	DefaultRoom = "main"

	// MaxClientMessageBytes caps a single viewer message.
	MaxClientMessageBytes = 4 * 1024

	HistoryDefaultLimit = 200
	HistoryMaxLimit     = 200

	closeInternalError = websocket.CloseInternalServerErr
)

// ErrStopped is returned when the hub is no longer running.
var ErrStopped = errors.New("hub stopped")

// HistoryReader lists raw stored entries, most recently written first.
type HistoryReader interface {
	List(ctx context.Context, limit int) ([]store.Entry, error)
}

type Config struct {
	Room string
	// PingInterval is how often transport-level pings are sent. Zero
	// disables them.
	PingInterval time.Duration
}

type registration struct {
	session *Session
	ack     chan struct{}
}

type broadcastRequest struct {
	payload []byte
	reply   chan events.Outcome
}

type Hub struct {
	cfg     Config
	history HistoryReader
	logger  *slog.Logger
	now     func() time.Time

	register   chan registration
	unregister chan *Session
	broadcast  chan broadcastRequest
	count      chan chan int

	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

func New(history HistoryReader, cfg Config, logger *slog.Logger) *Hub {
	if cfg.Room == "" {
		cfg.Room = DefaultRoom
	}
	return &Hub{
		cfg:        cfg,
		history:    history,
		logger:     logger.With("room", cfg.Room),
		now:        time.Now,
		register:   make(chan registration),
		unregister: make(chan *Session),
		broadcast:  make(chan broadcastRequest),
		count:      make(chan chan int),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// SetNow replaces the time source. Used in tests only.
func (h *Hub) SetNow(fn func() time.Time) {
	h.now = fn
}

func (h *Hub) Room() string {
	return h.cfg.Room
}

// Start launches the actor goroutine. It must be called before any other
// method.
func (h *Hub) Start() {
	h.startOnce.Do(func() { go h.run() })
}

// Stop closes every session and terminates the actor.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

func (h *Hub) run() {
	defer close(h.done)
	sessions := make(map[*Session]struct{})
	for {
		select {
		case reg := <-h.register:
			sessions[reg.session] = struct{}{}
			close(reg.ack)
		case s := <-h.unregister:
			delete(sessions, s)
		case req := <-h.broadcast:
			var out events.Outcome
			for s := range sessions {
				out.Attempted++
				if s.enqueue(req.payload) {
					out.Succeeded++
				} else {
					out.Failed++
					s.logger.Debug("hub: delivery failed", "state", s.State().String())
				}
			}
			req.reply <- out
		case reply := <-h.count:
			reply <- len(sessions)
		case <-h.stop:
			for s := range sessions {
				if s.markClosed() {
					s.transport.Close(websocket.CloseGoingAway, "server shutting down")
				}
			}
			return
		}
	}
}

// Join registers a new session on t, queues the connected acknowledgment
// and starts an independent initial history snapshot.
func (h *Hub) Join(ctx context.Context, t Transport) (*Session, error) {
	s := newSession(t, h.logger)
	s.enqueue(timestampMessage(MsgConnected, h.now().UnixMilli()))

	reg := registration{session: s, ack: make(chan struct{})}
	select {
	case h.register <- reg:
	case <-h.done:
		return nil, ErrStopped
	}
	<-reg.ack
	s.open()
	go s.writePump(h.cfg.PingInterval)
	s.logger.Debug("hub: session joined")

	go h.sendHistory(ctx, s, HistoryDefaultLimit)
	return s, nil
}

// Disconnect deregisters s and closes its transport. Calling it more than
// once is harmless.
func (h *Hub) Disconnect(s *Session, code int) {
	if !s.markClosed() {
		return
	}
	select {
	case h.unregister <- s:
	case <-h.done:
	}
	s.transport.Close(code, "")
	s.logger.Debug("hub: session closed", "code", code)
}

// Broadcast serializes ev once and queues it on every registered session.
// Per-session failures are counted, never returned.
func (h *Hub) Broadcast(ev events.StoredEvent) events.Outcome {
	payload, err := eventMessage(ev)
	if err != nil {
		h.logger.Error("hub: marshal event", "id", ev.ID, "err", err)
		return events.Outcome{}
	}
	req := broadcastRequest{payload: payload, reply: make(chan events.Outcome, 1)}
	select {
	case h.broadcast <- req:
	case <-h.done:
		return events.Outcome{}
	}
	out := <-req.reply
	if out.Failed > 0 {
		h.logger.Warn("hub: broadcast partially failed", "id", ev.ID,
			"attempted", out.Attempted, "failed", out.Failed)
	}
	return out
}

// ConnectionCount reports the number of registered sessions.
func (h *Hub) ConnectionCount() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
	case <-h.done:
		return 0
	}
	return <-reply
}

// Running reports whether the actor is accepting requests.
func (h *Hub) Running() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// History returns up to limit stored events, newest receipt first. Entries
// that do not decode are skipped.
func (h *Hub) History(ctx context.Context, limit int) ([]events.StoredEvent, error) {
	entries, err := h.history.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]events.StoredEvent, 0, len(entries))
	for _, e := range entries {
		var ev events.StoredEvent
		if err := json.Unmarshal(e.Value, &ev); err != nil || ev.ID == "" {
			h.logger.Warn("hub: skipping undecodable entry", "key", e.Key, "err", err)
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ReceivedAt > out[j].ReceivedAt
	})
	return out, nil
}

func (h *Hub) sendHistory(ctx context.Context, s *Session, limit int) {
	evs, err := h.History(ctx, limit)
	if err != nil {
		s.logger.Warn("hub: history read failed", "err", err)
		s.enqueue(errorMessage("history unavailable"))
		return
	}
	msg, err := historyMessage(evs)
	if err != nil {
		s.logger.Error("hub: marshal history", "err", err)
		return
	}
	if !s.enqueue(msg) {
		s.logger.Debug("hub: history not delivered")
	}
}

// HandleClientMessage processes one message from a viewer. Oversized
// messages get an error reply; unparseable ones are logged and dropped.
func (h *Hub) HandleClientMessage(ctx context.Context, s *Session, raw []byte) {
	if len(raw) > MaxClientMessageBytes {
		s.logger.Debug("hub: oversized client message", "bytes", len(raw))
		s.enqueue(errorMessage("message too large"))
		return
	}
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Debug("hub: ignoring malformed client message", "err", err)
		return
	}
	switch msg.Type {
	case MsgPing:
		s.enqueue(timestampMessage(MsgPong, h.now().UnixMilli()))
	case MsgRequestHistory:
		limit := HistoryDefaultLimit
		if n, ok := parseLimit(msg.Limit); ok {
			limit = ClampLimit(n, 1, HistoryMaxLimit)
		}
		h.sendHistory(ctx, s, limit)
	default:
		s.logger.Debug("hub: ignoring unknown client message", "type", msg.Type)
	}
}

// Serve runs a session on t until the transport fails, ctx ends or the hub
// stops. It always leaves the session closed.
func (h *Hub) Serve(ctx context.Context, t Transport) error {
	s, err := h.Join(ctx, t)
	if err != nil {
		t.Close(websocket.CloseTryAgainLater, "unavailable")
		return err
	}
	defer h.Disconnect(s, websocket.CloseNormalClosure)

	go func() {
		select {
		case <-ctx.Done():
			h.Disconnect(s, websocket.CloseGoingAway)
		case <-s.Done():
		}
	}()

	for {
		raw, err := t.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("hub: read failed", "err", err)
			}
			return nil
		}
		h.HandleClientMessage(ctx, s, raw)
	}
}

// ClampLimit bounds n to [lo, hi].
func ClampLimit(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// parseLimit accepts a JSON number (truncated toward zero). Anything else
// counts as absent.
func parseLimit(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	if f > 1e9 {
		return int(1e9), true
	}
	if f < -1e9 {
		return int(-1e9), true
	}
	return int(f), true
}

var _ events.Broadcaster = (*Hub)(nil)
