package hub

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const sendQueueSize = 256

// Session is one live viewer connection. Outbound messages go through a
// bounded queue drained by a single writer goroutine, so the transport
// never sees concurrent writes.
type Session struct {
	ID        string
	transport Transport
	send      chan []byte
	state     atomic.Int32
	closed    chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

func newSession(t Transport, logger *slog.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		ID:        id,
		transport: t,
		send:      make(chan []byte, sendQueueSize),
		closed:    make(chan struct{}),
		logger:    logger.With("session", id),
	}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed once the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

func (s *Session) open() bool {
	return s.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
}

// markClosed moves the session to StateClosed. Only the first call returns
// true.
func (s *Session) markClosed() bool {
	first := false
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.closed)
		first = true
	})
	return first
}

// enqueue hands msg to the writer without blocking. It fails when the
// session is closed or its queue is full.
func (s *Session) enqueue(msg []byte) bool {
	if s.State() == StateClosed {
		return false
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

func (s *Session) writePump(pingInterval time.Duration) {
	var tick <-chan time.Time
	if pingInterval > 0 {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-s.closed:
			return
		case msg := <-s.send:
			if err := s.transport.WriteMessage(msg); err != nil {
				s.logger.Debug("hub: write failed", "err", err)
				// The read side observes the closed transport and disconnects.
				s.transport.Close(closeInternalError, "write failed")
				return
			}
		case <-tick:
			if err := s.transport.Ping(); err != nil {
				s.logger.Debug("hub: ping failed", "err", err)
				s.transport.Close(closeInternalError, "ping failed")
				return
			}
		}
	}
}
