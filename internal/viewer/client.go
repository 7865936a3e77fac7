// Package viewer implements the dashboard side of the realtime protocol:
// it keeps a local event set in sync with the hub, sends keepalives and
// reconnects with exponential backoff.
package viewer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/zsprackett/setupwatch/internal/events"
	"github.com/zsprackett/setupwatch/internal/hub"
)

const (
	KeepaliveInterval = 30 * time.Second
	HistoryLimit      = 200
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	// StateAbandoned is terminal: reconnect attempts are exhausted.
	StateAbandoned
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateAbandoned:
		return "abandoned"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is one established connection to the hub.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

type Options struct {
	Backoff   Backoff
	Scheduler Scheduler
	Logger    *slog.Logger
	// Callbacks run on client goroutines and must not call back into the
	// Client.
	OnState   func(state State, attempt int)
	OnHistory func(evs []events.StoredEvent)
	OnEvent   func(ev events.StoredEvent)
}

type Client struct {
	dialer Dialer
	opts   Options
	set    *EventSet
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	attempt   int
	gen       int
	conn      Conn
	keepalive Timer
	retry     Timer
	ctx       context.Context
	cancel    context.CancelFunc
	lastPong  time.Time

	writeMu  sync.Mutex
	done     chan struct{}
	doneOnce sync.Once
}

func NewClient(d Dialer, opts Options) *Client {
	if opts.Backoff.MaxAttempts == 0 {
		opts.Backoff = DefaultBackoff()
	}
	if opts.Scheduler == nil {
		opts.Scheduler = realScheduler{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		dialer: d,
		opts:   opts,
		set:    NewEventSet(),
		logger: opts.Logger,
		done:   make(chan struct{}),
	}
}

// Start begins connecting. It returns immediately.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()
	go c.connect()
}

// Close tears the client down. It is safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.stopTimersLocked()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.setStateLocked(StateClosed)
	c.finish()
}

// Done is closed when the client is closed or gives up reconnecting.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempt is the number of consecutive reconnect attempts scheduled since
// the last successful open.
func (c *Client) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

func (c *Client) Events() []events.StoredEvent {
	return c.set.Events()
}

func (c *Client) EventSet() *EventSet {
	return c.set
}

func (c *Client) connect() {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateAbandoned {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateConnecting)
	ctx := c.ctx
	c.mu.Unlock()

	conn, err := c.dialer.Dial(ctx)

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.logger.Warn("viewer: connect failed", "attempt", c.attempt, "err", err)
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	c.conn = conn
	c.attempt = 0
	c.setStateLocked(StateOpen)
	c.scheduleKeepaliveLocked(gen)
	c.mu.Unlock()

	c.logger.Info("viewer: connected")
	c.send(conn, hub.ClientMessage{Type: hub.MsgRequestHistory, Limit: json.RawMessage(strconv.Itoa(HistoryLimit))})
	go c.readLoop(conn, gen)
}

func (c *Client) readLoop(conn Conn, gen int) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.connectionLost(gen, err)
			return
		}
		c.handle(data)
	}
}

func (c *Client) connectionLost(gen int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state != StateOpen {
		return
	}
	c.logger.Warn("viewer: disconnected", "err", err)
	c.stopTimersLocked()
	c.conn.Close()
	c.conn = nil
	c.scheduleReconnectLocked()
}

func (c *Client) scheduleReconnectLocked() {
	c.attempt++
	delay, ok := c.opts.Backoff.NextDelay(c.attempt)
	if !ok {
		c.logger.Error("viewer: giving up after repeated failures", "attempts", c.attempt-1)
		c.setStateLocked(StateAbandoned)
		c.finish()
		return
	}
	c.setStateLocked(StateReconnecting)
	c.logger.Info("viewer: reconnecting", "attempt", c.attempt, "delay", delay)
	c.retry = c.opts.Scheduler.AfterFunc(delay, c.connect)
}

func (c *Client) scheduleKeepaliveLocked(gen int) {
	c.keepalive = c.opts.Scheduler.AfterFunc(KeepaliveInterval, func() {
		c.mu.Lock()
		if gen != c.gen || c.state != StateOpen {
			c.mu.Unlock()
			return
		}
		conn := c.conn
		c.scheduleKeepaliveLocked(gen)
		c.mu.Unlock()
		c.send(conn, hub.ClientMessage{Type: hub.MsgPing})
	})
}

func (c *Client) stopTimersLocked() {
	if c.keepalive != nil {
		c.keepalive.Stop()
		c.keepalive = nil
	}
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

func (c *Client) setStateLocked(s State) {
	c.state = s
	if c.opts.OnState != nil {
		c.opts.OnState(s, c.attempt)
	}
}

func (c *Client) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Client) send(conn Conn, msg hub.ClientMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(data); err != nil {
		c.logger.Debug("viewer: write failed", "type", msg.Type, "err", err)
	}
}

type serverMessage struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
}

func (c *Client) handle(data []byte) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debug("viewer: ignoring malformed message", "err", err)
		return
	}
	switch msg.Type {
	case hub.MsgConnected:
		c.logger.Debug("viewer: server acknowledged", "timestamp", msg.Timestamp)
	case hub.MsgHistory:
		var evs []events.StoredEvent
		if err := json.Unmarshal(msg.Data, &evs); err != nil {
			c.logger.Warn("viewer: bad history payload", "err", err)
			return
		}
		c.set.Replace(evs)
		if c.opts.OnHistory != nil {
			c.opts.OnHistory(c.set.Events())
		}
	case hub.MsgEvent:
		var ev events.StoredEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			c.logger.Warn("viewer: bad event payload", "err", err)
			return
		}
		if c.set.Merge(ev) && c.opts.OnEvent != nil {
			c.opts.OnEvent(ev)
		}
	case hub.MsgPong:
		c.mu.Lock()
		c.lastPong = time.UnixMilli(msg.Timestamp)
		c.mu.Unlock()
	case hub.MsgError:
		c.logger.Warn("viewer: server error", "message", msg.Message)
	}
}

// LastPong is the server timestamp of the most recent pong.
func (c *Client) LastPong() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}
