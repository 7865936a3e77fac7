package viewer_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsprackett/setupwatch/internal/events"
	"github.com/zsprackett/setupwatch/internal/viewer"
)

// manualScheduler queues scheduled calls; tests fire them explicitly.
type manualScheduler struct {
	scheduled chan *pending
}

type pending struct {
	d       time.Duration
	f       func()
	stopped atomic.Bool
}

func (p *pending) Stop() bool { return !p.stopped.Swap(true) }

func (p *pending) fire() {
	if !p.stopped.Load() {
		p.f()
	}
}

func newScheduler() *manualScheduler {
	return &manualScheduler{scheduled: make(chan *pending, 64)}
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) viewer.Timer {
	p := &pending{d: d, f: f}
	s.scheduled <- p
	return p
}

func (s *manualScheduler) next(t *testing.T) *pending {
	t.Helper()
	select {
	case p := <-s.scheduled:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("nothing scheduled")
	}
	return nil
}

type fakeConn struct {
	incoming  chan []byte
	written   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 16),
		written:  make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case m := <-c.incoming:
		return m, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("closed")
	default:
	}
	c.written <- data
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) nextWritten(t *testing.T) map[string]any {
	t.Helper()
	select {
	case raw := <-c.written:
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("bad client message %s", raw)
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("client sent nothing")
	}
	return nil
}

func (c *fakeConn) push(t *testing.T, msg any) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	c.incoming <- data
}

// fakeDialer hands out queued connections; an empty queue means failure.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
}

func (d *fakeDialer) Dial(context.Context) (viewer.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) add(c *fakeConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns = append(d.conns, c)
}

type stateLog struct {
	ch chan viewer.State
}

func newStateLog() *stateLog {
	return &stateLog{ch: make(chan viewer.State, 128)}
}

func (l *stateLog) record(s viewer.State, _ int) { l.ch <- s }

func (l *stateLog) waitFor(t *testing.T, want viewer.State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-l.ch:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("never reached state %v", want)
		}
	}
}

func TestClientAbandonsAfterTenFailedAttempts(t *testing.T) {
	sched := newScheduler()
	states := newStateLog()
	d := &fakeDialer{}
	c := viewer.NewClient(d, viewer.Options{Scheduler: sched, OnState: states.record})
	c.Start(context.Background())
	defer c.Close()

	want := []time.Duration{1, 2, 4, 8, 16, 30, 30, 30, 30, 30}
	for i, w := range want {
		p := sched.next(t)
		if p.d != w*time.Second {
			t.Errorf("reconnect %d: delay %v want %v", i+1, p.d, w*time.Second)
		}
		if c.State() != viewer.StateReconnecting {
			t.Errorf("reconnect %d: state %v", i+1, c.State())
		}
		p.fire()
	}

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not give up")
	}
	if c.State() != viewer.StateAbandoned {
		t.Errorf("state: got %v want abandoned", c.State())
	}
	if n := d.count(); n != 11 {
		t.Errorf("dials: got %d want 11 (initial + 10 retries)", n)
	}
	select {
	case p := <-sched.scheduled:
		t.Errorf("nothing should be scheduled after abandoning, got %v", p.d)
	default:
	}
}

func TestClientRequestsHistoryAndMergesLiveEvents(t *testing.T) {
	sched := newScheduler()
	states := newStateLog()
	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}

	live := make(chan events.StoredEvent, 4)
	c := viewer.NewClient(d, viewer.Options{
		Scheduler: sched,
		OnState:   states.record,
		OnEvent:   func(ev events.StoredEvent) { live <- ev },
	})
	c.Start(context.Background())
	defer c.Close()
	states.waitFor(t, viewer.StateOpen)

	first := conn.nextWritten(t)
	if first["type"] != "request-history" || first["limit"] != float64(200) {
		t.Fatalf("first message: %v", first)
	}

	conn.push(t, map[string]any{"type": "connected", "timestamp": 1})
	conn.push(t, map[string]any{"type": "history", "data": []events.StoredEvent{ev("b", 2), ev("a", 1), ev("b", 2)}})
	conn.push(t, map[string]any{"type": "setup-manager-event", "data": ev("b", 2)})
	conn.push(t, map[string]any{"type": "setup-manager-event", "data": ev("c", 3)})

	select {
	case got := <-live:
		if got.ID != "c" {
			t.Errorf("live event: got %s want c", got.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("live event not delivered")
	}
	if got := ids(c.Events()); got != "c,b,a" {
		t.Errorf("local set: got %s want c,b,a", got)
	}
	select {
	case extra := <-live:
		t.Errorf("duplicate live event reported: %s", extra.ID)
	default:
	}
}

func TestClientKeepalive(t *testing.T) {
	sched := newScheduler()
	states := newStateLog()
	conn := newFakeConn()
	c := viewer.NewClient(&fakeDialer{conns: []*fakeConn{conn}}, viewer.Options{Scheduler: sched, OnState: states.record})
	c.Start(context.Background())
	defer c.Close()
	states.waitFor(t, viewer.StateOpen)
	conn.nextWritten(t) // request-history

	for i := 0; i < 2; i++ {
		p := sched.next(t)
		if p.d != viewer.KeepaliveInterval {
			t.Fatalf("keepalive interval: got %v", p.d)
		}
		p.fire()
		if msg := conn.nextWritten(t); msg["type"] != "ping" {
			t.Errorf("expected ping, got %v", msg)
		}
	}

	conn.push(t, map[string]any{"type": "pong", "timestamp": 1767225600000})
	deadline := time.Now().Add(2 * time.Second)
	for c.LastPong().UnixMilli() != 1767225600000 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.LastPong().UnixMilli() != 1767225600000 {
		t.Error("pong timestamp not recorded")
	}
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	sched := newScheduler()
	states := newStateLog()
	first, second := newFakeConn(), newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{first}}
	c := viewer.NewClient(d, viewer.Options{Scheduler: sched, OnState: states.record})
	c.Start(context.Background())
	defer c.Close()
	states.waitFor(t, viewer.StateOpen)
	first.nextWritten(t)
	keepalive := sched.next(t)

	first.Close()
	states.waitFor(t, viewer.StateReconnecting)
	retry := sched.next(t)
	if retry.d != time.Second {
		t.Errorf("first retry delay: got %v want 1s", retry.d)
	}
	if !keepalive.stopped.Load() {
		t.Error("keepalive of the dropped connection should be stopped")
	}

	d.add(second)
	retry.fire()
	states.waitFor(t, viewer.StateOpen)
	if msg := second.nextWritten(t); msg["type"] != "request-history" {
		t.Errorf("expected history request on reopen, got %v", msg)
	}
	if c.Attempt() != 0 {
		t.Errorf("attempts should reset after open, got %d", c.Attempt())
	}
}

func TestClientClose(t *testing.T) {
	sched := newScheduler()
	states := newStateLog()
	conn := newFakeConn()
	c := viewer.NewClient(&fakeDialer{conns: []*fakeConn{conn}}, viewer.Options{Scheduler: sched, OnState: states.record})
	c.Start(context.Background())
	states.waitFor(t, viewer.StateOpen)

	c.Close()
	c.Close()
	select {
	case <-c.Done():
	default:
		t.Fatal("done should be closed")
	}
	select {
	case <-conn.closed:
	default:
		t.Error("connection should be closed")
	}
	if c.State() != viewer.StateClosed {
		t.Errorf("state: got %v want closed", c.State())
	}
}

func TestWebsocketDialer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- string(data)
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pong","timestamp":5}`))
		conn.ReadMessage()
	}))
	defer srv.Close()

	d := &viewer.WebsocketDialer{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}
	conn, err := d.Dial(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage([]byte(`{"type":"ping"}`)); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-received:
		if got != `{"type":"ping"}` {
			t.Errorf("server got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server received nothing")
	}
	data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "pong") {
		t.Errorf("unexpected reply %s", data)
	}
}
