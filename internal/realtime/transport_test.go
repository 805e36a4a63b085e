package realtime

import (
	"errors"
	"sync"
	"testing"
)

type emittedEvent struct {
	Name    string
	Payload interface{}
}

// fakeConn records emitted events for assertions.
type fakeConn struct {
	id string

	mu      sync.Mutex
	closed  bool
	emitErr error
	events  []emittedEvent
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Emit(event string, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.emitErr != nil {
		return c.emitErr
	}
	c.events = append(c.events, emittedEvent{Name: event, Payload: payload})
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// last returns the most recent payload emitted under event.
func (c *fakeConn) last(event string) (map[string]interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i].Name == event {
			m, _ := c.events[i].Payload.(map[string]interface{})
			return m, true
		}
	}
	return nil, false
}

func (c *fakeConn) count(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Name == event {
			n++
		}
	}
	return n
}

func TestSessionDispatch(t *testing.T) {
	conn := newFakeConn("c1")
	sess := NewSession(conn, NamespacePassenger, &Claims{UserID: "u1"})

	var got map[string]interface{}
	sess.On("ping", func(p map[string]interface{}) { got = p })

	sess.Dispatch("ping", map[string]interface{}{"seq": 1})
	if got == nil || got["seq"] != 1 {
		t.Fatalf("handler payload = %v", got)
	}
}

func TestSessionDispatchUnknownEventIsNoop(t *testing.T) {
	conn := newFakeConn("c1")
	sess := NewSession(conn, NamespacePassenger, nil)

	sess.Dispatch("never-registered", map[string]interface{}{})
	if len(conn.events) != 0 {
		t.Fatalf("events = %v, want none", conn.events)
	}
}

func TestSessionOnReplacesHandler(t *testing.T) {
	sess := NewSession(newFakeConn("c1"), NamespaceDriver, &Claims{UserID: "u1"})

	var first, second int
	sess.On("ev", func(map[string]interface{}) { first++ })
	sess.On("ev", func(map[string]interface{}) { second++ })

	sess.Dispatch("ev", nil)
	if first != 0 || second != 1 {
		t.Fatalf("first = %d, second = %d; re-registration must replace", first, second)
	}
}

func TestSessionClearHandlers(t *testing.T) {
	sess := NewSession(newFakeConn("c1"), NamespaceDriver, &Claims{UserID: "u1"})

	var calls int
	sess.On("ev", func(map[string]interface{}) { calls++ })
	sess.ClearHandlers()

	sess.Dispatch("ev", nil)
	if calls != 0 {
		t.Fatalf("calls = %d after ClearHandlers", calls)
	}
}

func TestSessionDispatchRecoversPanic(t *testing.T) {
	conn := newFakeConn("c1")
	sess := NewSession(conn, NamespacePassenger, nil)

	sess.On("boom", func(map[string]interface{}) { panic("handler bug") })
	sess.Dispatch("boom", map[string]interface{}{})

	p, ok := conn.last("error")
	if !ok || p["message"] != "internal error" {
		t.Fatalf("error event = %v, %v", p, ok)
	}
	if conn.isClosed() {
		t.Fatal("panic must not close the connection")
	}

	// The session keeps working afterwards.
	sess.On("ok", func(map[string]interface{}) { sess.Emit("ack", nil) })
	sess.Dispatch("ok", nil)
	if conn.count("ack") != 1 {
		t.Fatal("session must stay usable after a recovered panic")
	}
}

func TestSessionEmitSwallowsTransportError(t *testing.T) {
	conn := newFakeConn("c1")
	conn.emitErr = errors.New("write on closed socket")
	sess := NewSession(conn, NamespacePassenger, nil)

	sess.Emit("ev", map[string]interface{}{}) // must not panic
}

func TestSessionIdentity(t *testing.T) {
	sess := NewSession(newFakeConn("conn-9"), NamespaceAdmin, &Claims{UserID: "u7", Role: "admin"})
	if sess.ID() != "conn-9" {
		t.Fatalf("ID = %q", sess.ID())
	}
	if sess.UserID() != "u7" {
		t.Fatalf("UserID = %q", sess.UserID())
	}
	if sess.Namespace() != NamespaceAdmin {
		t.Fatalf("Namespace = %q", sess.Namespace())
	}

	guest := NewSession(newFakeConn("g"), NamespacePassenger, &Claims{Guest: true})
	if guest.UserID() != "" {
		t.Fatalf("guest UserID = %q, want empty", guest.UserID())
	}
}
