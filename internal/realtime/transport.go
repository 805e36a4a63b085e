// Package realtime implements the three realtime namespaces (passenger,
// driver, admin) over a transport-agnostic connection abstraction. The
// concrete transport (websocket, long-poll bridge) supplies Conn; all
// protocol logic lives in the handlers here.
package realtime

import (
	"sync"

	"go.uber.org/zap"

	"github.com/wudi/transit/internal/logging"
)

// Namespace identifies a logical realtime channel.
type Namespace string

const (
	NamespacePassenger Namespace = "passenger"
	NamespaceDriver    Namespace = "driver"
	NamespaceAdmin     Namespace = "admin"
)

// Conn is one connected client. Implementations must make Emit safe for
// concurrent use.
type Conn interface {
	ID() string
	Emit(event string, payload interface{}) error
	Close() error
}

// Handler processes one inbound event payload.
type Handler func(payload map[string]interface{})

// Session couples a connection with its registered event handlers. Handlers
// are replaced wholesale on re-registration so a reconnecting client never
// stacks duplicate listeners.
type Session struct {
	conn      Conn
	namespace Namespace
	userID    string
	claims    *Claims

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewSession wraps a connection.
func NewSession(conn Conn, namespace Namespace, claims *Claims) *Session {
	userID := ""
	if claims != nil {
		userID = claims.UserID
	}
	return &Session{
		conn:      conn,
		namespace: namespace,
		userID:    userID,
		claims:    claims,
		handlers:  make(map[string]Handler),
	}
}

// ID returns the connection id.
func (s *Session) ID() string { return s.conn.ID() }

// UserID returns the authenticated user, empty for guests.
func (s *Session) UserID() string { return s.userID }

// Namespace returns the session's namespace.
func (s *Session) Namespace() Namespace { return s.namespace }

// On registers a handler for an event, replacing any previous one.
func (s *Session) On(event string, h Handler) {
	s.mu.Lock()
	s.handlers[event] = h
	s.mu.Unlock()
}

// ClearHandlers removes every registered handler. Called before re-running a
// connect flow so reconnects never stack listeners.
func (s *Session) ClearHandlers() {
	s.mu.Lock()
	s.handlers = make(map[string]Handler)
	s.mu.Unlock()
}

// Emit sends an event to the client, logging failures.
func (s *Session) Emit(event string, payload interface{}) {
	if err := s.conn.Emit(event, payload); err != nil {
		logging.Debug("emit failed",
			zap.String("conn", s.conn.ID()),
			zap.String("event", event),
			zap.Error(err))
	}
}

// Dispatch routes an inbound event to its handler. Handler panics are
// recovered, logged, and answered with a generic error event; the connection
// stays open.
func (s *Session) Dispatch(event string, payload map[string]interface{}) {
	s.mu.RLock()
	h, ok := s.handlers[event]
	s.mu.RUnlock()
	if !ok {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logging.Error("realtime handler panic",
				zap.String("conn", s.conn.ID()),
				zap.String("event", event),
				zap.Any("panic", r))
			s.Emit("error", map[string]interface{}{
				"message": "internal error",
			})
		}
	}()
	h(payload)
}

// Close closes the underlying connection.
func (s *Session) Close() error { return s.conn.Close() }
