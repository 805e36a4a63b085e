package realtime

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/wudi/transit/internal/metrics"
)

// Hub tracks connected sessions per namespace and fans events out to them.
// Admin broadcasts go through a token-bucket limiter so a chatty simulation
// cannot saturate dashboard clients.
type Hub struct {
	collector *metrics.Collector

	mu       sync.RWMutex
	sessions map[Namespace]map[string]*Session

	adminLimiter *rate.Limiter
}

// NewHub creates a hub. collector may be nil.
func NewHub(collector *metrics.Collector, adminQPS float64) *Hub {
	if adminQPS <= 0 {
		adminQPS = 10
	}
	return &Hub{
		collector: collector,
		sessions: map[Namespace]map[string]*Session{
			NamespacePassenger: {},
			NamespaceDriver:    {},
			NamespaceAdmin:     {},
		},
		adminLimiter: rate.NewLimiter(rate.Limit(adminQPS), int(adminQPS)),
	}
}

// Add registers a session.
func (h *Hub) Add(s *Session) {
	h.mu.Lock()
	h.sessions[s.Namespace()][s.ID()] = s
	n := len(h.sessions[s.Namespace()])
	h.mu.Unlock()
	if h.collector != nil {
		h.collector.SetConnections(string(s.Namespace()), n)
	}
}

// Remove drops a session.
func (h *Hub) Remove(s *Session) {
	h.mu.Lock()
	delete(h.sessions[s.Namespace()], s.ID())
	n := len(h.sessions[s.Namespace()])
	h.mu.Unlock()
	if h.collector != nil {
		h.collector.SetConnections(string(s.Namespace()), n)
	}
}

// Broadcast emits an event to every session in a namespace. Admin
// broadcasts are dropped when the rate limit is exhausted.
func (h *Hub) Broadcast(namespace Namespace, event string, payload interface{}) {
	if namespace == NamespaceAdmin && !h.adminLimiter.Allow() {
		return
	}
	for _, s := range h.snapshot(namespace) {
		s.Emit(event, payload)
	}
}

// EmitTo emits an event to a single connection by id.
func (h *Hub) EmitTo(namespace Namespace, connID, event string, payload interface{}) {
	h.mu.RLock()
	s, ok := h.sessions[namespace][connID]
	h.mu.RUnlock()
	if ok {
		s.Emit(event, payload)
	}
}

// Count returns the number of sessions in a namespace.
func (h *Hub) Count(namespace Namespace) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[namespace])
}

// CloseAll closes every session (shutdown).
func (h *Hub) CloseAll() {
	h.mu.Lock()
	var all []*Session
	for ns, m := range h.sessions {
		for _, s := range m {
			all = append(all, s)
		}
		h.sessions[ns] = map[string]*Session{}
	}
	h.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
}

func (h *Hub) snapshot(namespace Namespace) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions[namespace]))
	for _, s := range h.sessions[namespace] {
		out = append(out, s)
	}
	return out
}
