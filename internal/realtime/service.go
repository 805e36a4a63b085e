package realtime

import (
	"sync"
	"time"

	"github.com/wudi/transit/internal/cache"
	"github.com/wudi/transit/internal/config"
	"github.com/wudi/transit/internal/driverstate"
	"github.com/wudi/transit/internal/hybrid"
	"github.com/wudi/transit/internal/intel"
	"github.com/wudi/transit/internal/metrics"
	"github.com/wudi/transit/internal/notify"
	"github.com/wudi/transit/internal/planner"
	"github.com/wudi/transit/internal/safety"
	"github.com/wudi/transit/internal/speedmem"
	"github.com/wudi/transit/internal/storage"
)

// Pubsub channels for horizontal fanout across processes.
const (
	PubsubBusLocation      = "bus:location"
	PubsubNotifyPassengers = "notifications:passengers"
	PubsubNotifyDrivers    = "notifications:drivers"
	PubsubNotifyAdmins     = "notifications:admins"
)

// Service wires the realtime namespaces to the engine. One instance serves
// all connections.
type Service struct {
	store       storage.Store
	cache       *cache.Client
	hub         *Hub
	auth        *Authenticator
	hybrid      *hybrid.Manager
	states      *driverstate.Service
	safety      *safety.Validator
	eta         *intel.ETAEngine
	reliability *intel.Reliability
	speed       *speedmem.Memory
	notify      *notify.Service
	planner     *planner.Planner
	direct      *planner.DirectLookup
	collector   *metrics.Collector
	cfg         config.RealtimeConfig
	now         func() time.Time

	reconnectMu sync.Mutex
	reconnectAt map[string]time.Time // busID -> last DISCONNECTED->ONLINE
}

// Deps collects the service's collaborators. notify, planner, direct and
// collector may be nil.
type Deps struct {
	Store       storage.Store
	Cache       *cache.Client
	Hub         *Hub
	Auth        *Authenticator
	Hybrid      *hybrid.Manager
	States      *driverstate.Service
	Safety      *safety.Validator
	ETA         *intel.ETAEngine
	Reliability *intel.Reliability
	Speed       *speedmem.Memory
	Notify      *notify.Service
	Planner     *planner.Planner
	Direct      *planner.DirectLookup
	Collector   *metrics.Collector
	Config      config.RealtimeConfig
}

// NewService creates the realtime service.
func NewService(d Deps) *Service {
	return &Service{
		store:       d.Store,
		cache:       d.Cache,
		hub:         d.Hub,
		auth:        d.Auth,
		hybrid:      d.Hybrid,
		states:      d.States,
		safety:      d.Safety,
		eta:         d.ETA,
		reliability: d.Reliability,
		speed:       d.Speed,
		notify:      d.Notify,
		planner:     d.Planner,
		direct:      d.Direct,
		collector:   d.Collector,
		cfg:         d.Config,
		now:         time.Now,
		reconnectAt: make(map[string]time.Time),
	}
}

// markReconnected records the moment a disconnected driver re-established
// control of a bus; confidence scoring discounts predictions right after.
func (s *Service) markReconnected(busID string) {
	s.reconnectMu.Lock()
	s.reconnectAt[busID] = s.now()
	s.reconnectMu.Unlock()
}

// secondsSinceReconnect returns how long ago the bus's driver reconnected,
// or -1 when no reconnect is on record. Stale entries are pruned on read.
func (s *Service) secondsSinceReconnect(busID string) float64 {
	s.reconnectMu.Lock()
	defer s.reconnectMu.Unlock()
	at, ok := s.reconnectAt[busID]
	if !ok {
		return -1
	}
	secs := s.now().Sub(at).Seconds()
	if secs > 10*time.Minute.Seconds() {
		delete(s.reconnectAt, busID)
		return -1
	}
	return secs
}

// Hub exposes the hub for the simulation broadcaster and the server glue.
func (s *Service) Hub() *Hub { return s.hub }

// payload field extraction helpers; realtime payloads arrive as decoded JSON
// objects.

func getString(p map[string]interface{}, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func getFloat(p map[string]interface{}, key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func getIntField(p map[string]interface{}, key string) (int, bool) {
	f, ok := getFloat(p, key)
	if !ok {
		return 0, false
	}
	if f != float64(int(f)) {
		return 0, false
	}
	return int(f), true
}
