// Package hybrid arbitrates control of each bus between a real driver and
// the simulator. A connected driver owns the bus exclusively; on disconnect
// a grace timer holds ownership for a short window so transient network
// losses never flicker the bus to simulated and back.
package hybrid

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/transit/internal/config"
	"github.com/wudi/transit/internal/errors"
	"github.com/wudi/transit/internal/geo"
	"github.com/wudi/transit/internal/logging"
	"github.com/wudi/transit/internal/model"
	"github.com/wudi/transit/internal/storage"
)

// OnExpire runs after a grace timer releases a bus back to the simulator.
// The realtime layer uses it to broadcast bus:offline and cancel the trip.
type OnExpire func(busID, driverID, routeID string)

// Manager tracks bus ownership. All index mutations happen under mu; the
// transitioning set serializes register/release per bus across the timer
// goroutines.
type Manager struct {
	store storage.Store
	grace time.Duration

	mu            sync.Mutex
	owned         map[string]bool
	ownerDriver   map[string]string
	graceTimers   map[string]*time.Timer
	graceGen      map[string]uint64
	transitioning map[string]bool
	lastPosition  map[string]geo.Point
	routeBuses    map[string]map[string]bool
	routeLastSeen map[string]time.Time
}

// NewManager creates a hybrid ownership manager.
func NewManager(store storage.Store, cfg config.HybridConfig) *Manager {
	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return &Manager{
		store:         store,
		grace:         grace,
		owned:         make(map[string]bool),
		ownerDriver:   make(map[string]string),
		graceTimers:   make(map[string]*time.Timer),
		graceGen:      make(map[string]uint64),
		transitioning: make(map[string]bool),
		lastPosition:  make(map[string]geo.Point),
		routeBuses:    make(map[string]map[string]bool),
		routeLastSeen: make(map[string]time.Time),
	}
}

// Register claims a bus for a driver. Reconnecting within the grace window
// cancels the pending release.
func (m *Manager) Register(busID, driverID, routeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if owner, ok := m.ownerDriver[busID]; ok && owner != driverID {
		return errors.ErrBusAlreadyControlled.WithDetails("bus " + busID)
	}
	if m.transitioning[busID] {
		return errors.ErrBusInTransition.WithDetails("bus " + busID)
	}

	m.transitioning[busID] = true
	defer delete(m.transitioning, busID)

	if timer, ok := m.graceTimers[busID]; ok {
		// Stop can miss a timer whose func already launched and is waiting
		// on mu; bumping the generation makes that in-flight expiry a no-op.
		timer.Stop()
		delete(m.graceTimers, busID)
		m.graceGen[busID]++
	}
	m.ownerDriver[busID] = driverID
	m.owned[busID] = true
	m.trackRouteLocked(routeID, busID)

	logging.Info("bus registered to driver",
		zap.String("bus", busID),
		zap.String("driver", driverID),
		zap.String("route", routeID))
	return nil
}

// Unregister starts the grace countdown for a bus. A mismatched driver is
// silently ignored. When the timer fires and the same driver has not
// re-acquired the bus, ownership is released, the bus row is handed back to
// the simulator, and onExpire runs.
func (m *Manager) Unregister(busID, driverID, routeID string, onExpire OnExpire) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ownerDriver[busID] != driverID {
		return
	}
	if timer, ok := m.graceTimers[busID]; ok {
		timer.Stop()
	}

	m.graceGen[busID]++
	gen := m.graceGen[busID]
	m.graceTimers[busID] = time.AfterFunc(m.grace, func() {
		m.expire(busID, driverID, routeID, gen, onExpire)
	})
	logging.Info("grace period started",
		zap.String("bus", busID),
		zap.String("driver", driverID),
		zap.Duration("grace", m.grace))
}

func (m *Manager) expire(busID, driverID, routeID string, gen uint64, onExpire OnExpire) {
	m.mu.Lock()
	if m.graceGen[busID] != gen {
		// A Register or a newer Unregister superseded this timer while its
		// func was already in flight; the release belongs to someone else.
		m.mu.Unlock()
		return
	}
	if m.ownerDriver[busID] != driverID {
		// Re-acquired during the grace window.
		m.mu.Unlock()
		return
	}
	m.transitioning[busID] = true
	delete(m.owned, busID)
	delete(m.ownerDriver, busID)
	delete(m.graceTimers, busID)
	delete(m.graceGen, busID)
	if set, ok := m.routeBuses[routeID]; ok {
		delete(set, busID)
		if len(set) == 0 {
			delete(m.routeBuses, routeID)
		}
	}
	lastPos, hasPos := m.lastPosition[busID]
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.transitioning, busID)
		m.mu.Unlock()
	}()

	bus, err := m.store.GetBus(busID)
	if err != nil {
		logging.Error("grace expiry: bus lookup failed",
			zap.String("bus", busID), zap.Error(err))
	} else {
		bus.Status = model.BusActive
		bus.Simulated = true
		bus.SpeedKmh = 0
		if hasPos {
			bus.Lat = lastPos.Lat
			bus.Lng = lastPos.Lng
		}
		bus.UpdatedAt = time.Now()
		if err := m.store.SaveBus(bus); err != nil {
			logging.Error("grace expiry: bus write failed",
				zap.String("bus", busID), zap.Error(err))
		}
	}

	logging.Info("grace period expired, bus returned to simulation",
		zap.String("bus", busID), zap.String("driver", driverID))
	if onExpire != nil {
		onExpire(busID, driverID, routeID)
	}
}

// RecordPosition overwrites the last-known driver position for a bus; the
// grace-expiry write and the simulation resume both consume it.
func (m *Manager) RecordPosition(busID string, lat, lng float64) {
	m.mu.Lock()
	m.lastPosition[busID] = geo.Point{Lat: lat, Lng: lng}
	if routeID := m.routeForBusLocked(busID); routeID != "" {
		m.routeLastSeen[routeID] = time.Now()
	}
	m.mu.Unlock()
}

// LastPosition returns the last recorded driver position for a bus.
func (m *Manager) LastPosition(busID string) (geo.Point, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pt, ok := m.lastPosition[busID]
	return pt, ok
}

// IsControlled reports whether a driver currently owns the bus.
func (m *Manager) IsControlled(busID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owned[busID]
}

// IsInGrace reports whether the bus has a pending grace timer.
func (m *Manager) IsInGrace(busID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.graceTimers[busID]
	return ok
}

// Owner returns the controlling driver for a bus, if any.
func (m *Manager) Owner(busID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.ownerDriver[busID]
	return d, ok
}

// ControlledCount returns the number of driver-controlled buses.
func (m *Manager) ControlledCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.owned)
}

// GraceCount returns the number of buses in the grace window.
func (m *Manager) GraceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.graceTimers)
}

// RouteLastSeen returns when a real driver last reported on the route.
func (m *Manager) RouteLastSeen(routeID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.routeLastSeen[routeID]
	return t, ok
}

// RouteDriverCount returns how many driver-controlled buses serve a route.
func (m *Manager) RouteDriverCount(routeID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.routeBuses[routeID])
}

// Shutdown cancels all pending grace timers without firing them.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for busID, timer := range m.graceTimers {
		timer.Stop()
		delete(m.graceTimers, busID)
		m.graceGen[busID]++
	}
}

func (m *Manager) trackRouteLocked(routeID, busID string) {
	if routeID == "" {
		return
	}
	set, ok := m.routeBuses[routeID]
	if !ok {
		set = make(map[string]bool)
		m.routeBuses[routeID] = set
	}
	set[busID] = true
	m.routeLastSeen[routeID] = time.Now()
}

func (m *Manager) routeForBusLocked(busID string) string {
	for routeID, set := range m.routeBuses {
		if set[busID] {
			return routeID
		}
	}
	return ""
}
