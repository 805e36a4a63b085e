package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/wudi/transit/internal/geo"
	"github.com/wudi/transit/internal/model"
)

// MemoryStore is a map-backed Store used by unit tests and by deployments
// that run without a database.
type MemoryStore struct {
	mu        sync.RWMutex
	buses     map[string]*model.Bus
	drivers   map[string]*model.Driver
	routes    map[string]*model.Route
	trips     map[string]*model.Trip
	stateLogs []model.StateLog
	nodes     []StopNodeRow
	edges     []GraphEdgeRow
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buses:   make(map[string]*model.Bus),
		drivers: make(map[string]*model.Driver),
		routes:  make(map[string]*model.Route),
		trips:   make(map[string]*model.Trip),
	}
}

func (s *MemoryStore) GetBus(id string) (*model.Bus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buses[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) SaveBus(b *model.Bus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.buses[b.ID] = &cp
	return nil
}

func (s *MemoryStore) SaveBuses(buses []*model.Bus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range buses {
		cp := *b
		s.buses[b.ID] = &cp
	}
	return nil
}

func (s *MemoryStore) ActiveBuses() ([]*model.Bus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Bus, 0, len(s.buses))
	for _, b := range s.buses {
		if b.Status == model.BusActive {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) BusesNear(lat, lng, radiusKm float64, limit int) ([]*model.Bus, error) {
	active, err := s.ActiveBuses()
	if err != nil {
		return nil, err
	}
	return FilterNear(active, lat, lng, radiusKm, limit), nil
}

func (s *MemoryStore) DeleteSimulatedBuses() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, b := range s.buses {
		if b.Simulated {
			delete(s.buses, id)
		}
	}
	return nil
}

func (s *MemoryStore) CountActiveByRoute() (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int)
	for _, b := range s.buses {
		if b.Status == model.BusActive && b.RouteID != "" {
			counts[b.RouteID]++
		}
	}
	return counts, nil
}

func (s *MemoryStore) GetDriver(id string) (*model.Driver, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) GetDriverByUser(userID string) (*model.Driver, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.drivers {
		if d.UserID == userID {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) SaveDriver(d *model.Driver) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.drivers[d.ID] = &cp
	return nil
}

func (s *MemoryStore) AppendStateLog(entry *model.StateLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateLogs = append(s.stateLogs, *entry)
	return nil
}

// StateLogs returns a copy of the state log, newest last. Test helper.
func (s *MemoryStore) StateLogs() []model.StateLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.StateLog, len(s.stateLogs))
	copy(out, s.stateLogs)
	return out
}

func (s *MemoryStore) ClearPushToken(driverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.drivers[driverID]; ok {
		d.PushToken = ""
	}
	return nil
}

func (s *MemoryStore) Routes() ([]*model.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Route, 0, len(s.routes))
	for _, r := range s.routes {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetRoute(id string) (*model.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) SaveRoute(r *model.Route) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.routes[r.ID] = &cp
	return nil
}

func (s *MemoryStore) CreateTrip(t *model.Trip, busStatus model.BusStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.trips {
		if existing.BusID == t.BusID && existing.Status == model.TripInProgress {
			return ErrTripInProgress
		}
	}
	cp := *t
	s.trips[t.ID] = &cp
	if b, ok := s.buses[t.BusID]; ok {
		b.Status = busStatus
	}
	return nil
}

func (s *MemoryStore) ActiveTripForBus(busID string) (*model.Trip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.trips {
		if t.BusID == busID && t.Status == model.TripInProgress {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) EndTrip(tripID string, status model.TripStatus, endTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[tripID]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	end := endTime
	t.EndTime = &end
	return nil
}

func (s *MemoryStore) ReplaceGraph(nodes []StopNodeRow, edges []GraphEdgeRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = append([]StopNodeRow(nil), nodes...)
	s.edges = append([]GraphEdgeRow(nil), edges...)
	return nil
}

func (s *MemoryStore) GraphNodes() ([]StopNodeRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]StopNodeRow(nil), s.nodes...), nil
}

func (s *MemoryStore) GraphEdges() ([]GraphEdgeRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]GraphEdgeRow(nil), s.edges...), nil
}

func (s *MemoryStore) Close() error { return nil }

// FilterNear applies the in-memory haversine radius filter used when no
// spatial index is available. Results sorted by distance, capped at limit.
func FilterNear(buses []*model.Bus, lat, lng, radiusKm float64, limit int) []*model.Bus {
	type withDist struct {
		bus  *model.Bus
		dist float64
	}
	matched := make([]withDist, 0, len(buses))
	for _, b := range buses {
		d := geo.Haversine(lat, lng, b.Lat, b.Lng)
		if d <= radiusKm {
			matched = append(matched, withDist{bus: b, dist: d})
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].dist < matched[j].dist })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*model.Bus, len(matched))
	for i, m := range matched {
		out[i] = m.bus
	}
	return out
}
