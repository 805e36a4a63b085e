// Package simulation runs the virtual bus fleet. Each simulated bus walks a
// subdivided route polyline with smoothed speed, stop dwell behavior, and
// passenger churn. Buses under driver control (or in the grace window) are
// skipped and later resumed at the driver's last position, never teleported
// back to their old polyline index.
package simulation

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wudi/transit/internal/config"
	"github.com/wudi/transit/internal/geo"
	"github.com/wudi/transit/internal/hybrid"
	"github.com/wudi/transit/internal/logging"
	"github.com/wudi/transit/internal/metrics"
	"github.com/wudi/transit/internal/model"
	"github.com/wudi/transit/internal/storage"
)

const (
	minSpeedKmh      = 5.0
	maxSpeedKmh      = 40.0
	cruiseMinKmh     = 20.0
	nearStopKm       = 0.1
	nearStopSpeedKmh = 8.0
	cooldownSpeedKmh = 13.0
	cooldownTicks    = 3
	stopLandingKm    = 0.03
	maxSegmentsTick  = 20
	terminalAlight   = 0.7
)

// Broadcaster receives one snapshot of all simulated buses per tick.
type Broadcaster func(views []model.BusView)

type busState struct {
	bus              *model.Bus
	route            *model.Route
	path             []geo.Point
	index            int
	direction        int
	segmentProgress  float64
	trafficFactor    float64
	nearStopCooldown int
	wasControlled    bool
}

// Engine owns the simulated fleet.
type Engine struct {
	store     storage.Store
	hybrid    *hybrid.Manager
	broadcast Broadcaster
	collector *metrics.Collector
	cfg       config.SimulationConfig
	rng       *rand.Rand

	mu    sync.Mutex
	buses map[string]*busState
}

// New creates a simulation engine. broadcast and collector may be nil.
func New(store storage.Store, hy *hybrid.Manager, broadcast Broadcaster, collector *metrics.Collector, cfg config.SimulationConfig) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 3 * time.Second
	}
	if cfg.TargetBuses <= 0 {
		cfg.TargetBuses = 20
	}
	if cfg.MaxSegmentM <= 0 {
		cfg.MaxSegmentM = 30
	}
	return &Engine{
		store:     store,
		hybrid:    hy,
		broadcast: broadcast,
		collector: collector,
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		buses:     make(map[string]*busState),
	}
}

// Seed fixes the random source, for deterministic tests.
func (e *Engine) Seed(seed int64) {
	e.mu.Lock()
	e.rng = rand.New(rand.NewSource(seed))
	e.mu.Unlock()
}

// Bootstrap deletes prior simulated buses and spreads a fresh fleet over all
// routes.
func (e *Engine) Bootstrap() error {
	routes, err := e.store.Routes()
	if err != nil {
		return err
	}
	if len(routes) == 0 {
		logging.Warn("simulation bootstrap: no routes configured")
		return nil
	}
	if err := e.store.DeleteSimulatedBuses(); err != nil {
		return err
	}

	perRoute := int(math.Ceil(float64(e.cfg.TargetBuses) / float64(len(routes))))

	e.mu.Lock()
	defer e.mu.Unlock()
	e.buses = make(map[string]*busState)

	var rows []*model.Bus
	total := 0
	for _, route := range routes {
		shape := route.Shape()
		if len(shape) < 2 {
			logging.Warn("simulation: route has no usable shape",
				zap.String("route", route.ID))
			continue
		}
		path := geo.Subdivide(shape, e.cfg.MaxSegmentM/1000)

		for i := 0; i < perRoute && total < e.cfg.TargetBuses; i++ {
			st := e.spawnLocked(route, path, total)
			e.buses[st.bus.ID] = st
			rows = append(rows, st.bus)
			total++
		}
	}

	if err := e.store.SaveBuses(rows); err != nil {
		return err
	}
	logging.Info("simulated fleet bootstrapped",
		zap.Int("buses", total),
		zap.Int("routes", len(routes)))
	return nil
}

func (e *Engine) spawnLocked(route *model.Route, path []geo.Point, seq int) *busState {
	capacity := 50
	idx := e.rng.Intn(len(path) - 1)
	direction := 1
	if e.rng.Intn(2) == 1 {
		direction = -1
	}
	occupancy := 0.05 + e.rng.Float64()*0.45
	speed := cruiseMinKmh + e.rng.Float64()*(maxSpeedKmh-cruiseMinKmh)

	pos := path[idx]
	bus := &model.Bus{
		ID:             uuid.NewString(),
		RegistrationNo: fmt.Sprintf("SIM-%s-%02d", route.Number, seq+1),
		Capacity:       capacity,
		Lat:            pos.Lat,
		Lng:            pos.Lng,
		SpeedKmh:       speed,
		PassengerCount: int(occupancy * float64(capacity)),
		Status:         model.BusActive,
		RouteID:        route.ID,
		Simulated:      true,
		UpdatedAt:      time.Now(),
	}
	return &busState{
		bus:           bus,
		route:         route,
		path:          path,
		index:         idx,
		direction:     direction,
		trafficFactor: 1.0,
	}
}

// Run ticks the fleet until ctx is cancelled, with the coverage scan on its
// own slower cadence.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	coverageInterval := e.cfg.CoverageInterval
	if coverageInterval <= 0 {
		coverageInterval = 5 * time.Minute
	}
	coverage := time.NewTicker(coverageInterval)
	defer coverage.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick()
		case <-coverage.C:
			e.scanCoverage()
		}
	}
}

// Tick advances every simulated bus one step, persists the fleet
// write-through, and broadcasts a single snapshot.
func (e *Engine) Tick() {
	start := time.Now()

	e.mu.Lock()
	var rows []*model.Bus
	var views []model.BusView
	for _, st := range e.buses {
		if e.hybrid != nil && (e.hybrid.IsControlled(st.bus.ID) || e.hybrid.IsInGrace(st.bus.ID)) {
			st.wasControlled = true
			continue
		}
		if st.wasControlled {
			e.resumeLocked(st)
		}
		if err := e.stepLocked(st); err != nil {
			logging.Warn("simulation step failed, skipping bus",
				zap.String("bus", st.bus.ID), zap.Error(err))
			continue
		}
		rows = append(rows, st.bus)
		views = append(views, st.bus.View())
	}
	e.mu.Unlock()

	if len(rows) > 0 {
		if err := e.store.SaveBuses(rows); err != nil {
			logging.Error("simulation persist failed", zap.Error(err))
		}
	}
	if e.broadcast != nil && len(views) > 0 {
		e.broadcast(views)
	}
	if e.collector != nil {
		e.collector.RecordSimTick(time.Since(start), len(views))
	}
}

// resumeLocked snaps a bus that just left driver control to the polyline
// vertex closest to the driver's last position.
func (e *Engine) resumeLocked(st *busState) {
	st.wasControlled = false
	st.segmentProgress = 0
	st.bus.SpeedKmh = cruiseMinKmh

	if e.hybrid == nil {
		return
	}
	last, ok := e.hybrid.LastPosition(st.bus.ID)
	if !ok {
		return
	}
	st.index = geo.NearestIndex(st.path, last)
	pos := st.path[st.index]
	st.bus.Lat = pos.Lat
	st.bus.Lng = pos.Lng

	logging.Info("simulated bus resumed at driver position",
		zap.String("bus", st.bus.ID),
		zap.Int("index", st.index))
}

func (e *Engine) stepLocked(st *busState) error {
	if len(st.path) < 2 {
		return fmt.Errorf("path too short for route %s", st.route.ID)
	}
	e.clampIndexLocked(st)

	cur := st.path[st.index]
	stopDist := e.nearestStopKm(st, cur)
	isNearStop := stopDist < nearStopKm

	st.trafficFactor += (e.rng.Float64() - 0.5) * 0.02
	if st.trafficFactor < 1.0 {
		st.trafficFactor = 1.0
	}
	if st.trafficFactor > 1.3 {
		st.trafficFactor = 1.3
	}

	var target float64
	switch {
	case isNearStop:
		target = nearStopSpeedKmh
		st.nearStopCooldown = cooldownTicks
	case st.nearStopCooldown > 0:
		target = cooldownSpeedKmh
		st.nearStopCooldown--
	default:
		target = (cruiseMinKmh + e.rng.Float64()*(maxSpeedKmh-cruiseMinKmh)) / st.trafficFactor
	}

	speed := st.bus.SpeedKmh + 0.3*(target-st.bus.SpeedKmh)
	if speed < minSpeedKmh {
		speed = minSpeedKmh
	}
	if speed > maxSpeedKmh {
		speed = maxSpeedKmh
	}
	st.bus.SpeedKmh = speed

	next := st.path[st.index+st.direction]
	actualSegKm := math.Max(0.005, geo.Haversine(cur.Lat, cur.Lng, next.Lat, next.Lng))
	distPerTick := speed / 3600 * e.cfg.TickInterval.Seconds()
	st.segmentProgress += distPerTick / actualSegKm

	consumed := 0
	for st.segmentProgress >= 1 && consumed < maxSegmentsTick {
		st.segmentProgress -= 1
		st.index += st.direction
		consumed++

		if st.index <= 0 || st.index >= len(st.path)-1 {
			st.direction = -st.direction
			st.segmentProgress = 0
			e.alightLocked(st, terminalAlight)
			break
		}
		if e.nearestStopKm(st, st.path[st.index]) < stopLandingKm {
			e.exchangePassengersLocked(st)
		}
	}
	if consumed >= maxSegmentsTick {
		st.segmentProgress = 0
	}
	e.clampIndexLocked(st)

	cur = st.path[st.index]
	next = st.path[st.index+st.direction]
	pos := geo.Interpolate(cur, next, st.segmentProgress)
	st.bus.Lat = pos.Lat
	st.bus.Lng = pos.Lng
	st.bus.Heading = geo.InitialBearing(cur.Lat, cur.Lng, next.Lat, next.Lng)
	st.bus.UpdatedAt = time.Now()
	return nil
}

// clampIndexLocked keeps index+direction inside the path.
func (e *Engine) clampIndexLocked(st *busState) {
	if st.index < 0 {
		st.index = 0
	}
	if st.index > len(st.path)-1 {
		st.index = len(st.path) - 1
	}
	if st.index+st.direction < 0 || st.index+st.direction > len(st.path)-1 {
		st.direction = -st.direction
	}
}

func (e *Engine) nearestStopKm(st *busState, pos geo.Point) float64 {
	best := math.Inf(1)
	for _, stop := range st.route.Stops {
		d := geo.Haversine(pos.Lat, pos.Lng, stop.Lat, stop.Lng)
		if d < best {
			best = d
		}
	}
	return best
}

func (e *Engine) alightLocked(st *busState, fraction float64) {
	leaving := int(float64(st.bus.PassengerCount) * fraction)
	st.bus.PassengerCount -= leaving
	st.bus.ClampPassengers()
}

// exchangePassengersLocked boards and alights at a stop landing. Major
// routes churn harder.
func (e *Engine) exchangePassengersLocked(st *busState) {
	boardMax, alightMax := 5, 3
	if st.route.IsMajor() {
		boardMax, alightMax = 12, 8
	}
	boarding := e.rng.Intn(boardMax + 1)
	alighting := e.rng.Intn(alightMax + 1)

	if alighting > st.bus.PassengerCount {
		alighting = st.bus.PassengerCount
	}
	st.bus.PassengerCount -= alighting

	room := st.bus.Capacity - st.bus.PassengerCount
	if boarding > room {
		boarding = room
	}
	st.bus.PassengerCount += boarding
	st.bus.ClampPassengers()
}

// scanCoverage warns for routes with no active buses and no recent real
// driver presence.
func (e *Engine) scanCoverage() {
	staleAfter := e.cfg.CoverageStaleAfter
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}

	routes, err := e.store.Routes()
	if err != nil {
		logging.Warn("coverage scan: route query failed", zap.Error(err))
		return
	}
	activeByRoute, err := e.store.CountActiveByRoute()
	if err != nil {
		logging.Warn("coverage scan: bus count failed", zap.Error(err))
		return
	}

	cutoff := time.Now().Add(-staleAfter)
	for _, route := range routes {
		if activeByRoute[route.ID] > 0 {
			continue
		}
		lastSeen, ok := time.Time{}, false
		if e.hybrid != nil {
			lastSeen, ok = e.hybrid.RouteLastSeen(route.ID)
		}
		if ok && lastSeen.After(cutoff) {
			continue
		}
		logging.Warn("route has no coverage",
			zap.String("route", route.ID),
			zap.String("number", route.Number))
	}
}

// BusCount returns the number of simulated buses being ticked.
func (e *Engine) BusCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buses)
}
