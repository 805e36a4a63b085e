// Package storage defines the persistent store consumed by the realtime
// engine. Three backends: sqlite (default), postgres (with a PostGIS radius
// path when the extension is present) and memory (tests).
package storage

import (
	"errors"
	"time"

	"github.com/wudi/transit/internal/model"
)

// ErrNotFound is returned for missing rows.
var ErrNotFound = errors.New("storage: not found")

// ErrTripInProgress is returned by CreateTrip when the bus already has an
// IN_PROGRESS trip.
var ErrTripInProgress = errors.New("storage: trip already in progress")

// StopNodeRow is a persisted graph node, materialized by the graph builder.
type StopNodeRow struct {
	ID     string
	StopID string
	Name   string
	Lat    float64
	Lng    float64
}

// GraphEdgeRow is a persisted directed graph edge. RouteID is the sentinel
// "transfer" for walking edges.
type GraphEdgeRow struct {
	ID            string
	FromNodeID    string
	ToNodeID      string
	RouteID       string
	RouteNumber   string
	DistanceKm    float64
	AvgTravelTime float64 // minutes
	TransferCost  float64 // minutes
	StopOrder     int
}

// Store is the persistence boundary. Transactional writes are required only
// where two rows must change together (trip + bus activation).
type Store interface {
	// Buses
	GetBus(id string) (*model.Bus, error)
	SaveBus(b *model.Bus) error
	SaveBuses(buses []*model.Bus) error
	ActiveBuses() ([]*model.Bus, error)
	// BusesNear returns active buses within radiusKm of (lat,lng), sorted by
	// distance, at most limit rows.
	BusesNear(lat, lng, radiusKm float64, limit int) ([]*model.Bus, error)
	DeleteSimulatedBuses() error
	CountActiveByRoute() (map[string]int, error)

	// Drivers
	GetDriver(id string) (*model.Driver, error)
	GetDriverByUser(userID string) (*model.Driver, error)
	SaveDriver(d *model.Driver) error
	AppendStateLog(entry *model.StateLog) error
	ClearPushToken(driverID string) error

	// Routes (always loaded with ordered stops)
	Routes() ([]*model.Route, error)
	GetRoute(id string) (*model.Route, error)
	SaveRoute(r *model.Route) error

	// Trips
	CreateTrip(t *model.Trip, busStatus model.BusStatus) error
	ActiveTripForBus(busID string) (*model.Trip, error)
	EndTrip(tripID string, status model.TripStatus, endTime time.Time) error

	// Graph snapshot; ReplaceGraph clears and rewrites both tables atomically.
	ReplaceGraph(nodes []StopNodeRow, edges []GraphEdgeRow) error
	GraphNodes() ([]StopNodeRow, error)
	GraphEdges() ([]GraphEdgeRow, error)

	Close() error
}
