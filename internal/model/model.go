// Package model defines the persistent domain entities shared across the
// realtime engine. Timestamps are UTC epoch milliseconds on the wire.
package model

import (
	"strings"
	"time"

	"github.com/wudi/transit/internal/geo"
)

// BusStatus enumerates bus operational states.
type BusStatus string

const (
	BusActive      BusStatus = "ACTIVE"
	BusOffline     BusStatus = "OFFLINE"
	BusMaintenance BusStatus = "MAINTENANCE"
)

// DriverState enumerates driver session states. Transitions are constrained
// by the driverstate transition table (driverstate.CanTransition).
type DriverState string

const (
	DriverPending      DriverState = "PENDING"
	DriverOffline      DriverState = "OFFLINE"
	DriverOnline       DriverState = "ONLINE"
	DriverOnTrip       DriverState = "ON_TRIP"
	DriverIdle         DriverState = "IDLE"
	DriverDisconnected DriverState = "DISCONNECTED"
	DriverRejected     DriverState = "REJECTED"
)

// TripStatus enumerates trip lifecycle states.
type TripStatus string

const (
	TripInProgress TripStatus = "IN_PROGRESS"
	TripCompleted  TripStatus = "COMPLETED"
	TripCancelled  TripStatus = "CANCELLED"
)

// Bus is a tracked vehicle. Exactly one of Simulated / driver-controlled at
// any instant; the hybrid manager enforces this.
type Bus struct {
	ID             string    `json:"id"`
	RegistrationNo string    `json:"registrationNo"`
	Capacity       int       `json:"capacity"`
	Lat            float64   `json:"lat"`
	Lng            float64   `json:"lng"`
	Heading        float64   `json:"heading"`
	SpeedKmh       float64   `json:"speedKmh"`
	PassengerCount int       `json:"passengerCount"`
	Status         BusStatus `json:"status"`
	RouteID        string    `json:"routeId,omitempty"`
	Simulated      bool      `json:"simulated"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// OccupancyPercent returns passenger load as a percentage of capacity.
func (b *Bus) OccupancyPercent() float64 {
	if b.Capacity <= 0 {
		return 0
	}
	return float64(b.PassengerCount) / float64(b.Capacity) * 100
}

// ClampPassengers enforces 0 <= passengerCount <= capacity.
func (b *Bus) ClampPassengers() {
	if b.PassengerCount < 0 {
		b.PassengerCount = 0
	}
	if b.Capacity > 0 && b.PassengerCount > b.Capacity {
		b.PassengerCount = b.Capacity
	}
}

// Driver is a registered operator. Owns at most one bus.
type Driver struct {
	ID        string      `json:"id"`
	UserID    string      `json:"userId"`
	Name      string      `json:"name"`
	LicenseNo string      `json:"licenseNo"`
	Approved  bool        `json:"approved"`
	BusID     string      `json:"busId,omitempty"`
	State     DriverState `json:"state"`
	PushToken string      `json:"pushToken,omitempty"`
}

// Route is a bus line with an ordered stop list and a declared polyline.
type Route struct {
	ID              string      `json:"id"`
	Number          string      `json:"number"`
	Name            string      `json:"name"`
	Type            string      `json:"type,omitempty"`
	Polyline        []geo.Point `json:"polyline,omitempty"`
	AvgSpeedKmh     float64     `json:"avgSpeedKmh"`
	TotalDistanceKm float64     `json:"totalDistanceKm"`
	Stops           []Stop      `json:"stops,omitempty"`
}

// IsMajor reports whether the route is tagged as a trunk line; major routes
// see heavier boarding dynamics in the simulator.
func (r *Route) IsMajor() bool {
	t := strings.ToLower(r.Type)
	return t == "major" || t == "trunk" || t == "brt"
}

// Shape returns the declared polyline, reconstructing one from the stop
// sequence when no polyline was declared.
func (r *Route) Shape() []geo.Point {
	if len(r.Polyline) >= 2 {
		return r.Polyline
	}
	pts := make([]geo.Point, 0, len(r.Stops))
	for _, s := range r.Stops {
		pts = append(pts, geo.Point{Lat: s.Lat, Lng: s.Lng})
	}
	return pts
}

// Stop is a named boarding point on a route.
type Stop struct {
	ID        string  `json:"id"`
	RouteID   string  `json:"routeId"`
	Name      string  `json:"name"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	StopOrder int     `json:"stopOrder"`
}

// Trip is a single driver journey on a bus. A bus has at most one
// IN_PROGRESS trip.
type Trip struct {
	ID        string     `json:"id"`
	BusID     string     `json:"busId"`
	DriverID  string     `json:"driverId"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Status    TripStatus `json:"status"`
}

// StateLog records a driver state transition for auditing.
type StateLog struct {
	DriverID  string      `json:"driverId"`
	From      DriverState `json:"from"`
	To        DriverState `json:"to"`
	Reason    string      `json:"reason,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// BusView is the canonical realtime payload broadcast to subscribers.
type BusView struct {
	BusID          string  `json:"busId"`
	RegistrationNo string  `json:"registrationNo,omitempty"`
	RouteID        string  `json:"routeId,omitempty"`
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
	Heading        float64 `json:"heading"`
	SpeedKmh       float64 `json:"speedKmh"`
	PassengerCount int     `json:"passengerCount"`
	Capacity       int     `json:"capacity"`
	Occupancy      float64 `json:"occupancy"`
	Simulated      bool    `json:"simulated"`
	Timestamp      int64   `json:"timestamp"`
}

// View builds the canonical wire payload for a bus.
func (b *Bus) View() BusView {
	return BusView{
		BusID:          b.ID,
		RegistrationNo: b.RegistrationNo,
		RouteID:        b.RouteID,
		Lat:            b.Lat,
		Lng:            b.Lng,
		Heading:        b.Heading,
		SpeedKmh:       b.SpeedKmh,
		PassengerCount: b.PassengerCount,
		Capacity:       b.Capacity,
		Occupancy:      b.OccupancyPercent(),
		Simulated:      b.Simulated,
		Timestamp:      time.Now().UnixMilli(),
	}
}
