// Package safety validates driver location updates before they reach the
// store: coordinate sanity, GPS accuracy, speed and jump plausibility, and a
// per-driver throttle. History is tracked per driver and reset on
// disconnect, so a reconnecting driver's offline-buffer replay is not
// misread as a teleport.
package safety

import (
	"fmt"
	"sync"
	"time"

	"github.com/wudi/transit/internal/config"
	"github.com/wudi/transit/internal/geo"
)

// Update is one inbound driver location report.
type Update struct {
	DriverID       string
	Lat            float64
	Lng            float64
	AccuracyM      float64
	SpeedKmh       float64
	PassengerCount *int // nil when not reported
}

type history struct {
	lat, lng   float64
	lastUpdate time.Time
}

// Validator applies the safety checks. Accepted updates advance the
// driver's history; rejected ones leave it untouched.
type Validator struct {
	cfg config.SafetyConfig
	now func() time.Time

	mu      sync.Mutex
	drivers map[string]*history
}

// NewValidator creates a validator.
func NewValidator(cfg config.SafetyConfig) *Validator {
	return &Validator{
		cfg:     cfg,
		now:     time.Now,
		drivers: make(map[string]*history),
	}
}

// SetClock overrides the wall clock for tests.
func (v *Validator) SetClock(now func() time.Time) { v.now = now }

// UpdateConfig swaps the validation thresholds, for config hot reload.
func (v *Validator) UpdateConfig(cfg config.SafetyConfig) {
	v.mu.Lock()
	v.cfg = cfg
	v.mu.Unlock()
}

// Validate checks one update. A non-empty reason means rejection; the
// update must be discarded.
func (v *Validator) Validate(u Update) (reason string) {
	v.mu.Lock()
	cfg := v.cfg
	v.mu.Unlock()

	if !geo.ValidCoords(u.Lat, u.Lng) {
		return "coordinates out of range"
	}
	if u.AccuracyM > cfg.MaxAccuracyM {
		return fmt.Sprintf("GPS accuracy %.0fm exceeds %.0fm", u.AccuracyM, cfg.MaxAccuracyM)
	}
	if u.SpeedKmh > cfg.MaxSpeedKmh {
		return fmt.Sprintf("speed %.0fkm/h exceeds %.0fkm/h", u.SpeedKmh, cfg.MaxSpeedKmh)
	}
	if u.PassengerCount != nil && *u.PassengerCount < 0 {
		return "negative passenger count"
	}

	now := v.now()
	v.mu.Lock()
	defer v.mu.Unlock()

	h, ok := v.drivers[u.DriverID]
	if ok {
		if now.Sub(h.lastUpdate) < cfg.MinUpdateInterval {
			return "update throttled"
		}
		jumpM := geo.Haversine(h.lat, h.lng, u.Lat, u.Lng) * 1000
		if jumpM > cfg.MaxJumpM {
			return fmt.Sprintf("position jump %.0fm exceeds %.0fm", jumpM, cfg.MaxJumpM)
		}
	}

	v.drivers[u.DriverID] = &history{lat: u.Lat, lng: u.Lng, lastUpdate: now}
	return ""
}

// Reset clears a driver's history. Called on disconnect so the offline
// buffer replay after reconnect is not rejected as a jump.
func (v *Validator) Reset(driverID string) {
	v.mu.Lock()
	delete(v.drivers, driverID)
	v.mu.Unlock()
}

// ResetAll clears all history (shutdown).
func (v *Validator) ResetAll() {
	v.mu.Lock()
	v.drivers = make(map[string]*history)
	v.mu.Unlock()
}
