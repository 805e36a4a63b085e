package intel

import (
	"sync"
	"time"
)

// TrafficLevel buckets the traffic factor for display.
type TrafficLevel string

const (
	TrafficLow      TrafficLevel = "LOW"
	TrafficModerate TrafficLevel = "MODERATE"
	TrafficHigh     TrafficLevel = "HIGH"
)

// CongestionLevel buckets bus-cluster congestion.
type CongestionLevel string

const (
	CongestionNone     CongestionLevel = "NONE"
	CongestionLight    CongestionLevel = "LIGHT"
	CongestionModerate CongestionLevel = "MODERATE"
	CongestionHeavy    CongestionLevel = "HEAVY"
)

const (
	trafficFloor = 1.00
	trafficCeil  = 1.30
)

// TimeOfDayFactor returns the baseline traffic factor for the local hour.
// The direct stop-route lookup scales its estimates with it.
func TimeOfDayFactor(t time.Time) float64 {
	return timeOfDayFactor(t)
}

func timeOfDayFactor(t time.Time) float64 {
	switch t.Hour() {
	case 8:
		return 1.15
	case 9:
		return 1.25
	case 10:
		return 1.20
	case 12, 13:
		return 1.05
	case 17:
		return 1.20
	case 18:
		return 1.30
	case 19:
		return 1.25
	default:
		return 1.00
	}
}

func clampTraffic(f float64) float64 {
	if f < trafficFloor {
		return trafficFloor
	}
	if f > trafficCeil {
		return trafficCeil
	}
	return f
}

// trafficSmoother holds the per-route smoothing state. Races on a single key
// are read-modify-write but semantically idempotent.
type trafficSmoother struct {
	mu   sync.Mutex
	prev map[string]float64
}

func newTrafficSmoother() *trafficSmoother {
	return &trafficSmoother{prev: make(map[string]float64)}
}

// smooth damps factor swings larger than 0.05 toward the previous value.
func (s *trafficSmoother) smooth(routeID string, factor float64) float64 {
	if routeID == "" {
		return factor
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.prev[routeID]
	if ok && abs(factor-prev) > 0.05 {
		factor = clampTraffic(0.7*prev + 0.3*factor)
	}
	s.prev[routeID] = factor
	return factor
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// trafficLevel buckets a clamped factor.
func trafficLevel(factor float64) TrafficLevel {
	switch {
	case factor >= 1.20:
		return TrafficHigh
	case factor >= 1.10:
		return TrafficModerate
	default:
		return TrafficLow
	}
}

// classifyCongestion derives the congestion level and its ETA penalty from
// the same-route cluster size and the route occupancy average.
func classifyCongestion(nearbySameRoute int, routeOccupancyAvg float64) (CongestionLevel, float64) {
	busCong := nearbySameRoute >= 3
	heavy := nearbySameRoute >= 5
	occCong := routeOccupancyAvg > 70

	switch {
	case heavy || (busCong && occCong):
		return CongestionHeavy, 3
	case busCong || occCong:
		return CongestionModerate, 2
	case nearbySameRoute >= 2 || routeOccupancyAvg > 50:
		return CongestionLight, 1
	default:
		return CongestionNone, 0
	}
}
