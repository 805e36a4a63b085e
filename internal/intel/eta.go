// Package intel holds the pure intelligence engines: predictive ETA,
// confidence scoring, route reliability and suggestion ranking. Everything
// here is deterministic given its inputs plus the small per-route traffic
// smoothing state; the only I/O is the optional speed-memory read.
package intel

import (
	"fmt"
	"math"
	"time"

	"github.com/wudi/transit/internal/geo"
	"github.com/wudi/transit/internal/speedmem"
)

// MinSpeedKmh is the floor applied to every speed term so stalled or bogus
// readings never explode an ETA.
const MinSpeedKmh = 5.0

// ETAInput carries the per-request signals for one bus/target pair.
type ETAInput struct {
	BusLat, BusLng       float64
	TargetLat, TargetLng float64
	CurrentSpeedKmh      float64
	RouteAvgSpeedKmh     float64
	RouteID              string
	UpcomingStops        int
	OccupancyPercent     float64
	NearbySameRoute      int // buses within ~300m on the same route
	RouteOccupancyAvg    float64
}

// ETAResult is the full prediction breakdown.
type ETAResult struct {
	EstimatedMinutes  int             `json:"estimatedMinutes"`
	Formatted         string          `json:"formatted"`
	DistanceKm        float64         `json:"distanceKm"`
	WeightedSpeedKmh  float64         `json:"weightedSpeedKmh"`
	TrafficFactor     float64         `json:"trafficFactor"`
	TrafficLevel      TrafficLevel    `json:"trafficLevel"`
	CongestionLevel   CongestionLevel `json:"congestionLevel"`
	CongestionPenalty float64         `json:"congestionPenaltyMin"`
	StopDelayMin      float64         `json:"stopDelayMin"`
	HistoricalSamples int             `json:"historicalSamples"`
}

// ETAEngine computes predictive arrival times.
type ETAEngine struct {
	speed    *speedmem.Memory
	smoother *trafficSmoother
	now      func() time.Time
}

// NewETAEngine creates an ETA engine. speed may be nil when no cache is
// available; the historical term then falls back to the route average.
func NewETAEngine(speed *speedmem.Memory) *ETAEngine {
	return &ETAEngine{
		speed:    speed,
		smoother: newTrafficSmoother(),
		now:      time.Now,
	}
}

// SetClock overrides the wall clock, for tests pinning the time-of-day factor.
func (e *ETAEngine) SetClock(now func() time.Time) {
	e.now = now
}

// Estimate runs the prediction pipeline. It never returns a negative or
// non-finite ETA.
func (e *ETAEngine) Estimate(in ETAInput) ETAResult {
	distance := geo.Haversine(in.BusLat, in.BusLng, in.TargetLat, in.TargetLng)
	if math.IsNaN(distance) || math.IsInf(distance, 0) {
		distance = 0
	}

	historical, samples := e.historicalSpeed(in.RouteID, in.RouteAvgSpeedKmh)
	weighted := 0.4*floorSpeed(in.CurrentSpeedKmh) +
		0.4*floorSpeed(in.RouteAvgSpeedKmh) +
		0.2*floorSpeed(historical)
	if weighted < MinSpeedKmh {
		weighted = MinSpeedKmh
	}

	factor := timeOfDayFactor(e.now())
	if in.CurrentSpeedKmh < 0.75*in.RouteAvgSpeedKmh {
		factor += 0.10
	}
	if in.NearbySameRoute > 5 {
		factor += 0.05
	}
	factor = clampTraffic(factor)
	factor = e.smoother.smooth(in.RouteID, factor)

	stopDelay := stopDelayMinutes(in.UpcomingStops, in.OccupancyPercent)
	congestion, penalty := classifyCongestion(in.NearbySameRoute, in.RouteOccupancyAvg)

	etaMin := (distance/weighted)*60*factor + stopDelay + penalty
	if math.IsNaN(etaMin) || math.IsInf(etaMin, 0) || etaMin < 0 {
		etaMin = 0
	}
	minutes := int(math.Round(etaMin))

	return ETAResult{
		EstimatedMinutes:  minutes,
		Formatted:         FormatETA(minutes),
		DistanceKm:        distance,
		WeightedSpeedKmh:  weighted,
		TrafficFactor:     factor,
		TrafficLevel:      trafficLevel(factor),
		CongestionLevel:   congestion,
		CongestionPenalty: penalty,
		StopDelayMin:      stopDelay,
		HistoricalSamples: samples,
	}
}

// historicalSpeed reads the 5-minute windowed route average, falling back to
// the route average when the window is empty.
func (e *ETAEngine) historicalSpeed(routeID string, routeAvg float64) (float64, int) {
	if e.speed == nil || routeID == "" {
		return routeAvg, 0
	}
	avg, count := e.speed.WindowedAverage(routeID, speedmem.ReadWindow)
	if count == 0 || avg <= 0 {
		return routeAvg, count
	}
	return avg, count
}

func floorSpeed(kmh float64) float64 {
	if math.IsNaN(kmh) || kmh < MinSpeedKmh {
		return MinSpeedKmh
	}
	return kmh
}

// stopDelayMinutes models dwell time at upcoming stops. Dwell grows with
// occupancy and is capped at 25s per stop.
func stopDelayMinutes(upcomingStops int, occupancyPercent float64) float64 {
	if upcomingStops <= 0 {
		return 0
	}
	dwellSec := 6.0
	switch {
	case occupancyPercent > 70:
		dwellSec = 20
	case occupancyPercent > 40:
		dwellSec = 12
	}
	if dwellSec > 25 {
		dwellSec = 25
	}
	return float64(upcomingStops) * dwellSec / 60
}

// FormatETA renders minutes for display.
func FormatETA(minutes int) string {
	switch {
	case minutes < 1:
		return "Arriving now"
	case minutes < 60:
		return fmt.Sprintf("%d min", minutes)
	default:
		return fmt.Sprintf("%dh %dm", minutes/60, minutes%60)
	}
}
