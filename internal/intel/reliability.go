package intel

import (
	"math"
	"strconv"
	"time"

	"github.com/wudi/transit/internal/cache"
)

const (
	reliabilityPrefix = "route_reliability:"
	reliabilityTTL    = time.Hour
)

// Reliability maintains per-route reliability counters in the cache over a
// 1-hour sliding window (TTL renewed on every write). All writers are
// fire-and-forget.
type Reliability struct {
	cache *cache.Client
}

// NewReliability creates a reliability index over the given cache client.
func NewReliability(c *cache.Client) *Reliability {
	return &Reliability{cache: c}
}

// ReliabilityResult is the derived route score.
type ReliabilityResult struct {
	Score               int     `json:"score"`
	Label               string  `json:"label"`
	DelayMinutes        float64 `json:"delayMinutes"`
	DisconnectCount     float64 `json:"disconnectCount"`
	HighCongestionMin   float64 `json:"highCongestionMinutes"`
}

// RecordDelay accumulates reported delay minutes for a route.
func (r *Reliability) RecordDelay(routeID string, minutes float64) {
	if routeID == "" || minutes <= 0 {
		return
	}
	r.cache.HIncrByFloat(reliabilityPrefix+routeID, "delayMinutes", minutes, reliabilityTTL)
}

// RecordDisconnect counts a driver disconnect against a route.
func (r *Reliability) RecordDisconnect(routeID string) {
	if routeID == "" {
		return
	}
	r.cache.HIncrByFloat(reliabilityPrefix+routeID, "disconnectCount", 1, reliabilityTTL)
}

// RecordHighCongestion accumulates minutes spent under heavy congestion.
func (r *Reliability) RecordHighCongestion(routeID string, minutes float64) {
	if routeID == "" || minutes <= 0 {
		return
	}
	r.cache.HIncrByFloat(reliabilityPrefix+routeID, "highCongestionMinutes", minutes, reliabilityTTL)
}

// Score reads the counters and derives the route score. ok is false when no
// counters exist (or the cache is unreachable); callers fall back to their
// own defaults.
func (r *Reliability) Score(routeID string) (ReliabilityResult, bool) {
	fields, ok := r.cache.HGetAll(reliabilityPrefix + routeID)
	if !ok {
		return ReliabilityResult{}, false
	}

	delay := parseField(fields, "delayMinutes")
	disconnects := parseField(fields, "disconnectCount")
	highCong := parseField(fields, "highCongestionMinutes")

	return ScoreFromCounters(delay, disconnects, highCong), true
}

// ScoreFromCounters applies the reliability formula to raw counters.
func ScoreFromCounters(delayMin, disconnectCount, highCongMin float64) ReliabilityResult {
	raw := 100 - 3*delayMin - 7*disconnectCount - 2*highCongMin
	score := int(math.Round(raw))
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return ReliabilityResult{
		Score:             score,
		Label:             reliabilityLabel(score),
		DelayMinutes:      delayMin,
		DisconnectCount:   disconnectCount,
		HighCongestionMin: highCongMin,
	}
}

func reliabilityLabel(score int) string {
	switch {
	case score >= 80:
		return "HIGH"
	case score >= 50:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

func parseField(fields map[string]string, name string) float64 {
	v, ok := fields[name]
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || f < 0 {
		return 0
	}
	return f
}
