// Package speedmem keeps a sliding window of per-route speed samples in the
// cache. Writers are fire-and-forget; readers treat any cache problem as an
// empty window.
package speedmem

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wudi/transit/internal/cache"
)

const (
	keyPrefix  = "route_speed:"
	keyTTL     = 15 * time.Minute
	trimWindow = 10 * time.Minute
	maxSamples = 200

	// ReadWindow is the default window consulted by the ETA engine.
	ReadWindow = 5 * time.Minute
)

// Memory records and aggregates route speed samples.
type Memory struct {
	cache *cache.Client
}

// New creates a speed memory over the given cache client.
func New(c *cache.Client) *Memory {
	return &Memory{cache: c}
}

// Record pushes a speed sample for a route, best effort. The set is lazily
// trimmed against the 10-minute window and the 200-sample cap on every write.
func (m *Memory) Record(routeID string, speedKmh float64) {
	if routeID == "" || speedKmh < 0 {
		return
	}
	now := time.Now().UnixMilli()
	key := keyPrefix + routeID
	member := fmt.Sprintf("%.2f:%d", speedKmh, now)
	m.cache.ZAdd(key, float64(now), member, keyTTL)
	m.cache.ZTrim(key, float64(now-trimWindow.Milliseconds()), maxSamples)
}

// WindowedAverage returns the average speed and sample count over the given
// window. A zero count means no usable data (including cache failure).
func (m *Memory) WindowedAverage(routeID string, window time.Duration) (float64, int) {
	if routeID == "" {
		return 0, 0
	}
	now := time.Now().UnixMilli()
	min := float64(now - window.Milliseconds())
	members, ok := m.cache.ZRangeByScore(keyPrefix+routeID, min, float64(now))
	if !ok || len(members) == 0 {
		return 0, 0
	}

	var sum float64
	count := 0
	for _, member := range members {
		idx := strings.IndexByte(member, ':')
		if idx <= 0 {
			continue
		}
		kmh, err := strconv.ParseFloat(member[:idx], 64)
		if err != nil || kmh < 0 {
			continue
		}
		sum += kmh
		count++
	}
	if count == 0 {
		return 0, 0
	}
	return sum / float64(count), count
}
