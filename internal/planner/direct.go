package planner

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/wudi/transit/internal/geo"
	"github.com/wudi/transit/internal/intel"
	"github.com/wudi/transit/internal/model"
	"github.com/wudi/transit/internal/storage"
)

const (
	directNearestKm    = 2.0
	minPerStopSpan     = 3.0 // stop-based estimate: minutes per stop spanned
	fallbackRouteSpeed = 20.0
)

// DirectQuery resolves stops by name, with optional coordinates for the
// nearest-stop fallback.
type DirectQuery struct {
	OriginName string
	DestName   string
	Origin     *geo.Point
	Dest       *geo.Point
}

// DirectOption is one single-bus route answering a direct query.
type DirectOption struct {
	RouteID           string     `json:"routeId"`
	RouteNumber       string     `json:"routeNumber"`
	RouteName         string     `json:"routeName"`
	OriginStop        model.Stop `json:"originStop"`
	DestStop          model.Stop `json:"destStop"`
	IntermediateStops int        `json:"intermediateStops"`
	DistanceKm        float64    `json:"distanceKm"`
	EtaMinutes        int        `json:"etaMinutes"`
}

// DirectLookup answers "is there a single bus between these stops?"; a
// non-empty answer bypasses the graph planner entirely.
type DirectLookup struct {
	store storage.Store
	now   func() time.Time
}

// NewDirectLookup creates a direct lookup over the store.
func NewDirectLookup(store storage.Store) *DirectLookup {
	return &DirectLookup{store: store, now: time.Now}
}

// SetClock overrides the wall clock for tests.
func (d *DirectLookup) SetClock(now func() time.Time) { d.now = now }

// Find returns single-bus options sorted by ETA, ties broken by fewer
// intermediate stops.
func (d *DirectLookup) Find(q DirectQuery) ([]DirectOption, error) {
	routes, err := d.store.Routes()
	if err != nil {
		return nil, err
	}

	factor := intel.TimeOfDayFactor(d.now())
	var options []DirectOption
	for _, r := range routes {
		origin := resolveStop(r.Stops, q.OriginName, q.Origin)
		dest := resolveStop(r.Stops, q.DestName, q.Dest)
		if origin == nil || dest == nil || origin.StopOrder >= dest.StopOrder {
			continue
		}
		options = append(options, buildOption(r, *origin, *dest, factor))
	}

	sort.SliceStable(options, func(i, j int) bool {
		if options[i].EtaMinutes != options[j].EtaMinutes {
			return options[i].EtaMinutes < options[j].EtaMinutes
		}
		return options[i].IntermediateStops < options[j].IntermediateStops
	})
	return options, nil
}

func buildOption(r *model.Route, origin, dest model.Stop, trafficFactor float64) DirectOption {
	spanned := dest.StopOrder - origin.StopOrder

	dist := 0.0
	if r.TotalDistanceKm > 0 && len(r.Stops) > 1 {
		dist = r.TotalDistanceKm * float64(spanned) / float64(len(r.Stops)-1)
	}
	if dist <= 0 {
		dist = geo.Haversine(origin.Lat, origin.Lng, dest.Lat, dest.Lng)
	}

	speed := r.AvgSpeedKmh
	if speed <= 0 {
		speed = fallbackRouteSpeed
	}
	speedBased := dist / speed * 60
	stopBased := float64(spanned) * minPerStopSpan
	eta := math.Max(speedBased, 0.7*stopBased) * trafficFactor

	return DirectOption{
		RouteID:           r.ID,
		RouteNumber:       r.Number,
		RouteName:         r.Name,
		OriginStop:        origin,
		DestStop:          dest,
		IntermediateStops: spanned - 1,
		DistanceKm:        dist,
		EtaMinutes:        int(math.Round(eta)),
	}
}

// resolveStop tries exact name, then contains-either-way, then nearest
// within 2 km when coordinates are available.
func resolveStop(stops []model.Stop, name string, pt *geo.Point) *model.Stop {
	name = strings.TrimSpace(name)
	if name != "" {
		folded := strings.ToLower(name)
		for i := range stops {
			if strings.ToLower(stops[i].Name) == folded {
				return &stops[i]
			}
		}
		for i := range stops {
			stopName := strings.ToLower(stops[i].Name)
			if strings.Contains(stopName, folded) || strings.Contains(folded, stopName) {
				return &stops[i]
			}
		}
	}
	if pt == nil {
		return nil
	}
	var best *model.Stop
	bestDist := directNearestKm
	for i := range stops {
		d := geo.Haversine(pt.Lat, pt.Lng, stops[i].Lat, stops[i].Lng)
		if d <= bestDist {
			best = &stops[i]
			bestDist = d
		}
	}
	return best
}
