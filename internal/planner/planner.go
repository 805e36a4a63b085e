// Package planner orchestrates route planning: the stop-route direct lookup
// is the primary strategy, the Dijkstra engine over the transit graph the
// fallback, with a spatio-temporal result cache in front of both.
package planner

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/transit/internal/cache"
	"github.com/wudi/transit/internal/config"
	"github.com/wudi/transit/internal/geo"
	"github.com/wudi/transit/internal/graph"
	"github.com/wudi/transit/internal/intel"
	"github.com/wudi/transit/internal/logging"
	"github.com/wudi/transit/internal/metrics"
	"github.com/wudi/transit/internal/speedmem"
)

const (
	planKeyPrefix  = "route:"
	planKeyGrid    = 0.00135 // degrees, ~150 m
	timeBucket     = 5 * time.Minute
	pairMaxResults = 2
	earlyExitPaths = 5
	rankLimit      = 5
)

// Planner computes multi-leg route plans.
type Planner struct {
	graph       *graph.Graph
	cache       *cache.Client
	speed       *speedmem.Memory
	reliability *intel.Reliability
	collector   *metrics.Collector
	routing     config.RoutingConfig
	cfg         config.PlannerConfig
	now         func() time.Time
}

// New creates a planner. speed, reliability and collector may be nil.
func New(g *graph.Graph, c *cache.Client, speed *speedmem.Memory, rel *intel.Reliability, collector *metrics.Collector, routing config.RoutingConfig, cfg config.PlannerConfig) *Planner {
	return &Planner{
		graph:       g,
		cache:       c,
		speed:       speed,
		reliability: rel,
		collector:   collector,
		routing:     routing,
		cfg:         cfg,
		now:         time.Now,
	}
}

// SetClock overrides the wall clock for tests.
func (p *Planner) SetClock(now func() time.Time) { p.now = now }

// Plan computes up to 5 route plans from origin to destination. It never
// errors: cache and search failures degrade to an empty result.
func (p *Planner) Plan(origin, dest geo.Point) []graph.PlanResult {
	var done func(time.Duration)
	if p.collector != nil {
		done = p.collector.PlanStarted()
	}
	start := p.now()
	defer func() {
		if done != nil {
			done(time.Since(start))
		}
	}()

	key := p.cacheKey(origin, dest, start)
	var cached []graph.PlanResult
	if p.cache.GetJSON(key, &cached) {
		if p.collector != nil {
			p.collector.RecordPlanCacheHit()
		}
		return cached
	}
	if p.collector != nil {
		p.collector.RecordPlanCacheMiss()
	}

	results := p.compute(origin, dest, start)

	// Empty results are cached too, so unreachable pairs stay cheap.
	p.cache.SetJSON(key, results, p.cfg.CacheTTL)
	return results
}

func (p *Planner) compute(origin, dest geo.Point, now time.Time) []graph.PlanResult {
	snap := p.graph.Snapshot()

	originNodes := nearestWithExpansion(snap, origin, p.cfg.NearestRadiusKm)
	destNodes := nearestWithExpansion(snap, dest, p.cfg.NearestRadiusKm)
	if len(originNodes) == 0 || len(destNodes) == 0 {
		return []graph.PlanResult{}
	}

	opt := graph.SearchOptionsFrom(p.routing, pairMaxResults)
	opt.MaxTransfers = p.cfg.MaxTransfers
	opt.TrafficFactor = 1.0

	var paths []graph.Path
	seenPairs := make(map[[2]string]bool)
pairs:
	for _, o := range originNodes {
		for _, d := range destNodes {
			if o.ID == d.ID {
				continue
			}
			pair := [2]string{o.ID, d.ID}
			if seenPairs[pair] {
				continue
			}
			seenPairs[pair] = true
			if !snap.AreConnected(o.ID, d.ID) {
				continue
			}
			found, stats := snap.FindPaths(o.ID, d.ID, opt)
			if p.collector != nil {
				p.collector.RecordSearch(stats.Iterations, stats.HeapPeak, stats.DominatedPrunes, stats.TimedOut)
			}
			if stats.TimedOut {
				logging.Debug("route search truncated",
					zap.String("origin", o.Name),
					zap.String("dest", d.Name),
					zap.Int("iterations", stats.Iterations))
			}
			paths = append(paths, found...)
			if len(paths) >= earlyExitPaths {
				break pairs
			}
		}
	}
	if len(paths) == 0 {
		return []graph.PlanResult{}
	}

	scored := graph.ScorePaths(paths, p.routeQuality(), rankLimit)

	results := make([]graph.PlanResult, 0, len(scored))
	for _, sp := range scored {
		if plan, ok := snap.Serialize(sp, origin, dest, now, graph.WalkCaps{
			MaxLegMin:  p.cfg.MaxWalkMin,
			MaxTotalKm: p.cfg.MaxWalkKm,
		}); ok {
			results = append(results, *plan)
		}
	}
	if len(results) > 0 {
		p.injectLiveETA(&results[0], now)
	}
	return results
}

// routeQuality adapts the reliability index for the path scorer. Confidence
// has no per-route source yet; the scorer default applies.
func (p *Planner) routeQuality() graph.RouteQuality {
	if p.reliability == nil {
		return graph.RouteQuality{}
	}
	return graph.RouteQuality{
		Reliability: func(routeID string) (float64, bool) {
			r, ok := p.reliability.Score(routeID)
			if !ok {
				return 0, false
			}
			return float64(r.Score), true
		},
	}
}

// injectLiveETA recomputes BUS leg ETAs on the top result from the live
// speed window, then rebuilds the totals.
func (p *Planner) injectLiveETA(plan *graph.PlanResult, now time.Time) {
	if p.speed == nil {
		return
	}
	changed := false
	for i, leg := range plan.Legs {
		if leg.Mode != graph.LegBus || leg.RouteID == "" {
			continue
		}
		avg, count := p.speed.WindowedAverage(leg.RouteID, speedmem.ReadWindow)
		if count == 0 || avg <= 0 {
			continue
		}
		eta := int(math.Round(leg.DistanceKm / avg * 60))
		if eta < 1 {
			eta = 1
		}
		plan.Legs[i].EtaMinutes = eta
		changed = true
	}
	if !changed {
		return
	}
	total := 0
	for _, leg := range plan.Legs {
		total += leg.EtaMinutes
	}
	plan.TotalEtaMinutes = total
	plan.ArrivalTime = now.Add(time.Duration(total) * time.Minute)
}

// nearestWithExpansion takes the top-2 nodes within the base radius,
// widening to double the radius and top-3 when nothing is found.
func nearestWithExpansion(snap *graph.Snapshot, pt geo.Point, radiusKm float64) []graph.Node {
	nodes := snap.NearestNodes(pt.Lat, pt.Lng, radiusKm, 2)
	if len(nodes) == 0 {
		nodes = snap.NearestNodes(pt.Lat, pt.Lng, radiusKm*2, 3)
	}
	return nodes
}

// cacheKey quantizes coordinates onto a ~150 m grid and buckets time into
// 5-minute base-36 windows: route:{gx}:{gy}:{gx2}:{gy2}:{bucket}.
func (p *Planner) cacheKey(origin, dest geo.Point, now time.Time) string {
	bucket := now.UnixMilli() / timeBucket.Milliseconds()
	return fmt.Sprintf("%s%d:%d:%d:%d:%s",
		planKeyPrefix,
		int64(math.Round(origin.Lat/planKeyGrid)),
		int64(math.Round(origin.Lng/planKeyGrid)),
		int64(math.Round(dest.Lat/planKeyGrid)),
		int64(math.Round(dest.Lng/planKeyGrid)),
		strconv.FormatInt(bucket, 36))
}
