package planner

import (
	"strings"
	"testing"
	"time"

	"github.com/wudi/transit/internal/cache"
	"github.com/wudi/transit/internal/config"
	"github.com/wudi/transit/internal/geo"
	"github.com/wudi/transit/internal/graph"
	"github.com/wudi/transit/internal/model"
	"github.com/wudi/transit/internal/storage"
)

func testPlannerConfig() config.PlannerConfig {
	return config.PlannerConfig{
		CacheTTL:        45 * time.Second,
		MaxTransfers:    3,
		MaxWalkMin:      25,
		MaxWalkKm:       2.0,
		NearestRadiusKm: 5,
	}
}

func testRoutingConfig() config.RoutingConfig {
	return config.RoutingConfig{
		MaxIterations:   8000,
		MaxHeapSize:     2000,
		TimeBudget:      time.Second,
		MaxTransfers:    2,
		TransferPenalty: 3,
		PruneFactor:     1.3,
	}
}

func buildTestGraph(t *testing.T, routes []*model.Route) *graph.Graph {
	t.Helper()
	store := storage.NewMemoryStore()
	builder := graph.NewBuilder(store, config.GraphConfig{
		WalkRadiusKm:    0.5,
		WalkSpeedKmh:    4.5,
		TransferCostMin: 3,
	})
	if _, _, err := builder.Build(routes); err != nil {
		t.Fatalf("Build: %v", err)
	}
	g := graph.NewGraph(store)
	if err := g.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	return g
}

func singleLineRoutes() []*model.Route {
	return []*model.Route{
		{
			ID: "r1", Number: "10", Name: "City Line", AvgSpeedKmh: 30,
			Stops: []model.Stop{
				{ID: "s0", Name: "Alpha", Lat: 17.00, Lng: 78.00, StopOrder: 0},
				{ID: "s1", Name: "Beta", Lat: 17.01, Lng: 78.00, StopOrder: 1},
				{ID: "s2", Name: "Gamma", Lat: 17.02, Lng: 78.00, StopOrder: 2},
			},
		},
	}
}

func newTestPlanner(t *testing.T, routes []*model.Route) *Planner {
	t.Helper()
	g := buildTestGraph(t, routes)
	p := New(g, cache.New(config.RedisConfig{}), nil, nil, nil, testRoutingConfig(), testPlannerConfig())
	p.SetClock(func() time.Time {
		return time.Date(2026, 3, 14, 3, 0, 0, 0, time.UTC)
	})
	return p
}

func TestPlanSingleRoute(t *testing.T) {
	p := newTestPlanner(t, singleLineRoutes())

	results := p.Plan(geo.Point{Lat: 17.0005, Lng: 78.0}, geo.Point{Lat: 17.0195, Lng: 78.0})
	if len(results) == 0 {
		t.Fatal("expected at least one plan")
	}

	best := results[0]
	var busLegs int
	for _, leg := range best.Legs {
		if leg.Mode == graph.LegBus {
			busLegs++
			if leg.RouteID != "r1" {
				t.Fatalf("bus leg route = %s", leg.RouteID)
			}
		}
	}
	if busLegs != 1 {
		t.Fatalf("bus legs = %d, want 1", busLegs)
	}
	if best.TransferCount != 0 {
		t.Fatalf("TransferCount = %d", best.TransferCount)
	}
	if best.TotalEtaMinutes <= 0 {
		t.Fatalf("TotalEtaMinutes = %d", best.TotalEtaMinutes)
	}
}

func TestPlanUnreachableDestination(t *testing.T) {
	p := newTestPlanner(t, singleLineRoutes())

	// Destination in another city: no graph nodes in range.
	results := p.Plan(geo.Point{Lat: 17.0, Lng: 78.0}, geo.Point{Lat: 28.6, Lng: 77.2})
	if len(results) != 0 {
		t.Fatalf("results = %d, want 0", len(results))
	}
}

func TestPlanOrdersResultsByScore(t *testing.T) {
	routes := singleLineRoutes()
	// A slower parallel line between the same endpoints.
	routes = append(routes, &model.Route{
		ID: "r2", Number: "20", Name: "Slow Loop", AvgSpeedKmh: 10,
		Stops: []model.Stop{
			{ID: "s3", Name: "Alpha Gate", Lat: 17.0001, Lng: 78.0001, StopOrder: 0},
			{ID: "s4", Name: "Gamma Gate", Lat: 17.0199, Lng: 78.0001, StopOrder: 1},
		},
	})
	p := newTestPlanner(t, routes)

	results := p.Plan(geo.Point{Lat: 17.0005, Lng: 78.0}, geo.Point{Lat: 17.0195, Lng: 78.0})
	for i := 1; i < len(results); i++ {
		if results[i-1].Score > results[i].Score {
			t.Fatalf("results not sorted by score: %v then %v", results[i-1].Score, results[i].Score)
		}
	}
}

func TestCacheKeyQuantization(t *testing.T) {
	p := newTestPlanner(t, singleLineRoutes())
	now := time.Date(2026, 3, 14, 10, 2, 0, 0, time.UTC)

	a := p.cacheKey(geo.Point{Lat: 17.38512, Lng: 78.48603}, geo.Point{Lat: 17.44, Lng: 78.5}, now)
	if !strings.HasPrefix(a, "route:12878:58138:12919:58148:") {
		t.Fatalf("key = %q", a)
	}

	// Points within the same ~150 m grid cell share a key.
	a2 := p.cacheKey(geo.Point{Lat: 17.38520, Lng: 78.48610}, geo.Point{Lat: 17.44, Lng: 78.5}, now)
	if a != a2 {
		t.Fatalf("keys differ within one grid cell:\n%s\n%s", a, a2)
	}

	// Same 5-minute bucket: identical key.
	b := p.cacheKey(geo.Point{Lat: 17.38512, Lng: 78.48603}, geo.Point{Lat: 17.44, Lng: 78.5}, now.Add(time.Minute))
	if a != b {
		t.Fatalf("keys differ within one bucket:\n%s\n%s", a, b)
	}

	// Next bucket: key rolls over.
	c := p.cacheKey(geo.Point{Lat: 17.38512, Lng: 78.48603}, geo.Point{Lat: 17.44, Lng: 78.5}, now.Add(5*time.Minute))
	if a == c {
		t.Fatal("key must change across buckets")
	}
}

func TestNearestWithExpansion(t *testing.T) {
	g := buildTestGraph(t, singleLineRoutes())
	snap := g.Snapshot()

	// Inside the base radius: top 2.
	got := nearestWithExpansion(snap, geo.Point{Lat: 17.0, Lng: 78.0}, 5)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}

	// Outside base radius but inside the doubled one: top 3.
	far := nearestWithExpansion(snap, geo.Point{Lat: 17.06, Lng: 78.0}, 5)
	if len(far) == 0 {
		t.Fatal("expansion must find nodes in the doubled radius")
	}

	// Nowhere near the network: nothing.
	if none := nearestWithExpansion(snap, geo.Point{Lat: 28.6, Lng: 77.2}, 5); len(none) != 0 {
		t.Fatalf("len = %d, want 0", len(none))
	}
}
