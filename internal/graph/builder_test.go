package graph

import (
	"math"
	"testing"

	"github.com/wudi/transit/internal/config"
	"github.com/wudi/transit/internal/geo"
	"github.com/wudi/transit/internal/model"
	"github.com/wudi/transit/internal/storage"
)

func testGraphConfig() config.GraphConfig {
	return config.GraphConfig{
		WalkRadiusKm:    0.5,
		WalkSpeedKmh:    4.5,
		TransferCostMin: 3,
	}
}

func TestBuildDeduplicatesStopsByName(t *testing.T) {
	store := storage.NewMemoryStore()
	routes := []*model.Route{
		{
			ID: "r1", Number: "10", AvgSpeedKmh: 20,
			Stops: []model.Stop{
				{Name: "Central Station", Lat: 17.00, Lng: 78.00},
				{Name: "Market", Lat: 17.01, Lng: 78.00},
			},
		},
		{
			ID: "r2", Number: "20", AvgSpeedKmh: 20,
			Stops: []model.Stop{
				{Name: " central station ", Lat: 17.00, Lng: 78.00},
				{Name: "Airport", Lat: 17.05, Lng: 78.00},
			},
		},
	}

	nodes, _, err := NewBuilder(store, testGraphConfig()).Build(routes)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if nodes != 3 {
		t.Fatalf("nodes = %d, want 3 (shared stop must collapse)", nodes)
	}
}

func TestBuildBusEdgesBothDirections(t *testing.T) {
	store := storage.NewMemoryStore()
	routes := []*model.Route{
		{
			ID: "r1", Number: "10", AvgSpeedKmh: 30,
			Stops: []model.Stop{
				{Name: "A", Lat: 17.00, Lng: 78.00},
				{Name: "B", Lat: 17.01, Lng: 78.00},
				{Name: "C", Lat: 17.02, Lng: 78.00},
			},
		},
	}

	_, edgeCount, err := NewBuilder(store, testGraphConfig()).Build(routes)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if edgeCount != 4 {
		t.Fatalf("edges = %d, want 4 (2 stop pairs, both directions)", edgeCount)
	}

	edges, _ := store.GraphEdges()
	wantDist := geo.Haversine(17.00, 78.00, 17.01, 78.00)
	wantTravel := wantDist / 30 * 60
	for _, e := range edges[:2] {
		if math.Abs(e.DistanceKm-wantDist) > 1e-9 {
			t.Fatalf("DistanceKm = %v, want %v", e.DistanceKm, wantDist)
		}
		if math.Abs(e.AvgTravelTime-wantTravel) > 1e-9 {
			t.Fatalf("AvgTravelTime = %v, want %v", e.AvgTravelTime, wantTravel)
		}
		if e.RouteID != "r1" || e.RouteNumber != "10" {
			t.Fatalf("edge identity = %s/%s", e.RouteID, e.RouteNumber)
		}
	}
}

func TestBuildReverseEdgeStopOrder(t *testing.T) {
	store := storage.NewMemoryStore()
	routes := []*model.Route{
		{
			ID: "r1", Number: "10", AvgSpeedKmh: 30,
			Stops: []model.Stop{
				{Name: "A", Lat: 17.00, Lng: 78.00},
				{Name: "B", Lat: 17.01, Lng: 78.00},
				{Name: "C", Lat: 17.02, Lng: 78.00},
				{Name: "D", Lat: 17.03, Lng: 78.00},
			},
		},
	}
	if _, _, err := NewBuilder(store, testGraphConfig()).Build(routes); err != nil {
		t.Fatalf("Build: %v", err)
	}

	nodes, _ := store.GraphNodes()
	idByName := make(map[string]string, len(nodes))
	for _, n := range nodes {
		idByName[n.Name] = n.ID
	}
	edges, _ := store.GraphEdges()
	orderBetween := func(from, to string) int {
		for _, e := range edges {
			if e.FromNodeID == idByName[from] && e.ToNodeID == idByName[to] {
				return e.StopOrder
			}
		}
		t.Fatalf("no edge %s -> %s", from, to)
		return 0
	}

	// Riding A->B->C->D the hops are numbered 1..3; ridden back from D the
	// same segments count from the other terminus.
	cases := []struct {
		from, to string
		want     int
	}{
		{"A", "B", 1}, {"B", "C", 2}, {"C", "D", 3},
		{"D", "C", 1}, {"C", "B", 2}, {"B", "A", 3},
	}
	for _, tc := range cases {
		if got := orderBetween(tc.from, tc.to); got != tc.want {
			t.Errorf("StopOrder(%s->%s) = %d, want %d", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestBuildWalkingTransfers(t *testing.T) {
	store := storage.NewMemoryStore()
	// Two routes whose stops sit ~55 m apart: eligible for a walking link.
	// The far pair is outside the radius.
	routes := []*model.Route{
		{
			ID: "r1", Number: "10", AvgSpeedKmh: 20,
			Stops: []model.Stop{
				{Name: "Alpha", Lat: 17.0000, Lng: 78.00},
				{Name: "Beta", Lat: 17.0100, Lng: 78.00},
			},
		},
		{
			ID: "r2", Number: "20", AvgSpeedKmh: 20,
			Stops: []model.Stop{
				{Name: "Gamma", Lat: 17.0005, Lng: 78.00},
				{Name: "Delta", Lat: 17.0200, Lng: 78.00},
			},
		},
	}

	if _, _, err := NewBuilder(store, testGraphConfig()).Build(routes); err != nil {
		t.Fatalf("Build: %v", err)
	}

	edges, _ := store.GraphEdges()
	var walks []storage.GraphEdgeRow
	for _, e := range edges {
		if e.RouteID == TransferRouteID {
			walks = append(walks, e)
		}
	}
	if len(walks) != 2 {
		t.Fatalf("walking edges = %d, want 2 (one pair, both directions)", len(walks))
	}

	w := walks[0]
	if w.RouteNumber != "WALK" {
		t.Fatalf("RouteNumber = %q", w.RouteNumber)
	}
	wantTravel := w.DistanceKm/4.5*60 + 3
	if math.Abs(w.AvgTravelTime-wantTravel) > 1e-9 {
		t.Fatalf("AvgTravelTime = %v, want %v", w.AvgTravelTime, wantTravel)
	}
	if w.TransferCost != 3 {
		t.Fatalf("TransferCost = %v", w.TransferCost)
	}
}

func TestBuildNoWalkBetweenSameRouteSet(t *testing.T) {
	store := storage.NewMemoryStore()
	// Both stops belong only to r1, so no walking link even though they are
	// within the radius.
	routes := []*model.Route{
		{
			ID: "r1", Number: "10", AvgSpeedKmh: 20,
			Stops: []model.Stop{
				{Name: "A", Lat: 17.0000, Lng: 78.00},
				{Name: "B", Lat: 17.0005, Lng: 78.00},
			},
		},
	}

	_, edgeCount, err := NewBuilder(store, testGraphConfig()).Build(routes)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if edgeCount != 2 {
		t.Fatalf("edges = %d, want 2 bus edges only", edgeCount)
	}
}

func TestBuildFallbackSpeed(t *testing.T) {
	store := storage.NewMemoryStore()
	routes := []*model.Route{
		{
			ID: "r1", Number: "10", // no AvgSpeedKmh
			Stops: []model.Stop{
				{Name: "A", Lat: 17.00, Lng: 78.00},
				{Name: "B", Lat: 17.01, Lng: 78.00},
			},
		},
	}
	if _, _, err := NewBuilder(store, testGraphConfig()).Build(routes); err != nil {
		t.Fatalf("Build: %v", err)
	}
	edges, _ := store.GraphEdges()
	want := edges[0].DistanceKm / fallbackRouteSpeedKmh * 60
	if math.Abs(edges[0].AvgTravelTime-want) > 1e-9 {
		t.Fatalf("AvgTravelTime = %v, want fallback-speed %v", edges[0].AvgTravelTime, want)
	}
}
