package realtime

import (
	"testing"
	"time"

	"github.com/wudi/transit/internal/intel"
	"github.com/wudi/transit/internal/model"
	"github.com/wudi/transit/internal/planner"
)

func (e *testEnv) connectGuest(t *testing.T, connID string) (*Session, *fakeConn) {
	t.Helper()
	conn := newFakeConn(connID)
	sess, err := e.svc.HandlePassengerConnect(conn, "")
	if err != nil {
		t.Fatalf("HandlePassengerConnect: %v", err)
	}
	return sess, conn
}

func seedNearbyBuses(t *testing.T, env *testEnv) {
	t.Helper()
	if err := env.store.SaveRoute(&model.Route{
		ID: "r1", Number: "10", Name: "City Line", AvgSpeedKmh: 30,
	}); err != nil {
		t.Fatal(err)
	}
	buses := []*model.Bus{
		{ID: "b1", RouteID: "r1", Capacity: 50, PassengerCount: 10,
			Lat: 17.001, Lng: 78.0, SpeedKmh: 25, Status: model.BusActive},
		{ID: "b2", RouteID: "r1", Capacity: 50, PassengerCount: 45,
			Lat: 17.005, Lng: 78.0, SpeedKmh: 18, Status: model.BusActive},
		// Far outside the nearby radius.
		{ID: "b3", RouteID: "r1", Capacity: 50,
			Lat: 18.5, Lng: 78.0, Status: model.BusActive},
	}
	for _, b := range buses {
		if err := env.store.SaveBus(b); err != nil {
			t.Fatal(err)
		}
	}
}

func TestPassengerNearbyBuses(t *testing.T) {
	env := newTestEnv(t)
	seedNearbyBuses(t, env)
	sess, conn := env.connectGuest(t, "p1")

	sess.Dispatch("location:send", map[string]interface{}{"lat": 17.0, "lng": 78.0})

	var enriched []EnrichedBus
	for _, ev := range conn.events {
		if ev.Name == "buses:nearby" {
			var ok bool
			enriched, ok = ev.Payload.([]EnrichedBus)
			if !ok {
				t.Fatalf("buses:nearby payload = %T", ev.Payload)
			}
		}
	}
	if len(enriched) != 2 {
		t.Fatalf("nearby buses = %d, want 2", len(enriched))
	}
	for _, eb := range enriched {
		if eb.ETA.Formatted == "" || eb.ETA.WeightedSpeedKmh <= 0 {
			t.Fatalf("bus %s has no ETA: %+v", eb.BusID, eb.ETA)
		}
		if eb.Confidence.Score <= 0 {
			t.Fatalf("bus %s has no confidence score", eb.BusID)
		}
		if eb.DistanceMeters <= 0 {
			t.Fatalf("bus %s has no distance", eb.BusID)
		}
	}

	if conn.count("buses:suggestions") != 1 {
		t.Fatal("buses:suggestions not emitted")
	}
	for _, ev := range conn.events {
		if ev.Name != "buses:suggestions" {
			continue
		}
		suggestions, ok := ev.Payload.([]intel.Suggestion)
		if !ok {
			t.Fatalf("buses:suggestions payload = %T", ev.Payload)
		}
		if len(suggestions) == 0 || len(suggestions) > 3 {
			t.Fatalf("suggestions = %d, want 1..3", len(suggestions))
		}
	}
}

func TestPassengerLocationInvalidCoords(t *testing.T) {
	env := newTestEnv(t)
	sess, conn := env.connectGuest(t, "p1")

	sess.Dispatch("location:send", map[string]interface{}{"lat": 95.0, "lng": 78.0})
	if e, ok := conn.last("error"); !ok || e["message"] != "invalid coordinates" {
		t.Fatalf("error = %v, %v", e, ok)
	}

	sess.Dispatch("location:send", map[string]interface{}{"lat": 17.0})
	if conn.count("error") != 2 {
		t.Fatal("missing longitude must be rejected")
	}
}

func TestRoutePlanDirectStrategy(t *testing.T) {
	env := newTestEnv(t)
	if err := env.store.SaveRoute(&model.Route{
		ID: "r1", Number: "10", Name: "Express", AvgSpeedKmh: 30, TotalDistanceKm: 9,
		Stops: []model.Stop{
			{ID: "s0", Name: "Central Station", Lat: 17.00, Lng: 78.00, StopOrder: 0},
			{ID: "s1", Name: "Airport", Lat: 17.06, Lng: 78.00, StopOrder: 1},
		},
	}); err != nil {
		t.Fatal(err)
	}

	direct := planner.NewDirectLookup(env.store)
	direct.SetClock(func() time.Time {
		return time.Date(2026, 3, 14, 3, 0, 0, 0, time.UTC)
	})
	env.svc.direct = direct

	sess, conn := env.connectGuest(t, "p1")
	sess.Dispatch("route:plan", map[string]interface{}{
		"originName": "Central Station",
		"destName":   "Airport",
	})

	resp, ok := conn.last("route:options")
	if !ok {
		t.Fatal("route:options not emitted")
	}
	if resp["strategy"] != "direct" {
		t.Fatalf("strategy = %v, want direct", resp["strategy"])
	}
	options, ok := resp["options"].([]planner.DirectOption)
	if !ok || len(options) != 1 {
		t.Fatalf("options = %T len %d", resp["options"], len(options))
	}
	if options[0].RouteID != "r1" {
		t.Fatalf("RouteID = %s", options[0].RouteID)
	}
}

func TestRoutePlanNoneWithoutEngines(t *testing.T) {
	env := newTestEnv(t) // neither direct nor planner wired
	sess, conn := env.connectGuest(t, "p1")

	sess.Dispatch("route:plan", map[string]interface{}{
		"originName": "Central Station",
		"destName":   "Airport",
	})

	resp, ok := conn.last("route:options")
	if !ok || resp["strategy"] != "none" {
		t.Fatalf("route:options = %v, %v", resp, ok)
	}
}

func TestPassengerDisconnect(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.connectGuest(t, "p1")

	if env.hub.Count(NamespacePassenger) != 1 {
		t.Fatal("session not registered")
	}
	env.svc.HandlePassengerDisconnect(sess)
	if env.hub.Count(NamespacePassenger) != 0 {
		t.Fatal("session not removed")
	}
}

func TestClusterStats(t *testing.T) {
	buses := []*model.Bus{
		{ID: "a", RouteID: "r1", Lat: 17.000, Lng: 78.0, Capacity: 50, PassengerCount: 10},
		{ID: "b", RouteID: "r1", Lat: 17.001, Lng: 78.0, Capacity: 50, PassengerCount: 30}, // ~110 m from a
		{ID: "c", RouteID: "r1", Lat: 17.100, Lng: 78.0, Capacity: 50, PassengerCount: 50}, // far away
		{ID: "d", RouteID: "r2", Lat: 17.000, Lng: 78.0, Capacity: 50, PassengerCount: 0},  // other route
	}

	counts, occAvg := clusterStats(buses)

	if counts["a"] != 1 || counts["b"] != 1 {
		t.Fatalf("counts = %v", counts)
	}
	if counts["c"] != 0 || counts["d"] != 0 {
		t.Fatalf("counts = %v", counts)
	}
	// r1 occupancy: (20 + 60 + 100) / 3.
	if got := occAvg["r1"]; got != 60 {
		t.Fatalf("occAvg[r1] = %v, want 60", got)
	}
	if got := occAvg["r2"]; got != 0 {
		t.Fatalf("occAvg[r2] = %v, want 0", got)
	}
}
