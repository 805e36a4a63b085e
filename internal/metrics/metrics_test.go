package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorCounters(t *testing.T) {
	c := NewCollector()

	c.RecordLocationUpdate("driver")
	c.RecordLocationUpdate("driver")
	c.RecordLocationUpdate("simulation")
	if got := testutil.ToFloat64(c.locationUpdates.WithLabelValues("driver")); got != 2 {
		t.Fatalf("driver updates = %v, want 2", got)
	}

	c.RecordLocationRejected("update throttled")
	if got := testutil.ToFloat64(c.locationRejected.WithLabelValues("update throttled")); got != 1 {
		t.Fatalf("rejected = %v, want 1", got)
	}

	c.SetConnections("passenger", 7)
	if got := testutil.ToFloat64(c.connections.WithLabelValues("passenger")); got != 7 {
		t.Fatalf("connections = %v, want 7", got)
	}

	c.RecordPushSent("TRIP_STARTED")
	c.RecordPushSuppressed()
	if got := testutil.ToFloat64(c.pushesSent.WithLabelValues("TRIP_STARTED")); got != 1 {
		t.Fatalf("pushes sent = %v", got)
	}
	if got := testutil.ToFloat64(c.pushesSuppressed); got != 1 {
		t.Fatalf("pushes suppressed = %v", got)
	}
}

func TestPlanStarted(t *testing.T) {
	c := NewCollector()

	finish := c.PlanStarted()
	if got := testutil.ToFloat64(c.planActive); got != 1 {
		t.Fatalf("active = %v, want 1", got)
	}
	finish(25 * time.Millisecond)
	if got := testutil.ToFloat64(c.planActive); got != 0 {
		t.Fatalf("active = %v, want 0", got)
	}
	if got := testutil.ToFloat64(c.planRequests); got != 1 {
		t.Fatalf("requests = %v, want 1", got)
	}
}

func TestRecordSearch(t *testing.T) {
	c := NewCollector()

	c.RecordSearch(100, 40, 12, false)
	c.RecordSearch(200, 10, 3, true)

	if got := testutil.ToFloat64(c.searchStats.WithLabelValues("iterations")); got != 300 {
		t.Fatalf("iterations = %v, want 300", got)
	}
	if got := testutil.ToFloat64(c.searchStats.WithLabelValues("dominated_prunes")); got != 15 {
		t.Fatalf("prunes = %v, want 15", got)
	}
	if got := testutil.ToFloat64(c.searchTimeouts); got != 1 {
		t.Fatalf("timeouts = %v, want 1", got)
	}
}

func TestHandlerExposition(t *testing.T) {
	c := NewCollector()
	c.RecordPlanCacheHit()
	c.RecordPlanCacheMiss()
	c.SetControlledBuses(4)

	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		"transit_plan_cache_hits_total 1",
		"transit_plan_cache_misses_total 1",
		"transit_controlled_buses 4",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestIndependentRegistries(t *testing.T) {
	// Per-collector registries: building two must not panic on duplicate
	// registration.
	a := NewCollector()
	b := NewCollector()
	a.RecordPlanCacheHit()
	if got := testutil.ToFloat64(b.planCacheHits); got != 0 {
		t.Fatalf("collectors share state: %v", got)
	}
}
