package safety

import (
	"strings"
	"testing"
	"time"

	"github.com/wudi/transit/internal/config"
)

func testSafetyConfig() config.SafetyConfig {
	return config.SafetyConfig{
		MaxAccuracyM:      100,
		MaxSpeedKmh:       120,
		MaxJumpM:          500,
		MinUpdateInterval: 2 * time.Second,
	}
}

// steppingClock advances a fixed amount per call.
func steppingClock(step time.Duration) func() time.Time {
	t := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(step)
		return t
	}
}

func TestValidateAccepts(t *testing.T) {
	v := NewValidator(testSafetyConfig())
	v.SetClock(steppingClock(3 * time.Second))

	u := Update{DriverID: "d1", Lat: 17.385, Lng: 78.486, AccuracyM: 20, SpeedKmh: 40}
	if reason := v.Validate(u); reason != "" {
		t.Fatalf("rejected: %q", reason)
	}
	// A plausible follow-up ~100 m away.
	u.Lat += 0.001
	if reason := v.Validate(u); reason != "" {
		t.Fatalf("follow-up rejected: %q", reason)
	}
}

func TestValidateRejections(t *testing.T) {
	neg := -1
	tests := []struct {
		name   string
		update Update
		want   string
	}{
		{"bad latitude", Update{DriverID: "d", Lat: 91, Lng: 78}, "coordinates out of range"},
		{"bad longitude", Update{DriverID: "d", Lat: 17, Lng: 181}, "coordinates out of range"},
		{"poor accuracy", Update{DriverID: "d", Lat: 17, Lng: 78, AccuracyM: 150}, "GPS accuracy"},
		{"impossible speed", Update{DriverID: "d", Lat: 17, Lng: 78, SpeedKmh: 200}, "speed"},
		{"negative passengers", Update{DriverID: "d", Lat: 17, Lng: 78, PassengerCount: &neg}, "negative passenger count"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewValidator(testSafetyConfig())
			reason := v.Validate(tt.update)
			if !strings.Contains(reason, tt.want) {
				t.Fatalf("reason = %q, want containing %q", reason, tt.want)
			}
		})
	}
}

func TestValidateThrottles(t *testing.T) {
	v := NewValidator(testSafetyConfig())
	v.SetClock(steppingClock(500 * time.Millisecond))

	u := Update{DriverID: "d1", Lat: 17.385, Lng: 78.486}
	if reason := v.Validate(u); reason != "" {
		t.Fatalf("first update rejected: %q", reason)
	}
	if reason := v.Validate(u); reason != "update throttled" {
		t.Fatalf("reason = %q, want throttled", reason)
	}
}

func TestValidateRejectsJump(t *testing.T) {
	v := NewValidator(testSafetyConfig())
	v.SetClock(steppingClock(3 * time.Second))

	if reason := v.Validate(Update{DriverID: "d1", Lat: 17.385, Lng: 78.486}); reason != "" {
		t.Fatalf("first update rejected: %q", reason)
	}
	// ~1.1 km teleport.
	reason := v.Validate(Update{DriverID: "d1", Lat: 17.395, Lng: 78.486})
	if !strings.Contains(reason, "position jump") {
		t.Fatalf("reason = %q, want position jump", reason)
	}
}

func TestRejectedUpdateKeepsHistory(t *testing.T) {
	v := NewValidator(testSafetyConfig())
	v.SetClock(steppingClock(3 * time.Second))

	if reason := v.Validate(Update{DriverID: "d1", Lat: 17.385, Lng: 78.486}); reason != "" {
		t.Fatal(reason)
	}
	// A rejected teleport must not move the anchor...
	if reason := v.Validate(Update{DriverID: "d1", Lat: 17.395, Lng: 78.486}); reason == "" {
		t.Fatal("teleport must be rejected")
	}
	// ...so a plausible update near the original position still passes.
	if reason := v.Validate(Update{DriverID: "d1", Lat: 17.3853, Lng: 78.486}); reason != "" {
		t.Fatalf("plausible update rejected: %q", reason)
	}
}

func TestResetAllowsReplayAfterReconnect(t *testing.T) {
	v := NewValidator(testSafetyConfig())
	v.SetClock(steppingClock(3 * time.Second))

	if reason := v.Validate(Update{DriverID: "d1", Lat: 17.385, Lng: 78.486}); reason != "" {
		t.Fatal(reason)
	}

	// Driver disconnects, drives across town offline, reconnects.
	v.Reset("d1")
	if reason := v.Validate(Update{DriverID: "d1", Lat: 17.44, Lng: 78.50}); reason != "" {
		t.Fatalf("post-reset update rejected: %q", reason)
	}
}

func TestResetAll(t *testing.T) {
	v := NewValidator(testSafetyConfig())
	v.SetClock(steppingClock(3 * time.Second))

	for _, id := range []string{"d1", "d2"} {
		if reason := v.Validate(Update{DriverID: id, Lat: 17.385, Lng: 78.486}); reason != "" {
			t.Fatal(reason)
		}
	}
	v.ResetAll()
	for _, id := range []string{"d1", "d2"} {
		if reason := v.Validate(Update{DriverID: id, Lat: 17.44, Lng: 78.50}); reason != "" {
			t.Fatalf("%s rejected after ResetAll: %q", id, reason)
		}
	}
}

func TestUpdateConfigTightensThresholds(t *testing.T) {
	v := NewValidator(testSafetyConfig())
	v.SetClock(steppingClock(3 * time.Second))

	u := Update{DriverID: "d1", Lat: 17.385, Lng: 78.486, AccuracyM: 80}
	if reason := v.Validate(u); reason != "" {
		t.Fatalf("rejected: %q", reason)
	}

	tightened := testSafetyConfig()
	tightened.MaxAccuracyM = 50
	v.UpdateConfig(tightened)

	u.Lat += 0.0005
	if reason := v.Validate(u); !strings.Contains(reason, "GPS accuracy") {
		t.Fatalf("reason = %q, want accuracy rejection under the new limit", reason)
	}
}

func TestPerDriverIsolation(t *testing.T) {
	v := NewValidator(testSafetyConfig())
	v.SetClock(steppingClock(3 * time.Second))

	if reason := v.Validate(Update{DriverID: "d1", Lat: 17.385, Lng: 78.486}); reason != "" {
		t.Fatal(reason)
	}
	// A different driver far away has no shared history.
	if reason := v.Validate(Update{DriverID: "d2", Lat: 17.44, Lng: 78.50}); reason != "" {
		t.Fatalf("d2 rejected: %q", reason)
	}
}
