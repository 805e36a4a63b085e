package intel

import (
	"testing"

	"github.com/wudi/transit/internal/cache"
	"github.com/wudi/transit/internal/config"
)

func TestScoreFromCounters(t *testing.T) {
	tests := []struct {
		name                   string
		delay, disconn, cong   float64
		wantScore              int
		wantLabel              string
	}{
		{"pristine route", 0, 0, 0, 100, "HIGH"},
		{"some delay", 5, 0, 0, 85, "HIGH"},
		{"one disconnect", 0, 1, 0, 93, "HIGH"},
		{"congested hour", 0, 0, 10, 80, "HIGH"},
		{"mixed", 5, 2, 5, 61, "MEDIUM"},
		{"bad route", 10, 5, 10, 15, "LOW"},
		{"clamped at zero", 40, 10, 20, 0, "LOW"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ScoreFromCounters(tt.delay, tt.disconn, tt.cong)
			if res.Score != tt.wantScore {
				t.Fatalf("Score = %d, want %d", res.Score, tt.wantScore)
			}
			if res.Label != tt.wantLabel {
				t.Fatalf("Label = %q, want %q", res.Label, tt.wantLabel)
			}
		})
	}
}

func TestScoreFromCountersEchoesCounters(t *testing.T) {
	res := ScoreFromCounters(3.5, 2, 1)
	if res.DelayMinutes != 3.5 || res.DisconnectCount != 2 || res.HighCongestionMin != 1 {
		t.Fatalf("counters not echoed: %+v", res)
	}
}

func TestReliabilityLabels(t *testing.T) {
	tests := []struct {
		score int
		want  string
	}{
		{100, "HIGH"},
		{80, "HIGH"},
		{79, "MEDIUM"},
		{50, "MEDIUM"},
		{49, "LOW"},
		{0, "LOW"},
	}
	for _, tt := range tests {
		if got := reliabilityLabel(tt.score); got != tt.want {
			t.Errorf("reliabilityLabel(%d) = %q, want %q", tt.score, got, tt.want)
		}
	}
}

func TestParseFieldRejectsGarbage(t *testing.T) {
	fields := map[string]string{
		"delayMinutes":    "3.5",
		"disconnectCount": "not-a-number",
		"negative":        "-4",
	}
	if got := parseField(fields, "delayMinutes"); got != 3.5 {
		t.Fatalf("delayMinutes = %v", got)
	}
	if got := parseField(fields, "disconnectCount"); got != 0 {
		t.Fatalf("garbage must parse as zero, got %v", got)
	}
	if got := parseField(fields, "negative"); got != 0 {
		t.Fatalf("negative counters must clamp to zero, got %v", got)
	}
	if got := parseField(fields, "missing"); got != 0 {
		t.Fatalf("missing field must be zero, got %v", got)
	}
}

// With no redis configured every read is a miss and callers fall back to
// their defaults.
func TestScoreWithoutCache(t *testing.T) {
	r := NewReliability(cache.New(config.RedisConfig{}))
	r.RecordDelay("route-1", 5)
	r.RecordDisconnect("route-1")
	r.RecordHighCongestion("route-1", 2)

	if _, ok := r.Score("route-1"); ok {
		t.Fatal("score must report no data when the cache is disabled")
	}
}
