package intel

import (
	"math"
	"testing"
)

func TestRankOrdersByScore(t *testing.T) {
	out := Rank([]Candidate{
		{BusID: "slow", EtaMinutes: 20, DistanceMeters: 900, OccupancyPercent: 80, TrafficFactor: 1.2, Confidence: 0.6},
		{BusID: "fast", EtaMinutes: 2, DistanceMeters: 100, OccupancyPercent: 20, TrafficFactor: 1.0, Confidence: 0.9},
		{BusID: "mid", EtaMinutes: 8, DistanceMeters: 400, OccupancyPercent: 50, TrafficFactor: 1.1, Confidence: 0.8},
	})
	if len(out) != 3 {
		t.Fatalf("len = %d", len(out))
	}
	if out[0].BusID != "fast" || out[1].BusID != "mid" || out[2].BusID != "slow" {
		t.Fatalf("order = %s, %s, %s", out[0].BusID, out[1].BusID, out[2].BusID)
	}
	for i, s := range out {
		if s.Rank != i+1 {
			t.Fatalf("rank[%d] = %d", i, s.Rank)
		}
	}
}

func TestRankScoreFormula(t *testing.T) {
	c := Candidate{EtaMinutes: 5, DistanceMeters: 300, OccupancyPercent: 40, TrafficFactor: 1.1, Confidence: 0.8}
	out := Rank([]Candidate{c})

	want := 0.4*(5*60) + 0.2*300 + 0.15*40 + 0.15*(1.1*100) - 120*0.8
	if math.Abs(out[0].Score-want) > 1e-9 {
		t.Fatalf("Score = %v, want %v", out[0].Score, want)
	}
}

func TestRankCapsAtThree(t *testing.T) {
	var in []Candidate
	for i := 0; i < 6; i++ {
		in = append(in, Candidate{BusID: string(rune('a' + i)), EtaMinutes: float64(i)})
	}
	if out := Rank(in); len(out) != 3 {
		t.Fatalf("len = %d, want 3", len(out))
	}
}

func TestRankEmptyInput(t *testing.T) {
	if out := Rank(nil); out == nil || len(out) != 0 {
		t.Fatalf("got %v, want empty slice", out)
	}
}

func TestRankNonFiniteScoresSinkToBottom(t *testing.T) {
	out := Rank([]Candidate{
		{BusID: "nan", EtaMinutes: math.NaN()},
		{BusID: "ok", EtaMinutes: 5, Confidence: 0.8},
	})
	if out[0].BusID != "ok" {
		t.Fatalf("first = %s", out[0].BusID)
	}
	if !math.IsInf(out[1].Score, 1) {
		t.Fatalf("non-finite score must become +Inf, got %v", out[1].Score)
	}
}

func TestRankReasons(t *testing.T) {
	tests := []struct {
		name string
		rank int
		c    Candidate
		want string
	}{
		{"soon and empty", 1, Candidate{EtaMinutes: 2, OccupancyPercent: 30}, "Arriving soon with plenty of seats"},
		{"soon and packed", 1, Candidate{EtaMinutes: 2, OccupancyPercent: 90}, "Arriving soon"},
		{"fast and empty", 1, Candidate{EtaMinutes: 10, OccupancyPercent: 10}, "Fastest option with empty seats"},
		{"very close", 1, Candidate{EtaMinutes: 10, OccupancyPercent: 60, DistanceMeters: 150}, "Very close by"},
		{"generic best", 1, Candidate{EtaMinutes: 10, OccupancyPercent: 60, DistanceMeters: 500}, "Best overall option"},
		{"runner-up empty", 2, Candidate{OccupancyPercent: 10, DistanceMeters: 500}, "Less crowded alternative"},
		{"runner-up close", 2, Candidate{OccupancyPercent: 60, DistanceMeters: 250}, "Close alternative"},
		{"runner-up generic", 3, Candidate{OccupancyPercent: 60, DistanceMeters: 500}, "Alternative option"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := reason(tt.rank, tt.c); got != tt.want {
				t.Fatalf("reason = %q, want %q", got, tt.want)
			}
		})
	}
}
