package geo

import (
	"math"
	"testing"
)

func TestHaversineKnownDistance(t *testing.T) {
	// Hyderabad city centre to Secunderabad, roughly 6.3 km.
	d := Haversine(17.385, 78.486, 17.440, 78.500)
	if d < 6.0 || d > 6.6 {
		t.Fatalf("Haversine = %.3f km, want ~6.3", d)
	}
}

func TestHaversineZero(t *testing.T) {
	if d := Haversine(17.385, 78.486, 17.385, 78.486); d != 0 {
		t.Fatalf("identical points: got %v, want 0", d)
	}
}

func TestDistanceMatchesHaversine(t *testing.T) {
	a := Point{Lat: 17.385, Lng: 78.486}
	b := Point{Lat: 17.44, Lng: 78.5}
	if got, want := Distance(a, b), Haversine(a.Lat, a.Lng, b.Lat, b.Lng); got != want {
		t.Fatalf("Distance = %v, want %v", got, want)
	}
}

func TestInitialBearing(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lng1, lat2, lng2 float64
		want                   float64
	}{
		{"due north", 17.0, 78.0, 18.0, 78.0, 0},
		{"due east", 0, 78.0, 0, 79.0, 90},
		{"due south", 18.0, 78.0, 17.0, 78.0, 180},
		{"due west", 0, 79.0, 0, 78.0, 270},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := InitialBearing(tt.lat1, tt.lng1, tt.lat2, tt.lng2)
			if math.Abs(got-tt.want) > 0.5 {
				t.Fatalf("InitialBearing = %.2f, want %.2f", got, tt.want)
			}
		})
	}
}

func TestInterpolateClamps(t *testing.T) {
	a := Point{Lat: 10, Lng: 20}
	b := Point{Lat: 12, Lng: 24}

	if got := Interpolate(a, b, -0.5); got != a {
		t.Fatalf("t<0: got %+v, want %+v", got, a)
	}
	if got := Interpolate(a, b, 1.5); got != b {
		t.Fatalf("t>1: got %+v, want %+v", got, b)
	}
	mid := Interpolate(a, b, 0.5)
	if mid.Lat != 11 || mid.Lng != 22 {
		t.Fatalf("midpoint: got %+v", mid)
	}
}

func TestSubdivide(t *testing.T) {
	line := []Point{
		{Lat: 17.385, Lng: 78.486},
		{Lat: 17.440, Lng: 78.500},
	}
	out := Subdivide(line, 0.03)
	if len(out) < 100 {
		t.Fatalf("expected a dense polyline, got %d vertices", len(out))
	}
	if out[0] != line[0] || out[len(out)-1] != line[1] {
		t.Fatal("endpoints must be preserved")
	}
	for i := 1; i < len(out); i++ {
		if d := Distance(out[i-1], out[i]); d > 0.0301 {
			t.Fatalf("segment %d is %.4f km, exceeds cap", i, d)
		}
	}
}

func TestSubdivideDegenerate(t *testing.T) {
	single := []Point{{Lat: 1, Lng: 2}}
	if got := Subdivide(single, 0.03); len(got) != 1 {
		t.Fatalf("single vertex: got %d", len(got))
	}
	if got := Subdivide(nil, 0.03); got != nil {
		t.Fatalf("nil polyline: got %v", got)
	}
}

func TestNearestIndex(t *testing.T) {
	line := []Point{
		{Lat: 17.0, Lng: 78.0},
		{Lat: 17.1, Lng: 78.0},
		{Lat: 17.2, Lng: 78.0},
	}
	if got := NearestIndex(line, Point{Lat: 17.11, Lng: 78.0}); got != 1 {
		t.Fatalf("NearestIndex = %d, want 1", got)
	}
	if got := NearestIndex(line, Point{Lat: 17.25, Lng: 78.0}); got != 2 {
		t.Fatalf("NearestIndex = %d, want 2", got)
	}
}

func TestValidCoords(t *testing.T) {
	tests := []struct {
		lat, lng float64
		want     bool
	}{
		{17.385, 78.486, true},
		{90, 180, true},
		{-90, -180, true},
		{91, 0, false},
		{0, 181, false},
		{math.NaN(), 0, false},
		{0, math.NaN(), false},
	}
	for _, tt := range tests {
		if got := ValidCoords(tt.lat, tt.lng); got != tt.want {
			t.Errorf("ValidCoords(%v, %v) = %v, want %v", tt.lat, tt.lng, got, tt.want)
		}
	}
}
