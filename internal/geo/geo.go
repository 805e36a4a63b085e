// Package geo holds the coordinate primitives shared by the intelligence,
// graph and simulation layers. All inputs are WGS-84 decimal degrees.
package geo

import (
	"math"
)

const earthRadiusKm = 6371.0

// Point is a WGS-84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Haversine returns the great-circle distance between two points in km.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// Distance is Haversine over Points.
func Distance(a, b Point) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng)
}

// InitialBearing returns the initial bearing from a to b in degrees [0, 360).
func InitialBearing(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := toRad(lat1)
	phi2 := toRad(lat2)
	dLng := toRad(lng2 - lng1)

	y := math.Sin(dLng) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLng)
	deg := toDeg(math.Atan2(y, x))
	return math.Mod(deg+360, 360)
}

// Interpolate returns the point a fraction t of the way from a to b.
// t is clamped to [0, 1]. Linear in lat/lng, which is fine at segment scale.
func Interpolate(a, b Point, t float64) Point {
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	return Point{
		Lat: a.Lat + (b.Lat-a.Lat)*t,
		Lng: a.Lng + (b.Lng-a.Lng)*t,
	}
}

// Subdivide splits a polyline until no segment exceeds maxSegmentKm.
// Degenerate inputs (fewer than two vertices) are returned unchanged.
func Subdivide(polyline []Point, maxSegmentKm float64) []Point {
	if len(polyline) < 2 || maxSegmentKm <= 0 {
		return polyline
	}
	out := make([]Point, 0, len(polyline))
	out = append(out, polyline[0])
	for i := 1; i < len(polyline); i++ {
		prev := polyline[i-1]
		cur := polyline[i]
		d := Distance(prev, cur)
		if d > maxSegmentKm {
			pieces := int(math.Ceil(d / maxSegmentKm))
			for s := 1; s < pieces; s++ {
				out = append(out, Interpolate(prev, cur, float64(s)/float64(pieces)))
			}
		}
		out = append(out, cur)
	}
	return out
}

// NearestIndex returns the index of the polyline vertex closest to p.
func NearestIndex(polyline []Point, p Point) int {
	best := 0
	bestDist := math.MaxFloat64
	for i, v := range polyline {
		d := Distance(v, p)
		if d < bestDist {
			bestDist = d
			best = i
		}
	}
	return best
}

// ValidCoords reports whether lat/lng are inside the WGS-84 envelope.
func ValidCoords(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180 &&
		!math.IsNaN(lat) && !math.IsNaN(lng)
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
func toDeg(rad float64) float64 { return rad * 180 / math.Pi }
