package graph

import (
	"math"
	"time"

	"github.com/wudi/transit/internal/geo"
)

const (
	walkSkipKm      = 0.03 // origin/destination walks under 30 m are elided
	walkPaceMPerMin = 80.0
	walkLegCapMin   = 25
)

// LegMode distinguishes walking from riding.
type LegMode string

const (
	LegWalk LegMode = "WALK"
	LegBus  LegMode = "BUS"
)

// Leg is one stage of a serialized route plan.
type Leg struct {
	Mode        LegMode `json:"mode"`
	RouteID     string  `json:"routeId,omitempty"`
	RouteNumber string  `json:"routeNumber,omitempty"`
	FromName    string  `json:"fromName"`
	ToName      string  `json:"toName"`
	FromLat     float64 `json:"fromLat"`
	FromLng     float64 `json:"fromLng"`
	ToLat       float64 `json:"toLat"`
	ToLng       float64 `json:"toLng"`
	DistanceKm  float64 `json:"distanceKm"`
	EtaMinutes  int     `json:"etaMinutes"`
	StopCount   int     `json:"stopCount,omitempty"`
}

// PlanResult is a complete passenger-facing route plan.
type PlanResult struct {
	Legs             []Leg     `json:"legs"`
	TotalEtaMinutes  int       `json:"totalEtaMinutes"`
	ArrivalTime      time.Time `json:"arrivalTime"`
	TransferCount    int       `json:"transferCount"`
	ReliabilityScore int       `json:"reliabilityScore"`
	Confidence       float64   `json:"confidence"`
	Score            float64   `json:"score"`
}

// WalkCaps bounds the walking portion of a plan. Violations discard the
// entire plan.
type WalkCaps struct {
	MaxLegMin  float64
	MaxTotalKm float64
}

// Serialize turns a scored path into a route plan with walking legs at both
// ends. ok is false when a walk cap is breached and the plan is dropped.
func (s *Snapshot) Serialize(sp ScoredPath, origin, dest geo.Point, now time.Time, caps WalkCaps) (*PlanResult, bool) {
	if len(sp.Edges) == 0 {
		return nil, false
	}
	firstNode, ok := s.nodes[sp.Edges[0].From]
	if !ok {
		return nil, false
	}
	lastNode, ok := s.nodes[sp.Edges[len(sp.Edges)-1].To]
	if !ok {
		return nil, false
	}

	var legs []Leg

	if d := geo.Haversine(origin.Lat, origin.Lng, firstNode.Lat, firstNode.Lng); d > walkSkipKm {
		legs = append(legs, walkLeg("Origin", origin, firstNode.Name, geo.Point{Lat: firstNode.Lat, Lng: firstNode.Lng}, d))
	}

	// Group consecutive same-route edges into one BUS leg; standalone walking
	// edges become WALK legs.
	i := 0
	for i < len(sp.Edges) {
		e := sp.Edges[i]
		from := s.nodes[e.From]
		if e.IsWalking() {
			to := s.nodes[e.To]
			legs = append(legs, walkLeg(from.Name, geo.Point{Lat: from.Lat, Lng: from.Lng}, to.Name, geo.Point{Lat: to.Lat, Lng: to.Lng}, e.DistanceKm))
			i++
			continue
		}
		j := i
		var dist, travel float64
		for j < len(sp.Edges) && sp.Edges[j].RouteID == e.RouteID {
			dist += sp.Edges[j].DistanceKm
			travel += sp.Edges[j].AvgTravelTime
			j++
		}
		to := s.nodes[sp.Edges[j-1].To]
		legs = append(legs, Leg{
			Mode:        LegBus,
			RouteID:     e.RouteID,
			RouteNumber: e.RouteNumber,
			FromName:    from.Name,
			ToName:      to.Name,
			FromLat:     from.Lat,
			FromLng:     from.Lng,
			ToLat:       to.Lat,
			ToLng:       to.Lng,
			DistanceKm:  dist,
			EtaMinutes:  int(math.Round(travel)),
			StopCount:   j - i,
		})
		i = j
	}

	if d := geo.Haversine(lastNode.Lat, lastNode.Lng, dest.Lat, dest.Lng); d > walkSkipKm {
		legs = append(legs, walkLeg(lastNode.Name, geo.Point{Lat: lastNode.Lat, Lng: lastNode.Lng}, "Destination", dest, d))
	}

	var walkKm float64
	for _, l := range legs {
		if l.Mode != LegWalk {
			continue
		}
		if l.DistanceKm*1000/walkPaceMPerMin > caps.MaxLegMin {
			return nil, false
		}
		walkKm += l.DistanceKm
	}
	if walkKm > caps.MaxTotalKm {
		return nil, false
	}

	total := 0
	for _, l := range legs {
		total += l.EtaMinutes
	}

	return &PlanResult{
		Legs:             legs,
		TotalEtaMinutes:  total,
		ArrivalTime:      now.Add(time.Duration(total) * time.Minute),
		TransferCount:    sp.Transfers,
		ReliabilityScore: reliabilityByTransfers(sp.Transfers),
		Confidence:       planConfidence(sp.Transfers, sp.TotalTime),
		Score:            sp.Score,
	}, true
}

func walkLeg(fromName string, from geo.Point, toName string, to geo.Point, distKm float64) Leg {
	eta := int(math.Round(distKm * 1000 / walkPaceMPerMin))
	if eta > walkLegCapMin {
		eta = walkLegCapMin
	}
	return Leg{
		Mode:       LegWalk,
		FromName:   fromName,
		ToName:     toName,
		FromLat:    from.Lat,
		FromLng:    from.Lng,
		ToLat:      to.Lat,
		ToLng:      to.Lng,
		DistanceKm: distKm,
		EtaMinutes: eta,
	}
}

func reliabilityByTransfers(transfers int) int {
	switch {
	case transfers == 0:
		return 85
	case transfers == 1:
		return 72
	default:
		return 60
	}
}

func planConfidence(transfers int, totalTime float64) float64 {
	conf := 0.90 - 0.1*float64(transfers)
	if totalTime > 60 {
		conf -= 0.1
	}
	if conf < 0.45 {
		conf = 0.45
	}
	return conf
}
