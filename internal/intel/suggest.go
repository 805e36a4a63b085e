package intel

import (
	"math"
	"sort"
)

// Candidate is one bus considered by the suggestion ranker.
type Candidate struct {
	BusID            string  `json:"busId"`
	EtaMinutes       float64 `json:"etaMinutes"`
	DistanceMeters   float64 `json:"distanceMeters"`
	OccupancyPercent float64 `json:"occupancyPercent"`
	TrafficFactor    float64 `json:"trafficFactor"`
	Confidence       float64 `json:"confidence"`
}

// Suggestion is a ranked candidate with its composite score and reason.
type Suggestion struct {
	Candidate
	Rank   int     `json:"rank"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

// Rank scores candidates (lower is better) and returns the top 3.
func Rank(candidates []Candidate) []Suggestion {
	if len(candidates) == 0 {
		return []Suggestion{}
	}

	scored := make([]Suggestion, 0, len(candidates))
	for _, c := range candidates {
		score := 0.4*(c.EtaMinutes*60) +
			0.2*c.DistanceMeters +
			0.15*c.OccupancyPercent +
			0.15*(c.TrafficFactor*100) -
			120*c.Confidence
		if math.IsNaN(score) || math.IsInf(score, 0) {
			score = math.Inf(1)
		}
		scored = append(scored, Suggestion{Candidate: c, Score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score < scored[j].Score
	})

	if len(scored) > 3 {
		scored = scored[:3]
	}
	for i := range scored {
		scored[i].Rank = i + 1
		scored[i].Reason = reason(i+1, scored[i].Candidate)
	}
	return scored
}

func reason(rank int, c Candidate) string {
	if rank == 1 {
		switch {
		case c.EtaMinutes <= 3 && c.OccupancyPercent < 50:
			return "Arriving soon with plenty of seats"
		case c.EtaMinutes <= 3:
			return "Arriving soon"
		case c.OccupancyPercent < 30:
			return "Fastest option with empty seats"
		case c.DistanceMeters < 200:
			return "Very close by"
		default:
			return "Best overall option"
		}
	}
	switch {
	case c.OccupancyPercent < 30:
		return "Less crowded alternative"
	case c.DistanceMeters < 300:
		return "Close alternative"
	default:
		return "Alternative option"
	}
}
