// Package graph implements the transit routing engine: a persisted stop
// graph, its in-memory loader with connected-component labels, a modified
// Dijkstra with transfer state and dominance pruning, and the scorer and
// serializer that turn raw paths into passenger-facing route plans.
package graph

import "strings"

// TransferRouteID marks walking transfer edges.
const TransferRouteID = "transfer"

// Node is a deduplicated stop vertex. Stops sharing a case-folded name
// collapse to one node.
type Node struct {
	ID     string  `json:"id"`
	StopID string  `json:"stopId"`
	Name   string  `json:"name"`
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
}

// Edge is a directed connection between two nodes. Bus edges carry the
// route's identity; walking edges use TransferRouteID and "WALK".
type Edge struct {
	From          string  `json:"from"`
	To            string  `json:"to"`
	RouteID       string  `json:"routeId"`
	RouteNumber   string  `json:"routeNumber"`
	DistanceKm    float64 `json:"distanceKm"`
	AvgTravelTime float64 `json:"avgTravelTimeMin"`
	TransferCost  float64 `json:"transferCostMin"`
}

// IsWalking reports whether the edge is a walking transfer.
func (e Edge) IsWalking() bool {
	return e.RouteID == TransferRouteID
}

// Path is one origin-to-destination route through the graph.
type Path struct {
	Edges     []Edge  `json:"edges"`
	TotalTime float64 `json:"totalTimeMin"` // includes transfer penalties
	Transfers int     `json:"transfers"`
}

// SegmentKey collapses consecutive same-route edges and joins the remaining
// route ids. Two paths with equal segment keys are duplicates.
func (p Path) SegmentKey() string {
	var segs []string
	for _, e := range p.Edges {
		if len(segs) == 0 || segs[len(segs)-1] != e.RouteID {
			segs = append(segs, e.RouteID)
		}
	}
	return strings.Join(segs, ">")
}

// ScoredPath is a path with its composite rank score (lower is better).
type ScoredPath struct {
	Path
	Score float64 `json:"score"`
}
