package graph

import "sort"

// Defaults used when a route has no recorded reliability or confidence.
const (
	defaultRouteReliability = 70.0
	defaultRouteConfidence  = 0.7
)

// RouteQuality supplies per-route reliability and confidence lookups for
// scoring. Either function may be nil; defaults then apply.
type RouteQuality struct {
	Reliability func(routeID string) (float64, bool)
	Confidence  func(routeID string) (float64, bool)
}

// ParetoFilter drops paths dominated on both totalTime and transferCount
// (strictly on at least one) by another path.
func ParetoFilter(paths []Path) []Path {
	var kept []Path
	for i, p := range paths {
		dominatedBy := false
		for j, q := range paths {
			if i == j {
				continue
			}
			if q.TotalTime <= p.TotalTime && q.Transfers <= p.Transfers &&
				(q.TotalTime < p.TotalTime || q.Transfers < p.Transfers) {
				dominatedBy = true
				break
			}
		}
		if !dominatedBy {
			kept = append(kept, p)
		}
	}
	return kept
}

// ScorePaths Pareto-filters, scores and sorts paths ascending (lower score
// is better), truncating to limit when positive.
func ScorePaths(paths []Path, quality RouteQuality, limit int) []ScoredPath {
	paths = ParetoFilter(paths)
	scored := make([]ScoredPath, 0, len(paths))
	for _, p := range paths {
		scored = append(scored, ScoredPath{Path: p, Score: scorePath(p, quality)})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score < scored[j].Score })
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

func scorePath(p Path, quality RouteQuality) float64 {
	var relSum, confSum float64
	var routes []string
	seen := make(map[string]bool)
	for _, e := range p.Edges {
		if e.IsWalking() || seen[e.RouteID] {
			continue
		}
		seen[e.RouteID] = true
		routes = append(routes, e.RouteID)
	}
	for _, id := range routes {
		rel := defaultRouteReliability
		if quality.Reliability != nil {
			if v, ok := quality.Reliability(id); ok {
				rel = v
			}
		}
		conf := defaultRouteConfidence
		if quality.Confidence != nil {
			if v, ok := quality.Confidence(id); ok {
				conf = v
			}
		}
		relSum += rel
		confSum += conf
	}
	avgRel, avgConf := defaultRouteReliability, defaultRouteConfidence
	if len(routes) > 0 {
		avgRel = relSum / float64(len(routes))
		avgConf = confSum / float64(len(routes))
	}
	return p.TotalTime*0.5 + float64(p.Transfers)*10 - (avgRel/100)*3 - avgConf*5
}
