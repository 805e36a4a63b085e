package graph

import (
	"container/heap"
	"time"

	"github.com/wudi/transit/internal/config"
)

// SearchOptions bounds one Dijkstra invocation.
type SearchOptions struct {
	MaxResults      int
	MaxTransfers    int
	TransferPenalty float64
	TrafficFactor   float64
	MaxIterations   int
	MaxHeapSize     int
	TimeBudget      time.Duration
	PruneFactor     float64
}

// SearchOptionsFrom derives search options from the routing config.
func SearchOptionsFrom(cfg config.RoutingConfig, maxResults int) SearchOptions {
	return SearchOptions{
		MaxResults:      maxResults,
		MaxTransfers:    cfg.MaxTransfers,
		TransferPenalty: cfg.TransferPenalty,
		TrafficFactor:   1.0,
		MaxIterations:   cfg.MaxIterations,
		MaxHeapSize:     cfg.MaxHeapSize,
		TimeBudget:      cfg.TimeBudget,
		PruneFactor:     cfg.PruneFactor,
	}
}

// SearchStats reports per-call search effort.
type SearchStats struct {
	Iterations      int           `json:"iterations"`
	HeapPeak        int           `json:"heapPeak"`
	HeapDrops       int           `json:"heapDrops"`
	EarlyExits      int           `json:"earlyExits"`
	DominatedPrunes int           `json:"dominatedPrunes"`
	Results         int           `json:"results"`
	Duration        time.Duration `json:"duration"`
	TimedOut        bool          `json:"timedOut"`
}

// stateKey identifies a search state: where we are, which route we rode in
// on, and how many transfers it took.
type stateKey struct {
	node      string
	route     string
	transfers int
}

type lightState struct {
	edge    Edge
	prev    stateKey
	hasPrev bool
	cost    float64
}

type heapEntry struct {
	key  stateKey
	cost float64
}

type searchHeap []heapEntry

func (h searchHeap) Len() int            { return len(h) }
func (h searchHeap) Less(i, j int) bool  { return h[i].cost < h[j].cost }
func (h searchHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *searchHeap) Push(x interface{}) { *h = append(*h, x.(heapEntry)) }
func (h *searchHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

type frontierEntry struct {
	cost      float64
	transfers int
}

// FindPaths runs the modified Dijkstra from origin to dest over the
// snapshot. It never returns an error: cap breaches produce a truncated but
// consistent result with TimedOut set in stats.
func (s *Snapshot) FindPaths(origin, dest string, opt SearchOptions) ([]Path, SearchStats) {
	start := time.Now()
	var stats SearchStats
	finish := func(paths []Path) ([]Path, SearchStats) {
		stats.Results = len(paths)
		stats.Duration = time.Since(start)
		return paths, stats
	}

	if _, ok := s.nodes[origin]; !ok {
		return finish(nil)
	}
	if _, ok := s.nodes[dest]; !ok {
		return finish(nil)
	}
	if opt.MaxResults <= 0 {
		opt.MaxResults = 1
	}
	if opt.PruneFactor <= 0 {
		opt.PruneFactor = 1.3
	}
	if opt.TrafficFactor <= 0 {
		opt.TrafficFactor = 1.0
	}

	states := make(map[stateKey]lightState)
	visited := make(map[stateKey]float64)
	dominance := make(map[string][]frontierEntry)

	h := &searchHeap{}
	startKey := stateKey{node: origin}
	states[startKey] = lightState{}
	heap.Push(h, heapEntry{key: startKey, cost: 0})

	bestCost := -1.0 // no destination reached yet
	var destKeys []stateKey

	push := func(key stateKey, cost float64) {
		if opt.MaxHeapSize > 0 && h.Len() >= opt.MaxHeapSize {
			if bestCost < 0 || cost > opt.PruneFactor*bestCost {
				stats.HeapDrops++
				return
			}
		}
		heap.Push(h, heapEntry{key: key, cost: cost})
		if h.Len() > stats.HeapPeak {
			stats.HeapPeak = h.Len()
		}
	}

	for h.Len() > 0 {
		stats.Iterations++
		if opt.MaxIterations > 0 && stats.Iterations > opt.MaxIterations {
			stats.TimedOut = true
			break
		}
		if stats.Iterations%256 == 0 && opt.TimeBudget > 0 && time.Since(start) > opt.TimeBudget {
			stats.TimedOut = true
			break
		}

		entry := heap.Pop(h).(heapEntry)
		if prev, seen := visited[entry.key]; seen && prev <= entry.cost {
			continue
		}
		visited[entry.key] = entry.cost

		if bestCost >= 0 && entry.cost > opt.PruneFactor*bestCost {
			stats.EarlyExits++
			continue
		}

		if entry.key.node == dest {
			if bestCost < 0 || entry.cost < bestCost {
				bestCost = entry.cost
			}
			destKeys = append(destKeys, entry.key)
			if len(destKeys) >= 2*opt.MaxResults {
				break
			}
			if entry.cost > opt.PruneFactor*bestCost {
				break
			}
			continue
		}

		for _, e := range s.adjacency[entry.key.node] {
			cost := entry.cost + e.AvgTravelTime*opt.TrafficFactor
			transfers := entry.key.transfers
			if entry.key.route != "" && entry.key.route != e.RouteID {
				transfers++
				cost += opt.TransferPenalty
			}
			if transfers > opt.MaxTransfers {
				continue
			}

			if dominated(dominance[e.To], cost, transfers) {
				stats.DominatedPrunes++
				continue
			}
			dominance[e.To] = insertFrontier(dominance[e.To], cost, transfers)

			key := stateKey{node: e.To, route: e.RouteID, transfers: transfers}
			if prev, seen := visited[key]; seen && prev <= cost {
				continue
			}
			if existing, seen := states[key]; !seen || cost < existing.cost || !existing.hasPrev {
				states[key] = lightState{edge: e, prev: entry.key, hasPrev: true, cost: cost}
			}
			push(key, cost)
		}
	}

	paths := reconstruct(states, destKeys, opt.MaxResults)
	return finish(paths)
}

// dominated reports whether (cost, transfers) is beaten-or-equaled on both
// axes by a frontier entry, strictly on at least one.
func dominated(frontier []frontierEntry, cost float64, transfers int) bool {
	for _, f := range frontier {
		if f.cost <= cost && f.transfers <= transfers &&
			(f.cost < cost || f.transfers < transfers) {
			return true
		}
	}
	return false
}

// insertFrontier removes entries the candidate dominates, then appends it.
func insertFrontier(frontier []frontierEntry, cost float64, transfers int) []frontierEntry {
	kept := frontier[:0]
	for _, f := range frontier {
		if cost <= f.cost && transfers <= f.transfers &&
			(cost < f.cost || transfers < f.transfers) {
			continue
		}
		kept = append(kept, f)
	}
	return append(kept, frontierEntry{cost: cost, transfers: transfers})
}

// reconstruct walks predecessor chains backwards, drops duplicate segment
// sequences, and truncates to maxResults.
func reconstruct(states map[stateKey]lightState, destKeys []stateKey, maxResults int) []Path {
	var paths []Path
	seen := make(map[string]bool)
	for _, dk := range destKeys {
		var edges []Edge
		key := dk
		for {
			st, ok := states[key]
			if !ok || !st.hasPrev {
				break
			}
			edges = append(edges, st.edge)
			key = st.prev
		}
		if len(edges) == 0 {
			continue
		}
		for i, j := 0, len(edges)-1; i < j; i, j = i+1, j-1 {
			edges[i], edges[j] = edges[j], edges[i]
		}
		p := Path{Edges: edges, TotalTime: states[dk].cost, Transfers: dk.transfers}
		segKey := p.SegmentKey()
		if seen[segKey] {
			continue
		}
		seen[segKey] = true
		paths = append(paths, p)
		if len(paths) >= maxResults {
			break
		}
	}
	return paths
}
