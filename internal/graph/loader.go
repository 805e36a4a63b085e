package graph

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/wudi/transit/internal/geo"
	"github.com/wudi/transit/internal/logging"
	"github.com/wudi/transit/internal/storage"
)

// Graph holds the loaded routing graph. Reload builds new indexes in local
// variables and swaps them in atomically; readers work against an immutable
// Snapshot for the duration of a call.
type Graph struct {
	store storage.Store

	mu   sync.RWMutex
	snap *Snapshot
}

// Snapshot is an immutable view of the graph. Safe for concurrent use.
type Snapshot struct {
	nodes     map[string]Node
	adjacency map[string][]Edge
	component map[string]int
	edgeCount int
}

// NewGraph creates an empty graph over the store.
func NewGraph(store storage.Store) *Graph {
	return &Graph{
		store: store,
		snap:  emptySnapshot(),
	}
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		nodes:     map[string]Node{},
		adjacency: map[string][]Edge{},
		component: map[string]int{},
	}
}

// Reload reads nodes and edges from the store, rebuilds the adjacency map
// and component labels, and swaps the snapshot in.
func (g *Graph) Reload() error {
	rows, err := g.store.GraphNodes()
	if err != nil {
		return err
	}
	edgeRows, err := g.store.GraphEdges()
	if err != nil {
		return err
	}

	snap := emptySnapshot()
	for _, r := range rows {
		snap.nodes[r.ID] = Node{ID: r.ID, StopID: r.StopID, Name: r.Name, Lat: r.Lat, Lng: r.Lng}
	}
	for _, r := range edgeRows {
		if _, ok := snap.nodes[r.FromNodeID]; !ok {
			continue
		}
		if _, ok := snap.nodes[r.ToNodeID]; !ok {
			continue
		}
		snap.adjacency[r.FromNodeID] = append(snap.adjacency[r.FromNodeID], Edge{
			From:          r.FromNodeID,
			To:            r.ToNodeID,
			RouteID:       r.RouteID,
			RouteNumber:   r.RouteNumber,
			DistanceKm:    r.DistanceKm,
			AvgTravelTime: r.AvgTravelTime,
			TransferCost:  r.TransferCost,
		})
		snap.edgeCount++
	}
	snap.labelComponents()

	g.mu.Lock()
	g.snap = snap
	g.mu.Unlock()

	logging.Info("transit graph loaded",
		zap.Int("nodes", len(snap.nodes)),
		zap.Int("edges", snap.edgeCount))
	return nil
}

// Snapshot returns the current immutable view.
func (g *Graph) Snapshot() *Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snap
}

// labelComponents BFS-labels connected components over the adjacency map.
func (s *Snapshot) labelComponents() {
	next := 0
	for id := range s.nodes {
		if _, seen := s.component[id]; seen {
			continue
		}
		queue := []string{id}
		s.component[id] = next
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, e := range s.adjacency[cur] {
				if _, seen := s.component[e.To]; !seen {
					s.component[e.To] = next
					queue = append(queue, e.To)
				}
			}
		}
		next++
	}
}

// AreConnected is an O(1) component check; false for unknown nodes.
func (s *Snapshot) AreConnected(a, b string) bool {
	ca, ok := s.component[a]
	if !ok {
		return false
	}
	cb, ok := s.component[b]
	return ok && ca == cb
}

// Node returns a node by id.
func (s *Snapshot) Node(id string) (Node, bool) {
	n, ok := s.nodes[id]
	return n, ok
}

// Neighbors returns the outgoing edges of a node. Callers must not mutate
// the returned slice.
func (s *Snapshot) Neighbors(id string) []Edge {
	return s.adjacency[id]
}

// NodeCount returns the number of nodes.
func (s *Snapshot) NodeCount() int { return len(s.nodes) }

// EdgeCount returns the number of directed edges.
func (s *Snapshot) EdgeCount() int { return s.edgeCount }

// NearestNodes returns up to limit nodes within radiusKm of the point,
// closest first.
func (s *Snapshot) NearestNodes(lat, lng, radiusKm float64, limit int) []Node {
	type scored struct {
		node Node
		dist float64
	}
	var found []scored
	for _, n := range s.nodes {
		d := geo.Haversine(lat, lng, n.Lat, n.Lng)
		if d <= radiusKm {
			found = append(found, scored{n, d})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].dist < found[j].dist })
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	out := make([]Node, len(found))
	for i, f := range found {
		out[i] = f.node
	}
	return out
}
