package graph

import (
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wudi/transit/internal/config"
	"github.com/wudi/transit/internal/geo"
	"github.com/wudi/transit/internal/logging"
	"github.com/wudi/transit/internal/model"
	"github.com/wudi/transit/internal/storage"
)

const fallbackRouteSpeedKmh = 20.0

// Builder materializes the routing graph from routes and their stops into
// the store. Rebuilds clear and rewrite both tables in one transaction.
type Builder struct {
	store storage.Store
	cfg   config.GraphConfig
}

// NewBuilder creates a graph builder.
func NewBuilder(store storage.Store, cfg config.GraphConfig) *Builder {
	return &Builder{store: store, cfg: cfg}
}

type buildNode struct {
	row    storage.StopNodeRow
	routes map[string]bool
}

// Build constructs nodes and edges from the given routes and persists them.
// It returns the node and edge counts.
func (b *Builder) Build(routes []*model.Route) (int, int, error) {
	byName := make(map[string]*buildNode)
	var order []string // deterministic node order

	nodeFor := func(s model.Stop, routeID string) *buildNode {
		key := foldName(s.Name)
		n, ok := byName[key]
		if !ok {
			n = &buildNode{
				row: storage.StopNodeRow{
					ID:     uuid.NewString(),
					StopID: s.ID,
					Name:   s.Name,
					Lat:    s.Lat,
					Lng:    s.Lng,
				},
				routes: make(map[string]bool),
			}
			byName[key] = n
			order = append(order, key)
		}
		n.routes[routeID] = true
		return n
	}

	var edges []storage.GraphEdgeRow
	addEdge := func(from, to *buildNode, e storage.GraphEdgeRow) {
		e.ID = uuid.NewString()
		e.FromNodeID = from.row.ID
		e.ToNodeID = to.row.ID
		edges = append(edges, e)
	}

	// Pass 1: bus edges, both directions per consecutive stop pair.
	for _, r := range routes {
		speed := r.AvgSpeedKmh
		if speed <= 0 {
			speed = fallbackRouteSpeedKmh
		}
		for i := 0; i < len(r.Stops); i++ {
			cur := nodeFor(r.Stops[i], r.ID)
			if i == 0 {
				continue
			}
			prev := byName[foldName(r.Stops[i-1].Name)]
			dist := geo.Haversine(prev.row.Lat, prev.row.Lng, cur.row.Lat, cur.row.Lng)
			travel := dist / speed * 60
			forward := storage.GraphEdgeRow{
				RouteID:       r.ID,
				RouteNumber:   r.Number,
				DistanceKm:    dist,
				AvgTravelTime: travel,
				StopOrder:     i,
			}
			// The mirrored edge is hop number len-i when the route is
			// ridden back from the terminus.
			reverse := forward
			reverse.StopOrder = len(r.Stops) - i
			addEdge(prev, cur, forward)
			addEdge(cur, prev, reverse)
		}
	}

	// Pass 2: walking transfer edges between nodes with non-identical route
	// sets within the walking radius.
	for i := 0; i < len(order); i++ {
		for j := i + 1; j < len(order); j++ {
			a, c := byName[order[i]], byName[order[j]]
			if sameRouteSet(a.routes, c.routes) {
				continue
			}
			dist := geo.Haversine(a.row.Lat, a.row.Lng, c.row.Lat, c.row.Lng)
			if dist > b.cfg.WalkRadiusKm {
				continue
			}
			walk := storage.GraphEdgeRow{
				RouteID:       TransferRouteID,
				RouteNumber:   "WALK",
				DistanceKm:    dist,
				AvgTravelTime: dist/b.cfg.WalkSpeedKmh*60 + b.cfg.TransferCostMin,
				TransferCost:  b.cfg.TransferCostMin,
			}
			addEdge(a, c, walk)
			addEdge(c, a, walk)
		}
	}

	nodes := make([]storage.StopNodeRow, 0, len(order))
	for _, key := range order {
		nodes = append(nodes, byName[key].row)
	}

	if err := b.store.ReplaceGraph(nodes, edges); err != nil {
		return 0, 0, err
	}
	logging.Info("transit graph rebuilt",
		zap.Int("nodes", len(nodes)),
		zap.Int("edges", len(edges)),
		zap.Int("routes", len(routes)))
	return len(nodes), len(edges), nil
}

func foldName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func sameRouteSet(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for r := range a {
		if !b[r] {
			return false
		}
	}
	return true
}
