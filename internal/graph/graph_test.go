package graph

// Shared test fixtures. testSnapshot builds a small in-memory snapshot
// directly, bypassing the store; builder and loader tests go through
// storage.MemoryStore instead.

func newTestSnapshot(nodes []Node, edges []Edge) *Snapshot {
	snap := emptySnapshot()
	for _, n := range nodes {
		snap.nodes[n.ID] = n
	}
	for _, e := range edges {
		snap.adjacency[e.From] = append(snap.adjacency[e.From], e)
		snap.edgeCount++
	}
	snap.labelComponents()
	return snap
}

func busEdge(from, to, routeID string, minutes float64) Edge {
	return Edge{
		From:          from,
		To:            to,
		RouteID:       routeID,
		RouteNumber:   routeID,
		DistanceKm:    minutes / 3, // ~20 km/h
		AvgTravelTime: minutes,
	}
}

func walkEdge(from, to string, minutes float64) Edge {
	return Edge{
		From:          from,
		To:            to,
		RouteID:       TransferRouteID,
		RouteNumber:   "WALK",
		DistanceKm:    minutes * 0.075, // 4.5 km/h
		AvgTravelTime: minutes,
		TransferCost:  3,
	}
}

// lineNodes lays n nodes northward along lng 78, 0.01 degrees (~1.1 km)
// apart, with ids "n0".."n{n-1}".
func lineNodes(n int) []Node {
	out := make([]Node, n)
	for i := range out {
		out[i] = Node{
			ID:   nodeID(i),
			Name: "Stop " + string(rune('A'+i)),
			Lat:  17.0 + float64(i)*0.01,
			Lng:  78.0,
		}
	}
	return out
}

func nodeID(i int) string {
	return "n" + string(rune('0'+i))
}
