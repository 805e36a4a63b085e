package realtime

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/wudi/transit/internal/geo"
	"github.com/wudi/transit/internal/intel"
	"github.com/wudi/transit/internal/logging"
	"github.com/wudi/transit/internal/model"
	"github.com/wudi/transit/internal/planner"
)

const nearbySameRouteKm = 0.3

// HandlePassengerConnect authenticates a passenger (or guest) and registers
// the passenger event handlers.
func (s *Service) HandlePassengerConnect(conn Conn, token string) (*Session, error) {
	claims, err := s.auth.Authenticate(NamespacePassenger, token)
	if err != nil {
		return nil, err
	}

	sess := NewSession(conn, NamespacePassenger, claims)
	s.hub.Add(sess)
	s.registerPassengerHandlers(sess)
	return sess, nil
}

// HandlePassengerDisconnect drops the session.
func (s *Service) HandlePassengerDisconnect(sess *Session) {
	s.hub.Remove(sess)
}

func (s *Service) registerPassengerHandlers(sess *Session) {
	sess.ClearHandlers()

	sess.On("location:send", func(p map[string]interface{}) {
		s.handlePassengerLocation(sess, p)
	})
	sess.On("route:plan", func(p map[string]interface{}) {
		s.handleRoutePlan(sess, p)
	})
	sess.On("notify:subscribe", func(p map[string]interface{}) {
		if s.notify == nil || sess.UserID() == "" {
			return
		}
		s.notify.Subscribe(getString(p, "routeId"), sess.UserID(), getString(p, "pushToken"))
	})
	sess.On("notify:unsubscribe", func(p map[string]interface{}) {
		if s.notify == nil || sess.UserID() == "" {
			return
		}
		s.notify.Unsubscribe(getString(p, "routeId"), sess.UserID())
	})
}

// EnrichedBus is a nearby bus with its intelligence overlay.
type EnrichedBus struct {
	model.BusView
	DistanceMeters float64                 `json:"distanceMeters"`
	ETA            intel.ETAResult         `json:"eta"`
	Confidence     intel.ConfidenceResult  `json:"confidence"`
	Reliability    *intel.ReliabilityResult `json:"reliability,omitempty"`
}

// handlePassengerLocation answers with the enriched nearby-bus list and the
// top-3 suggestions.
func (s *Service) handlePassengerLocation(sess *Session, p map[string]interface{}) {
	lat, latOK := getFloat(p, "lat")
	lng, lngOK := getFloat(p, "lng")
	if !latOK || !lngOK || !geo.ValidCoords(lat, lng) {
		sess.Emit("error", map[string]interface{}{"message": "invalid coordinates"})
		return
	}

	radius := s.cfg.NearbyRadiusKm
	if radius <= 0 {
		radius = 5
	}
	limit := s.cfg.NearbyLimit
	if limit <= 0 {
		limit = 50
	}
	buses, err := s.store.BusesNear(lat, lng, radius, limit)
	if err != nil {
		logging.Error("nearby bus query failed", zap.Error(err))
		sess.Emit("error", map[string]interface{}{"message": "failed to query buses"})
		return
	}

	nearbyCounts, routeOccAvg := clusterStats(buses)

	enriched := make([]EnrichedBus, 0, len(buses))
	candidates := make([]intel.Candidate, 0, len(buses))
	for _, bus := range buses {
		distKm := geo.Haversine(lat, lng, bus.Lat, bus.Lng)
		route, _ := s.store.GetRoute(bus.RouteID)
		routeAvg := 0.0
		if route != nil {
			routeAvg = route.AvgSpeedKmh
		}

		etaRes := s.eta.Estimate(intel.ETAInput{
			BusLat:            bus.Lat,
			BusLng:            bus.Lng,
			TargetLat:         lat,
			TargetLng:         lng,
			CurrentSpeedKmh:   bus.SpeedKmh,
			RouteAvgSpeedKmh:  routeAvg,
			RouteID:           bus.RouteID,
			OccupancyPercent:  bus.OccupancyPercent(),
			NearbySameRoute:   nearbyCounts[bus.ID],
			RouteOccupancyAvg: routeOccAvg[bus.RouteID],
		})
		confRes := intel.Confidence(intel.ConfidenceInput{
			TrafficLevel:          etaRes.TrafficLevel,
			CongestionLevel:       etaRes.CongestionLevel,
			SecondsSinceReconnect: s.secondsSinceReconnect(bus.ID),
			CurrentSpeedKmh:       bus.SpeedKmh,
			HistoricalSamples:     etaRes.HistoricalSamples,
		})

		eb := EnrichedBus{
			BusView:        bus.View(),
			DistanceMeters: distKm * 1000,
			ETA:            etaRes,
			Confidence:     confRes,
		}
		if s.reliability != nil && bus.RouteID != "" {
			if rel, ok := s.reliability.Score(bus.RouteID); ok {
				eb.Reliability = &rel
			}
		}
		enriched = append(enriched, eb)

		candidates = append(candidates, intel.Candidate{
			BusID:            bus.ID,
			EtaMinutes:       float64(etaRes.EstimatedMinutes),
			DistanceMeters:   distKm * 1000,
			OccupancyPercent: bus.OccupancyPercent(),
			TrafficFactor:    etaRes.TrafficFactor,
			Confidence:       confRes.Score,
		})

		// Opportunistic arriving push for authenticated passengers.
		if s.notify != nil && sess.UserID() != "" {
			if pushToken := getString(p, "pushToken"); pushToken != "" {
				s.notify.BusArriving(sess.UserID(), pushToken, bus.ID, float64(etaRes.EstimatedMinutes))
			}
		}
	}

	sess.Emit("buses:nearby", enriched)
	sess.Emit("buses:suggestions", intel.Rank(candidates))
}

// handleRoutePlan tries the direct stop-route lookup first, the graph
// planner as fallback.
func (s *Service) handleRoutePlan(sess *Session, p map[string]interface{}) {
	originLat, aOK := getFloat(p, "originLat")
	originLng, bOK := getFloat(p, "originLng")
	destLat, cOK := getFloat(p, "destLat")
	destLng, dOK := getFloat(p, "destLng")

	if s.direct != nil {
		q := planner.DirectQuery{
			OriginName: getString(p, "originName"),
			DestName:   getString(p, "destName"),
		}
		if aOK && bOK {
			q.Origin = &geo.Point{Lat: originLat, Lng: originLng}
		}
		if cOK && dOK {
			q.Dest = &geo.Point{Lat: destLat, Lng: destLng}
		}
		options, err := s.direct.Find(q)
		if err != nil {
			logging.Warn("direct lookup failed", zap.Error(err))
		} else if len(options) > 0 {
			sess.Emit("route:options", map[string]interface{}{
				"strategy": "direct",
				"options":  options,
			})
			return
		}
	}

	if s.planner == nil || !aOK || !bOK || !cOK || !dOK {
		sess.Emit("route:options", map[string]interface{}{
			"strategy": "none",
			"options":  []interface{}{},
		})
		return
	}
	plans := s.planner.Plan(
		geo.Point{Lat: originLat, Lng: originLng},
		geo.Point{Lat: destLat, Lng: destLng},
	)
	sess.Emit("route:options", map[string]interface{}{
		"strategy": "planner",
		"options":  plans,
	})
}

// clusterStats computes per-bus same-route neighbor counts within 300 m and
// the per-route occupancy average.
func clusterStats(buses []*model.Bus) (map[string]int, map[string]float64) {
	counts := make(map[string]int, len(buses))
	occSum := make(map[string]float64)
	occN := make(map[string]int)

	for i, a := range buses {
		if a.RouteID != "" {
			occSum[a.RouteID] += a.OccupancyPercent()
			occN[a.RouteID]++
		}
		for j, b := range buses {
			if i == j || a.RouteID == "" || a.RouteID != b.RouteID {
				continue
			}
			if geo.Haversine(a.Lat, a.Lng, b.Lat, b.Lng) <= nearbySameRouteKm {
				counts[a.ID]++
			}
		}
	}

	occAvg := make(map[string]float64, len(occSum))
	for routeID, sum := range occSum {
		occAvg[routeID] = sum / float64(occN[routeID])
	}
	return counts, occAvg
}

// publishBusLocation mirrors a bus update onto the pubsub channel.
func (s *Service) publishBusLocation(view model.BusView) {
	data, err := json.Marshal(view)
	if err != nil {
		return
	}
	s.cache.Publish(PubsubBusLocation, data)
}

// SubscribeCluster rebroadcasts bus updates and namespace notifications
// published by other processes to this process's connections. Fanout is
// at-least-once: the publishing process broadcasts locally as well.
func (s *Service) SubscribeCluster(ctx context.Context) {
	s.cache.Subscribe(ctx, PubsubBusLocation, func(payload []byte) {
		var view model.BusView
		if err := json.Unmarshal(payload, &view); err != nil {
			logging.Warn("malformed pubsub bus update", zap.Error(err))
			return
		}
		s.hub.Broadcast(NamespacePassenger, "bus:update", view)
		s.hub.Broadcast(NamespaceAdmin, "bus:update", view)
	})

	channels := map[string]Namespace{
		PubsubNotifyPassengers: NamespacePassenger,
		PubsubNotifyDrivers:    NamespaceDriver,
		PubsubNotifyAdmins:     NamespaceAdmin,
	}
	for channel, ns := range channels {
		namespace := ns
		s.cache.Subscribe(ctx, channel, func(payload []byte) {
			var env notificationEnvelope
			if err := json.Unmarshal(payload, &env); err != nil || env.Event == "" {
				logging.Warn("malformed pubsub notification", zap.Error(err))
				return
			}
			s.hub.Broadcast(namespace, env.Event, env.Data)
		})
	}
}

type notificationEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// PublishNotification pushes a namespace event onto the cluster channel so
// peer processes relay it to their own connections.
func (s *Service) PublishNotification(ns Namespace, event string, payload interface{}) {
	channel := PubsubNotifyPassengers
	switch ns {
	case NamespaceDriver:
		channel = PubsubNotifyDrivers
	case NamespaceAdmin:
		channel = PubsubNotifyAdmins
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	env, err := json.Marshal(notificationEnvelope{Event: event, Data: data})
	if err != nil {
		return
	}
	s.cache.Publish(channel, env)
}
