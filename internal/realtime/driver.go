package realtime

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wudi/transit/internal/errors"
	"github.com/wudi/transit/internal/geo"
	"github.com/wudi/transit/internal/logging"
	"github.com/wudi/transit/internal/model"
	"github.com/wudi/transit/internal/safety"
	"github.com/wudi/transit/internal/storage"
)

// HandleDriverConnect authenticates a driver connection and runs the
// connect flow. The returned session is registered with the hub; callers
// must invoke HandleDriverDisconnect when the transport drops.
func (s *Service) HandleDriverConnect(conn Conn, token string) (*Session, error) {
	claims, err := s.auth.Authenticate(NamespaceDriver, token)
	if err != nil {
		return nil, err
	}

	sess := NewSession(conn, NamespaceDriver, claims)
	s.hub.Add(sess)

	driver, err := s.store.GetDriverByUser(claims.UserID)
	if err != nil {
		s.hub.Remove(sess)
		return nil, errors.Wrap(err, "DRIVER_NOT_FOUND", "no driver profile for user")
	}

	// Pending and bus-less drivers hold the socket without operational
	// handlers; an admin approval or assignment re-runs the flow.
	if !driver.Approved {
		sess.Emit("driver:pending-approval", map[string]interface{}{
			"driverId": driver.ID,
		})
		return sess, nil
	}
	if driver.BusID == "" {
		sess.Emit("driver:no-bus-assigned", map[string]interface{}{
			"driverId": driver.ID,
		})
		return sess, nil
	}

	bus, err := s.store.GetBus(driver.BusID)
	if err != nil {
		s.hub.Remove(sess)
		return nil, errors.Wrap(err, "BUS_NOT_FOUND", "assigned bus missing")
	}

	if err := s.hybrid.Register(bus.ID, driver.ID, bus.RouteID); err != nil {
		if te, ok := errors.IsTransitError(err); ok {
			sess.Emit("error", te)
		}
		s.hub.Remove(sess)
		sess.Close()
		return nil, err
	}

	bus.Status = model.BusActive
	bus.Simulated = false
	bus.UpdatedAt = time.Now()
	if err := s.store.SaveBus(bus); err != nil {
		logging.Error("driver connect: bus activation write failed",
			zap.String("bus", bus.ID), zap.Error(err))
	}

	wasDisconnected := driver.State == model.DriverDisconnected
	if err := s.states.Transition(driver.ID, model.DriverOnline, "driver connected"); err != nil {
		logging.Warn("driver connect: transition failed",
			zap.String("driver", driver.ID), zap.Error(err))
	}
	if wasDisconnected {
		s.markReconnected(bus.ID)
	}
	s.states.RecordActivity(driver.ID)
	s.refreshDriverKeys(claims.UserID, bus.ID, sess.ID())

	s.registerDriverHandlers(sess, driver, bus)

	initPayload := map[string]interface{}{
		"driverId":       driver.ID,
		"userId":         driver.UserID,
		"busId":          bus.ID,
		"registrationNo": bus.RegistrationNo,
		"capacity":       bus.Capacity,
		"approved":       driver.Approved,
		"status":         string(model.DriverOnline),
	}
	if bus.RouteID != "" {
		initPayload["routeId"] = bus.RouteID
		if route, err := s.store.GetRoute(bus.RouteID); err == nil && route != nil {
			initPayload["routeNumber"] = route.Number
			initPayload["routeName"] = route.Name
		}
	}
	// Crash recovery: surface any trip the driver left running.
	if trip, err := s.store.ActiveTripForBus(bus.ID); err == nil && trip != nil {
		initPayload["activeTripId"] = trip.ID
		initPayload["tripStartTime"] = trip.StartTime.UnixMilli()
	}
	sess.Emit("driver:init", initPayload)

	logging.Info("driver connected",
		zap.String("driver", driver.ID),
		zap.String("bus", bus.ID),
		zap.String("conn", sess.ID()))
	return sess, nil
}

// registerDriverHandlers wires the operational events. Handlers are cleared
// first so a reconnect never stacks listeners.
func (s *Service) registerDriverHandlers(sess *Session, driver *model.Driver, bus *model.Bus) {
	sess.ClearHandlers()

	sess.On("driver:location:update", func(p map[string]interface{}) {
		s.handleDriverLocation(sess, driver, bus, p)
	})
	sess.On("driver:trip:start", func(p map[string]interface{}) {
		s.handleTripStart(sess, driver, bus)
	})
	sess.On("driver:trip:end", func(p map[string]interface{}) {
		s.handleTripEnd(sess, driver, bus)
	})
	sess.On("driver:delay:report", func(p map[string]interface{}) {
		s.handleDelayReport(sess, bus, p)
	})
	sess.On("driver:heartbeat", func(p map[string]interface{}) {
		s.states.RecordActivity(driver.ID)
		s.refreshDriverKeys(sess.UserID(), bus.ID, sess.ID())
		sess.Emit("driver:heartbeat:ack", map[string]interface{}{
			"timestamp": time.Now().UnixMilli(),
		})
	})
}

func (s *Service) handleDriverLocation(sess *Session, driver *model.Driver, bus *model.Bus, p map[string]interface{}) {
	lat, latOK := getFloat(p, "lat")
	lng, lngOK := getFloat(p, "lng")
	if !latOK || !lngOK {
		sess.Emit("location:rejected", map[string]interface{}{"reason": "missing coordinates"})
		return
	}
	accuracy, _ := getFloat(p, "accuracy")
	speedKmh, _ := getFloat(p, "speed")

	var passengers *int
	if raw, present := p["passengerCount"]; present {
		n, ok := getIntField(p, "passengerCount")
		if !ok {
			sess.Emit("location:rejected", map[string]interface{}{"reason": "invalid passenger count"})
			logging.Debug("rejected non-integer passenger count", zap.Any("value", raw))
			return
		}
		passengers = &n
	}

	if reason := s.safety.Validate(safety.Update{
		DriverID:       driver.ID,
		Lat:            lat,
		Lng:            lng,
		AccuracyM:      accuracy,
		SpeedKmh:       speedKmh,
		PassengerCount: passengers,
	}); reason != "" {
		if s.collector != nil {
			s.collector.RecordLocationRejected(reason)
		}
		sess.Emit("location:rejected", map[string]interface{}{"reason": reason})
		return
	}

	s.states.RecordActivity(driver.ID)
	if st, ok := s.states.State(driver.ID); ok && st == model.DriverIdle {
		if err := s.states.Transition(driver.ID, model.DriverOnline, "location update resumed"); err != nil {
			logging.Warn("idle recovery transition failed",
				zap.String("driver", driver.ID), zap.Error(err))
		}
	}

	heading, headingOK := getFloat(p, "heading")
	if !headingOK {
		if last, ok := s.hybrid.LastPosition(bus.ID); ok {
			heading = geo.InitialBearing(last.Lat, last.Lng, lat, lng)
		}
	}

	bus.Lat = lat
	bus.Lng = lng
	bus.Heading = heading
	bus.SpeedKmh = speedKmh
	if passengers != nil {
		bus.PassengerCount = *passengers
		bus.ClampPassengers()
	}
	bus.UpdatedAt = time.Now()
	if err := s.store.SaveBus(bus); err != nil {
		logging.Error("location persist failed", zap.String("bus", bus.ID), zap.Error(err))
		sess.Emit("error", map[string]interface{}{"message": "failed to save location"})
		return
	}

	s.hybrid.RecordPosition(bus.ID, lat, lng)
	if s.speed != nil && bus.RouteID != "" {
		s.speed.Record(bus.RouteID, speedKmh)
	}
	if s.collector != nil {
		s.collector.RecordLocationUpdate("driver")
	}

	view := bus.View()
	s.BroadcastBusUpdate(view)

	if s.notify != nil {
		s.notify.HighOccupancy(bus)
	}

	sess.Emit("location:confirmed", map[string]interface{}{
		"busId":     bus.ID,
		"occupancy": view.Occupancy,
		"timestamp": view.Timestamp,
	})
}

func (s *Service) handleTripStart(sess *Session, driver *model.Driver, bus *model.Bus) {
	trip := &model.Trip{
		ID:        uuid.NewString(),
		BusID:     bus.ID,
		DriverID:  driver.ID,
		StartTime: time.Now(),
		Status:    model.TripInProgress,
	}
	if err := s.store.CreateTrip(trip, model.BusActive); err != nil {
		if err == storage.ErrTripInProgress {
			sess.Emit("error", errors.ErrTripInProgress)
			return
		}
		logging.Error("trip create failed", zap.String("bus", bus.ID), zap.Error(err))
		sess.Emit("error", map[string]interface{}{"message": "failed to start trip"})
		return
	}
	if err := s.states.Transition(driver.ID, model.DriverOnTrip, "trip started"); err != nil {
		logging.Warn("trip start transition failed",
			zap.String("driver", driver.ID), zap.Error(err))
	}

	s.hub.Broadcast(NamespacePassenger, "trip:started", map[string]interface{}{
		"busId":   bus.ID,
		"routeId": bus.RouteID,
		"tripId":  trip.ID,
	})
	if s.notify != nil {
		s.notify.TripStarted(bus.ID, bus.RouteID, bus.RegistrationNo)
	}
	sess.Emit("trip:started", trip)
}

func (s *Service) handleTripEnd(sess *Session, driver *model.Driver, bus *model.Bus) {
	trip, err := s.store.ActiveTripForBus(bus.ID)
	if err != nil {
		sess.Emit("error", errors.ErrNoActiveTrip)
		return
	}
	if err := s.store.EndTrip(trip.ID, model.TripCompleted, time.Now()); err != nil {
		logging.Error("trip end failed", zap.String("trip", trip.ID), zap.Error(err))
		sess.Emit("error", map[string]interface{}{"message": "failed to end trip"})
		return
	}
	if err := s.states.Transition(driver.ID, model.DriverOnline, "trip ended"); err != nil {
		logging.Warn("trip end transition failed",
			zap.String("driver", driver.ID), zap.Error(err))
	}

	s.hub.Broadcast(NamespacePassenger, "trip:ended", map[string]interface{}{
		"busId":   bus.ID,
		"routeId": bus.RouteID,
		"tripId":  trip.ID,
	})
	if s.notify != nil {
		s.notify.TripEnded(bus.ID, bus.RouteID, bus.RegistrationNo)
	}
	sess.Emit("trip:ended", map[string]interface{}{"tripId": trip.ID})
}

func (s *Service) handleDelayReport(sess *Session, bus *model.Bus, p map[string]interface{}) {
	delayMin, ok := getFloat(p, "delayMinutes")
	if !ok || delayMin < 0 {
		return
	}
	if s.reliability != nil && bus.RouteID != "" {
		s.reliability.RecordDelay(bus.RouteID, delayMin)
	}
	if s.notify != nil {
		s.notify.BusDelayed(bus.ID, bus.RouteID, delayMin)
	}
	sess.Emit("delay:recorded", map[string]interface{}{
		"busId":        bus.ID,
		"delayMinutes": delayMin,
	})
}

// HandleDriverDisconnect runs when a driver transport drops: state goes to
// DISCONNECTED, safety history resets so the offline-buffer replay is not a
// jump, reliability takes the hit, and the grace countdown starts.
func (s *Service) HandleDriverDisconnect(sess *Session) {
	defer s.hub.Remove(sess)

	driver, err := s.store.GetDriverByUser(sess.UserID())
	if err != nil {
		return
	}
	if err := s.states.Transition(driver.ID, model.DriverDisconnected, "socket closed"); err != nil {
		logging.Warn("disconnect transition failed",
			zap.String("driver", driver.ID), zap.Error(err))
	}
	s.safety.Reset(driver.ID)

	if driver.BusID == "" {
		return
	}
	bus, err := s.store.GetBus(driver.BusID)
	if err != nil {
		return
	}
	if s.reliability != nil && bus.RouteID != "" {
		s.reliability.RecordDisconnect(bus.RouteID)
	}

	s.hybrid.Unregister(bus.ID, driver.ID, bus.RouteID, s.onGraceExpire)

	s.hub.Broadcast(NamespaceAdmin, "driver:disconnected", map[string]interface{}{
		"driverId":  driver.ID,
		"busId":     bus.ID,
		"userId":    driver.UserID,
		"timestamp": time.Now().UnixMilli(),
	})
	logging.Info("driver disconnected, grace started",
		zap.String("driver", driver.ID), zap.String("bus", bus.ID))
}

// onGraceExpire is the hybrid manager callback: passengers learn the bus
// went offline and any running trip is cancelled.
func (s *Service) onGraceExpire(busID, driverID, routeID string) {
	s.hub.Broadcast(NamespacePassenger, "bus:offline", map[string]interface{}{
		"busId":   busID,
		"routeId": routeID,
	})
	if trip, err := s.store.ActiveTripForBus(busID); err == nil && trip != nil {
		if err := s.store.EndTrip(trip.ID, model.TripCancelled, time.Now()); err != nil {
			logging.Error("grace expiry trip cancel failed",
				zap.String("trip", trip.ID), zap.Error(err))
		}
	}
}

// BroadcastBusUpdate fans a bus view out to passengers and admins and
// publishes it for other processes.
func (s *Service) BroadcastBusUpdate(view model.BusView) {
	s.hub.Broadcast(NamespacePassenger, "bus:update", view)
	s.hub.Broadcast(NamespaceAdmin, "bus:update", view)
	s.publishBusLocation(view)
}

// refreshDriverKeys writes the driver presence keys with a short TTL; the
// 20 s heartbeat keeps them alive.
func (s *Service) refreshDriverKeys(userID, busID, socketID string) {
	ttl := s.cfg.DriverKeyTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	s.cache.Set("driver:socket:"+userID, socketID, ttl)
	s.cache.Set("bus:driver:"+busID, userID, ttl)
}
