package realtime

import (
	"time"

	"go.uber.org/zap"

	"github.com/wudi/transit/internal/errors"
	"github.com/wudi/transit/internal/logging"
	"github.com/wudi/transit/internal/model"
)

// HandleAdminConnect authenticates an admin connection (admin role
// enforced) and registers the dashboard handlers.
func (s *Service) HandleAdminConnect(conn Conn, token string) (*Session, error) {
	claims, err := s.auth.Authenticate(NamespaceAdmin, token)
	if err != nil {
		return nil, err
	}

	sess := NewSession(conn, NamespaceAdmin, claims)
	s.hub.Add(sess)
	s.registerAdminHandlers(sess)
	s.emitFleetSnapshot(sess)
	return sess, nil
}

// emitFleetSnapshot sends the current active fleet to a freshly connected
// admin so the dashboard renders without waiting for the next tick.
func (s *Service) emitFleetSnapshot(sess *Session) {
	buses, err := s.store.ActiveBuses()
	if err != nil {
		logging.Warn("fleet snapshot query failed", zap.Error(err))
		return
	}
	views := make([]model.BusView, 0, len(buses))
	for _, b := range buses {
		views = append(views, b.View())
	}
	sess.Emit("buses:all", views)
}

// HandleAdminDisconnect drops the session.
func (s *Service) HandleAdminDisconnect(sess *Session) {
	s.hub.Remove(sess)
}

func (s *Service) registerAdminHandlers(sess *Session) {
	sess.ClearHandlers()

	sess.On("admin:driver:approve", func(p map[string]interface{}) {
		s.handleDriverApprove(sess, p)
	})
	sess.On("admin:driver:reject", func(p map[string]interface{}) {
		s.handleDriverReject(sess, p)
	})
	sess.On("admin:driver:force-offline", func(p map[string]interface{}) {
		s.handleDriverForceOffline(sess, p)
	})
	sess.On("admin:bus:assign", func(p map[string]interface{}) {
		s.handleBusAssign(sess, p)
	})
	sess.On("admin:drivers:status", func(p map[string]interface{}) {
		s.handleDriversStatus(sess)
	})
	sess.On("admin:buses:status", func(p map[string]interface{}) {
		s.handleBusesStatus(sess)
	})
}

// handleDriverApprove flips a pending driver to approved and fans the
// outcome out: the driver's waiting socket learns it can re-run the connect
// flow, and other admins see the change.
func (s *Service) handleDriverApprove(sess *Session, p map[string]interface{}) {
	driverID := getString(p, "driverId")
	if driverID == "" {
		sess.Emit("error", map[string]interface{}{"message": "driverId required"})
		return
	}
	driver, err := s.store.GetDriver(driverID)
	if err != nil {
		sess.Emit("error", errors.ErrNotFound.WithDetails("driver "+driverID))
		return
	}
	if driver.Approved {
		sess.Emit("error", errors.ErrAlreadyApproved)
		return
	}

	driver.Approved = true
	if err := s.store.SaveDriver(driver); err != nil {
		logging.Error("driver approval write failed",
			zap.String("driver", driverID), zap.Error(err))
		sess.Emit("error", map[string]interface{}{"message": "failed to approve driver"})
		return
	}
	if err := s.states.Transition(driverID, model.DriverOffline, "approved by admin"); err != nil {
		logging.Warn("approval transition failed",
			zap.String("driver", driverID), zap.Error(err))
	}

	s.broadcastToDrivers("driver:approved", map[string]interface{}{
		"driverId": driverID,
		"ts":       time.Now().UnixMilli(),
	})
	s.broadcastApprovalUpdate(driverID, "approved")
	logging.Info("driver approved", zap.String("driver", driverID))
}

// handleDriverReject turns down a pending application. Rejection is an
// administrative write, not a state-machine transition: nothing leads out of
// REJECTED, so the table has no row into it either.
func (s *Service) handleDriverReject(sess *Session, p map[string]interface{}) {
	driverID := getString(p, "driverId")
	if driverID == "" {
		sess.Emit("error", map[string]interface{}{"message": "driverId required"})
		return
	}
	driver, err := s.store.GetDriver(driverID)
	if err != nil {
		sess.Emit("error", errors.ErrNotFound.WithDetails("driver "+driverID))
		return
	}
	if driver.Approved {
		sess.Emit("error", errors.ErrAlreadyApproved)
		return
	}

	from := driver.State
	driver.State = model.DriverRejected
	if err := s.store.SaveDriver(driver); err != nil {
		logging.Error("driver rejection write failed",
			zap.String("driver", driverID), zap.Error(err))
		sess.Emit("error", map[string]interface{}{"message": "failed to reject driver"})
		return
	}
	if err := s.store.AppendStateLog(&model.StateLog{
		DriverID:  driverID,
		From:      from,
		To:        model.DriverRejected,
		Reason:    "rejected by admin",
		Timestamp: time.Now(),
	}); err != nil {
		logging.Warn("state log write failed",
			zap.String("driver", driverID), zap.Error(err))
	}

	s.broadcastToDrivers("driver:rejected", map[string]interface{}{
		"driverId": driverID,
		"ts":       time.Now().UnixMilli(),
	})
	s.broadcastApprovalUpdate(driverID, "rejected")
	logging.Info("driver rejected", zap.String("driver", driverID))
}

// handleDriverForceOffline demotes a driver regardless of current state.
// OFFLINE is a forced target, so the transition cannot be refused.
func (s *Service) handleDriverForceOffline(sess *Session, p map[string]interface{}) {
	driverID := getString(p, "driverId")
	if driverID == "" {
		sess.Emit("error", map[string]interface{}{"message": "driverId required"})
		return
	}
	if _, err := s.store.GetDriver(driverID); err != nil {
		sess.Emit("error", errors.ErrNotFound.WithDetails("driver "+driverID))
		return
	}
	if err := s.states.Transition(driverID, model.DriverOffline, "forced offline by admin"); err != nil {
		logging.Error("forced offline failed",
			zap.String("driver", driverID), zap.Error(err))
		sess.Emit("error", map[string]interface{}{"message": "failed to force driver offline"})
		return
	}
	s.broadcastToDrivers("driver:force-offline", map[string]interface{}{
		"driverId": driverID,
		"ts":       time.Now().UnixMilli(),
	})
	logging.Info("driver forced offline", zap.String("driver", driverID))
}

// handleBusAssign points a driver at a bus. The driver picks it up on their
// next connect; a live session learns through driver:bus-assigned.
func (s *Service) handleBusAssign(sess *Session, p map[string]interface{}) {
	driverID := getString(p, "driverId")
	busID := getString(p, "busId")
	if driverID == "" || busID == "" {
		sess.Emit("error", map[string]interface{}{"message": "driverId and busId required"})
		return
	}
	driver, err := s.store.GetDriver(driverID)
	if err != nil {
		sess.Emit("error", errors.ErrNotFound.WithDetails("driver "+driverID))
		return
	}
	bus, err := s.store.GetBus(busID)
	if err != nil {
		sess.Emit("error", errors.ErrNotFound.WithDetails("bus "+busID))
		return
	}

	driver.BusID = bus.ID
	if err := s.store.SaveDriver(driver); err != nil {
		logging.Error("bus assignment write failed",
			zap.String("driver", driverID), zap.Error(err))
		sess.Emit("error", map[string]interface{}{"message": "failed to assign bus"})
		return
	}

	s.broadcastToDrivers("driver:bus-assigned", map[string]interface{}{
		"driverId":       driverID,
		"busId":          bus.ID,
		"registrationNo": bus.RegistrationNo,
		"routeId":        bus.RouteID,
		"ts":             time.Now().UnixMilli(),
	})
	logging.Info("bus assigned",
		zap.String("driver", driverID), zap.String("bus", busID))
}

func (s *Service) broadcastApprovalUpdate(driverID, action string) {
	payload := map[string]interface{}{
		"driverId": driverID,
		"action":   action,
		"ts":       time.Now().UnixMilli(),
	}
	s.hub.Broadcast(NamespaceAdmin, "driver:approval-updated", payload)
	s.PublishNotification(NamespaceAdmin, "driver:approval-updated", payload)
}

// broadcastToDrivers fans an event to local driver connections and to peer
// processes over pubsub.
func (s *Service) broadcastToDrivers(event string, payload map[string]interface{}) {
	s.hub.Broadcast(NamespaceDriver, event, payload)
	s.PublishNotification(NamespaceDriver, event, payload)
}

func (s *Service) handleDriversStatus(sess *Session) {
	counts := s.states.Counts()
	byState := make(map[string]int, len(counts))
	for state, n := range counts {
		byState[string(state)] = n
	}
	sess.Emit("drivers:status", map[string]interface{}{
		"byState":    byState,
		"controlled": s.hybrid.ControlledCount(),
		"inGrace":    s.hybrid.GraceCount(),
	})
}

func (s *Service) handleBusesStatus(sess *Session) {
	byRoute, err := s.store.CountActiveByRoute()
	if err != nil {
		logging.Error("bus status query failed", zap.Error(err))
		sess.Emit("error", map[string]interface{}{"message": "failed to query buses"})
		return
	}
	sess.Emit("buses:status", map[string]interface{}{
		"activeByRoute": byRoute,
	})
}
