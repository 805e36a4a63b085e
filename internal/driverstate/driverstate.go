// Package driverstate enforces the driver session lifecycle. Transitions go
// through a fixed table; OFFLINE and DISCONNECTED are always reachable so
// shutdown and socket loss can never be rejected. An idle detector demotes
// silent ONLINE drivers.
package driverstate

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/transit/internal/config"
	"github.com/wudi/transit/internal/errors"
	"github.com/wudi/transit/internal/logging"
	"github.com/wudi/transit/internal/model"
	"github.com/wudi/transit/internal/storage"
)

var transitions = map[model.DriverState][]model.DriverState{
	model.DriverPending:      {model.DriverOffline},
	model.DriverOffline:      {model.DriverOnline},
	model.DriverOnline:       {model.DriverOffline, model.DriverOnTrip, model.DriverIdle, model.DriverDisconnected},
	model.DriverOnTrip:       {model.DriverOffline, model.DriverOnline, model.DriverDisconnected},
	model.DriverIdle:         {model.DriverOffline, model.DriverOnline, model.DriverDisconnected},
	model.DriverDisconnected: {model.DriverOffline, model.DriverOnline},
	model.DriverRejected:     {},
}

// CanTransition reports whether from→to is legal. OFFLINE and DISCONNECTED
// are forced targets, always allowed.
func CanTransition(from, to model.DriverState) bool {
	if to == model.DriverOffline || to == model.DriverDisconnected {
		return true
	}
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Service applies transitions, persists them, and runs idle detection.
type Service struct {
	store storage.Store
	cfg   config.DriverStateConfig

	mu           sync.Mutex
	lastActivity map[string]time.Time
	lastState    map[string]model.DriverState
}

// NewService creates a driver state service.
func NewService(store storage.Store, cfg config.DriverStateConfig) *Service {
	return &Service{
		store:        store,
		cfg:          cfg,
		lastActivity: make(map[string]time.Time),
		lastState:    make(map[string]model.DriverState),
	}
}

// Transition moves a driver to a new state, writes the driver row and a
// state-log record. Illegal transitions are rejected and logged.
func (s *Service) Transition(driverID string, to model.DriverState, reason string) error {
	driver, err := s.store.GetDriver(driverID)
	if err != nil {
		return err
	}
	from := driver.State
	if from == to {
		return nil
	}
	if !CanTransition(from, to) {
		logging.Warn("illegal driver state transition rejected",
			zap.String("driver", driverID),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		return errors.ErrInvalidTransition.WithDetails(string(from) + " -> " + string(to))
	}

	driver.State = to
	if err := s.store.SaveDriver(driver); err != nil {
		return err
	}
	if err := s.store.AppendStateLog(&model.StateLog{
		DriverID:  driverID,
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
	}); err != nil {
		logging.Warn("state log write failed",
			zap.String("driver", driverID), zap.Error(err))
	}

	s.mu.Lock()
	s.lastState[driverID] = to
	if to == model.DriverOffline || to == model.DriverDisconnected {
		delete(s.lastActivity, driverID)
	}
	s.mu.Unlock()

	logging.Info("driver state transition",
		zap.String("driver", driverID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
	return nil
}

// RecordActivity bumps a driver's last-activity timestamp.
func (s *Service) RecordActivity(driverID string) {
	s.mu.Lock()
	s.lastActivity[driverID] = time.Now()
	s.mu.Unlock()
}

// State returns the last known in-process state for a driver.
func (s *Service) State(driverID string) (model.DriverState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.lastState[driverID]
	return st, ok
}

// Counts returns the number of tracked drivers per state.
func (s *Service) Counts() map[model.DriverState]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[model.DriverState]int)
	for _, st := range s.lastState {
		counts[st]++
	}
	return counts
}

// RunIdleDetection demotes ONLINE drivers with no activity past the idle
// threshold. Blocks until ctx is cancelled.
func (s *Service) RunIdleDetection(ctx context.Context) {
	interval := s.cfg.CheckInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepIdle()
		}
	}
}

func (s *Service) sweepIdle() {
	idleAfter := s.cfg.IdleAfter
	if idleAfter <= 0 {
		idleAfter = 5 * time.Minute
	}
	cutoff := time.Now().Add(-idleAfter)

	s.mu.Lock()
	var stale []string
	for driverID, last := range s.lastActivity {
		if s.lastState[driverID] == model.DriverOnline && last.Before(cutoff) {
			stale = append(stale, driverID)
		}
	}
	s.mu.Unlock()

	for _, driverID := range stale {
		if err := s.Transition(driverID, model.DriverIdle, "No location update for 5 minutes"); err != nil {
			logging.Warn("idle transition failed",
				zap.String("driver", driverID), zap.Error(err))
		}
	}
}
