// Package notify evaluates push notification rules and funnels every send
// through a rate-limited dedupe sink. The sink prefers a cache-backed
// set-if-absent; when the cache fails it falls back to an in-memory map
// swept of expired entries.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/transit/internal/cache"
	"github.com/wudi/transit/internal/config"
	"github.com/wudi/transit/internal/logging"
	"github.com/wudi/transit/internal/metrics"
	"github.com/wudi/transit/internal/model"
)

const dedupePrefix = "push:ratelimit:"

// Push types used as dedupe keys.
const (
	TypeHighOccupancy = "HIGH_OCCUPANCY"
	TypeTripStarted   = "TRIP_STARTED"
	TypeTripEnded     = "TRIP_ENDED"
	TypeBusDelayed    = "BUS_DELAYED"
	TypeBusArriving   = "BUS_ARRIVING"
)

// Provider delivers one push message to a device token.
type Provider interface {
	Send(ctx context.Context, token, title, body string, data map[string]string) error
}

// ErrUnknownToken marks tokens the provider no longer recognizes; the
// service removes them from the subscriber record.
var ErrUnknownToken = errors.New("notify: unknown or unregistered token")

// TokenStore removes dead push tokens from the persistent record.
type TokenStore interface {
	ClearPushToken(userID string) error
}

type subscriber struct {
	userID string
	token  string
}

// Service evaluates notification rules.
type Service struct {
	provider  Provider
	cache     *cache.Client
	tokens    TokenStore
	collector *metrics.Collector
	cfg       config.NotificationConfig
	now       func() time.Time

	adminFanout func(event string, payload interface{})

	mu          sync.Mutex
	subscribers map[string]map[string]subscriber // routeID -> userID -> subscriber
	localDedupe map[string]time.Time
	lastSweep   time.Time
}

// NewService creates a notification service. provider may be nil (pushes
// become no-ops but dedupe accounting still runs); tokens and collector may
// be nil.
func NewService(provider Provider, c *cache.Client, tokens TokenStore, collector *metrics.Collector, cfg config.NotificationConfig) *Service {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Minute
	}
	return &Service{
		provider:    provider,
		cache:       c,
		tokens:      tokens,
		collector:   collector,
		cfg:         cfg,
		now:         time.Now,
		subscribers: make(map[string]map[string]subscriber),
		localDedupe: make(map[string]time.Time),
	}
}

// SetClock overrides the wall clock for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SetAdminFanout mirrors every rule firing onto the admin channel as a
// notification:new event. May be nil.
func (s *Service) SetAdminFanout(f func(event string, payload interface{})) {
	s.adminFanout = f
}

// Subscribe registers a user's push token for a route's notifications.
func (s *Service) Subscribe(routeID, userID, token string) {
	if routeID == "" || userID == "" || token == "" {
		return
	}
	s.mu.Lock()
	set, ok := s.subscribers[routeID]
	if !ok {
		set = make(map[string]subscriber)
		s.subscribers[routeID] = set
	}
	set[userID] = subscriber{userID: userID, token: token}
	s.mu.Unlock()
}

// Unsubscribe removes a user from a route's notifications.
func (s *Service) Unsubscribe(routeID, userID string) {
	s.mu.Lock()
	if set, ok := s.subscribers[routeID]; ok {
		delete(set, userID)
		if len(set) == 0 {
			delete(s.subscribers, routeID)
		}
	}
	s.mu.Unlock()
}

// HighOccupancy pushes when a bus reaches high or full occupancy.
func (s *Service) HighOccupancy(bus *model.Bus) {
	occ := bus.OccupancyPercent()
	if occ < 80 {
		return
	}
	level := "HIGH"
	if occ >= 100 {
		level = "FULL"
	}
	s.broadcast(bus.RouteID, bus.ID, TypeHighOccupancy,
		"Bus filling up",
		fmt.Sprintf("Bus %s is %s (%.0f%% occupied)", bus.RegistrationNo, level, occ))
}

// TripStarted pushes when a driver begins a trip.
func (s *Service) TripStarted(busID, routeID, registrationNo string) {
	s.broadcast(routeID, busID, TypeTripStarted,
		"Bus on the way",
		fmt.Sprintf("Bus %s has started its trip", registrationNo))
}

// TripEnded pushes when a trip completes.
func (s *Service) TripEnded(busID, routeID, registrationNo string) {
	s.broadcast(routeID, busID, TypeTripEnded,
		"Trip completed",
		fmt.Sprintf("Bus %s has completed its trip", registrationNo))
}

// BusDelayed pushes when a reported delay crosses the threshold.
func (s *Service) BusDelayed(busID, routeID string, delayMin float64) {
	if delayMin <= s.cfg.DelayMin {
		return
	}
	s.broadcast(routeID, busID, TypeBusDelayed,
		"Bus delayed",
		fmt.Sprintf("Your bus is running about %.0f minutes late", delayMin))
}

// BusArriving pushes to one passenger when their bus is nearly there.
func (s *Service) BusArriving(userID, token, busID string, etaMin float64) {
	if etaMin > s.cfg.ArrivingEtaMin {
		return
	}
	s.send(subscriber{userID: userID, token: token}, busID, TypeBusArriving,
		"Bus arriving",
		fmt.Sprintf("Your bus arrives in about %.0f min", etaMin))
}

func (s *Service) broadcast(routeID, busID, pushType, title, body string) {
	if routeID == "" {
		return
	}
	s.mu.Lock()
	subs := make([]subscriber, 0, len(s.subscribers[routeID]))
	for _, sub := range s.subscribers[routeID] {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	if s.adminFanout != nil {
		s.adminFanout("notification:new", map[string]interface{}{
			"busId": busID,
			"type":  pushType,
			"title": title,
			"body":  body,
			"ts":    s.now().UnixMilli(),
		})
	}

	for _, sub := range subs {
		s.send(sub, busID, pushType, title, body)
	}
}

func (s *Service) send(sub subscriber, busID, pushType, title, body string) {
	if !s.allow(sub.userID, busID, pushType) {
		if s.collector != nil {
			s.collector.RecordPushSuppressed()
		}
		return
	}
	if s.provider == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.provider.Send(ctx, sub.token, title, body, map[string]string{
		"busId": busID,
		"type":  pushType,
	})
	if err != nil {
		if errors.Is(err, ErrUnknownToken) {
			s.dropToken(sub)
			return
		}
		logging.Warn("push send failed",
			zap.String("user", sub.userID),
			zap.String("type", pushType),
			zap.Error(err))
		return
	}
	if s.collector != nil {
		s.collector.RecordPushSent(pushType)
	}
}

// allow is the two-layer dedupe: cache set-if-absent first, in-memory map
// on cache failure.
func (s *Service) allow(userID, busID, pushType string) bool {
	key := fmt.Sprintf("%s%s:%s:%s", dedupePrefix, userID, busID, pushType)
	ok, err := s.cache.SetNX(key, "1", s.cfg.Cooldown)
	if err == nil {
		return ok
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.lastSweep) > s.cfg.Cooldown {
		for k, expiry := range s.localDedupe {
			if now.After(expiry) {
				delete(s.localDedupe, k)
			}
		}
		s.lastSweep = now
	}
	if expiry, found := s.localDedupe[key]; found && now.Before(expiry) {
		return false
	}
	s.localDedupe[key] = now.Add(s.cfg.Cooldown)
	return true
}

func (s *Service) dropToken(sub subscriber) {
	logging.Info("removing dead push token", zap.String("user", sub.userID))
	s.mu.Lock()
	for routeID, set := range s.subscribers {
		if cur, ok := set[sub.userID]; ok && cur.token == sub.token {
			delete(set, sub.userID)
			if len(set) == 0 {
				delete(s.subscribers, routeID)
			}
		}
	}
	s.mu.Unlock()
	if s.tokens != nil {
		if err := s.tokens.ClearPushToken(sub.userID); err != nil {
			logging.Warn("push token removal failed",
				zap.String("user", sub.userID), zap.Error(err))
		}
	}
}
