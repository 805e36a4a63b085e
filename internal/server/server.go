// Package server boots the transit daemon: storage, cache, routing graph,
// the realtime namespaces over websocket, the simulation tick loop and the
// background maintenance tasks, with graceful shutdown.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/transit/internal/cache"
	"github.com/wudi/transit/internal/config"
	"github.com/wudi/transit/internal/driverstate"
	"github.com/wudi/transit/internal/graph"
	"github.com/wudi/transit/internal/hybrid"
	"github.com/wudi/transit/internal/intel"
	"github.com/wudi/transit/internal/logging"
	"github.com/wudi/transit/internal/metrics"
	"github.com/wudi/transit/internal/model"
	"github.com/wudi/transit/internal/monitor"
	"github.com/wudi/transit/internal/notify"
	"github.com/wudi/transit/internal/planner"
	"github.com/wudi/transit/internal/realtime"
	"github.com/wudi/transit/internal/safety"
	"github.com/wudi/transit/internal/simulation"
	"github.com/wudi/transit/internal/speedmem"
	"github.com/wudi/transit/internal/storage"
)

const shutdownTimeout = 10 * time.Second

// Server owns the daemon lifecycle.
type Server struct {
	cfg       *config.Config
	store     storage.Store
	cache     *cache.Client
	graph     *graph.Graph
	hybrid    *hybrid.Manager
	states    *driverstate.Service
	safety    *safety.Validator
	rt        *realtime.Service
	sim       *simulation.Engine
	monitor   *monitor.Monitor
	collector *metrics.Collector

	httpServer    *http.Server
	metricsServer *http.Server
}

// New wires the engine together. push may be nil when no provider is
// configured.
func New(cfg *config.Config, push notify.Provider) (*Server, error) {
	store, err := storage.Open(cfg.Store)
	if err != nil {
		return nil, err
	}

	cacheClient := cache.New(cfg.Redis)
	collector := metrics.NewCollector()

	speed := speedmem.New(cacheClient)
	reliability := intel.NewReliability(cacheClient)
	etaEngine := intel.NewETAEngine(speed)

	g := graph.NewGraph(store)
	hy := hybrid.NewManager(store, cfg.Hybrid)
	states := driverstate.NewService(store, cfg.DriverState)
	validator := safety.NewValidator(cfg.Safety)
	notifier := notify.NewService(push, cacheClient, store, collector, cfg.Notification)

	routePlanner := planner.New(g, cacheClient, speed, reliability, collector, cfg.Routing, cfg.Planner)
	direct := planner.NewDirectLookup(store)

	hub := realtime.NewHub(collector, cfg.Realtime.AdminBroadcastQPS)
	notifier.SetAdminFanout(func(event string, payload interface{}) {
		hub.Broadcast(realtime.NamespaceAdmin, event, payload)
	})
	rt := realtime.NewService(realtime.Deps{
		Store:       store,
		Cache:       cacheClient,
		Hub:         hub,
		Auth:        realtime.NewAuthenticator(cfg.Auth),
		Hybrid:      hy,
		States:      states,
		Safety:      validator,
		ETA:         etaEngine,
		Reliability: reliability,
		Speed:       speed,
		Notify:      notifier,
		Planner:     routePlanner,
		Direct:      direct,
		Collector:   collector,
		Config:      cfg.Realtime,
	})

	s := &Server{
		cfg:       cfg,
		store:     store,
		cache:     cacheClient,
		graph:     g,
		hybrid:    hy,
		states:    states,
		safety:    validator,
		rt:        rt,
		monitor:   monitor.New(cfg.Monitor),
		collector: collector,
	}

	if cfg.Simulation.Enabled {
		s.sim = simulation.New(store, hy, func(views []model.BusView) {
			hub.Broadcast(realtime.NamespacePassenger, "buses:snapshot", views)
			hub.Broadcast(realtime.NamespaceAdmin, "buses:update", views)
		}, collector, cfg.Simulation)
	}

	return s, nil
}

// Run starts everything and blocks until a signal or a fatal error.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.ensureGraph(); err != nil {
		return err
	}
	if s.sim != nil {
		if err := s.sim.Bootstrap(); err != nil {
			return err
		}
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Realtime.Addr,
		Handler: s.routes(),
	}
	if s.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.collector.Handler())
		s.metricsServer = &http.Server{Addr: s.cfg.Metrics.Addr, Handler: mux}
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logging.Info("realtime server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	if s.metricsServer != nil {
		group.Go(func() error {
			logging.Info("metrics server listening", zap.String("addr", s.metricsServer.Addr))
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}
	if s.sim != nil {
		group.Go(func() error {
			s.sim.Run(groupCtx)
			return nil
		})
	}
	group.Go(func() error {
		s.states.RunIdleDetection(groupCtx)
		return nil
	})
	group.Go(func() error {
		s.monitor.Run(groupCtx)
		return nil
	})
	s.rt.SubscribeCluster(groupCtx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logging.Info("shutting down", zap.String("signal", sig.String()))
	case <-groupCtx.Done():
		logging.Error("background task failed, shutting down")
	}

	cancel()
	s.shutdown()
	if err := group.Wait(); err != nil {
		logging.Error("shutdown error", zap.Error(err))
		return err
	}
	logging.Info("shutdown complete")
	return nil
}

// ApplyTunables applies the hot-reloadable sections of a freshly loaded
// configuration. Structural settings (listeners, storage, the simulated
// fleet) need a restart and are ignored here.
func (s *Server) ApplyTunables(cfg *config.Config) {
	s.safety.UpdateConfig(cfg.Safety)
	logging.Info("runtime tunables applied",
		zap.Float64("maxAccuracyM", cfg.Safety.MaxAccuracyM),
		zap.Float64("maxSpeedKmh", cfg.Safety.MaxSpeedKmh),
		zap.Float64("maxJumpM", cfg.Safety.MaxJumpM))
}

// shutdown stops the servers and releases the engine within the grace
// budget: simulation and timers first, then connections, then storage.
func (s *Server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			logging.Error("realtime server shutdown error", zap.Error(err))
		}
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			logging.Error("metrics server shutdown error", zap.Error(err))
		}
	}

	s.hybrid.Shutdown()
	s.safety.ResetAll()
	s.rt.Hub().CloseAll()
	s.cache.Close()
	if err := s.store.Close(); err != nil {
		logging.Error("store close error", zap.Error(err))
	}
}

// ensureGraph loads the routing graph, building it from the routes first
// when the tables are empty.
func (s *Server) ensureGraph() error {
	nodes, err := s.store.GraphNodes()
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		routes, err := s.store.Routes()
		if err != nil {
			return err
		}
		if len(routes) > 0 {
			builder := graph.NewBuilder(s.store, s.cfg.Graph)
			if _, _, err := builder.Build(routes); err != nil {
				return err
			}
		}
	}
	return s.graph.Reload()
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/passenger", s.serveWS(realtime.NamespacePassenger))
	mux.HandleFunc("/ws/driver", s.serveWS(realtime.NamespaceDriver))
	mux.HandleFunc("/ws/admin", s.serveWS(realtime.NamespaceAdmin))
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// serveWS upgrades a connection, runs the namespace connect flow, and pumps
// its read loop until the peer drops.
func (s *Server) serveWS(namespace realtime.Namespace) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
				token = h[7:]
			}
		}

		conn, err := realtime.Upgrade(w, r)
		if err != nil {
			return
		}

		var sess *realtime.Session
		switch namespace {
		case realtime.NamespaceDriver:
			sess, err = s.rt.HandleDriverConnect(conn, token)
		case realtime.NamespaceAdmin:
			sess, err = s.rt.HandleAdminConnect(conn, token)
		default:
			sess, err = s.rt.HandlePassengerConnect(conn, token)
		}
		if err != nil {
			logging.Warn("connection refused",
				zap.String("namespace", string(namespace)),
				zap.Error(err))
			conn.Emit("error", map[string]interface{}{"message": err.Error()})
			conn.Close()
			return
		}

		conn.ReadLoop(sess.Dispatch)

		switch namespace {
		case realtime.NamespaceDriver:
			s.rt.HandleDriverDisconnect(sess)
		case realtime.NamespaceAdmin:
			s.rt.HandleAdminDisconnect(sess)
		default:
			s.rt.HandlePassengerDisconnect(sess)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.graph.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     "ok",
		"graphNodes": snap.NodeCount(),
		"graphEdges": snap.EdgeCount(),
		"controlled": s.hybrid.ControlledCount(),
		"inGrace":    s.hybrid.GraceCount(),
	})
}
