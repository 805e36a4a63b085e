package config

import (
	"time"
)

// Config is the root configuration for the transit daemon.
type Config struct {
	Logging      LoggingConfig      `yaml:"logging"`
	Store        StoreConfig        `yaml:"store"`
	Redis        RedisConfig        `yaml:"redis"`
	Auth         AuthConfig         `yaml:"auth"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Hybrid       HybridConfig       `yaml:"hybrid"`
	Safety       SafetyConfig       `yaml:"safety"`
	DriverState  DriverStateConfig  `yaml:"driver_state"`
	Realtime     RealtimeConfig     `yaml:"realtime"`
	Graph        GraphConfig        `yaml:"graph"`
	Routing      RoutingConfig      `yaml:"routing"`
	Planner      PlannerConfig      `yaml:"planner"`
	Simulation   SimulationConfig   `yaml:"simulation"`
	Notification NotificationConfig `yaml:"notifications"`
	Monitor      MonitorConfig      `yaml:"monitor"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// StoreConfig selects the persistent store backend.
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite, postgres or memory
	DSN    string `yaml:"dsn"`
}

// RedisConfig configures the cache / pubsub client. An empty Addr disables
// redis; every consumer degrades to its in-memory fallback.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuthConfig configures JWT verification on the realtime namespaces.
type AuthConfig struct {
	Secret      string `yaml:"secret"`
	Issuer      string `yaml:"issuer"`
	AllowGuests bool   `yaml:"allow_guests"` // passenger namespace only
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// HybridConfig tunes driver/simulation ownership handover.
type HybridConfig struct {
	GracePeriod time.Duration `yaml:"grace_period"`
}

// SafetyConfig tunes the driver location validator.
type SafetyConfig struct {
	MaxAccuracyM      float64       `yaml:"max_accuracy_m"`
	MaxSpeedKmh       float64       `yaml:"max_speed_kmh"`
	MaxJumpM          float64       `yaml:"max_jump_m"`
	MinUpdateInterval time.Duration `yaml:"min_update_interval"`
}

// DriverStateConfig tunes idle detection.
type DriverStateConfig struct {
	IdleAfter     time.Duration `yaml:"idle_after"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

// RealtimeConfig tunes the realtime channel.
type RealtimeConfig struct {
	Addr              string        `yaml:"addr"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	DriverKeyTTL      time.Duration `yaml:"driver_key_ttl"`
	NearbyRadiusKm    float64       `yaml:"nearby_radius_km"`
	NearbyLimit       int           `yaml:"nearby_limit"`
	AdminBroadcastQPS float64       `yaml:"admin_broadcast_qps"`
}

// GraphConfig tunes the transit graph builder.
type GraphConfig struct {
	WalkRadiusKm    float64 `yaml:"walk_radius_km"`
	WalkSpeedKmh    float64 `yaml:"walk_speed_kmh"`
	TransferCostMin float64 `yaml:"transfer_cost_min"`
}

// RoutingConfig tunes the Dijkstra engine safety caps.
type RoutingConfig struct {
	MaxIterations   int           `yaml:"max_iterations"`
	MaxHeapSize     int           `yaml:"max_heap_size"`
	TimeBudget      time.Duration `yaml:"time_budget"`
	MaxTransfers    int           `yaml:"max_transfers"`
	TransferPenalty float64       `yaml:"transfer_penalty_min"`
	PruneFactor     float64       `yaml:"prune_factor"`
}

// PlannerConfig tunes the route planner orchestration.
type PlannerConfig struct {
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	MaxTransfers    int           `yaml:"max_transfers"`
	MaxWalkMin      float64       `yaml:"max_walk_min"`
	MaxWalkKm       float64       `yaml:"max_walk_km"`
	NearestRadiusKm float64       `yaml:"nearest_radius_km"`
}

// SimulationConfig tunes the virtual fleet.
type SimulationConfig struct {
	Enabled            bool          `yaml:"enabled"`
	TargetBuses        int           `yaml:"target_buses"`
	TickInterval       time.Duration `yaml:"tick_interval"`
	MaxSegmentM        float64       `yaml:"max_segment_m"`
	CoverageInterval   time.Duration `yaml:"coverage_interval"`
	CoverageStaleAfter time.Duration `yaml:"coverage_stale_after"`
}

// NotificationConfig tunes the push rules.
type NotificationConfig struct {
	Cooldown       time.Duration `yaml:"cooldown"`
	DelayMin       float64       `yaml:"delay_min"`
	ArrivingEtaMin float64       `yaml:"arriving_eta_min"`
}

// MonitorConfig tunes the memory monitor.
type MonitorConfig struct {
	Interval        time.Duration `yaml:"interval"`
	LeakThresholdMB uint64        `yaml:"leak_threshold_mb"`
}

// DefaultConfig returns the configuration defaults. Every operational
// constant lives here so tests can shrink timers.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level: "info",
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    ":memory:",
		},
		Auth: AuthConfig{
			AllowGuests: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9290",
		},
		Hybrid: HybridConfig{
			GracePeriod: 10 * time.Second,
		},
		Safety: SafetyConfig{
			MaxAccuracyM:      100,
			MaxSpeedKmh:       120,
			MaxJumpM:          500,
			MinUpdateInterval: 2 * time.Second,
		},
		DriverState: DriverStateConfig{
			IdleAfter:     5 * time.Minute,
			CheckInterval: time.Minute,
		},
		Realtime: RealtimeConfig{
			Addr:              ":8090",
			HeartbeatInterval: 20 * time.Second,
			DriverKeyTTL:      5 * time.Minute,
			NearbyRadiusKm:    5,
			NearbyLimit:       50,
			AdminBroadcastQPS: 10,
		},
		Graph: GraphConfig{
			WalkRadiusKm:    2.5,
			WalkSpeedKmh:    4.5,
			TransferCostMin: 3,
		},
		Routing: RoutingConfig{
			MaxIterations:   8000,
			MaxHeapSize:     2000,
			TimeBudget:      15 * time.Millisecond,
			MaxTransfers:    2,
			TransferPenalty: 3,
			PruneFactor:     1.3,
		},
		Planner: PlannerConfig{
			CacheTTL:        45 * time.Second,
			MaxTransfers:    3,
			MaxWalkMin:      25,
			MaxWalkKm:       2.0,
			NearestRadiusKm: 5,
		},
		Simulation: SimulationConfig{
			Enabled:            true,
			TargetBuses:        20,
			TickInterval:       3 * time.Second,
			MaxSegmentM:        30,
			CoverageInterval:   5 * time.Minute,
			CoverageStaleAfter: 30 * time.Minute,
		},
		Notification: NotificationConfig{
			Cooldown:       10 * time.Minute,
			DelayMin:       5,
			ArrivingEtaMin: 3,
		},
		Monitor: MonitorConfig{
			Interval:        30 * time.Second,
			LeakThresholdMB: 512,
		},
	}
}
