package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func (l *Loader) validate(cfg *Config) error {
	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging level %q", cfg.Logging.Level)
	}

	switch cfg.Store.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	if cfg.Hybrid.GracePeriod <= 0 {
		return fmt.Errorf("hybrid.grace_period must be positive")
	}
	if cfg.Safety.MinUpdateInterval < 0 {
		return fmt.Errorf("safety.min_update_interval must not be negative")
	}
	if cfg.Simulation.TickInterval <= 0 {
		return fmt.Errorf("simulation.tick_interval must be positive")
	}
	if cfg.Simulation.TargetBuses < 0 {
		return fmt.Errorf("simulation.target_buses must not be negative")
	}
	if cfg.Routing.MaxIterations <= 0 || cfg.Routing.MaxHeapSize <= 0 {
		return fmt.Errorf("routing caps must be positive")
	}
	if cfg.Routing.PruneFactor < 1 {
		return fmt.Errorf("routing.prune_factor must be >= 1")
	}
	if cfg.Planner.MaxWalkKm <= 0 || cfg.Planner.MaxWalkMin <= 0 {
		return fmt.Errorf("planner walk caps must be positive")
	}
	if cfg.Graph.WalkSpeedKmh <= 0 {
		return fmt.Errorf("graph.walk_speed_kmh must be positive")
	}
	return nil
}
