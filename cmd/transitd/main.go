package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/wudi/transit/internal/config"
	"github.com/wudi/transit/internal/logging"
	"github.com/wudi/transit/internal/server"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/transit.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("transitd %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	usingDefaults := false
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) || *validateOnly {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
		cfg = config.DefaultConfig()
		usingDefaults = true
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.NewWithOptions(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("starting transitd",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("store", cfg.Store.Driver),
		zap.Bool("simulation", cfg.Simulation.Enabled),
	)

	srv, err := server.New(cfg, nil)
	if err != nil {
		logging.Error("failed to create server", zap.Error(err))
		os.Exit(1)
	}

	if !usingDefaults {
		watcher, err := config.NewWatcher(*configPath)
		if err != nil {
			logging.Warn("config hot reload unavailable", zap.Error(err))
		} else {
			watcher.OnChange(srv.ApplyTunables)
			if err := watcher.Start(); err != nil {
				logging.Warn("config watcher start failed", zap.Error(err))
			}
			defer watcher.Stop()
		}
	}

	if err := srv.Run(); err != nil {
		logging.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}
