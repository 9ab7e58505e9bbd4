package cmd

import (
	"fmt"

	"github.com/harrison/storyloop/internal/bus"
	"github.com/harrison/storyloop/internal/config"
	"github.com/harrison/storyloop/internal/lease"
)

// openStore builds the lease store selected by the configuration.
func openStore(cfg *config.Config) (lease.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return lease.NewMemoryStore(), nil
	case "sqlite":
		return lease.NewSQLiteStore(cfg.Store.Path)
	case "redis":
		return lease.NewRedisStore(cfg.Store.RedisURL)
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
	}
}

// openBus builds the event transport selected by the configuration.
func openBus(cfg *config.Config) (bus.Bus, error) {
	switch cfg.Bus.Backend {
	case "memory":
		return bus.NewMemoryBus(), nil
	case "nats":
		return bus.NewNATSBus(cfg.Bus.NATSURL)
	case "redis":
		return bus.NewRedisBus(cfg.Bus.RedisURL)
	default:
		return nil, fmt.Errorf("unsupported bus backend %q", cfg.Bus.Backend)
	}
}

// loadConfig resolves the --config flag against the working directory
// default and applies common flag overrides.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadConfig(configPath)
	}
	return config.LoadConfigFromDir(".")
}
