package app

import (
	"fmt"

	"github.com/BennyGman66/expression-forge-studio-sub008/internal/clients/generation"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/data/db"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/platform/logger"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/realtime/bus"
)

type Clients struct {
	Generator generation.Service
	Bus       bus.Bus
}

func wireClients(log *logger.Logger, cfg Config) (Clients, error) {
	log.Info("Wiring clients...")

	gen, err := generation.NewClient(generation.Config{
		BaseURL:   cfg.Generation.BaseURL,
		APIKey:    cfg.Generation.APIKey,
		RateLimit: cfg.Generation.RateLimit,
		Timeout:   cfg.Generation.Timeout,
	}, log)
	if err != nil {
		return Clients{}, fmt.Errorf("init generation client: %w", err)
	}

	b, err := wireBus(log, cfg)
	if err != nil {
		return Clients{}, err
	}
	return Clients{Generator: gen, Bus: b}, nil
}

// wireBus picks the change feed. Memory only reaches this process; redis and
// postgres reach every instance sharing the store.
func wireBus(log *logger.Logger, cfg Config) (bus.Bus, error) {
	switch cfg.ChangeFeed.Mode {
	case ChangeFeedRedis:
		b, err := bus.NewRedisBus(bus.RedisConfig{Addr: cfg.Redis.Addr, Channel: cfg.Redis.Channel}, log)
		if err != nil {
			return nil, fmt.Errorf("init redis change feed: %w", err)
		}
		return b, nil
	case ChangeFeedPostgres:
		l, err := bus.NewPGListener(cfg.Database.DSN, db.ChangeChannel, log)
		if err != nil {
			return nil, fmt.Errorf("init postgres change feed: %w", err)
		}
		return l, nil
	default:
		return bus.NewMemoryBus(log), nil
	}
}
