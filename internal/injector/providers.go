package injector

import (
	"github.com/google/wire"
	"github.com/zeusync/distmaster/internal/config"
	"github.com/zeusync/distmaster/internal/core/events/bus"
	"github.com/zeusync/distmaster/internal/core/observability/log"
	"github.com/zeusync/distmaster/internal/core/storage"
	"github.com/zeusync/distmaster/internal/server"
	"github.com/zeusync/distmaster/sdk/go/client"
)

// MasterSet builds a master server from a loaded configuration.
var MasterSet = wire.NewSet(
	ProvideLogger,
	ProvideEventBus,
	ProvideStore,
	ProvideServerConfig,
	server.NewServer,
)

// SlaveSet builds a slave client from a loaded configuration.
var SlaveSet = wire.NewSet(
	ProvideLogger,
	ProvideClientConfig,
	client.NewClient,
)

func ProvideLogger(c *config.Config) (log.Log, error) {
	logger, err := log.NewWithOptions(c.LogOptions())
	if err != nil {
		return nil, err
	}
	return logger, nil
}

func ProvideEventBus(logger log.Log) bus.EventBus {
	return bus.New(bus.WithLogger(logger))
}

func ProvideStore(c *config.Config) (storage.HistoryStore, error) {
	return c.OpenStore()
}

func ProvideServerConfig(c *config.Config) server.Config {
	return c.ServerConfig()
}

func ProvideClientConfig(c *config.Config) (client.Config, error) {
	return c.ClientConfig()
}
