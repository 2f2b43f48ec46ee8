//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"github.com/google/wire"
	"github.com/zeusync/distmaster/internal/config"
	"github.com/zeusync/distmaster/internal/server"
	"github.com/zeusync/distmaster/sdk/go/client"
)

func InitializeMaster(c *config.Config) (*server.Server, error) {
	wire.Build(MasterSet)
	return nil, nil
}

func InitializeSlave(c *config.Config) (*client.Client, error) {
	wire.Build(SlaveSet)
	return nil, nil
}
