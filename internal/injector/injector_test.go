package injector

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeusync/distmaster/internal/config"
	"github.com/zeusync/distmaster/internal/core/events/bus"
	"github.com/zeusync/distmaster/internal/core/observability/log"
)

func TestInitializeMasterAndSlave(t *testing.T) {
	c, err := config.Load("")
	require.NoError(t, err)
	c.Master.ListenAddr = "127.0.0.1:0"

	srv, err := InitializeMaster(c)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	require.NoError(t, srv.Start(context.Background()))

	c.Slave.Name = "slave-1"
	c.Slave.ServerAddr = srv.Addr().String()
	c.Slave.Roles = []config.Role{{Name: "render"}}

	slave, err := InitializeSlave(c)
	require.NoError(t, err)
	t.Cleanup(func() { _ = slave.Close() })
	require.NoError(t, slave.Connect(context.Background()))
	assert.Eventually(t, func() bool { return srv.Registry().Len() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestInitializeSlaveRequiresName(t *testing.T) {
	c, err := config.Load("")
	require.NoError(t, err)
	_, err = InitializeSlave(c)
	assert.Error(t, err)
}

func TestProvideEventBusReportsDispatchFailures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.log")
	logger, err := log.NewWithOptions(log.Options{Level: log.LevelDebug, Outputs: []string{path}})
	require.NoError(t, err)

	events := ProvideEventBus(logger)
	require.NoError(t, events.RegisterListener("system.registered", bus.ListenerFunc("failing", func(bus.Event) error {
		return errors.New("listener broke")
	})))
	assert.True(t, events.Dispatch(bus.NewEvent("system.registered", "test", nil, nil)))
	require.NoError(t, events.Close())
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "listener broke")
}
