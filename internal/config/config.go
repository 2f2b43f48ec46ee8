// Package config loads distmaster settings from a YAML file and DISTMASTER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/zeusync/distmaster/internal/core/observability/log"
	"github.com/zeusync/distmaster/internal/core/protocol"
	"github.com/zeusync/distmaster/internal/core/storage"
	"github.com/zeusync/distmaster/internal/master"
	"github.com/zeusync/distmaster/internal/mediator"
	"github.com/zeusync/distmaster/internal/server"
	"github.com/zeusync/distmaster/sdk/go/client"
)

const envPrefix = "DISTMASTER"

const (
	DriverMemory  = "memory"
	DriverLevelDB = "leveldb"
)

var ErrInvalidPersistence = errors.New("invalid persistence settings")

type Config struct {
	Log struct {
		Level   string   `mapstructure:"level"`
		Format  string   `mapstructure:"format"`
		Outputs []string `mapstructure:"outputs"`
	} `mapstructure:"log"`

	Protocol struct {
		MaxMessageSize uint32        `mapstructure:"max_message_size"`
		WriteTimeout   time.Duration `mapstructure:"write_timeout"`
		KeepAlive      time.Duration `mapstructure:"keep_alive"`
		WebSocketPath  string        `mapstructure:"websocket_path"`
	} `mapstructure:"protocol"`

	Master struct {
		ListenAddr          string        `mapstructure:"listen_addr"`
		Transport           string        `mapstructure:"transport"`
		MaxSystems          int           `mapstructure:"max_systems"`
		AcceptTimeout       time.Duration `mapstructure:"accept_timeout"`
		HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
		HeartbeatTimeout    time.Duration `mapstructure:"heartbeat_timeout"`
		Alpha               float64       `mapstructure:"alpha"`
		Aggregate           string        `mapstructure:"aggregate"`
		Duplicate           string        `mapstructure:"duplicate"`
		DefaultPerformance  float64       `mapstructure:"default_performance"`
		ReconnectGrace      time.Duration `mapstructure:"reconnect_grace"`
		HandshakeTimeout    time.Duration `mapstructure:"handshake_timeout"`
		RoundTimeout        time.Duration `mapstructure:"round_timeout"`
		MaxRounds           int           `mapstructure:"max_rounds"`
	} `mapstructure:"master"`

	Mediator struct {
		Transport        string        `mapstructure:"transport"`
		HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
		Duplicate        string        `mapstructure:"duplicate"`
		RearmAttempts    int           `mapstructure:"rearm_attempts"`
		RearmBackoff     time.Duration `mapstructure:"rearm_backoff"`
		Bridges          []Bridge      `mapstructure:"bridges"`
	} `mapstructure:"mediator"`

	Persistence struct {
		Driver string `mapstructure:"driver"`
		Path   string `mapstructure:"path"`
	} `mapstructure:"persistence"`

	Slave struct {
		Name              string        `mapstructure:"name"`
		ServerAddr        string        `mapstructure:"server_addr"`
		Transport         string        `mapstructure:"transport"`
		Identity          string        `mapstructure:"identity"`
		ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
		AutoCapacity      bool          `mapstructure:"auto_capacity"`
		RolesFile         string        `mapstructure:"roles_file"`
		Roles             []Role        `mapstructure:"roles"`
	} `mapstructure:"slave"`
}

type Bridge struct {
	Identity string `mapstructure:"identity"`
	Address  string `mapstructure:"address"`
}

type Role struct {
	Name        string            `mapstructure:"name"`
	Performance *float64          `mapstructure:"performance"`
	Attributes  map[string]string `mapstructure:"attributes"`
}

func setDefaults(v *viper.Viper) {
	p := protocol.DefaultConfig()
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.outputs", []string{"stderr"})

	v.SetDefault("protocol.max_message_size", p.MaxMessageSize)
	v.SetDefault("protocol.write_timeout", p.WriteTimeout)
	v.SetDefault("protocol.keep_alive", p.KeepAlive)
	v.SetDefault("protocol.websocket_path", p.WebSocketPath)

	s := server.DefaultServerConfig()
	m := master.DefaultConfig()
	v.SetDefault("master.listen_addr", s.ListenAddr)
	v.SetDefault("master.transport", string(s.Transport))
	v.SetDefault("master.max_systems", s.MaxSystems)
	v.SetDefault("master.accept_timeout", s.AcceptTimeout)
	v.SetDefault("master.health_check_interval", s.HealthCheckInterval)
	v.SetDefault("master.heartbeat_timeout", s.HeartbeatTimeout)
	v.SetDefault("master.alpha", m.Alpha)
	v.SetDefault("master.aggregate", string(m.Aggregate))
	v.SetDefault("master.duplicate", string(m.Duplicate))
	v.SetDefault("master.default_performance", m.DefaultPerformance)
	v.SetDefault("master.reconnect_grace", m.ReconnectGrace)
	v.SetDefault("master.handshake_timeout", m.HandshakeTimeout)
	v.SetDefault("master.round_timeout", m.RoundTimeout)
	v.SetDefault("master.max_rounds", m.MaxRounds)

	md := mediator.DefaultConfig()
	v.SetDefault("mediator.transport", string(md.Transport))
	v.SetDefault("mediator.handshake_timeout", md.HandshakeTimeout)
	v.SetDefault("mediator.duplicate", string(md.Duplicate))
	v.SetDefault("mediator.rearm_attempts", md.RearmAttempts)
	v.SetDefault("mediator.rearm_backoff", md.RearmBackoff)
	v.SetDefault("mediator.bridges", []Bridge{})

	v.SetDefault("persistence.driver", DriverMemory)
	v.SetDefault("persistence.path", "")

	c := client.DefaultClientConfig()
	v.SetDefault("slave.name", "")
	v.SetDefault("slave.server_addr", c.ServerAddr)
	v.SetDefault("slave.transport", string(c.Transport))
	v.SetDefault("slave.identity", "")
	v.SetDefault("slave.connect_timeout", c.ConnectTimeout)
	v.SetDefault("slave.heartbeat_interval", c.HeartbeatInterval)
	v.SetDefault("slave.auto_capacity", false)
	v.SetDefault("slave.roles_file", "")
	v.SetDefault("slave.roles", []Role{})
}

// Load reads path, when given, on top of the defaults. Every key can be overridden
// from the environment, e.g. DISTMASTER_MASTER_LISTEN_ADDR for master.listen_addr.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &c, nil
}

func (c *Config) LogLevel() log.Level {
	return log.ParseLevel(c.Log.Level)
}

func (c *Config) LogOptions() log.Options {
	return log.Options{Level: c.LogLevel(), Format: c.Log.Format, Outputs: c.Log.Outputs}
}

func (c *Config) ProtocolConfig() protocol.Config {
	p := protocol.DefaultConfig()
	p.MaxMessageSize = c.Protocol.MaxMessageSize
	p.WriteTimeout = c.Protocol.WriteTimeout
	p.KeepAlive = c.Protocol.KeepAlive
	p.WebSocketPath = c.Protocol.WebSocketPath
	return p
}

func (c *Config) MasterConfig() master.Config {
	return master.Config{
		Alpha:              c.Master.Alpha,
		Aggregate:          master.AggregatePolicy(c.Master.Aggregate),
		Duplicate:          master.DuplicatePolicy(c.Master.Duplicate),
		DefaultPerformance: c.Master.DefaultPerformance,
		ReconnectGrace:     c.Master.ReconnectGrace,
		HandshakeTimeout:   c.Master.HandshakeTimeout,
		RoundTimeout:       c.Master.RoundTimeout,
		MaxRounds:          c.Master.MaxRounds,
		RosterShard:        master.DefaultConfig().RosterShard,
	}
}

func (c *Config) MediatorConfig() mediator.Config {
	bridges := make([]mediator.Bridge, len(c.Mediator.Bridges))
	for i, b := range c.Mediator.Bridges {
		bridges[i] = mediator.Bridge{Identity: b.Identity, Address: b.Address}
	}
	return mediator.Config{
		Transport:        protocol.TransportType(c.Mediator.Transport),
		HandshakeTimeout: c.Mediator.HandshakeTimeout,
		Duplicate:        master.DuplicatePolicy(c.Mediator.Duplicate),
		RearmAttempts:    c.Mediator.RearmAttempts,
		RearmBackoff:     c.Mediator.RearmBackoff,
		Protocol:         c.ProtocolConfig(),
		Bridges:          bridges,
	}
}

func (c *Config) ServerConfig() server.Config {
	return server.Config{
		ListenAddr:          c.Master.ListenAddr,
		Transport:           protocol.TransportType(c.Master.Transport),
		MaxSystems:          c.Master.MaxSystems,
		AcceptTimeout:       c.Master.AcceptTimeout,
		Protocol:            c.ProtocolConfig(),
		HealthCheckInterval: c.Master.HealthCheckInterval,
		HeartbeatTimeout:    c.Master.HeartbeatTimeout,
		Master:              c.MasterConfig(),
		Mediator:            c.MediatorConfig(),
	}
}

// OpenStore opens the configured history store.
func (c *Config) OpenStore() (storage.HistoryStore, error) {
	switch strings.ToLower(c.Persistence.Driver) {
	case "", DriverMemory:
		return storage.NewMemoryStore(), nil
	case DriverLevelDB:
		if c.Persistence.Path == "" {
			return nil, fmt.Errorf("%w: leveldb needs persistence.path", ErrInvalidPersistence)
		}
		return storage.NewLevelDBStore(c.Persistence.Path)
	default:
		return nil, fmt.Errorf("%w: unknown driver %q", ErrInvalidPersistence, c.Persistence.Driver)
	}
}

// ClientConfig builds the slave configuration. Roles from slave.roles_file replace
// the inline slave.roles list.
func (c *Config) ClientConfig() (client.Config, error) {
	roles := make([]client.Role, len(c.Slave.Roles))
	for i, r := range c.Slave.Roles {
		roles[i] = client.Role{Name: r.Name, Attributes: r.Attributes, Performance: r.Performance}
	}

	if c.Slave.RolesFile != "" {
		f, err := os.Open(c.Slave.RolesFile)
		if err != nil {
			return client.Config{}, fmt.Errorf("failed to open roles file: %w", err)
		}
		defer f.Close()
		if roles, err = client.LoadRolesYAML(f); err != nil {
			return client.Config{}, err
		}
	}

	return client.Config{
		Name:              c.Slave.Name,
		ServerAddr:        c.Slave.ServerAddr,
		Transport:         protocol.TransportType(c.Slave.Transport),
		Identity:          c.Slave.Identity,
		Roles:             roles,
		ConnectTimeout:    c.Slave.ConnectTimeout,
		HeartbeatInterval: c.Slave.HeartbeatInterval,
		Protocol:          c.ProtocolConfig(),
		AutoCapacity:      c.Slave.AutoCapacity,
	}, nil
}
