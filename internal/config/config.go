// Package config loads netwatch configuration.
//
// Values come from, lowest precedence first: built-in defaults, an optional
// YAML file, and NETWATCH_ prefixed environment variables where nested keys
// are joined with underscores (NETWATCH_MANAGER_PORT=7878).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/t77yq/netwatch/internal/protocol"
)

// EnvPrefix is the prefix of environment variable overrides
const EnvPrefix = "NETWATCH"

// Config is the root configuration of both binaries
type Config struct {
	Manager  ManagerConfig  `mapstructure:"manager"`
	Registry RegistryConfig `mapstructure:"registry"`
	Node     NodeConfig     `mapstructure:"node"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Journal  JournalConfig  `mapstructure:"journal"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ManagerConfig configures the discovery side
type ManagerConfig struct {
	// IP is the local address to bind; empty selects the first private IPv4 interface
	IP                string        `mapstructure:"ip"`
	Port              int           `mapstructure:"port"`
	PeerPort          int           `mapstructure:"peer_port"`
	BroadcastAddress  string        `mapstructure:"broadcast_address"`
	BroadcastInterval time.Duration `mapstructure:"broadcast_interval"`
	ReceiveBuffer     int           `mapstructure:"receive_buffer"`
	CommandQueue      int           `mapstructure:"command_queue"`
	ResponseBuffer    int           `mapstructure:"response_buffer"`
}

// RegistryConfig configures node tracking and eviction
type RegistryConfig struct {
	HistoryCapacity int           `mapstructure:"history_capacity"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	SweepSchedule   string        `mapstructure:"sweep_schedule"`
	EventBuffer     int           `mapstructure:"event_buffer"`
}

// NodeConfig configures the node agent
type NodeConfig struct {
	// IP is reported in responses; empty selects the first private IPv4 interface
	IP                string        `mapstructure:"ip"`
	BindAddress       string        `mapstructure:"bind_address"`
	Port              int           `mapstructure:"port"`
	ReceiveBuffer     int           `mapstructure:"receive_buffer"`
	CPUSampleInterval time.Duration `mapstructure:"cpu_sample_interval"`
}

// HTTPConfig configures the read-only HTTP API
type HTTPConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// NATSConfig configures publishing of node lifecycle events
type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	Stream         string        `mapstructure:"stream"`
	SubjectPrefix  string        `mapstructure:"subject_prefix"`
	MaxAge         time.Duration `mapstructure:"max_age"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// JournalConfig configures the SQLite lifecycle journal
type JournalConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Path      string        `mapstructure:"path"`
	Retention time.Duration `mapstructure:"retention"`
}

// LoggingConfig configures zap
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads configuration from cfgFile (if set) or config.yaml in the
// working directory, ./config or /etc/netwatch, then applies environment overrides.
func Load(cfgFile string) (*Config, error) {
	return LoadWith(viper.New(), cfgFile)
}

// LoadWith is Load on a caller-supplied viper instance, so command-line flags
// bound to v take precedence over file and environment values.
func LoadWith(v *viper.Viper, cfgFile string) (*Config, error) {
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/netwatch")
	}

	if err := v.ReadInConfig(); err != nil {
		// only a searched-for file may be missing
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("manager.ip", "")
	v.SetDefault("manager.port", protocol.DefaultManagerPort)
	v.SetDefault("manager.peer_port", protocol.DefaultNodePort)
	v.SetDefault("manager.broadcast_address", protocol.BroadcastAddress)
	v.SetDefault("manager.broadcast_interval", "5s")
	v.SetDefault("manager.receive_buffer", protocol.MaxDatagramSize)
	v.SetDefault("manager.command_queue", 32)
	v.SetDefault("manager.response_buffer", 32)

	v.SetDefault("registry.history_capacity", 500)
	v.SetDefault("registry.stale_after", "30s")
	v.SetDefault("registry.sweep_schedule", "@every 10s")
	v.SetDefault("registry.event_buffer", 64)

	v.SetDefault("node.ip", "")
	v.SetDefault("node.bind_address", "0.0.0.0")
	v.SetDefault("node.port", protocol.DefaultNodePort)
	v.SetDefault("node.receive_buffer", protocol.MaxDatagramSize)
	v.SetDefault("node.cpu_sample_interval", "200ms")

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 3000)
	v.SetDefault("http.shutdown_timeout", "10s")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.stream", "NODES")
	v.SetDefault("nats.subject_prefix", "nodes")
	v.SetDefault("nats.max_age", "24h")
	v.SetDefault("nats.connect_timeout", "5s")

	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.path", "netwatch.db")
	v.SetDefault("journal.retention", "168h")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
}

// Validate checks value ranges that viper cannot express
func (c *Config) Validate() error {
	for name, port := range map[string]int{
		"manager.port":      c.Manager.Port,
		"manager.peer_port": c.Manager.PeerPort,
		"node.port":         c.Node.Port,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%s out of range: %d", name, port)
		}
	}
	if c.HTTP.Enabled && (c.HTTP.Port < 1 || c.HTTP.Port > 65535) {
		return fmt.Errorf("http.port out of range: %d", c.HTTP.Port)
	}
	if _, err := protocol.ParseIPv4(c.Manager.BroadcastAddress); err != nil {
		return fmt.Errorf("manager.broadcast_address: %w", err)
	}
	for name, ip := range map[string]string{"manager.ip": c.Manager.IP, "node.ip": c.Node.IP} {
		if ip == "" {
			continue
		}
		if _, err := protocol.ParseIPv4(ip); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.Manager.BroadcastInterval <= 0 {
		return fmt.Errorf("manager.broadcast_interval must be positive")
	}
	if c.Manager.ReceiveBuffer < 1 || c.Node.ReceiveBuffer < 1 {
		return fmt.Errorf("receive buffers must be positive")
	}
	if c.Manager.CommandQueue < 1 || c.Manager.ResponseBuffer < 1 || c.Registry.EventBuffer < 1 {
		return fmt.Errorf("queue sizes must be positive")
	}
	if c.Registry.HistoryCapacity < 1 {
		return fmt.Errorf("registry.history_capacity must be positive")
	}
	if c.Registry.StaleAfter <= 0 {
		return fmt.Errorf("registry.stale_after must be positive")
	}
	if _, err := cron.ParseStandard(c.Registry.SweepSchedule); err != nil {
		return fmt.Errorf("registry.sweep_schedule: %w", err)
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("journal.path is required when the journal is enabled")
	}
	return nil
}

// Address returns the host:port the HTTP API listens on
func (c HTTPConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
