package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Relay   RelayConfig   `yaml:"relay"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

type RelayConfig struct {
	// EvictionDelay is how long a drained session stays in the registry
	// waiting for a subscriber to come back before it is removed.
	EvictionDelay time.Duration `yaml:"eviction_delay"`

	// ReadBufferSize is the upstream read buffer; each read becomes one
	// broadcast chunk.
	ReadBufferSize int `yaml:"read_buffer_size"`

	// ConnectTimeout bounds the upstream dial and response headers.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// IdleTimeout bounds a single upstream read. A stalled upstream is
	// treated as a read error once this expires.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// SinkBuffer is the per-subscriber outbound queue length. A subscriber
	// whose queue is full gets disconnected rather than stalling the relay.
	SinkBuffer int `yaml:"sink_buffer"`

	// MaxClientsPerSession caps subscribers per session. 0 means unlimited.
	MaxClientsPerSession int `yaml:"max_clients_per_session"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Relay: RelayConfig{
			EvictionDelay:  30 * time.Second,
			ReadBufferSize: 32 * 1024,
			ConnectTimeout: 10 * time.Second,
			IdleTimeout:    60 * time.Second,
			SinkBuffer:     64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault loads the config file if it exists and falls back to
// defaults when it doesn't. A file that exists but fails to parse is
// still an error.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return defaultConfig(), nil
	}
	return Load(path)
}

func (c *Config) validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Relay.EvictionDelay < 0 {
		return fmt.Errorf("relay.eviction_delay must not be negative")
	}
	if c.Relay.ReadBufferSize <= 0 {
		return fmt.Errorf("relay.read_buffer_size must be positive, got %d", c.Relay.ReadBufferSize)
	}
	if c.Relay.SinkBuffer <= 0 {
		return fmt.Errorf("relay.sink_buffer must be positive, got %d", c.Relay.SinkBuffer)
	}
	if c.Relay.MaxClientsPerSession < 0 {
		return fmt.Errorf("relay.max_clients_per_session must not be negative")
	}
	return nil
}
