// Package config loads the relay's configuration with koanf. Values come
// from Default, then an optional YAML file, then RELAY_* environment
// variables; later sources win.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides. RELAY_SERVER_LISTEN_ADDR
// maps to server.listen_addr.
const EnvPrefix = "RELAY_"

// Config is the complete relay configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Auth      AuthConfig      `koanf:"auth"`
	Relay     RelayConfig     `koanf:"relay"`
	Redis     RedisConfig     `koanf:"redis"`
	NATS      NATSConfig      `koanf:"nats"`
	Database  DatabaseConfig  `koanf:"database"`
	Store     StoreConfig     `koanf:"store"`
	Heartbeat HeartbeatConfig `koanf:"heartbeat"`
}

// ServerConfig configures the WebSocket listener.
type ServerConfig struct {
	ListenAddr     string        `koanf:"listen_addr"`
	InstanceName   string        `koanf:"instance_name"` // origin tag on bridge frames and Redis records
	WorkerPoolSize int           `koanf:"worker_pool_size"`
	MaxConnections int           `koanf:"max_connections"`
	ReadTimeout    time.Duration `koanf:"read_timeout"`
	WriteTimeout   time.Duration `koanf:"write_timeout"`
}

// AuthConfig configures the authentication gate.
type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret"`
}

// RelayConfig configures the collaboration core.
type RelayConfig struct {
	JoinTimeout  time.Duration `koanf:"join_timeout"`
	MaxCodeBytes int           `koanf:"max_code_bytes"`
}

// RedisConfig enables connection records, the presence mirror and rate
// limiting when Addr is set.
type RedisConfig struct {
	Addr string `koanf:"addr"`
}

// NATSConfig enables the cross-instance bridge when URL is set.
type NATSConfig struct {
	URL string `koanf:"url"`
}

// DatabaseConfig selects the Postgres store when URL is set.
type DatabaseConfig struct {
	URL            string `koanf:"url"`
	MigrateOnStart bool   `koanf:"migrate_on_start"`
}

// StoreConfig configures the in-memory store used without a database.
type StoreConfig struct {
	SeedFile string `koanf:"seed_file"`
}

// HeartbeatConfig configures dead connection detection. An Interval of zero
// disables it.
type HeartbeatConfig struct {
	Interval time.Duration `koanf:"interval"`
	Timeout  time.Duration `koanf:"timeout"`
}

// Default returns the configuration used when nothing overrides it. The JWT
// secret has no default and must be supplied.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:     ":8080",
			InstanceName:   "relay-1",
			WorkerPoolSize: 256,
			MaxConnections: 100000,
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
		},
		Relay: RelayConfig{
			JoinTimeout:  5 * time.Second,
			MaxCodeBytes: 1 << 20,
		},
		Heartbeat: HeartbeatConfig{
			Interval: 30 * time.Second,
			Timeout:  10 * time.Second,
		},
	}
}

// Load builds a Config from Default, the YAML file at path (skipped when
// path is empty) and the environment.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("config: load env: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// envKey maps RELAY_SECTION_SOME_KEY to section.some_key. Only the first
// underscore after the prefix separates the section.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(s, "_", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ""
	}
	return parts[0] + "." + parts[1]
}

// Validate reports the first setting that would prevent the relay from
// starting.
func (c Config) Validate() error {
	switch {
	case c.Auth.JWTSecret == "":
		return errors.New("config: auth.jwt_secret is required")
	case c.Server.ListenAddr == "":
		return errors.New("config: server.listen_addr is required")
	case c.Server.WorkerPoolSize <= 0:
		return fmt.Errorf("config: server.worker_pool_size must be positive, got %d", c.Server.WorkerPoolSize)
	case c.Server.MaxConnections <= 0:
		return fmt.Errorf("config: server.max_connections must be positive, got %d", c.Server.MaxConnections)
	case c.Relay.JoinTimeout <= 0:
		return fmt.Errorf("config: relay.join_timeout must be positive, got %s", c.Relay.JoinTimeout)
	case c.Relay.MaxCodeBytes <= 0:
		return fmt.Errorf("config: relay.max_code_bytes must be positive, got %d", c.Relay.MaxCodeBytes)
	case c.Heartbeat.Interval < 0 || c.Heartbeat.Timeout < 0:
		return errors.New("config: heartbeat durations must not be negative")
	}
	return nil
}
