// Package config loads gateway.toml and the environment contract shared by the
// gateway and worker processes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath       = "gateway.toml"
	DefaultHost             = "0.0.0.0"
	DefaultPort             = 8080
	DefaultQueuePath        = "state/ingestion_queue.db"
	DefaultMaxBodyBytes     = 25 << 20 // POSTMARK_INBOUND_MAX_BYTES default
	DefaultLeaseSecs        = 60
	DefaultMaxAttempts      = 5
	DefaultPollInterval     = time.Second
	DefaultMaxConcurrency   = 10
	DefaultUserConcurrency  = 3
	DefaultTaskTimeoutSecs  = 600
	DefaultWatchdogInterval = 30 * time.Second
	DefaultGDocsPollSecs    = 30
)

// Route is a static (channel, key) -> employee binding. Key "*" is the
// per-channel wildcard.
type Route struct {
	Channel    string `toml:"channel"`
	Key        string `toml:"key"`
	EmployeeID string `toml:"employee_id"`
	TenantID   string `toml:"tenant_id"`
}

// Config is the gateway.toml shape plus resolved environment overrides.
type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Storage  StorageConfig  `toml:"storage"`
	Defaults DefaultsConfig `toml:"defaults"`
	Routes   []Route        `toml:"routes"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type StorageConfig struct {
	DBPath string `toml:"db_path"`
}

type DefaultsConfig struct {
	TenantID   string `toml:"tenant_id"`
	EmployeeID string `toml:"employee_id"`
}

// Load reads gateway.toml from path (or GATEWAY_CONFIG_PATH, or the default
// location), then applies environment overrides. A missing file yields the
// defaults.
func Load(path string) (Config, error) {
	cfg := Config{
		Log:    LogConfig{Level: "info", Format: "text"},
		Server: ServerConfig{Host: DefaultHost, Port: DefaultPort},
		Storage: StorageConfig{
			DBPath: DefaultQueuePath,
		},
	}

	if path == "" {
		path = strings.TrimSpace(os.Getenv("GATEWAY_CONFIG_PATH"))
	}
	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, err
	}

	if host := strings.TrimSpace(os.Getenv("GATEWAY_HOST")); host != "" {
		cfg.Server.Host = host
	}
	if port := EnvInt("GATEWAY_PORT", 0); port > 0 {
		cfg.Server.Port = port
	}
	return cfg, nil
}

// QueueURL resolves the ingestion queue location: INGESTION_DB_URL, then
// DATABASE_URL, then the gateway.toml storage path.
func (c Config) QueueURL() string {
	if url := strings.TrimSpace(os.Getenv("INGESTION_DB_URL")); url != "" {
		return url
	}
	if url := strings.TrimSpace(os.Getenv("DATABASE_URL")); url != "" {
		return url
	}
	return c.Storage.DBPath
}

// MaxBodyBytes returns the inbound body cap.
func MaxBodyBytes() int64 {
	if v := EnvInt("GATEWAY_MAX_BODY_BYTES", 0); v > 0 {
		return int64(v)
	}
	if v := EnvInt("POSTMARK_INBOUND_MAX_BYTES", 0); v > 0 {
		return int64(v)
	}
	return DefaultMaxBodyBytes
}

// EnvString reads a string environment variable, returning fallback when the
// value is empty or whitespace.
func EnvString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// EnvInt reads an integer environment variable, returning fallback when unset
// or unparseable.
func EnvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

// EnvDuration reads a whole-seconds environment variable as a duration.
func EnvDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

// EnvEnabled reports whether key is set to a truthy value ("1", "true", "yes").
func EnvEnabled(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// WorkerID resolves the queue lock owner id: WORKER_INSTANCE_ID, else
// hostname, else pid-<n>.
func WorkerID() string {
	if id := strings.TrimSpace(os.Getenv("WORKER_INSTANCE_ID")); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && strings.TrimSpace(host) != "" {
		return host
	}
	return fmt.Sprintf("pid-%d", os.Getpid())
}
