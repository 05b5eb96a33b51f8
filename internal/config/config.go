package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config represents the complete docmesh configuration
type Config struct {
	Instance    InstanceConfig    `mapstructure:"instance" yaml:"instance"`
	Replication ReplicationConfig `mapstructure:"replication" yaml:"replication"`
	Bus         BusConfig         `mapstructure:"bus" yaml:"bus"`
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Storage     StorageConfig     `mapstructure:"storage" yaml:"storage"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
}

// InstanceConfig identifies this server process
type InstanceConfig struct {
	// Identifier is this process's identity on the bus. It is used both to
	// filter out our own messages and as the lease owner token.
	// Empty means "host-<uuid>", generated once at startup.
	Identifier string `mapstructure:"identifier" yaml:"identifier"`
}

// ReplicationConfig controls topic naming, consumer groups and timing
type ReplicationConfig struct {
	// Prefix namespaces every topic ("{prefix}.{document}") and lease key ("{prefix}:{document}")
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
	// GroupIDBase is combined with the identifier to form a per-instance consumer group
	GroupIDBase string `mapstructure:"group_id_base" yaml:"group_id_base"`
	// DisconnectDelayMs is the unload debounce window and the store-chain wait
	DisconnectDelayMs int `mapstructure:"disconnect_delay_ms" yaml:"disconnect_delay_ms"`
	// LockTimeoutMs is the lease TTL and the maximum acquire wait
	LockTimeoutMs int `mapstructure:"lock_timeout_ms" yaml:"lock_timeout_ms"`
	// LockPollIntervalMs is how often Acquire re-checks the local lease cache
	LockPollIntervalMs int `mapstructure:"lock_poll_interval_ms" yaml:"lock_poll_interval_ms"`
}

// BusConfig selects and configures the pub/sub backend
type BusConfig struct {
	// Backend is one of: "kafka", "redis", "file", "memory"
	Backend string `mapstructure:"backend" yaml:"backend"`
	// DialTimeoutMs bounds the initial connectivity check
	DialTimeoutMs int           `mapstructure:"dial_timeout_ms" yaml:"dial_timeout_ms"`
	Kafka         KafkaConfig   `mapstructure:"kafka" yaml:"kafka"`
	Redis         RedisConfig   `mapstructure:"redis" yaml:"redis"`
	File          FileLogConfig `mapstructure:"file" yaml:"file"`
}

// KafkaConfig configures the log-based broker binding
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
}

// RedisConfig configures the key/value pub/sub binding
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// FileLogConfig configures the shared-directory binding
type FileLogConfig struct {
	// Dir is shared by every process on the host. Empty means {ConfigDir}/bus.
	Dir            string `mapstructure:"dir" yaml:"dir"`
	PollIntervalMs int    `mapstructure:"poll_interval_ms" yaml:"poll_interval_ms"`
}

// ServerConfig controls the HTTP/websocket listener and the store debounce
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
	// StoreDebounceMs delays a server-initiated store after the last change
	StoreDebounceMs int `mapstructure:"store_debounce_ms" yaml:"store_debounce_ms"`
	// StoreMaxDebounceMs caps how long continuous changes can postpone a store
	StoreMaxDebounceMs int `mapstructure:"store_max_debounce_ms" yaml:"store_max_debounce_ms"`
}

// StorageConfig controls SQLite persistence
type StorageConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig controls structured logging
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error"
	Level string `mapstructure:"level" yaml:"level"`
	// Format is "auto", "json" or "text"
	Format string `mapstructure:"format" yaml:"format"`
	// Dir, when set, writes logs to a file in this directory instead of stderr
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// MetricsConfig controls the prometheus endpoint
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Instance: InstanceConfig{
			Identifier: "",
		},
		Replication: ReplicationConfig{
			Prefix:             "hocuspocus",
			GroupIDBase:        "hocuspocus",
			DisconnectDelayMs:  1000,
			LockTimeoutMs:      1000,
			LockPollIntervalMs: 20,
		},
		Bus: BusConfig{
			Backend:       "memory",
			DialTimeoutMs: 5000,
			Kafka: KafkaConfig{
				Brokers: []string{"127.0.0.1:9092"},
			},
			Redis: RedisConfig{
				Addr: "127.0.0.1:6379",
			},
			File: FileLogConfig{
				PollIntervalMs: 50,
			},
		},
		Server: ServerConfig{
			Addr:               ":8000",
			StoreDebounceMs:    2000,
			StoreMaxDebounceMs: 10000,
		},
		Storage: StorageConfig{
			Enabled: true,
			Path:    "docmesh.sqlite3",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// DisconnectDelay returns the disconnect delay as a time.Duration
func (c *ReplicationConfig) DisconnectDelay() time.Duration {
	return time.Duration(c.DisconnectDelayMs) * time.Millisecond
}

// LockTimeout returns the lease TTL as a time.Duration
func (c *ReplicationConfig) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMs) * time.Millisecond
}

// LockPollInterval returns the acquire poll interval as a time.Duration
func (c *ReplicationConfig) LockPollInterval() time.Duration {
	return time.Duration(c.LockPollIntervalMs) * time.Millisecond
}

// GroupID returns the per-instance consumer group for identifier.
// Every instance consumes every message, so groups are never shared.
func (c *ReplicationConfig) GroupID(identifier string) string {
	return c.GroupIDBase + "-" + identifier
}

// DialTimeout returns the connectivity check timeout as a time.Duration
func (c *BusConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutMs) * time.Millisecond
}

// PollInterval returns the file log poll interval as a time.Duration
func (c *FileLogConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// ResolveDir returns the bus directory, defaulting under ConfigDir.
func (c *FileLogConfig) ResolveDir() string {
	if c.Dir != "" {
		return c.Dir
	}
	return filepath.Join(ConfigDir(), "bus")
}

// StoreDebounce returns the store debounce as a time.Duration
func (c *ServerConfig) StoreDebounce() time.Duration {
	return time.Duration(c.StoreDebounceMs) * time.Millisecond
}

// StoreMaxDebounce returns the store debounce cap as a time.Duration
func (c *ServerConfig) StoreMaxDebounce() time.Duration {
	return time.Duration(c.StoreMaxDebounceMs) * time.Millisecond
}

// ResolveIdentifier fills in a generated identifier when none is configured
// and returns the effective value.
func (c *InstanceConfig) ResolveIdentifier() string {
	if c.Identifier == "" {
		c.Identifier = GenerateIdentifier()
	}
	return c.Identifier
}

// GenerateIdentifier returns a fresh "host-<uuid>" identity.
func GenerateIdentifier() string {
	return "host-" + uuid.NewString()
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Instance defaults
	viper.SetDefault("instance.identifier", defaults.Instance.Identifier)

	// Replication defaults
	viper.SetDefault("replication.prefix", defaults.Replication.Prefix)
	viper.SetDefault("replication.group_id_base", defaults.Replication.GroupIDBase)
	viper.SetDefault("replication.disconnect_delay_ms", defaults.Replication.DisconnectDelayMs)
	viper.SetDefault("replication.lock_timeout_ms", defaults.Replication.LockTimeoutMs)
	viper.SetDefault("replication.lock_poll_interval_ms", defaults.Replication.LockPollIntervalMs)

	// Bus defaults
	viper.SetDefault("bus.backend", defaults.Bus.Backend)
	viper.SetDefault("bus.dial_timeout_ms", defaults.Bus.DialTimeoutMs)
	viper.SetDefault("bus.kafka.brokers", defaults.Bus.Kafka.Brokers)
	viper.SetDefault("bus.redis.addr", defaults.Bus.Redis.Addr)
	viper.SetDefault("bus.redis.password", defaults.Bus.Redis.Password)
	viper.SetDefault("bus.redis.db", defaults.Bus.Redis.DB)
	viper.SetDefault("bus.file.dir", defaults.Bus.File.Dir)
	viper.SetDefault("bus.file.poll_interval_ms", defaults.Bus.File.PollIntervalMs)

	// Server defaults
	viper.SetDefault("server.addr", defaults.Server.Addr)
	viper.SetDefault("server.store_debounce_ms", defaults.Server.StoreDebounceMs)
	viper.SetDefault("server.store_max_debounce_ms", defaults.Server.StoreMaxDebounceMs)

	// Storage defaults
	viper.SetDefault("storage.enabled", defaults.Storage.Enabled)
	viper.SetDefault("storage.path", defaults.Storage.Path)

	// Logging defaults
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.format", defaults.Logging.Format)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)

	// Metrics defaults
	viper.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "docmesh")
	}
	// Fall back to ~/.config/docmesh
	home, err := os.UserHomeDir()
	if err != nil {
		return ".docmesh"
	}
	return filepath.Join(home, ".config", "docmesh")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ValidBackends returns the list of valid bus backends
func ValidBackends() []string {
	return []string{"kafka", "redis", "file", "memory"}
}
