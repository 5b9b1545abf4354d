package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. GROUPD_LOG_LEVEL.
const EnvPrefix = "GROUPD_"

// Config represents the application configuration
type Config struct {
	Log             LogConfig      `yaml:"log" envPrefix:"LOG_"`
	Database        DatabaseConfig `yaml:"database" envPrefix:"DB_"`
	Registry        RegistryConfig `yaml:"registry" envPrefix:"REGISTRY_"`
	Engine          EngineConfig   `yaml:"engine" envPrefix:"ENGINE_"`
	Defaults        DefaultsConfig `yaml:"defaults" envPrefix:"DEFAULTS_"`
	API             APIConfig      `yaml:"api" envPrefix:"API_"`
	EventBus        EventBusConfig `yaml:"eventbus" envPrefix:"EVENTBUS_"`
	Ledger          LedgerConfig   `yaml:"ledger" envPrefix:"LEDGER_"`
	ShutdownTimeout Duration       `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"` // General shutdown timeout for graceful stops
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Colors bool   `yaml:"colors" env:"COLORS"`
	JSON   bool   `yaml:"json" env:"JSON"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Driver string `yaml:"driver" env:"DRIVER"` // sqlite3 or postgres
	DSN    string `yaml:"dsn" env:"DSN"`
}

// Registry kinds
const (
	RegistryHue    = "hue"
	RegistryMemory = "memory"
)

// RegistryConfig selects and configures the member device backend
type RegistryConfig struct {
	Kind   string       `yaml:"kind" env:"KIND"`
	Hue    HueConfig    `yaml:"hue" envPrefix:"HUE_"`
	Memory MemoryConfig `yaml:"memory"`
}

// HueConfig contains Hue bridge connection settings
type HueConfig struct {
	Bridge       string   `yaml:"bridge" env:"BRIDGE"`
	Token        string   `yaml:"token" env:"TOKEN"`
	Timeout      Duration `yaml:"timeout" env:"TIMEOUT"` // HTTP timeout for Hue API requests
	PollInterval Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	RateLimitRPS float64  `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
}

// MemoryConfig seeds the in-process registry
type MemoryConfig struct {
	Devices []MemoryDevice `yaml:"devices"`
}

// MemoryDevice is a device served by the in-process registry
type MemoryDevice struct {
	ID     string         `yaml:"id"`
	Name   string         `yaml:"name"`
	Class  string         `yaml:"class"`
	Ready  *bool          `yaml:"ready"` // default: true
	Values map[string]any `yaml:"values"`
}

// IsReady reports the configured readiness, true when unset
func (d MemoryDevice) IsReady() bool {
	return d.Ready == nil || *d.Ready
}

// EngineConfig contains group engine settings shared by every group
type EngineConfig struct {
	AuditInterval   Duration `yaml:"audit_interval" env:"AUDIT_INTERVAL"` // 0 disables timed audits
	ResolveTimeout  Duration `yaml:"resolve_timeout" env:"RESOLVE_TIMEOUT"`
	WriteTimeout    Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	InitParallelism int      `yaml:"init_parallelism" env:"INIT_PARALLELISM"`
}

// DefaultsConfig holds settings applied to newly created groups
type DefaultsConfig struct {
	GroupDebounce  Duration `yaml:"group_debounce" env:"GROUP_DEBOUNCE"`
	MemberDebounce Duration `yaml:"member_debounce" env:"MEMBER_DEBOUNCE"`
	Stagger        Duration `yaml:"stagger" env:"STAGGER"`
	WriteRetries   int      `yaml:"write_retries" env:"WRITE_RETRIES"`
	LogLevel       string   `yaml:"log_level" env:"LOG_LEVEL"`
}

// APIConfig contains HTTP API server settings
type APIConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Host    string `yaml:"host" env:"HOST"`
	Port    int    `yaml:"port" env:"PORT"`
}

// Addr returns the server address in host:port format.
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LedgerConfig contains event ledger settings
type LedgerConfig struct {
	CleanupInterval Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
	RetentionDays   int      `yaml:"retention_days" env:"RETENTION_DAYS"`
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers" env:"WORKERS"`       // Number of worker goroutines (default: 4)
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"` // Event queue size (default: 100)
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 100
	}
	return c.QueueSize
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// UnmarshalText lets environment overrides use the same format
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Milliseconds returns the duration as whole milliseconds
func (d Duration) Milliseconds() int {
	return int(time.Duration(d) / time.Millisecond)
}

// Load reads and parses the configuration file. An empty path skips the
// file and builds the configuration from defaults and the environment.
func Load(path string) (*Config, error) {
	// A missing .env is fine
	_ = godotenv.Load()

	// Seeded before decoding so an explicit 0 survives
	cfg := Config{Engine: EngineConfig{AuditInterval: Duration(30 * time.Second)}}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		// Expand environment variables
		expanded := expandEnvVars(string(data))

		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, err
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parsing environment overrides: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	// Database defaults
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite3"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite3" {
		cfg.Database.DSN = "./groupd.sqlite"
	}

	// Registry defaults
	if cfg.Registry.Kind == "" {
		cfg.Registry.Kind = RegistryHue
	}
	if cfg.Registry.Hue.Timeout == 0 {
		cfg.Registry.Hue.Timeout = Duration(10 * time.Second)
	}
	if cfg.Registry.Hue.PollInterval == 0 {
		cfg.Registry.Hue.PollInterval = Duration(2 * time.Second)
	}
	if cfg.Registry.Hue.RateLimitRPS == 0 {
		cfg.Registry.Hue.RateLimitRPS = 10.0 // 10 requests per second
	}

	// Engine defaults
	if cfg.Engine.ResolveTimeout == 0 {
		cfg.Engine.ResolveTimeout = Duration(10 * time.Second)
	}
	if cfg.Engine.WriteTimeout == 0 {
		cfg.Engine.WriteTimeout = Duration(10 * time.Second)
	}
	if cfg.Engine.InitParallelism <= 0 {
		cfg.Engine.InitParallelism = 4
	}

	// Group defaults; group debounce and stagger default to 0
	if cfg.Defaults.MemberDebounce == 0 {
		cfg.Defaults.MemberDebounce = Duration(250 * time.Millisecond)
	}
	if cfg.Defaults.WriteRetries == 0 {
		cfg.Defaults.WriteRetries = 3
	}
	if cfg.Defaults.LogLevel == "" {
		cfg.Defaults.LogLevel = "info"
	}

	// API defaults
	if cfg.API.Port == 0 {
		cfg.API.Port = 9090
	}
	if cfg.API.Host == "" {
		cfg.API.Host = "0.0.0.0"
	}

	// Ledger defaults
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 30
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required for driver %s", c.Database.Driver)
	}

	switch c.Registry.Kind {
	case RegistryHue:
		if c.Registry.Hue.Bridge == "" {
			return fmt.Errorf("registry.hue.bridge is required")
		}
		if c.Registry.Hue.Token == "" {
			return fmt.Errorf("registry.hue.token is required")
		}
	case RegistryMemory:
		seen := make(map[string]bool, len(c.Registry.Memory.Devices))
		for _, d := range c.Registry.Memory.Devices {
			if d.ID == "" {
				return fmt.Errorf("registry.memory.devices: device without id")
			}
			if seen[d.ID] {
				return fmt.Errorf("registry.memory.devices: duplicate id %s", d.ID)
			}
			seen[d.ID] = true
		}
	default:
		return fmt.Errorf("unsupported registry kind %q", c.Registry.Kind)
	}

	if c.Engine.AuditInterval < 0 {
		return fmt.Errorf("engine.audit_interval must not be negative")
	}
	if c.Defaults.GroupDebounce < 0 || c.Defaults.MemberDebounce < 0 || c.Defaults.Stagger < 0 || c.Defaults.WriteRetries < 0 {
		return fmt.Errorf("defaults must not be negative")
	}
	return nil
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
