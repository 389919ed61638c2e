package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the resource-slot daemon configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Logging  LoggingConfig  `yaml:"logging" mapstructure:"logging"`
	Registry RegistryConfig `yaml:"registry" mapstructure:"registry"`
	Events   EventsConfig   `yaml:"events" mapstructure:"events"`
	Journal  JournalConfig  `yaml:"journal" mapstructure:"journal"`
	Tracing  TracingConfig  `yaml:"tracing" mapstructure:"tracing"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Address         string        `yaml:"address" mapstructure:"address"`
	Port            int           `yaml:"port" mapstructure:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	// WaitTimeout caps how long the wait endpoint holds a request open
	WaitTimeout time.Duration `yaml:"wait_timeout" mapstructure:"wait_timeout"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	OutputFile string `yaml:"output_file" mapstructure:"output_file"`
}

// RegistryConfig controls sandbox registry behaviour
type RegistryConfig struct {
	// DuplicatePolicy is "reject" or "replace"
	DuplicatePolicy string `yaml:"duplicate_policy" mapstructure:"duplicate_policy"`
}

// EventsConfig configures the lifecycle event bus
type EventsConfig struct {
	BufferSize int `yaml:"buffer_size" mapstructure:"buffer_size"`
}

// JournalConfig configures the SQLite event journal
type JournalConfig struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	DatabasePath    string        `yaml:"database_path" mapstructure:"database_path"`
	Retention       time.Duration `yaml:"retention" mapstructure:"retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" mapstructure:"cleanup_interval"`
}

// TracingConfig configures OpenTelemetry tracing
type TracingConfig struct {
	Enabled       bool    `yaml:"enabled" mapstructure:"enabled"`
	ServiceName   string  `yaml:"service_name" mapstructure:"service_name"`
	Exporter      string  `yaml:"exporter" mapstructure:"exporter"`
	Endpoint      string  `yaml:"endpoint" mapstructure:"endpoint"`
	SamplingRatio float64 `yaml:"sampling_ratio" mapstructure:"sampling_ratio"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         "localhost",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0,
			ShutdownTimeout: 10 * time.Second,
			WaitTimeout:     5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Registry: RegistryConfig{
			DuplicatePolicy: "reject",
		},
		Events: EventsConfig{
			BufferSize: 1000,
		},
		Journal: JournalConfig{
			Enabled:         false,
			DatabasePath:    "/var/lib/resource-slot/events.db",
			Retention:       7 * 24 * time.Hour,
			CleanupInterval: time.Hour,
		},
		Tracing: TracingConfig{
			Enabled:       false,
			ServiceName:   "resource-slot",
			Exporter:      "stdout",
			SamplingRatio: 1.0,
		},
	}
}

// setDefaults registers every key so environment variables override
// values even when no config file mentions them
func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("server.address", c.Server.Address)
	v.SetDefault("server.port", c.Server.Port)
	v.SetDefault("server.read_timeout", c.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", c.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", c.Server.ShutdownTimeout)
	v.SetDefault("server.wait_timeout", c.Server.WaitTimeout)

	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.format", c.Logging.Format)
	v.SetDefault("logging.output_file", c.Logging.OutputFile)

	v.SetDefault("registry.duplicate_policy", c.Registry.DuplicatePolicy)

	v.SetDefault("events.buffer_size", c.Events.BufferSize)

	v.SetDefault("journal.enabled", c.Journal.Enabled)
	v.SetDefault("journal.database_path", c.Journal.DatabasePath)
	v.SetDefault("journal.retention", c.Journal.Retention)
	v.SetDefault("journal.cleanup_interval", c.Journal.CleanupInterval)

	v.SetDefault("tracing.enabled", c.Tracing.Enabled)
	v.SetDefault("tracing.service_name", c.Tracing.ServiceName)
	v.SetDefault("tracing.exporter", c.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", c.Tracing.Endpoint)
	v.SetDefault("tracing.sampling_ratio", c.Tracing.SamplingRatio)
}

// LoadConfig loads configuration from files and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	v := viper.New()
	setDefaults(v, config)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("resource-slot")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.config/resource-slot")
		v.AddConfigPath("/etc/resource-slot")
	}

	v.SetEnvPrefix("RESOURCESLOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// SaveConfig saves the configuration to a file
func (c *Config) SaveConfig(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be between 1 and 65535)", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server timeouts cannot be negative")
	}

	if c.Server.WaitTimeout <= 0 {
		return fmt.Errorf("wait timeout must be positive")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true, "text": true, "console": true,
	}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be json, text, or console)", c.Logging.Format)
	}

	switch strings.ToLower(c.Registry.DuplicatePolicy) {
	case "", "reject", "replace":
	default:
		return fmt.Errorf("invalid duplicate policy: %s (must be reject or replace)", c.Registry.DuplicatePolicy)
	}

	if c.Events.BufferSize < 1 {
		return fmt.Errorf("event buffer size must be at least 1")
	}


	if c.Journal.Enabled {
		if c.Journal.DatabasePath == "" {
			return fmt.Errorf("journal database path cannot be empty")
		}
		if c.Journal.Retention <= 0 {
			return fmt.Errorf("journal retention must be positive")
		}
	}

	if c.Tracing.Enabled {
		validExporters := map[string]bool{
			"stdout": true, "otlp": true, "jaeger": true, "none": true,
		}
		if !validExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid tracing exporter: %s (must be stdout, otlp, jaeger, or none)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0 || c.Tracing.SamplingRatio > 1 {
			return fmt.Errorf("tracing sampling ratio must be between 0 and 1")
		}
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing service name cannot be empty")
		}
	}

	return nil
}

// ListenAddress returns the host:port the HTTP server binds to
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}

// CreateDirectories creates necessary directories based on configuration
func (c *Config) CreateDirectories() error {
	var dirs []string

	if c.Logging.OutputFile != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.OutputFile))
	}

	if c.Journal.Enabled && c.Journal.DatabasePath != "" {
		dirs = append(dirs, filepath.Dir(c.Journal.DatabasePath))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
