// Package config loads the service configuration from YAML files, .env
// files and environment variables, in that order of precedence.
//
// Environment variables use the FLUXO_ prefix with underscores for
// nested keys: FLUXO_SERVER_PORT=8080, FLUXO_STORAGE_DRIVER=bolt.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// ServerConfig contains the HTTP server settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Debug           bool          `mapstructure:"debug"`
	BodyLimit       string        `mapstructure:"body_limit"`
}

// StorageConfig selects and parameterizes the process store backend.
type StorageConfig struct {
	// Driver is one of flatfile, bolt or postgres.
	Driver string `mapstructure:"driver"`

	// Dir is the data directory for the flatfile driver.
	Dir string `mapstructure:"dir"`

	// Path is the database file for the bolt driver.
	Path string `mapstructure:"path"`

	// DSN is the connection string for the postgres driver.
	DSN string `mapstructure:"dsn"`
}

// KanbanConfig locates the definition files.
type KanbanConfig struct {
	// Dir holds the *.kanban.yaml definitions.
	Dir string `mapstructure:"dir"`
}

// ScriptConfig parameterizes the script prerequisite runner.
type ScriptConfig struct {
	// Dir holds the allowed prerequisite scripts; empty disables them.
	Dir string `mapstructure:"dir"`

	// Timeout bounds a single script evaluation.
	Timeout time.Duration `mapstructure:"timeout"`
}

// SweeperConfig drives the periodic timeout/auto-transition pass.
type SweeperConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`

	// RedisURL enables distributed locking so only one instance sweeps
	// a kanban at a time. Empty falls back to in-process locking.
	RedisURL string `mapstructure:"redis_url"`
}

// SecurityConfig contains auth and rate limiting settings.
type SecurityConfig struct {
	RateLimit      float64       `mapstructure:"rate_limit"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	APIKey         string        `mapstructure:"api_key"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	JWTExpiration  time.Duration `mapstructure:"jwt_expiration"`
}

// NotificationConfig toggles the outbound channels. SMTP credentials
// come from the SMTP_* environment variables, never from this file.
type NotificationConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// QueueSize bounds the in-memory delivery queue per channel.
	QueueSize int `mapstructure:"queue_size"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// Config is the full service configuration.
type Config struct {
	Server        ServerConfig       `mapstructure:"server"`
	Storage       StorageConfig      `mapstructure:"storage"`
	Kanban        KanbanConfig       `mapstructure:"kanban"`
	Scripts       ScriptConfig       `mapstructure:"scripts"`
	Sweeper       SweeperConfig      `mapstructure:"sweeper"`
	Security      SecurityConfig     `mapstructure:"security"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Logging       LoggingConfig      `mapstructure:"logging"`
}

// Loader provides configuration loading functionality.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a loader with the given environment prefix.
func NewLoader(envPrefix string) *Loader {
	return &Loader{v: viper.New(), prefix: envPrefix}
}

// SetDefaults registers default values; call before Load.
func (l *Loader) SetDefaults(defaults map[string]interface{}) {
	for key, value := range defaults {
		l.v.SetDefault(key, value)
	}
}

// SetConfigDefaults sets the standard service defaults.
func (l *Loader) SetConfigDefaults() {
	l.v.SetDefault("server.host", "0.0.0.0")
	l.v.SetDefault("server.port", 8080)
	l.v.SetDefault("server.read_timeout", "30s")
	l.v.SetDefault("server.write_timeout", "30s")
	l.v.SetDefault("server.shutdown_timeout", "10s")
	l.v.SetDefault("server.debug", false)
	l.v.SetDefault("server.body_limit", "10M")

	l.v.SetDefault("storage.driver", "flatfile")
	l.v.SetDefault("storage.dir", "./data/processes")
	l.v.SetDefault("storage.path", "./data/fluxo.db")
	l.v.SetDefault("storage.dsn", "")

	l.v.SetDefault("kanban.dir", "./kanbans")

	l.v.SetDefault("scripts.dir", "")
	l.v.SetDefault("scripts.timeout", "5s")

	l.v.SetDefault("sweeper.enabled", true)
	l.v.SetDefault("sweeper.interval", "1m")
	l.v.SetDefault("sweeper.redis_url", "")

	l.v.SetDefault("security.rate_limit", 100)
	l.v.SetDefault("security.allowed_origins", []string{"*"})
	l.v.SetDefault("security.jwt_expiration", "24h")

	l.v.SetDefault("notifications.enabled", false)
	l.v.SetDefault("notifications.queue_size", 256)

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "json")
	l.v.SetDefault("logging.output", "stdout")
}

// Load reads configuration from file, .env and environment variables.
// If cfgFile is empty, config.yaml is searched in ., ./configs,
// ~/.fluxo and /etc/fluxo.
func (l *Loader) Load(cfgFile string, target interface{}) error {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		if home, err := homedir.Dir(); err == nil {
			l.v.AddConfigPath(home + "/.fluxo")
		}
		l.v.AddConfigPath("/etc/fluxo")
	}

	if err := l.v.ReadInConfig(); err != nil {
		if cfgFile != "" && !isFileNotFoundError(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		if cfgFile == "" {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	// Merge .env if present.
	l.v.SetConfigFile(".env")
	l.v.SetConfigType("env")
	_ = l.v.MergeInConfig()

	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}
	return nil
}

// LoadConfig loads a validated configuration with standard defaults.
func LoadConfig(envPrefix, cfgFile string) (*Config, error) {
	loader := NewLoader(envPrefix)
	loader.SetConfigDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ValidateConfig checks the loaded configuration for obvious mistakes.
func ValidateConfig(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	switch cfg.Storage.Driver {
	case "flatfile":
		if cfg.Storage.Dir == "" {
			return fmt.Errorf("storage.dir is required for the flatfile driver")
		}
	case "bolt":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the bolt driver")
		}
	case "postgres":
		if cfg.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
	if cfg.Kanban.Dir == "" {
		return fmt.Errorf("kanban.dir is required")
	}
	if cfg.Sweeper.Enabled && cfg.Sweeper.Interval <= 0 {
		return fmt.Errorf("sweeper.interval must be positive")
	}
	return nil
}

func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
