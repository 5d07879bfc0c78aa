// Package config provides configuration management for the ShelfCache server.
// It handles loading, saving, and validating configuration from YAML files,
// .env files and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/shelfcache-project/shelfcache/internal/storage"
)

const (
	// DefaultConfigDir is the default configuration directory
	DefaultConfigDir = "config"
	// DefaultConfigFile is the default configuration file name
	DefaultConfigFile = "shelfcache.yaml"
	// DefaultEnvFile is loaded from the configuration directory when present
	DefaultEnvFile = ".env"
	// EnvPrefix prefixes every environment override
	EnvPrefix = "SHELFCACHE_"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig          `mapstructure:"server" yaml:"server" json:"server"`
	Download DownloadConfig        `mapstructure:"download" yaml:"download" json:"download"`
	Library  LibraryConfig         `mapstructure:"library" yaml:"library" json:"library"`
	Security SecurityConfig        `mapstructure:"security" yaml:"security" json:"security"`
	Log      LogConfig             `mapstructure:"log" yaml:"log" json:"log"`
	Storage  storage.StorageConfig `mapstructure:"storage" yaml:"storage" json:"storage"`
	// 运行模式: serve, fetch
	Mode string `mapstructure:"mode" yaml:"mode" json:"mode"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string `mapstructure:"host" yaml:"host" json:"host"`
	Port         int    `mapstructure:"port" yaml:"port" json:"port" validate:"min=1,max=65535"`
	ReadTimeout  int    `mapstructure:"read_timeout" yaml:"read_timeout" json:"readTimeout" validate:"min=0"`    // seconds
	WriteTimeout int    `mapstructure:"write_timeout" yaml:"write_timeout" json:"writeTimeout" validate:"min=0"` // seconds, 0 keeps streams open
}

// DownloadConfig contains download manager configuration
type DownloadConfig struct {
	Directory            string  `mapstructure:"directory" yaml:"directory" json:"directory" validate:"required"`
	SpeedSmoothingFactor float64 `mapstructure:"speed_smoothing_factor" yaml:"speed_smoothing_factor" json:"speedSmoothingFactor" validate:"gt=0,lte=1"`
	MinSamplesForEta     int     `mapstructure:"min_samples_for_eta" yaml:"min_samples_for_eta" json:"minSamplesForEta" validate:"min=1"`
	ProgressDebounceMs   int     `mapstructure:"progress_debounce_ms" yaml:"progress_debounce_ms" json:"progressDebounceMs" validate:"min=1"`
	ProgressIntervalMs   int     `mapstructure:"progress_interval_ms" yaml:"progress_interval_ms" json:"progressIntervalMs" validate:"min=1"`
	Timeout              int     `mapstructure:"timeout" yaml:"timeout" json:"timeout" validate:"min=1"`                 // seconds
	ChunkSize            int     `mapstructure:"chunk_size" yaml:"chunk_size" json:"chunkSize" validate:"min=1024"`      // bytes
	RateLimit            int64   `mapstructure:"rate_limit" yaml:"rate_limit" json:"rateLimit" validate:"min=0"`         // bytes per second, 0 = unlimited
	UserAgent            string  `mapstructure:"user_agent" yaml:"user_agent" json:"userAgent"`
	EventBuffer          int     `mapstructure:"event_buffer" yaml:"event_buffer" json:"eventBuffer" validate:"min=1"`
	SubscriberBuffer     int     `mapstructure:"subscriber_buffer" yaml:"subscriber_buffer" json:"subscriberBuffer" validate:"min=1"`
}

// ProgressDebounce returns the debounce window
func (d DownloadConfig) ProgressDebounce() time.Duration {
	return time.Duration(d.ProgressDebounceMs) * time.Millisecond
}

// ProgressInterval returns the byte-count sampling cadence
func (d DownloadConfig) ProgressInterval() time.Duration {
	return time.Duration(d.ProgressIntervalMs) * time.Millisecond
}

// TimeoutDuration returns the response header timeout
func (d DownloadConfig) TimeoutDuration() time.Duration {
	return time.Duration(d.Timeout) * time.Second
}

// LibraryConfig contains media server configuration
type LibraryConfig struct {
	ServerURL        string `mapstructure:"server_url" yaml:"server_url" json:"serverUrl" validate:"omitempty,url"`
	Token            string `mapstructure:"token" yaml:"token" json:"-"`
	Timeout          int    `mapstructure:"timeout" yaml:"timeout" json:"timeout" validate:"min=1"` // seconds
	ProbeConcurrency int    `mapstructure:"probe_concurrency" yaml:"probe_concurrency" json:"probeConcurrency" validate:"min=1,max=32"`
}

// SecurityConfig contains security settings
type SecurityConfig struct {
	CORSEnabled    bool     `mapstructure:"cors_enabled" yaml:"cors_enabled" json:"corsEnabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins" json:"allowedOrigins"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn warning error DEBUG INFO WARN WARNING ERROR"`
	Format     string `mapstructure:"format" yaml:"format" json:"format" validate:"omitempty,oneof=json text"`
	Output     string `mapstructure:"output" yaml:"output" json:"output" validate:"omitempty,oneof=stdout file both"`
	Directory  string `mapstructure:"directory" yaml:"directory" json:"directory"`      // log directory
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size" json:"maxSize"`          // MB
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" json:"maxBackups"` // number of backup files
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age" json:"maxAge"`             // days
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Mode: "serve",
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8787,
			ReadTimeout:  30,
			WriteTimeout: 0,
		},
		Download: DownloadConfig{
			Directory:            "downloads",
			SpeedSmoothingFactor: 0.3,
			MinSamplesForEta:     3,
			ProgressDebounceMs:   250,
			ProgressIntervalMs:   1000,
			Timeout:              60,
			ChunkSize:            32 * 1024,
			RateLimit:            0,
			UserAgent:            "ShelfCache Download Manager",
			EventBuffer:          256,
			SubscriberBuffer:     64,
		},
		Library: LibraryConfig{
			Timeout:          30,
			ProbeConcurrency: 4,
		},
		Security: SecurityConfig{
			CORSEnabled:    true,
			AllowedOrigins: []string{"*"},
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			Output:     "both", // stdout + file
			Directory:  "logs",
			MaxSize:    100, // 100MB
			MaxBackups: 3,
			MaxAge:     7, // 7 days
		},
		Storage: storage.StorageConfig{
			Type: storage.StorageTypeSQLite,
			SQLite: &storage.SQLiteConfig{
				Path:      filepath.Join("data", "shelfcache.db"),
				EnableWAL: true,
			},
		},
	}
}

var validate = validator.New()

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Mode == "" {
		c.Mode = "serve"
	}
	validModes := map[string]bool{"serve": true, "fetch": true}
	if !validModes[c.Mode] {
		return fmt.Errorf("invalid mode: %s (must be serve or fetch)", c.Mode)
	}

	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}

	if c.Storage.Type == storage.StorageTypeSQLite {
		if c.Storage.SQLite == nil || c.Storage.SQLite.Path == "" {
			return fmt.Errorf("sqlite storage requires a database path")
		}
	}

	if c.Log.Output == "file" || c.Log.Output == "both" {
		if c.Log.Directory == "" {
			return fmt.Errorf("log directory cannot be empty when logging to file")
		}
	}

	if c.Mode == "serve" && c.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}

	return nil
}

// formatValidationError turns validator errors into one readable message
func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() string {
	// Allow override via environment variable
	if dir := os.Getenv(EnvPrefix + "CONFIG_DIR"); dir != "" {
		return dir
	}
	return DefaultConfigDir
}

// EnsureConfigDir ensures the configuration directory exists
func EnsureConfigDir() error {
	configDir := GetConfigDir()
	if _, err := os.Stat(configDir); os.IsNotExist(err) {
		if err := os.MkdirAll(configDir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	return nil
}
