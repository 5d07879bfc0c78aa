package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/shelfcache-project/shelfcache/internal/storage"
)

// Manager manages configuration loading and saving
type Manager struct {
	config     *Config
	configPath string
	envPath    string
	mu         sync.RWMutex
	mode       string // 运行模式
	lookupEnv  func(string) (string, bool)
}

// NewManager creates a new configuration manager
func NewManager(mode string) *Manager {
	configDir := GetConfigDir()
	return NewManagerWithPath(mode, filepath.Join(configDir, DefaultConfigFile))
}

// NewManagerWithPath creates a new configuration manager with a custom config path.
// The .env file is looked up next to the config file.
func NewManagerWithPath(mode, configPath string) *Manager {
	return &Manager{
		configPath: configPath,
		envPath:    filepath.Join(filepath.Dir(configPath), DefaultEnvFile),
		mode:       mode,
		lookupEnv:  os.LookupEnv,
	}
}

// GetConfigPath returns the main configuration file path
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// GetMode returns the runtime mode
func (m *Manager) GetMode() string {
	return m.mode
}

// Load loads the configuration from file.
// If the file doesn't exist, a default config file is created.
// Values from .env and the process environment are layered on top.
func (m *Manager) Load() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	config, err := m.readOrCreate()
	if err != nil {
		return nil, err
	}

	// 确保 mode 字段与运行时一致
	if m.mode != "" {
		config.Mode = m.mode
	}

	if err := m.applyEnv(config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	m.config = config
	return config, nil
}

func (m *Manager) readOrCreate() (*Config, error) {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// 配置文件不存在时写入默认配置
		config := DefaultConfig()
		if m.mode != "" {
			config.Mode = m.mode
		}
		if err := m.saveUnsafe(config); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return DefaultConfigWithMode(config.Mode), nil
	}

	// Unset fields keep their defaults
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return config, nil
}

// DefaultConfigWithMode returns DefaultConfig with the given mode
func DefaultConfigWithMode(mode string) *Config {
	config := DefaultConfig()
	config.Mode = mode
	return config
}

// applyEnv overlays SHELFCACHE_* variables. The process environment wins
// over the .env file, which is read without touching os.Environ.
func (m *Manager) applyEnv(config *Config) error {
	fileEnv := map[string]string{}
	if _, err := os.Stat(m.envPath); err == nil {
		fileEnv, err = godotenv.Read(m.envPath)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", m.envPath, err)
		}
	}

	lookup := func(key string) (string, bool) {
		if v, ok := m.lookupEnv(EnvPrefix + key); ok && v != "" {
			return v, true
		}
		v, ok := fileEnv[EnvPrefix+key]
		return v, ok && v != ""
	}

	if v, ok := lookup("HOST"); ok {
		config.Server.Host = v
	}
	if v, ok := lookup("PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sPORT %q: %w", EnvPrefix, v, err)
		}
		config.Server.Port = port
	}
	if v, ok := lookup("DOWNLOAD_DIR"); ok {
		config.Download.Directory = v
	}
	if v, ok := lookup("LIBRARY_URL"); ok {
		config.Library.ServerURL = v
	}
	if v, ok := lookup("LIBRARY_TOKEN"); ok {
		config.Library.Token = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		config.Log.Level = v
	}
	if v, ok := lookup("STORAGE_TYPE"); ok {
		config.Storage.Type = storage.StorageType(v)
	}
	return nil
}

// saveUnsafe saves config without locking (internal use)
func (m *Manager) saveUnsafe(config *Config) error {
	if err := config.Validate(); err != nil {
		return err
	}

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write config to temp file first (atomic write)
	tempPath := m.configPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if err := os.Rename(tempPath, m.configPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename config file: %w", err)
	}

	return nil
}

// Save saves the configuration to file
func (m *Manager) Save(config *Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.saveUnsafe(config); err != nil {
		return err
	}
	m.config = config
	return nil
}

// Get returns the currently loaded configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return DefaultConfigWithMode(m.mode)
	}
	return m.config
}

// GetConfigModTime returns the modification time of the config file
func (m *Manager) GetConfigModTime() (time.Time, error) {
	info, err := os.Stat(m.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// WatchConfig polls the config file until ctx is done and reloads it on change
func (m *Manager) WatchConfig(ctx context.Context, interval time.Duration, onChange func(*Config, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastModTime, _ := m.GetConfigModTime()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		currentModTime, err := m.GetConfigModTime()
		if err != nil {
			onChange(nil, err)
			continue
		}

		if currentModTime.After(lastModTime) {
			config, err := m.Load()
			onChange(config, err)
			lastModTime = currentModTime
		}
	}
}
