package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"

	"github.com/javi11/nzbd/internal/pathutil"
)

// Manager loads and serves the engine configuration. Readers get a copy so
// runtime reloads cannot race in-flight users.
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	filePath string
}

// NewManager creates a manager for the given config file path.
func NewManager(filePath string) *Manager {
	return &Manager{filePath: filePath}
}

// Load reads, defaults and validates the configuration file.
func (m *Manager) Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(m.filePath)
	v.SetConfigType("yaml")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", m.filePath, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDerivedDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := ensureDirs(&cfg); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.config = &cfg
	m.mu.Unlock()

	return &cfg, nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("download.crc_check", true)
	v.SetDefault("download.health_threshold", 85)
	v.SetDefault("download.retry_interval", 10)
	v.SetDefault("download.article_timeout", 60)
	v.SetDefault("par.pause_extra_pars", true)
	v.SetDefault("par.dupe_size_diff_percent", 10)
	v.SetDefault("scripts.event_interval", 0)
	v.SetDefault("remote.host", "127.0.0.1")
	v.SetDefault("remote.port", 6789)
	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", 6790)
	v.SetDefault("api.prefix", "/api")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size", 5)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 14)
}

func applyDerivedDefaults(cfg *Config) {
	for i := range cfg.Servers {
		s := &cfg.Servers[i]
		if s.ID == 0 {
			s.ID = i + 1
		}
		if s.Port == 0 {
			if s.TLS {
				s.Port = 563
			} else {
				s.Port = 119
			}
		}
	}

	if cfg.Paths.Inter == "" && cfg.Paths.Download != "" {
		cfg.Paths.Inter = filepath.Join(cfg.Paths.Download, "intermediate")
	}

	for i := range cfg.Scripts.Definitions {
		def := &cfg.Scripts.Definitions[i]
		if def.DisplayName == "" {
			def.DisplayName = def.Name
		}
	}
}

func ensureDirs(cfg *Config) error {
	for _, dir := range []string{cfg.Paths.State, cfg.Paths.Inter, cfg.Paths.Download, cfg.Paths.Nzb} {
		if dir == "" {
			continue
		}
		if err := pathutil.CheckDirectoryWritable(dir); err != nil {
			return err
		}
	}
	return nil
}
