package config

import (
	"fmt"
	"strings"

	"github.com/javi11/nzbd/internal/slogutil"
)

// Config represents the complete engine configuration.
type Config struct {
	Servers  []ServerConfig     `yaml:"servers" mapstructure:"servers"`
	Paths    PathsConfig        `yaml:"paths" mapstructure:"paths"`
	Download DownloadConfig     `yaml:"download" mapstructure:"download"`
	Par      ParConfig          `yaml:"par" mapstructure:"par"`
	Scripts  ScriptsConfig      `yaml:"scripts" mapstructure:"scripts"`
	Remote   RemoteConfig       `yaml:"remote" mapstructure:"remote"`
	API      APIConfig          `yaml:"api" mapstructure:"api"`
	Log      slogutil.LogConfig `yaml:"log" mapstructure:"log"`
}

// ServerConfig describes one configured news server.
type ServerConfig struct {
	ID             int    `yaml:"id" mapstructure:"id"`
	Host           string `yaml:"host" mapstructure:"host"`
	Port           int    `yaml:"port" mapstructure:"port"`
	TLS            bool   `yaml:"tls" mapstructure:"tls"`
	Username       string `yaml:"username" mapstructure:"username"`
	Password       string `yaml:"password" mapstructure:"password"`
	MaxConnections int    `yaml:"max_connections" mapstructure:"max_connections"`
	// Level 0 servers are tried first; higher levels are retry waves.
	Level int `yaml:"level" mapstructure:"level"`
	// Servers sharing a group within a level carry the same articles.
	Group    int   `yaml:"group" mapstructure:"group"`
	Active   *bool `yaml:"active" mapstructure:"active"`
	Optional bool  `yaml:"optional" mapstructure:"optional"`
}

// IsActive reports whether the server takes part in downloads.
func (s *ServerConfig) IsActive() bool {
	return s.Active == nil || *s.Active
}

// PathsConfig groups the filesystem locations used by the engine.
type PathsConfig struct {
	State    string `yaml:"state" mapstructure:"state"`       // queue snapshots + file state
	Inter    string `yaml:"inter" mapstructure:"inter"`       // working dir for segment files
	Download string `yaml:"download" mapstructure:"download"` // final destination root
	Nzb      string `yaml:"nzb" mapstructure:"nzb"`           // optional watch dir for incoming NZBs
}

// DownloadConfig holds tunables for the article scheduler and workers.
type DownloadConfig struct {
	CrcCheck bool `yaml:"crc_check" mapstructure:"crc_check"`
	// HealthThreshold is the minimal percentage of successful bytes before
	// an NZB is deleted as unhealthy. 0 disables health checking.
	HealthThreshold int `yaml:"health_threshold" mapstructure:"health_threshold"`
	// RetryInterval is the quarantine in seconds applied on a hard server
	// failure before the next level is consulted.
	RetryInterval int `yaml:"retry_interval" mapstructure:"retry_interval"`
	// RateLimitKB caps the total download speed in KiB/s. 0 is unlimited.
	RateLimitKB int `yaml:"rate_limit_kb" mapstructure:"rate_limit_kb"`
	// ArticleTimeout bounds a single BODY transfer in seconds.
	ArticleTimeout int `yaml:"article_timeout" mapstructure:"article_timeout"`
}

// ParConfig holds parity check and repair tunables.
type ParConfig struct {
	// TimeLimit is the maximal allowed repair time in minutes. 0 is unlimited.
	TimeLimit int `yaml:"time_limit" mapstructure:"time_limit"`
	// PauseExtraPars pauses non-main par2 volumes on NZB add so they are only
	// downloaded when repair requires their blocks.
	PauseExtraPars bool `yaml:"pause_extra_pars" mapstructure:"pause_extra_pars"`
	// DupeSizeDiffPercent is the size tolerance when matching history dupes
	// as supplemental repair sources.
	DupeSizeDiffPercent int `yaml:"dupe_size_diff_percent" mapstructure:"dupe_size_diff_percent"`
}

// ScriptDef describes one installed script.
type ScriptDef struct {
	Name        string   `yaml:"name" mapstructure:"name"`
	DisplayName string   `yaml:"display_name" mapstructure:"display_name"`
	Location    string   `yaml:"location" mapstructure:"location"`
	QueueScript bool     `yaml:"queue_script" mapstructure:"queue_script"`
	QueueEvents []string `yaml:"queue_events" mapstructure:"queue_events"`
}

// ScriptsConfig holds the queue-script selection rules.
type ScriptsConfig struct {
	// QueueScripts lists script names enabled globally, comma or list form.
	QueueScripts []string    `yaml:"queue_scripts" mapstructure:"queue_scripts"`
	Definitions  []ScriptDef `yaml:"definitions" mapstructure:"definitions"`
	// EventInterval debounces FILE_DOWNLOADED events per NZB: >=1 minimal
	// seconds between events, 0 unlimited, -1 suppressed.
	EventInterval int `yaml:"event_interval" mapstructure:"event_interval"`
	// ShellOverride runs scripts through the given interpreter.
	ShellOverride string `yaml:"shell_override" mapstructure:"shell_override"`
}

// RemoteConfig configures the binary frontend control server.
type RemoteConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
}

// APIConfig configures the HTTP status API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Host    string `yaml:"host" mapstructure:"host"`
	Port    int    `yaml:"port" mapstructure:"port"`
	Prefix  string `yaml:"prefix" mapstructure:"prefix"`
}

// Validate checks the configuration for fatal problems.
func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("no news servers configured")
	}

	seen := make(map[int]bool, len(c.Servers))
	for i := range c.Servers {
		s := &c.Servers[i]
		if s.Host == "" {
			return fmt.Errorf("server %d: host is required", s.ID)
		}
		if s.MaxConnections <= 0 {
			return fmt.Errorf("server %d: max_connections must be positive", s.ID)
		}
		if s.Level < 0 {
			return fmt.Errorf("server %d: level must not be negative", s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate server id %d", s.ID)
		}
		seen[s.ID] = true
	}

	if c.Paths.State == "" {
		return fmt.Errorf("paths.state is required")
	}
	if c.Paths.Download == "" {
		return fmt.Errorf("paths.download is required")
	}

	if c.Scripts.EventInterval < -1 {
		return fmt.Errorf("scripts.event_interval must be >= -1")
	}

	for _, def := range c.Scripts.Definitions {
		if def.Name == "" || def.Location == "" {
			return fmt.Errorf("script definition needs name and location")
		}
	}

	return nil
}

// FindScript returns the script definition with the given name.
func (c *ScriptsConfig) FindScript(name string) *ScriptDef {
	for i := range c.Definitions {
		if strings.EqualFold(c.Definitions[i].Name, name) {
			return &c.Definitions[i]
		}
	}
	return nil
}
