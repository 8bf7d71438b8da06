// Package config loads the engine's YAML configuration via a candidate-path
// search, defaults applied in Go, then a user file unmarshalled over them.
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable the engine's components consult.
type Config struct {
	// ProtectedRoles lists the container-volume roles treated as
	// system-critical and refused for mutation.
	ProtectedRoles []string `yaml:"protected_roles,omitempty"`

	// SidecarPaths maps a sidecar name to extra candidate paths searched
	// before $PATH.
	SidecarPaths map[string][]string `yaml:"sidecar_paths,omitempty"`

	Timeouts Timeouts `yaml:"timeouts"`

	Battery Battery `yaml:"battery"`

	Journal JournalConfig `yaml:"journal"`

	Audit AuditConfig `yaml:"audit"`

	Resize ResizeConfig `yaml:"resize"`
}

type Timeouts struct {
	DiskListing   time.Duration `yaml:"disk_listing"`
	PreflightStep time.Duration `yaml:"preflight_step"`
	FSCheck       time.Duration `yaml:"fs_check"`
}

type Battery struct {
	MinPercent int `yaml:"min_percent"`
}

type JournalConfig struct {
	Path               string        `yaml:"path"`
	CheckpointInterval  time.Duration `yaml:"checkpoint_interval"`
	CheckpointBytes     int64         `yaml:"checkpoint_bytes"`
}

type AuditConfig struct {
	Path string `yaml:"path"`
}

type ResizeConfig struct {
	BlockSizeBytes     int64 `yaml:"block_size_bytes"`
	ExperimentalFS      []string `yaml:"experimental_resize_fs,omitempty"`
}

var defaultConfig = Config{
	ProtectedRoles: []string{"System", "Preboot", "Recovery"},
	Timeouts: Timeouts{
		DiskListing:   5 * time.Second,
		PreflightStep: 15 * time.Second,
		FSCheck:       15 * time.Second,
	},
	Battery: Battery{MinPercent: 20},
	Journal: JournalConfig{
		Path:               "/var/lib/oxidisk/journal.json",
		CheckpointInterval:  250 * time.Millisecond,
		CheckpointBytes:     1024 * 1024,
	},
	Audit: AuditConfig{
		Path: "/var/lib/oxidisk/audit.db",
	},
	Resize: ResizeConfig{
		BlockSizeBytes: 4 * 1024 * 1024,
	},
}

// Load searches the standard candidate locations when path is empty, then
// unmarshals over a copy of the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		candidates := []string{
			"/etc/oxidisk/config.yaml",
			filepath.Join(os.Getenv("HOME"), ".config/oxidisk/config.yaml"),
			"oxidisk.yaml",
		}
		for _, c := range candidates {
			if _, err := os.Stat(c); err == nil {
				path = c
				break
			}
		}
	}

	cfg := defaultConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, err
			}
		}
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if len(cfg.ProtectedRoles) == 0 {
		cfg.ProtectedRoles = defaultConfig.ProtectedRoles
	}
	if cfg.Timeouts.DiskListing == 0 {
		cfg.Timeouts.DiskListing = defaultConfig.Timeouts.DiskListing
	}
	if cfg.Timeouts.PreflightStep == 0 {
		cfg.Timeouts.PreflightStep = defaultConfig.Timeouts.PreflightStep
	}
	if cfg.Timeouts.FSCheck == 0 {
		cfg.Timeouts.FSCheck = defaultConfig.Timeouts.FSCheck
	}
	if cfg.Battery.MinPercent == 0 {
		cfg.Battery.MinPercent = defaultConfig.Battery.MinPercent
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = defaultConfig.Journal.Path
	}
	if cfg.Journal.CheckpointInterval == 0 {
		cfg.Journal.CheckpointInterval = defaultConfig.Journal.CheckpointInterval
	}
	if cfg.Journal.CheckpointBytes == 0 {
		cfg.Journal.CheckpointBytes = defaultConfig.Journal.CheckpointBytes
	}
	if cfg.Audit.Path == "" {
		cfg.Audit.Path = defaultConfig.Audit.Path
	}
	if cfg.Resize.BlockSizeBytes == 0 {
		cfg.Resize.BlockSizeBytes = defaultConfig.Resize.BlockSizeBytes
	}
}

// ProtectedRoleSet returns the configured protected roles as a lookup set.
func (c *Config) ProtectedRoleSet() map[string]bool {
	set := make(map[string]bool, len(c.ProtectedRoles))
	for _, r := range c.ProtectedRoles {
		set[r] = true
	}
	return set
}
