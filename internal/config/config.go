package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// Config represents the complete patchup configuration
type Config struct {
	Source SourceConfig `yaml:"source"`
	Paths  PathsConfig  `yaml:"paths"`
	Update UpdateConfig `yaml:"update"`
}

// SourceConfig configures the update server
type SourceConfig struct {
	ManifestURL    string `yaml:"manifest_url"`
	ManifestFile   string `yaml:"manifest_file"`
	BaseURL        string `yaml:"base_url"`
	MaintenanceURL string `yaml:"maintenance_url"`
	VerifyRemote   bool   `yaml:"verify_remote"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	InstallDir string `yaml:"install_dir"`
	StagingDir string `yaml:"staging_dir"`
	CacheDir   string `yaml:"cache_dir"`
}

// UpdateConfig configures update behavior
type UpdateConfig struct {
	SelfPatch bool `yaml:"self_patch"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Expand environment variables in string fields
	cfg.expandEnv()

	// Apply defaults
	cfg.applyDefaults()

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Source.ManifestURL = os.ExpandEnv(c.Source.ManifestURL)
	c.Source.ManifestFile = os.ExpandEnv(c.Source.ManifestFile)
	c.Source.BaseURL = os.ExpandEnv(c.Source.BaseURL)
	c.Source.MaintenanceURL = os.ExpandEnv(c.Source.MaintenanceURL)
	c.Paths.InstallDir = os.ExpandEnv(c.Paths.InstallDir)
	c.Paths.StagingDir = os.ExpandEnv(c.Paths.StagingDir)
	c.Paths.CacheDir = os.ExpandEnv(c.Paths.CacheDir)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Paths.CacheDir == "" {
		c.Paths.CacheDir = filepath.Join(xdg.CacheHome, "patchup", "objects")
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	// Validate source config
	if c.Source.BaseURL == "" {
		return fmt.Errorf("source.base_url is required")
	}
	if !strings.HasPrefix(c.Source.BaseURL, "http://") && !strings.HasPrefix(c.Source.BaseURL, "https://") {
		return fmt.Errorf("source.base_url must be an http(s) URL: %s", c.Source.BaseURL)
	}
	if c.Source.ManifestURL == "" && c.Source.ManifestFile == "" {
		return fmt.Errorf("one of source.manifest_url or source.manifest_file is required")
	}
	if c.Source.ManifestURL != "" && c.Source.ManifestFile != "" {
		return fmt.Errorf("only one of source.manifest_url or source.manifest_file may be set")
	}

	// Validate paths
	if c.Paths.InstallDir == "" {
		return fmt.Errorf("paths.install_dir is required")
	}
	if !filepath.IsAbs(c.Paths.InstallDir) {
		return fmt.Errorf("paths.install_dir must be an absolute path: %s", c.Paths.InstallDir)
	}
	if !filepath.IsAbs(c.Paths.CacheDir) {
		return fmt.Errorf("paths.cache_dir must be an absolute path: %s", c.Paths.CacheDir)
	}

	// Validate self-patch mode: a staging dir is required exactly then
	if c.Update.SelfPatch {
		if c.Paths.StagingDir == "" {
			return fmt.Errorf("paths.staging_dir is required when update.self_patch is enabled")
		}
		if !filepath.IsAbs(c.Paths.StagingDir) {
			return fmt.Errorf("paths.staging_dir must be an absolute path: %s", c.Paths.StagingDir)
		}
		if c.Paths.StagingDir == c.Paths.InstallDir {
			return fmt.Errorf("paths.staging_dir must differ from paths.install_dir")
		}
	}

	return nil
}
