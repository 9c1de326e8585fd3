package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models stride.yml.
type Config struct {
	Tracker struct {
		ID       string `yaml:"id"`
		Timezone string `yaml:"timezone"`
	} `yaml:"tracker"`
	Categories struct {
		Catalog map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"catalog"`
	} `yaml:"categories"`
	Defaults struct {
		Goal struct {
			Category string `yaml:"category"`
		} `yaml:"goal"`
	} `yaml:"defaults"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with st config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Tracker.ID == "" {
		return fmt.Errorf("config.tracker.id is required")
	}
	if c.Tracker.Timezone == "" {
		return fmt.Errorf("config.tracker.timezone is required")
	}
	if _, err := time.LoadLocation(c.Tracker.Timezone); err != nil {
		return fmt.Errorf("config.tracker.timezone %s: %w", c.Tracker.Timezone, err)
	}
	for name := range c.Categories.Catalog {
		if name == "" {
			return fmt.Errorf("categories.catalog contains empty category name")
		}
	}
	if def := c.Defaults.Goal.Category; def != "" && len(c.Categories.Catalog) > 0 {
		if _, ok := c.Categories.Catalog[def]; !ok {
			return fmt.Errorf("default goal category %s not in catalog", def)
		}
	}
	return nil
}

// Location returns the configured day-boundary timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Tracker.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stride.yml")
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a tracker.
func Default(trackerID string) *Config {
	var cfg Config
	cfg.Tracker.ID = trackerID
	cfg.Tracker.Timezone = "UTC"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, trackerID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `tracker:
  id: %s
  timezone: UTC

categories:
  catalog:
    health:
      description: "Physical and mental wellbeing"
    career:
      description: "Professional growth"
    learning:
      description: "Skills and study"
    finance:
      description: "Money and savings"
    personal:
      description: "Everything else"

defaults:
  goal:
    category: personal
`
