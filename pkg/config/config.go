// Package config defines the engine's configuration tree and its loader.
// Configuration comes from one YAML file; string values may reference
// environment variables.
package config

import (
	"fmt"

	"github.com/dialogtree/dialog/pkg/analytics"
	"github.com/dialogtree/dialog/pkg/convctx"
	"github.com/dialogtree/dialog/pkg/crmsync"
	"github.com/dialogtree/dialog/pkg/knowledge"
	"github.com/dialogtree/dialog/pkg/observability"
	"github.com/dialogtree/dialog/pkg/orchestrator"
	"github.com/dialogtree/dialog/pkg/pipeline"
	"github.com/dialogtree/dialog/pkg/providers"
	"github.com/dialogtree/dialog/pkg/storage"
)

// ServerConfig is the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
}

// LoggingConfig controls the slog setup.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // "text" or "json"
	Output string `yaml:"output,omitempty" json:"output,omitempty"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
}

func (c *LoggingConfig) Validate() error {
	switch c.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log format: %s", c.Format)
	}
	return nil
}

// SyncConfig couples the synchroniser tuning with its object mappings.
type SyncConfig struct {
	Enabled  bool               `yaml:"enabled" json:"enabled"`
	Syncer   crmsync.Config     `yaml:"syncer,omitempty" json:"syncer,omitempty"`
	Mappings []*crmsync.Mapping `yaml:"mappings,omitempty" json:"mappings,omitempty"`
}

// Config is the root configuration tree.
type Config struct {
	Server       ServerConfig                 `yaml:"server,omitempty" json:"server,omitempty"`
	Logging      LoggingConfig                `yaml:"logging,omitempty" json:"logging,omitempty"`
	Metrics      observability.MetricsConfig  `yaml:"metrics,omitempty" json:"metrics,omitempty"`
	Storage      storage.Config               `yaml:"storage,omitempty" json:"storage,omitempty"`
	Tenants      []string                     `yaml:"tenants,omitempty" json:"tenants,omitempty"`
	Providers    []*providers.ClientConfig    `yaml:"providers,omitempty" json:"providers,omitempty"`
	Models       []*providers.ModelInfo       `yaml:"models,omitempty" json:"models,omitempty"`
	Orchestrator orchestrator.Config          `yaml:"orchestrator,omitempty" json:"orchestrator,omitempty"`
	Pipeline     pipeline.Config              `yaml:"pipeline,omitempty" json:"pipeline,omitempty"`
	Context      convctx.StoreConfig          `yaml:"context,omitempty" json:"context,omitempty"`
	Knowledge    knowledge.ChromemConfig      `yaml:"knowledge,omitempty" json:"knowledge,omitempty"`
	Sync         SyncConfig                   `yaml:"sync,omitempty" json:"sync,omitempty"`
	Analytics    analytics.Config             `yaml:"analytics,omitempty" json:"analytics,omitempty"`
}

func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Logging.SetDefaults()
	c.Metrics.SetDefaults()
	c.Storage.SetDefaults()
	c.Orchestrator.SetDefaults()
	c.Pipeline.SetDefaults()
	c.Context.SetDefaults()
	c.Sync.Syncer.SetDefaults()
	c.Analytics.SetDefaults()
	for _, p := range c.Providers {
		p.SetDefaults()
	}
	for _, m := range c.Models {
		m.SetDefaults()
	}
	for _, m := range c.Sync.Mappings {
		m.SetDefaults()
	}
}

func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	providerNames := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if err := p.Validate(); err != nil {
			return err
		}
		if providerNames[p.Name] {
			return fmt.Errorf("duplicate provider name: %s", p.Name)
		}
		providerNames[p.Name] = true
	}
	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.Name == "" {
			return fmt.Errorf("model descriptor missing name")
		}
		if seen[m.Name] {
			return fmt.Errorf("duplicate model name: %s", m.Name)
		}
		seen[m.Name] = true
		if m.Provider == "" {
			return fmt.Errorf("model %s missing provider", m.Name)
		}
		if len(m.Capabilities) == 0 {
			return fmt.Errorf("model %s declares no capabilities", m.Name)
		}
	}
	for _, m := range c.Models {
		for _, fb := range m.Fallbacks {
			if !seen[fb] {
				return fmt.Errorf("model %s falls back to unknown model %s", m.Name, fb)
			}
		}
	}
	types := make(map[string]bool, len(c.Sync.Mappings))
	for _, m := range c.Sync.Mappings {
		if m.ObjectType == "" {
			return fmt.Errorf("sync mapping missing object type")
		}
		if types[m.ObjectType] {
			return fmt.Errorf("duplicate sync mapping for object type: %s", m.ObjectType)
		}
		types[m.ObjectType] = true
	}
	return nil
}
