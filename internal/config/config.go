package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models cleo.yml. It is stored per project in the DB and
// seeded from the default template on init.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Hierarchy struct {
		Profile   string         `yaml:"profile"`
		Overrides PolicyOverride `yaml:"overrides"`
	} `yaml:"hierarchy"`
	Sessions struct {
		// SingleActiveScope is "global" (default) or "per-scope".
		SingleActiveScope string `yaml:"single_active_scope"`
		AllowOverlap      bool   `yaml:"allow_overlap"`
	} `yaml:"sessions"`
	Lifecycle struct {
		// Enforcement is strict, advisory or off.
		Enforcement string `yaml:"enforcement"`
	} `yaml:"lifecycle"`
	Protocol struct {
		// ReturnMessages are the only strings an agent may return from
		// a dispatched unit of work; anything else leaks work product.
		ReturnMessages []string `yaml:"return_messages"`
	} `yaml:"protocol"`
}

// PolicyOverride holds explicit per-field hierarchy limits. Explicit
// values win over the named profile's defaults; nil means inherit.
type PolicyOverride struct {
	MaxDepth          *int  `yaml:"max_depth,omitempty"`
	MaxSiblings       *int  `yaml:"max_siblings,omitempty"`
	MaxActiveSiblings *int  `yaml:"max_active_siblings,omitempty"`
	CountDoneInLimit  *bool `yaml:"count_done_in_limit,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with cleo config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "agent-project" {
		return fmt.Errorf("config.project.kind must be 'agent-project'")
	}
	switch c.Hierarchy.Profile {
	case "llm-agent-first", "human-cognitive":
	default:
		return fmt.Errorf("config.hierarchy.profile must be 'llm-agent-first' or 'human-cognitive', got %q", c.Hierarchy.Profile)
	}
	if o := c.Hierarchy.Overrides; o.MaxDepth != nil && *o.MaxDepth < 1 {
		return fmt.Errorf("config.hierarchy.overrides.max_depth must be >= 1")
	}
	switch c.Sessions.SingleActiveScope {
	case "global", "per-scope":
	default:
		return fmt.Errorf("config.sessions.single_active_scope must be 'global' or 'per-scope', got %q", c.Sessions.SingleActiveScope)
	}
	switch c.Lifecycle.Enforcement {
	case "strict", "advisory", "off":
	default:
		return fmt.Errorf("config.lifecycle.enforcement must be 'strict', 'advisory' or 'off', got %q", c.Lifecycle.Enforcement)
	}
	for i, msg := range c.Protocol.ReturnMessages {
		if msg == "" {
			return fmt.Errorf("config.protocol.return_messages[%d] is empty", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "cleo.yml")
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

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
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

const defaultTemplate = `project:
  id: %s
  kind: agent-project

hierarchy:
  profile: llm-agent-first
  overrides: {}

sessions:
  single_active_scope: global
  allow_overlap: false

lifecycle:
  enforcement: strict

protocol:
  return_messages:
    - "Task complete. Manifest updated."
    - "Task partially complete. Manifest updated with followups."
    - "Task blocked. Manifest updated with blockers."
`
