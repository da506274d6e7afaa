package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"tracklane/internal/domain"
)

// Config models tracklane.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"project"`
	Defaults struct {
		WorkflowType string `yaml:"workflow_type"`
		ProjectType  string `yaml:"project_type"`
	} `yaml:"defaults"`
	Sync struct {
		ConnectorType string `yaml:"connector_type"`
		// BatchWarnLimit is the documented practical upper bound for a
		// reconcile batch; the engine does not chunk or enforce it, the
		// CLI warns when a batch exceeds it.
		BatchWarnLimit int `yaml:"batch_warn_limit"`
	} `yaml:"sync"`
	Connectors struct {
		Catalog map[string]ConnectorSpec `yaml:"catalog"`
	} `yaml:"connectors"`
}

type ConnectorSpec struct {
	Description string `yaml:"description"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run tl config init", path)
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
	switch c.Defaults.WorkflowType {
	case domain.WorkflowFlat, domain.WorkflowPlanned:
	default:
		return fmt.Errorf("config.defaults.workflow_type must be flat or planned")
	}
	switch c.Defaults.ProjectType {
	case domain.ProjectNative, domain.ProjectConnected:
	default:
		return fmt.Errorf("config.defaults.project_type must be native or connected")
	}
	if c.Sync.ConnectorType == "" {
		return fmt.Errorf("config.sync.connector_type is required")
	}
	if c.Sync.BatchWarnLimit < 0 {
		return fmt.Errorf("config.sync.batch_warn_limit must not be negative")
	}
	if len(c.Connectors.Catalog) > 0 {
		if _, ok := c.Connectors.Catalog[c.Sync.ConnectorType]; !ok {
			return fmt.Errorf("sync connector type %s not in connectors catalog", c.Sync.ConnectorType)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "tracklane.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
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
  name: ""

defaults:
  workflow_type: flat
  project_type: native

sync:
  connector_type: file_sync
  batch_warn_limit: 500

connectors:
  catalog:
    file_sync:
      description: "File-based task tracker mirror; config carries the source path"
`
