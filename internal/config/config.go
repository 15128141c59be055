package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"fabline/internal/domain"
)

// RoleAdmin is the only role with cross-stage rights.
const RoleAdmin = "admin"

// StageAccessAll marks a user who can act on every stage.
const StageAccessAll = "all"

// StageConfig is one pipeline step as declared in fabline.yml.
type StageConfig struct {
	Name                   string `yaml:"name"`
	Label                  string `yaml:"label"`
	Order                  int    `yaml:"order"`
	DependsOn              string `yaml:"depends_on"`
	RequiredRole           string `yaml:"required_role"`
	EstimatedDurationHours int    `yaml:"estimated_duration_hours"`
}

// Config models fabline.yml.
type Config struct {
	Pipeline struct {
		Stages []StageConfig `yaml:"stages"`
	} `yaml:"pipeline"`
	Admin struct {
		UserID   string `yaml:"user_id"`
		Username string `yaml:"username"`
		Email    string `yaml:"email"`
	} `yaml:"admin"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		DevLogin  bool   `yaml:"dev_login"`
	} `yaml:"auth"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with fab config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate enforces the pipeline invariants: orders contiguous from 1,
// unique names, and each stage depending on exactly its predecessor.
func (c *Config) Validate() error {
	if len(c.Pipeline.Stages) == 0 {
		return fmt.Errorf("config.pipeline.stages is required")
	}
	stages := make([]StageConfig, len(c.Pipeline.Stages))
	copy(stages, c.Pipeline.Stages)
	sort.Slice(stages, func(i, j int) bool { return stages[i].Order < stages[j].Order })
	seen := make(map[string]struct{}, len(stages))
	for i, s := range stages {
		if s.Name == "" {
			return fmt.Errorf("stage at order %d has empty name", s.Order)
		}
		if s.Label == "" {
			return fmt.Errorf("stage %s has empty label", s.Name)
		}
		if s.RequiredRole == "" {
			return fmt.Errorf("stage %s has empty required_role", s.Name)
		}
		if _, ok := seen[s.Name]; ok {
			return fmt.Errorf("duplicate stage name %s", s.Name)
		}
		seen[s.Name] = struct{}{}
		if s.Order != i+1 {
			return fmt.Errorf("stage orders must be contiguous from 1; got %d at position %d", s.Order, i+1)
		}
		if i == 0 {
			if s.DependsOn != "" {
				return fmt.Errorf("first stage %s must not declare depends_on", s.Name)
			}
			continue
		}
		if s.DependsOn != stages[i-1].Name {
			return fmt.Errorf("stage %s must depend on %s, got %q", s.Name, stages[i-1].Name, s.DependsOn)
		}
	}
	if c.Admin.UserID == "" {
		return fmt.Errorf("config.admin.user_id is required")
	}
	if c.Admin.Username == "" {
		return fmt.Errorf("config.admin.username is required")
	}
	return nil
}

// Stages returns the pipeline in order as domain values.
func (c *Config) Stages() []domain.Stage {
	out := make([]domain.Stage, 0, len(c.Pipeline.Stages))
	for _, s := range c.Pipeline.Stages {
		out = append(out, domain.Stage{
			Name:                   s.Name,
			Label:                  s.Label,
			Order:                  s.Order,
			DependsOn:              s.DependsOn,
			RequiredRole:           s.RequiredRole,
			EstimatedDurationHours: s.EstimatedDurationHours,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// StageAccessForRole derives a user's stage_access value from the
// pipeline. Admins get "all"; stage roles get their stage's name.
func (c *Config) StageAccessForRole(role string) (string, error) {
	if role == RoleAdmin {
		return StageAccessAll, nil
	}
	for _, s := range c.Pipeline.Stages {
		if s.RequiredRole == role {
			return s.Name, nil
		}
	}
	return "", fmt.Errorf("role %s matches no pipeline stage", role)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fabline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
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

// Default returns the built-in pipeline configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
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

const defaultTemplate = `pipeline:
  stages:
    - name: material_collection
      label: "Collecte des matériaux"
      order: 1
      required_role: supervisor
      estimated_duration_hours: 4

    - name: assembly
      label: "Assemblage"
      order: 2
      depends_on: material_collection
      required_role: assembly_tech
      estimated_duration_hours: 8

    - name: testing
      label: "Tests et validation"
      order: 3
      depends_on: assembly
      required_role: testing_tech
      estimated_duration_hours: 6

    - name: delivery
      label: "Livraison"
      order: 4
      depends_on: testing
      required_role: delivery_tech
      estimated_duration_hours: 4

    - name: installation
      label: "Installation"
      order: 5
      depends_on: delivery
      required_role: installation_tech
      estimated_duration_hours: 6

admin:
  user_id: admin
  username: admin

auth:
  dev_login: false
`
