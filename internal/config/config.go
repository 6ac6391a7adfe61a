package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"coordline/internal/scoring"
	"coordline/internal/sla"
)

// Config models coordline.yml: the tunables of the coordination engine.
type Config struct {
	Scoring  scoring.Weights `yaml:"scoring" json:"scoring"`
	SLA      sla.Windows     `yaml:"sla" json:"sla"`
	Matching struct {
		// CandidateLimit caps the matched candidates returned with a request detail.
		CandidateLimit int `yaml:"candidate_limit" json:"candidate_limit"`
	} `yaml:"matching" json:"matching"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with cl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := c.Scoring.Validate(); err != nil {
		return fmt.Errorf("config.scoring: %w", err)
	}
	if err := c.SLA.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Matching.CandidateLimit < 0 {
		return fmt.Errorf("config.matching.candidate_limit must be >= 0")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "coordline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	cfg := Config{Scoring: scoring.DefaultWeights(), SLA: sla.DefaultWindows()}
	cfg.Matching.CandidateLimit = 5
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from the
// document keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Config{Scoring: scoring.DefaultWeights(), SLA: sla.DefaultWindows()}
	cfg.Matching.CandidateLimit = 5
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

// Marshal renders cfg as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `scoring:
  # weights must sum to 1
  acceptance: 0.30
  completion: 0.35
  responsiveness: 0.20
  streak: 0.15
  response_sla_hours: 24
  streak_cap: 10

sla:
  # time allowed per stage, by priority
  confirmation:
    normal: 24h
    urgent: 4h
    emergency: 1h
  response:
    normal: 4h
    urgent: 1h
    emergency: 15m
  completion:
    normal: 72h
    urgent: 24h
    emergency: 6h
  at_risk_ratio: 0.25

matching:
  candidate_limit: 5
`
