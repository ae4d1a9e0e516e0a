package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models caseline.yml.
type Config struct {
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Agents    AgentsConfig    `yaml:"agents"`
	Reasoning ReasoningConfig `yaml:"reasoning"`
	Log       LogConfig       `yaml:"log"`
}

// AnalysisConfig holds fan-out and validation tuning.
type AnalysisConfig struct {
	// Tolerance is the allowed deviation of the scenario probability sum
	// from 1.0 before proportional rescaling kicks in.
	Tolerance float64 `yaml:"tolerance"`
	// Retries is the number of re-attempts after a failed agent or
	// reasoning call (total attempts = Retries + 1).
	Retries      int      `yaml:"retries"`
	Backoff      Duration `yaml:"backoff"`
	Workers      int      `yaml:"workers"`
	AgentTimeout Duration `yaml:"agent_timeout"`
	RunDeadline  Duration `yaml:"run_deadline"`
}

type AgentsConfig struct {
	// Specialties names the domain expert agents to instantiate, one
	// expert.<specialty> agent per entry.
	Specialties []string `yaml:"specialties"`
}

type ReasoningConfig struct {
	// Mode selects the engine: "http" for a live completions endpoint,
	// "scripted" for canned responses (demos, tests).
	Mode    string   `yaml:"mode"`
	BaseURL string   `yaml:"base_url"`
	Model   string   `yaml:"model"`
	APIKey  string   `yaml:"api_key"`
	Timeout Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration wraps time.Duration for YAML string parsing ("30s", "5m").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Analysis: AnalysisConfig{
			Tolerance:    0.01,
			Retries:      2,
			Backoff:      Duration(time.Second),
			Workers:      4,
			AgentTimeout: Duration(60 * time.Second),
			RunDeadline:  Duration(5 * time.Minute),
		},
		Agents: AgentsConfig{
			Specialties: []string{"civil", "labor"},
		},
		Reasoning: ReasoningConfig{
			Mode:    "scripted",
			Timeout: Duration(30 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Analysis.Tolerance <= 0 || c.Analysis.Tolerance >= 1 {
		return fmt.Errorf("config.analysis.tolerance must be in (0,1)")
	}
	if c.Analysis.Retries < 0 {
		return fmt.Errorf("config.analysis.retries must be >= 0")
	}
	if c.Analysis.Workers < 1 {
		return fmt.Errorf("config.analysis.workers must be >= 1")
	}
	if c.Analysis.AgentTimeout <= 0 {
		return fmt.Errorf("config.analysis.agent_timeout must be positive")
	}
	if c.Analysis.RunDeadline <= 0 {
		return fmt.Errorf("config.analysis.run_deadline must be positive")
	}
	switch c.Reasoning.Mode {
	case "http":
		if c.Reasoning.BaseURL == "" {
			return fmt.Errorf("config.reasoning.base_url is required for mode http")
		}
	case "scripted":
	default:
		return fmt.Errorf("config.reasoning.mode must be 'http' or 'scripted'")
	}
	for _, s := range c.Agents.Specialties {
		if s == "" {
			return fmt.Errorf("config.agents.specialties contains empty entry")
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "caseline.yml")
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Omitted fields
// keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// YAML renders the config as YAML.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}
