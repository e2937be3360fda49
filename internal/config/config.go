package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"intakeline/internal/domain"
)

// Config models intakeline.yml. The pipeline section is the transition
// legality table consumed by the workflow layer; the data layer never reads
// it and accepts arbitrary transitions.
type Config struct {
	Business struct {
		Name    string `yaml:"name"`
		Owner   string `yaml:"owner"`
		Email   string `yaml:"email"`
		Website string `yaml:"website"`
	} `yaml:"business"`
	OpenAI struct {
		Model       string  `yaml:"model"`
		Temperature float64 `yaml:"temperature"`
		MaxTokens   int     `yaml:"max_tokens"`
	} `yaml:"openai"`
	Workflow struct {
		PollIntervalSeconds int `yaml:"poll_interval_seconds"`
		BatchLimit          int `yaml:"batch_limit"`
		Workers             int `yaml:"workers"`
	} `yaml:"workflow"`
	Pipeline map[string]PipelineStage `yaml:"pipeline"`
	Server   struct {
		JWTSecret       string `yaml:"jwt_secret"`
		DevLoginEnabled bool   `yaml:"dev_login_enabled"`
	} `yaml:"server"`
}

// PipelineStage maps a project state to the agent that processes it and the
// state an agent success leads to. An empty agent marks a manual or waiting
// state; an empty next marks a terminal one.
type PipelineStage struct {
	Agent string `yaml:"agent,omitempty"`
	Next  string `yaml:"next,omitempty"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run il init or import one", path)
		}
		return nil, err
	}
	return FromYAML(data)
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

// Validate ensures the pipeline only names recognized states.
func (c *Config) Validate() error {
	if len(c.Pipeline) == 0 {
		return fmt.Errorf("config.pipeline is required")
	}
	for state, stage := range c.Pipeline {
		if !domain.ValidState(state) {
			return fmt.Errorf("pipeline references unknown state %s", state)
		}
		if stage.Next != "" && !domain.ValidState(stage.Next) {
			return fmt.Errorf("pipeline state %s has unknown next state %s", state, stage.Next)
		}
		if domain.TerminalState(state) && (stage.Agent != "" || stage.Next != "") {
			return fmt.Errorf("terminal state %s must not have an agent or next state", state)
		}
	}
	if c.Workflow.PollIntervalSeconds < 0 {
		return fmt.Errorf("workflow.poll_interval_seconds must not be negative")
	}
	if c.Workflow.Workers < 0 {
		return fmt.Errorf("workflow.workers must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "intakeline.yml")
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
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

const defaultTemplate = `business:
  name: AndriiIT
  owner: owner
  email: ""
  website: ""

openai:
  model: gpt-4
  temperature: 0.7
  max_tokens: 2000

workflow:
  poll_interval_seconds: 15
  batch_limit: 20
  workers: 2

# Each stage names the agent that processes projects sitting in that state
# and the state a successful run moves them to. Stages without an agent wait
# for the client or the owner. Terminal states have neither.
pipeline:
  NEW:
    agent: email_parser
    next: ANALYZED
  ANALYZED:
    agent: classification_agent
    next: NEGOTIATION
  NEGOTIATION:
    agent: dialogue_orchestrator
    next: REQUIREMENTS_COLLECTION
  REQUIREMENTS_COLLECTION:
    agent: requirement_engineer
    next: ESTIMATION_READY
  ESTIMATION_READY:
    agent: offer_generator
    next: OFFER_SENT
  OFFER_SENT:
    next: AGREED
  AGREED:
    next: FUNDED
  FUNDED:
    next: EXECUTION_READY
  EXECUTION_READY:
    next: CLOSED
  CLOSED: {}
  REJECTED: {}

server:
  jwt_secret: ""
  dev_login_enabled: true
`
