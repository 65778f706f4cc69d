package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Config models milemark.yml.
type Config struct {
	Engagement struct {
		Kind string `yaml:"kind"`
	} `yaml:"engagement"`
	Milestones struct {
		Catalog map[int]MilestoneSpec `yaml:"catalog"`
	} `yaml:"milestones"`
	Stall struct {
		ThresholdDays int `yaml:"threshold_days"`
	} `yaml:"stall"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// MilestoneSpec is one hand-declared catalog entry.
type MilestoneSpec struct {
	Label       string `yaml:"label"`
	Description string `yaml:"description"`
	Automatic   bool   `yaml:"automatic"`
	Next        []int  `yaml:"next"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with mm config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Values returns the catalog values in ascending order.
func (c *Config) Values() []int {
	values := make([]int, 0, len(c.Milestones.Catalog))
	for v := range c.Milestones.Catalog {
		values = append(values, v)
	}
	sort.Ints(values)
	return values
}

// Validate ensures the catalog forms a legal transition graph.
func (c *Config) Validate() error {
	if c.Engagement.Kind != "service-engagement" {
		return fmt.Errorf("config.engagement.kind must be 'service-engagement'")
	}
	if len(c.Milestones.Catalog) < 2 {
		return fmt.Errorf("config.milestones.catalog needs at least two milestones")
	}
	values := c.Values()
	terminal := values[len(values)-1]
	penultimate := values[len(values)-2]
	for _, v := range values {
		spec := c.Milestones.Catalog[v]
		if spec.Label == "" {
			return fmt.Errorf("milestone %d has no label", v)
		}
		if v == terminal {
			if len(spec.Next) != 0 {
				return fmt.Errorf("terminal milestone %d must have no outgoing transitions", v)
			}
			continue
		}
		if len(spec.Next) == 0 {
			return fmt.Errorf("milestone %d has no outgoing transitions", v)
		}
		for _, next := range spec.Next {
			if _, ok := c.Milestones.Catalog[next]; !ok {
				return fmt.Errorf("milestone %d lists unknown transition target %d", v, next)
			}
			if next <= v {
				return fmt.Errorf("milestone %d lists non-forward transition to %d", v, next)
			}
			if next == terminal && v != penultimate {
				return fmt.Errorf("milestone %d may not transition directly to terminal %d; only %d may", v, terminal, penultimate)
			}
		}
	}
	if !containsInt(c.Milestones.Catalog[penultimate].Next, terminal) {
		return fmt.Errorf("penultimate milestone %d must allow the terminal transition to %d", penultimate, terminal)
	}
	if c.Stall.ThresholdDays <= 0 {
		return fmt.Errorf("config.stall.threshold_days must be positive")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

func containsInt(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "milemark.yml")
}

// Default returns the built-in milestone schedule.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template invalid: %v", err))
	}
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
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

const defaultTemplate = `engagement:
  kind: service-engagement

milestones:
  catalog:
    10:
      label: "Engagement created"
      description: "Purchase confirmed, engagement opened"
      automatic: true
      next: [20, 25, 30, 40, 50, 60, 70, 75, 80, 90]
    20:
      label: "Kickoff scheduled"
      description: "Kickoff session booked with the client"
      next: [25, 30, 40, 50, 60, 70, 75, 80, 90]
    25:
      label: "Kickoff held"
      description: "Kickoff session completed"
      next: [30, 40, 50, 60, 70, 75, 80, 90]
    30:
      label: "Discovery in progress"
      description: "Gathering client goals and constraints"
      next: [40, 50, 60, 70, 75, 80, 90]
    40:
      label: "Plan drafted"
      description: "Working plan drafted for review"
      next: [50, 60, 70, 75, 80, 90]
    50:
      label: "Plan approved"
      description: "Client signed off on the plan"
      next: [60, 70, 75, 80, 90]
    60:
      label: "Delivery in progress"
      description: "Agreed work under way"
      next: [70, 75, 80, 90]
    70:
      label: "Deliverables submitted"
      description: "First full deliverable handed to the client"
      next: [75, 80, 90]
    75:
      label: "Revisions in progress"
      description: "Working through client revision requests"
      next: [80, 90]
    80:
      label: "Final review"
      description: "Client reviewing the final deliverables"
      next: [90]
    90:
      label: "Wrap-up"
      description: "Closing administration before completion"
      next: [100]
    100:
      label: "Completed"
      description: "Engagement completed; feedback requested"
      automatic: true
      next: []

stall:
  threshold_days: 7
`
