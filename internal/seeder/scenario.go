package seeder

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario describes a batch of synthetic envelopes to deliver.
type Scenario struct {
	// Endpoint is the base URL of a running instance.
	Endpoint string `yaml:"endpoint"`

	// SourceToken is the webhook path token to post under.
	SourceToken string `yaml:"source_token"`

	// Messages is how many distinct sent emails to simulate.
	Messages int `yaml:"messages"`

	// RecipientsPerMessage bounds recipients per simulated email.
	RecipientsPerMessage int `yaml:"recipients_per_message"`

	// EventMix is the weighted distribution of event types, e.g.
	// {Delivery: 70, Open: 20, Bounce: 7, Complaint: 3}.
	EventMix map[string]int `yaml:"event_mix"`
}

// LoadScenario reads a scenario YAML file and applies defaults.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}

	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	s.applyDefaults()

	if s.SourceToken == "" {
		return nil, fmt.Errorf("scenario has no source_token")
	}
	return &s, nil
}

// DefaultScenario returns a usable scenario for quick seeding.
func DefaultScenario(endpoint, token string) *Scenario {
	s := &Scenario{
		Endpoint:    endpoint,
		SourceToken: token,
	}
	s.applyDefaults()
	return s
}

func (s *Scenario) applyDefaults() {
	if s.Endpoint == "" {
		s.Endpoint = "http://localhost:8092"
	}
	if s.Messages <= 0 {
		s.Messages = 100
	}
	if s.RecipientsPerMessage <= 0 {
		s.RecipientsPerMessage = 3
	}
	if len(s.EventMix) == 0 {
		s.EventMix = map[string]int{
			"Delivery":  60,
			"Open":      20,
			"Click":     8,
			"Bounce":    7,
			"Complaint": 2,
			"Send":      3,
		}
	}
}
