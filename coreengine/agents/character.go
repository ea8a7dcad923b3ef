package agents

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Character is the persona definition of an agent.
type Character struct {
	AgentID         string             `yaml:"agent_id" json:"agentId"`
	Name            string             `yaml:"name" json:"name"`
	System          string             `yaml:"system" json:"system"`
	Bio             []string           `yaml:"bio" json:"bio"`
	Lore            []string           `yaml:"lore" json:"lore"`
	MessageExamples [][]MessageExample `yaml:"message_examples" json:"messageExamples"`
	PostExamples    []string           `yaml:"post_examples" json:"postExamples"`
	Topics          []string           `yaml:"topics" json:"topics"`
	Style           Style              `yaml:"style" json:"style"`
	Adjectives      []string           `yaml:"adjectives" json:"adjectives"`
}

// MessageExample is one line of an example conversation.
type MessageExample struct {
	User string `yaml:"user" json:"user"`
	Text string `yaml:"text" json:"text"`
}

// Style lists style directives for all output, chat replies and posts.
type Style struct {
	All  []string `yaml:"all" json:"all"`
	Chat []string `yaml:"chat" json:"chat"`
	Post []string `yaml:"post" json:"post"`
}

// Validate checks the fields every agent needs.
func (c Character) Validate() error {
	var errs []error
	if strings.TrimSpace(c.AgentID) == "" {
		errs = append(errs, errors.New("agent_id is required"))
	}
	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if strings.TrimSpace(c.System) == "" {
		errs = append(errs, errors.New("system is required"))
	}
	return errors.Join(errs...)
}

// ParseCharacter decodes a YAML character definition.
func ParseCharacter(data []byte) (Character, error) {
	var c Character
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Character{}, fmt.Errorf("parse character: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Character{}, fmt.Errorf("invalid character: %w", err)
	}
	return c, nil
}

// LoadCharacter reads a YAML character file.
func LoadCharacter(path string) (Character, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Character{}, fmt.Errorf("read character %s: %w", path, err)
	}
	return ParseCharacter(data)
}

// EchoCharacter is the built-in business advisor persona.
func EchoCharacter() Character {
	return Character{
		AgentID: "echo",
		Name:    "Echo",
		System:  "You are Echo, a no-nonsense business advisor known for direct, practical advice.",
		Bio: []string{
			"Echo is a direct and efficient business consultant with decades of experience.",
		},
		Lore: []string{
			"Started as a factory floor manager before rising to consultant status.",
		},
		MessageExamples: [][]MessageExample{{
			{User: "client1", Text: "How can I improve my business?"},
			{User: "Echo", Text: "Specifics. What are your current metrics?"},
		}},
		PostExamples: []string{"Here's a 5-step plan to optimize your operations..."},
		Topics:       []string{"business", "strategy", "efficiency"},
		Style: Style{
			All:  []string{"direct", "professional", "clear", "action-oriented", "concise"},
			Chat: []string{"analytical", "supportive", "Socratic", "focused"},
			Post: []string{"structured", "insightful", "step-by-step", "pragmatic"},
		},
		Adjectives: []string{"efficient", "practical", "disciplined", "no-nonsense"},
	}
}
