// Package catalog holds the card vocabulary: selectable services and
// severities, chat naming and user-facing texts.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-yaml"
)

//go:embed default.yaml
var defaultYAML []byte

// Option is one selectable card value.
type Option struct {
	Key   string `yaml:"key"`
	Label string `yaml:"label"`
	// Code is the value sent to the support backend.
	Code string `yaml:"code"`
}

// ChatConfig controls companion group chat naming.
type ChatConfig struct {
	NamePrefix          string `yaml:"name_prefix"`
	DescriptionTemplate string `yaml:"description_template"`
}

// Texts are the fixed replies of the bot.
type Texts struct {
	Help            string `yaml:"help"`
	TitleRequired   string `yaml:"title_required"`
	ContentRequired string `yaml:"content_required"`
	NoHistory       string `yaml:"no_history"`
	Stale           string `yaml:"stale"`
	NotOwner        string `yaml:"not_owner"`
	GroupIntro      string `yaml:"group_intro"`
}

// Catalog is an immutable, validated card vocabulary.
type Catalog struct {
	Chat       ChatConfig `yaml:"chat"`
	Services   []Option   `yaml:"services"`
	Severities []Option   `yaml:"severities"`
	Texts      Texts      `yaml:"texts"`
}

// Default returns the embedded catalog.
func Default() *Catalog {
	c, err := Parse(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded catalog is invalid: %v", err))
	}
	return c
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks that every option is complete and keys are unique.
func (c *Catalog) Validate() error {
	if len(c.Services) == 0 {
		return errors.New("catalog has no services")
	}
	if len(c.Severities) == 0 {
		return errors.New("catalog has no severities")
	}
	if err := validateOptions("service", c.Services); err != nil {
		return err
	}
	if err := validateOptions("severity", c.Severities); err != nil {
		return err
	}
	if c.Chat.NamePrefix == "" {
		return errors.New("catalog chat.name_prefix is empty")
	}
	return nil
}

func validateOptions(kind string, opts []Option) error {
	seen := make(map[string]bool, len(opts))
	for i, o := range opts {
		if o.Key == "" || o.Label == "" || o.Code == "" {
			return fmt.Errorf("%s option %d is incomplete", kind, i)
		}
		if seen[o.Key] {
			return fmt.Errorf("duplicate %s key %q", kind, o.Key)
		}
		seen[o.Key] = true
	}
	return nil
}

// Service looks up a service by key.
func (c *Catalog) Service(key string) (Option, bool) {
	return find(c.Services, key)
}

// Severity looks up a severity by key.
func (c *Catalog) Severity(key string) (Option, bool) {
	return find(c.Severities, key)
}

func find(opts []Option, key string) (Option, bool) {
	for _, o := range opts {
		if o.Key == key {
			return o, true
		}
	}
	return Option{}, false
}

// ServiceLabel returns the display label for key, or key itself when unknown.
func (c *Catalog) ServiceLabel(key string) string {
	if o, ok := c.Service(key); ok {
		return o.Label
	}
	return key
}

// SeverityLabel returns the display label for key, or key itself when unknown.
func (c *Catalog) SeverityLabel(key string) string {
	if o, ok := c.Severity(key); ok {
		return o.Label
	}
	return key
}

// ChatName names the companion chat of a ticket.
func (c *Catalog) ChatName(ticketID string) string {
	return c.Chat.NamePrefix + ticketID
}

// ChatDescription fills the description template.
func (c *Catalog) ChatDescription(title, service, severity string) string {
	return strings.NewReplacer(
		"{title}", title,
		"{service}", service,
		"{severity}", severity,
	).Replace(c.Chat.DescriptionTemplate)
}
