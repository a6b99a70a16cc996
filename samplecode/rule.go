package samplecode

import (
	"encoding/json"
	"fmt"
	"sort"
)

// RuleConfig is the stored form of a project's sample_code_rule. Elements may
// be given as an ordered list or as an order map sorted ascending.
type RuleConfig struct {
	Elements     []string          `json:"elements,omitempty" yaml:"elements,omitempty"`
	Order        map[string]int    `json:"order,omitempty" yaml:"order,omitempty"`
	Separators   map[string]string `json:"separators,omitempty" yaml:"separators,omitempty"`
	Dictionaries map[string]List   `json:"dictionaries,omitempty" yaml:"dictionaries,omitempty"`
	ConfigData   map[string]List   `json:"config_data,omitempty" yaml:"config_data,omitempty"`
	SponsorCode  string            `json:"sponsor_code,omitempty" yaml:"sponsor_code,omitempty"`
	LabCode      string            `json:"lab_code,omitempty" yaml:"lab_code,omitempty"`
}

// ParseRule decodes a JSON rule config and validates it into a schema.
func ParseRule(data []byte) (*CodeSchema, error) {
	var cfg RuleConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return cfg.Schema()
}

// Schema validates the config. Dictionaries override config_data entries of
// the same name.
func (c RuleConfig) Schema() (*CodeSchema, error) {
	elements := make([]ElementID, 0, len(c.Elements))
	if len(c.Elements) > 0 {
		for _, e := range c.Elements {
			elements = append(elements, ElementID(e))
		}
	} else {
		names := make([]string, 0, len(c.Order))
		for name := range c.Order {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool {
			if c.Order[names[i]] != c.Order[names[j]] {
				return c.Order[names[i]] < c.Order[names[j]]
			}
			return names[i] < names[j]
		})
		for _, name := range names {
			elements = append(elements, ElementID(name))
		}
	}

	separators := make(map[ElementID]string, len(c.Separators))
	for id, sep := range c.Separators {
		separators[ElementID(id)] = sep
	}

	dicts := make(map[string][]string, len(c.ConfigData)+len(c.Dictionaries))
	for name, values := range c.ConfigData {
		dicts[name] = values
	}
	for name, values := range c.Dictionaries {
		dicts[name] = values
	}

	return NewSchema(elements, separators, dicts, WithSponsorCode(c.SponsorCode), WithLabCode(c.LabCode))
}
