package rules

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// document is the YAML file shape with a top-level "rules" key.
type document struct {
	Rules []Rule `yaml:"rules"`
}

// Parse decodes a ruleset from JSON (an array of rules, as stored under the
// rules key) or YAML (either a list or a document with a "rules" key) and
// validates it.
func Parse(data []byte) ([]Rule, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return []Rule{}, nil
	}

	var set []Rule
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &set); err != nil {
			return nil, fmt.Errorf("rules: parse json: %w", err)
		}
	} else {
		var err error
		if set, err = parseYAML(trimmed); err != nil {
			return nil, err
		}
	}

	if set == nil {
		set = []Rule{}
	}
	if err := ValidateSet(set); err != nil {
		return nil, err
	}
	return set, nil
}

func parseYAML(data []byte) ([]Rule, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("rules: parse yaml: %w", err)
	}
	if len(node.Content) == 0 {
		return nil, nil
	}

	root := node.Content[0]
	switch root.Kind {
	case yaml.SequenceNode:
		var set []Rule
		if err := root.Decode(&set); err != nil {
			return nil, fmt.Errorf("rules: parse yaml: %w", err)
		}
		return set, nil
	case yaml.MappingNode:
		var doc document
		if err := root.Decode(&doc); err != nil {
			return nil, fmt.Errorf("rules: parse yaml: %w", err)
		}
		return doc.Rules, nil
	default:
		return nil, fmt.Errorf("rules: parse yaml: expected a list or a mapping with a rules key")
	}
}

// Marshal encodes a ruleset as the JSON array stored under the rules key.
func Marshal(set []Rule) ([]byte, error) {
	if set == nil {
		set = []Rule{}
	}
	data, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("rules: marshal: %w", err)
	}
	return data, nil
}
