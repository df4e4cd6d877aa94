package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// GetPath returns the value at a dot-notation path such as
// "dispatch.grace_period". Durations come back as strings.
func (c *Config) GetPath(path string) (any, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return getValue(m, path)
}

func getValue(m map[string]any, path string) (any, error) {
	var current any = m
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		node, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q breaks at %q (not a map)", path, part)
		}
		val, exists := node[part]
		if !exists {
			return nil, fmt.Errorf("path %q: key %q not found", path, part)
		}
		current = val
	}
	return current, nil
}

// SetPath writes value at a dot-notation path in the file the config was
// loaded from. Missing keys are created. The edited file must still load,
// otherwise the original is restored and the load error returned.
func (c *Config) SetPath(path, value string) error {
	if strings.Trim(path, ".") == "" {
		return fmt.Errorf("path is required")
	}
	if c.SourcePath == "" {
		return fmt.Errorf("config was not loaded from a file")
	}

	original, err := os.ReadFile(c.SourcePath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(original, &root); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	if root.Kind == 0 {
		// Empty file.
		root = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return fmt.Errorf("config file %s is not a YAML document", c.SourcePath)
	}

	target, err := findNode(root.Content[0], path, true)
	if err != nil {
		return fmt.Errorf("failed to navigate/create path %q: %w", path, err)
	}
	target.Kind = yaml.ScalarNode
	target.Content = nil
	target.Value = value
	target.Tag = guessTag(value)

	candidate, err := yaml.Marshal(&root)
	if err != nil {
		return err
	}
	return persistWithValidation(c.SourcePath, original, candidate)
}

func findNode(node *yaml.Node, path string, create bool) (*yaml.Node, error) {
	current := node
	for _, part := range strings.Split(strings.Trim(path, "."), ".") {
		if current.Kind != yaml.MappingNode {
			if !create || current.Kind != yaml.ScalarNode || current.Value != "" {
				return nil, fmt.Errorf("%q is not a mapping", part)
			}
			current.Kind = yaml.MappingNode
			current.Tag = "!!map"
		}

		var next *yaml.Node
		for i := 0; i+1 < len(current.Content); i += 2 {
			if current.Content[i].Value == part {
				next = current.Content[i+1]
				break
			}
		}
		if next == nil {
			if !create {
				return nil, fmt.Errorf("key %q not found", part)
			}
			// The leaf is overwritten by the caller.
			next = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			current.Content = append(current.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: part}, next)
		}
		current = next
	}
	return current, nil
}

func guessTag(v string) string {
	if v == "true" || v == "false" {
		return "!!bool"
	}
	digits := v != "" && v != "-"
	for i, c := range v {
		if i == 0 && c == '-' {
			continue
		}
		if c < '0' || c > '9' {
			digits = false
			break
		}
	}
	if digits {
		return "!!int"
	}
	return "!!str"
}

func persistWithValidation(path string, original, candidate []byte) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	if err := os.WriteFile(path, candidate, mode); err != nil {
		return fmt.Errorf("failed to persist config change: %w", err)
	}
	if _, err := Load(path); err != nil {
		if restoreErr := os.WriteFile(path, original, mode); restoreErr != nil {
			return fmt.Errorf("validation failed (%v) and rollback failed (%v)", err, restoreErr)
		}
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}
