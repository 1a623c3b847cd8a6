package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// GetPath retrieves a value from the configuration using a dot-notation path
// such as "executor.default_timeout". The address "producer:<id>" returns the
// override block for one producer; "producer:*" returns all of them.
func (c *Config) GetPath(path string) (any, error) {
	if strings.HasPrefix(path, "producer:") {
		id := strings.TrimPrefix(path, "producer:")
		if id == "*" {
			return c.Producers.Overrides, nil
		}
		o, ok := c.Producers.Overrides[id]
		if !ok {
			return nil, fmt.Errorf("no overrides configured for producer %q", id)
		}
		return o, nil
	}

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

// SetPathInFile writes value at a dot-notation path of the YAML file, keeping
// comments and layout of untouched keys. The edited file must still Load; if
// it does not, the original bytes are restored and the validation error returned.
func SetPathInFile(file, path, value string) error {
	original, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(original, &root); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		root = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}

	target, err := findNode(root.Content[0], path)
	if err != nil {
		return fmt.Errorf("navigate %q: %w", path, err)
	}
	target.Kind = yaml.ScalarNode
	target.Content = nil
	target.Value = value
	target.Tag = guessTag(value)

	candidate, err := yaml.Marshal(&root)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	mode := os.FileMode(0o644)
	if info, statErr := os.Stat(file); statErr == nil {
		mode = info.Mode().Perm()
	}
	if err := os.WriteFile(file, candidate, mode); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	if _, err := Load(file); err != nil {
		if restoreErr := os.WriteFile(file, original, mode); restoreErr != nil {
			return fmt.Errorf("validation failed (%v) and rollback failed (%v)", err, restoreErr)
		}
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// findNode walks a mapping node along path, creating missing keys.
func findNode(node *yaml.Node, path string) (*yaml.Node, error) {
	current := node
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return nil, fmt.Errorf("empty path segment")
		}
		if current.Kind != yaml.MappingNode {
			if current.Kind == yaml.ScalarNode && current.Value == "" {
				current.Kind, current.Tag = yaml.MappingNode, "!!map"
			} else {
				return nil, fmt.Errorf("%q is not a mapping", part)
			}
		}

		var next *yaml.Node
		for i := 0; i+1 < len(current.Content); i += 2 {
			if current.Content[i].Value == part {
				next = current.Content[i+1]
				break
			}
		}
		if next == nil {
			key := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: part}
			next = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			current.Content = append(current.Content, key, next)
		}
		current = next
	}
	return current, nil
}

func guessTag(v string) string {
	if v == "true" || v == "false" {
		return "!!bool"
	}
	if v == "" || v == "-" {
		return "!!str"
	}
	for i, c := range v {
		if i == 0 && c == '-' {
			continue
		}
		if c < '0' || c > '9' {
			return "!!str"
		}
	}
	return "!!int"
}
