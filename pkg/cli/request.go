package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile loads a YAML or JSON file into v. The path "-" reads stdin.
func LoadFile(path string, v any) error {
	data, name, err := readInput(path)
	if err != nil {
		return err
	}
	return Parse(data, name, v)
}

// Parse decodes data based on the file extension, trying YAML then JSON
// when the extension is unknown.
func Parse(data []byte, filename string, v any) error {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("failed to parse YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("failed to parse JSON: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, v); err != nil {
			if err2 := json.Unmarshal(data, v); err2 != nil {
				return fmt.Errorf("failed to parse %s (tried YAML and JSON)", filename)
			}
		}
	}
	return nil
}

// LoadList loads a file holding either one T or a list of them.
func LoadList[T any](path string) ([]T, error) {
	data, name, err := readInput(path)
	if err != nil {
		return nil, err
	}
	return ParseList[T](data, name)
}

// ParseList decodes data holding either one T or a list of them.
func ParseList[T any](data []byte, filename string) ([]T, error) {
	if strings.ToLower(filepath.Ext(filename)) == ".json" {
		if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
			var list []T
			if err := json.Unmarshal(trimmed, &list); err != nil {
				return nil, fmt.Errorf("failed to parse JSON: %w", err)
			}
			return list, nil
		}
		var one T
		if err := json.Unmarshal(data, &one); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
		return []T{one}, nil
	}

	// YAML is a superset of JSON, so everything else goes through a node.
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filename, err)
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}
	root := doc.Content[0]
	if root.Kind == yaml.SequenceNode {
		var list []T
		if err := root.Decode(&list); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", filename, err)
		}
		return list, nil
	}
	var one T
	if err := root.Decode(&one); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filename, err)
	}
	return []T{one}, nil
}

func readInput(path string) ([]byte, string, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, "stdin", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read file: %w", err)
	}
	return data, path, nil
}
