package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// ExpandEnv expands ${VAR} and ${VAR:-default} references against the
// process environment.
func ExpandEnv(content string) string {
	return envPattern.ReplaceAllStringFunc(content, func(match string) string {
		parts := envPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// ApplyDefaultsFile loads a YAML or JSON key/value file, expands environment
// references in its content, and applies each entry as a default: values
// already present in the Manager win. A missing file is not an error.
func (m *Manager) ApplyDefaultsFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			m.logger.Debug("Defaults file not found", "path", path)
			return nil
		}
		return fmt.Errorf("failed to read defaults file: %w", err)
	}

	switch ext := filepath.Ext(path); ext {
	case ".yml", ".yaml", ".json":
	default:
		return fmt.Errorf("unsupported defaults file format: %s", ext)
	}

	expanded := ExpandEnv(string(content))

	// yaml.v3 parses JSON as a YAML subset.
	var entries map[string]string
	if err := yaml.Unmarshal([]byte(expanded), &entries); err != nil {
		return fmt.Errorf("failed to parse defaults file: %w", err)
	}

	applied := 0
	m.mu.Lock()
	for key, value := range entries {
		if _, exists := m.values[key]; !exists {
			m.values[key] = value
			applied++
		}
	}
	m.mu.Unlock()

	m.logger.Info("Applied defaults file",
		"path", path,
		"entries", len(entries),
		"applied", applied,
	)
	return nil
}
