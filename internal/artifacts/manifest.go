package artifacts

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest records what a build run produced.
type Manifest struct {
	RunID     string         `yaml:"run_id"`
	BuildDate time.Time      `yaml:"build_date"`
	RemoteURL string         `yaml:"remote_url,omitempty"`
	Artifacts []Artifact     `yaml:"artifacts"`
	Metadata  map[string]any `yaml:"metadata,omitempty"`
}

// WriteManifest serializes m to path as YAML.
func WriteManifest(path string, m Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write manifest %s: %w", path, err)
	}
	return nil
}

// ReadManifest loads a manifest written by WriteManifest.
func ReadManifest(path string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	return m, nil
}
