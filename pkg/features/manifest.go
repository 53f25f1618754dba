package features

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/phoenix-hypervisor/phoenix/pkg/config"
)

// Manifest describes one installable feature.
type Manifest struct {
	// Name is the identifier resources reference in their features list.
	Name string `yaml:"name"`

	// Description is free-form documentation.
	Description string `yaml:"description"`

	// Exec is the executable path, relative to the manifest directory.
	Exec string `yaml:"exec"`

	// Interpreter optionally names an interpreter to run Exec with.
	Interpreter string `yaml:"interpreter"`

	// Kinds restricts the feature to resource kinds. Empty means both.
	Kinds []string `yaml:"kinds"`

	// execPath is the resolved absolute executable path.
	execPath string
}

// LoadManifest reads and validates a feature manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}

	m.execPath = m.Exec
	if !filepath.IsAbs(m.execPath) {
		m.execPath = filepath.Join(filepath.Dir(path), m.Exec)
	}
	if _, err := os.Stat(m.execPath); err != nil {
		return nil, fmt.Errorf("feature executable not found at %s: %w", m.execPath, err)
	}

	return &m, nil
}

func (m *Manifest) validate() error {
	if m.Name == "" {
		return fmt.Errorf("feature name is required")
	}
	if m.Exec == "" {
		return fmt.Errorf("exec is required")
	}
	for _, kind := range m.Kinds {
		if kind != string(config.KindLXC) && kind != string(config.KindVM) {
			return fmt.Errorf("unknown kind %q", kind)
		}
	}
	return nil
}

// ExecPath returns the resolved executable path.
func (m *Manifest) ExecPath() string { return m.execPath }

// Supports reports whether the feature applies to the given kind.
func (m *Manifest) Supports(kind config.Kind) bool {
	if len(m.Kinds) == 0 {
		return true
	}
	for _, k := range m.Kinds {
		if k == string(kind) {
			return true
		}
	}
	return false
}
