package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/phoenix-hypervisor/phoenix/pkg/telemetry"
	"github.com/phoenix-hypervisor/phoenix/pkg/transport"
)

// TransportSettings selects how hypervisor commands are executed.
type TransportSettings struct {
	// Mode is "local" or "ssh".
	Mode string `yaml:"mode" validate:"omitempty,oneof=local ssh"`

	// SSH holds connection parameters when Mode is "ssh". Only checked
	// in that mode.
	SSH transport.SSHConfig `yaml:"ssh" validate:"-"`
}

// LimitSettings caps aggregate declared capacity. Zero values disable the
// corresponding policy check.
type LimitSettings struct {
	// MaxTotalMemoryMB caps the summed memory of all declared resources.
	MaxTotalMemoryMB int `yaml:"max_total_memory_mb"`
}

// Settings is the operator-facing configuration loaded from phoenix.yaml.
// It locates the resource documents and wires the ambient machinery; the
// desired state itself lives in the JSON documents.
type Settings struct {
	// LXCConfigPath is the container document.
	LXCConfigPath string `yaml:"lxc_config"`

	// VMConfigPath is the virtual machine document.
	VMConfigPath string `yaml:"vm_config"`

	// TransformPath is an optional Starlark preprocessing script.
	TransformPath string `yaml:"transform"`

	// FeaturesDir is the feature registry root, one subdirectory per
	// feature with a manifest.yaml inside.
	FeaturesDir string `yaml:"features_dir"`

	// PoliciesDir holds operator Rego policies, watched for changes.
	PoliciesDir string `yaml:"policies_dir"`

	// StatePath is the SQLite state database.
	StatePath string `yaml:"state_path"`

	// StoragePool is the hypervisor storage pool for root disks.
	StoragePool string `yaml:"storage_pool"`

	// Limits holds host capacity caps enforced by admission policies.
	Limits LimitSettings `yaml:"limits"`

	// Transport selects local or SSH execution.
	Transport TransportSettings `yaml:"transport"`

	// Telemetry configures logging, tracing, and metrics.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// DefaultSettings returns settings with all defaults applied.
func DefaultSettings() Settings {
	return Settings{
		LXCConfigPath: "/etc/phoenix/phoenix_lxc.json",
		VMConfigPath:  "/etc/phoenix/phoenix_vm.json",
		FeaturesDir:   "/usr/local/share/phoenix/features",
		PoliciesDir:   "/etc/phoenix/policies.d",
		StatePath:     "/var/lib/phoenix/state.db",
		StoragePool:   "local-lvm",
		Transport:     TransportSettings{Mode: "local"},
		Telemetry:     telemetry.DefaultConfig(),
	}
}

// LoadSettings reads phoenix.yaml from path. Unknown keys are rejected.
// A missing file yields the defaults, so a fresh host works out of the box.
func LoadSettings(path string) (Settings, error) {
	settings := DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return settings, fmt.Errorf("failed to read %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&settings); err != nil {
		return settings, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err := settings.Validate(); err != nil {
		return settings, fmt.Errorf("%s: %w", path, err)
	}
	return settings, nil
}

// Validate checks the settings for consistency.
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return err
	}
	if s.Transport.Mode == "ssh" {
		if s.Transport.SSH.Host == "" {
			return fmt.Errorf("transport.ssh.host is required in ssh mode")
		}
		if s.Transport.SSH.PrivateKeyPath == "" {
			return fmt.Errorf("transport.ssh.private_key_path is required in ssh mode")
		}
	}
	return s.Telemetry.Validate()
}
