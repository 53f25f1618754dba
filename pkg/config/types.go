package config

import (
	"fmt"
	"time"
)

// Kind identifies the virtualization flavor of a resource.
type Kind string

const (
	// KindLXC is an LXC container managed through pct.
	KindLXC Kind = "lxc"

	// KindVM is a QEMU/KVM virtual machine managed through qm.
	KindVM Kind = "vm"
)

// Validate checks if the kind is valid.
func (k Kind) Validate() error {
	switch k {
	case KindLXC, KindVM:
		return nil
	default:
		return fmt.Errorf("invalid resource kind: %s", k)
	}
}

// Network describes the single network interface of a resource.
type Network struct {
	// Bridge is the host bridge the interface attaches to (e.g. "vmbr0").
	Bridge string `json:"bridge" validate:"required"`

	// Address is the static address in CIDR notation, or "dhcp".
	Address string `json:"address" validate:"required"`

	// Gateway is the default gateway. Optional for dhcp.
	Gateway string `json:"gateway,omitempty" validate:"omitempty,ip"`
}

// VolumeMount describes a host directory mounted into the resource.
type VolumeMount struct {
	// Source is the host path or storage volume.
	Source string `json:"source" validate:"required"`

	// Target is the mount point inside the guest.
	Target string `json:"target" validate:"required"`

	// ReadOnly mounts the volume read-only.
	ReadOnly bool `json:"read_only,omitempty"`
}

// AppStep is the optional single application/launch step executed after the
// feature pipeline completes.
type AppStep struct {
	// Command is the executable to invoke on the hypervisor host.
	Command string `json:"command" validate:"required"`

	// Args are additional arguments. The resource identifier and the path
	// to the resolved spec are always appended.
	Args []string `json:"args,omitempty"`
}

// HealthCheck declares the readiness probe gating completion. Exactly one
// of Command or URL must be set.
type HealthCheck struct {
	// Command is an argv probe run on the hypervisor host; exit 0 means
	// ready.
	Command []string `json:"command,omitempty"`

	// URL is an HTTP probe; any 2xx response means ready.
	URL string `json:"url,omitempty" validate:"omitempty,url"`

	// Attempts is the retry budget.
	Attempts int `json:"attempts" validate:"required,min=1"`

	// IntervalSeconds is the fixed wait between attempts.
	IntervalSeconds int `json:"interval_seconds" validate:"min=0"`
}

// Interval returns the wait between probe attempts.
func (h *HealthCheck) Interval() time.Duration {
	return time.Duration(h.IntervalSeconds) * time.Second
}

// Validate checks the command/URL exclusivity that struct tags cannot
// express.
func (h *HealthCheck) Validate() error {
	if len(h.Command) == 0 && h.URL == "" {
		return fmt.Errorf("health check requires either command or url")
	}
	if len(h.Command) > 0 && h.URL != "" {
		return fmt.Errorf("health check cannot declare both command and url")
	}
	return nil
}

// ResourceSpec is the desired state of one container or virtual machine.
// ID and Kind are populated from the document structure, not from the JSON
// body.
type ResourceSpec struct {
	// ID is the hypervisor-wide numeric identifier (CTID/VMID). Unique
	// across both documents.
	ID int `json:"-"`

	// Kind is lxc or vm, derived from which document the spec came from.
	Kind Kind `json:"-"`

	// Name is the guest hostname.
	Name string `json:"name" validate:"required,hostname_rfc1123"`

	// Cores is the CPU core allocation.
	Cores int `json:"cores" validate:"required,min=1"`

	// MemoryMB is the memory allocation in megabytes.
	MemoryMB int `json:"memory_mb" validate:"required,min=16"`

	// DiskGB is the root disk size in gigabytes. Ignored when cloning.
	DiskGB int `json:"disk_gb,omitempty" validate:"min=0"`

	// Image is the OS template or image volume used by a fresh create.
	// Required unless CloneFrom is set.
	Image string `json:"image,omitempty"`

	// Network is the network descriptor.
	Network Network `json:"network"`

	// Volumes are host volumes mounted into the guest.
	Volumes []VolumeMount `json:"volumes,omitempty"`

	// Features is the ordered list of customization steps applied once the
	// resource is running. A cloned resource additionally inherits the
	// features of its clone source, parents first.
	Features []string `json:"features,omitempty"`

	// App is the optional application/launch step.
	App *AppStep `json:"app,omitempty"`

	// DependsOn lists resource identifiers that must be running before
	// this resource converges.
	DependsOn []int `json:"depends_on,omitempty"`

	// CloneFrom is the identifier of a same-kind resource to clone instead
	// of creating from Image.
	CloneFrom *int `json:"clone_from,omitempty"`

	// Template marks this resource as a reusable template: after
	// customization it is quiesced, snapshotted, and converted, never
	// started again by the normal pipeline.
	Template bool `json:"template,omitempty"`

	// Health is the optional readiness probe gating completion.
	Health *HealthCheck `json:"health,omitempty"`
}

// IsClone reports whether the resource is defined by cloning another.
func (s *ResourceSpec) IsClone() bool {
	return s.CloneFrom != nil
}
