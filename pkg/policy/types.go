package policy

import (
	"sort"
	"time"

	"github.com/phoenix-hypervisor/phoenix/pkg/config"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityWarning is for findings that should be reviewed but do not
	// block a converge.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block a converge.
	SeverityError Severity = "error"
)

// Policy is one admission rule with its Rego source.
type Policy struct {
	// Name is the unique policy name.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Each policy denies by adding
	// violation objects to data.<package>.deny.
	Rego string `json:"rego"`

	// Severity is the default severity for violations the policy emits.
	Severity Severity `json:"severity"`

	// Builtin marks policies compiled into the binary.
	Builtin bool `json:"builtin"`
}

// Violation is one finding from a policy evaluation.
type Violation struct {
	// Policy is the name of the violated policy.
	Policy string `json:"policy"`

	// Resource is the offending resource ID, 0 when the finding is not
	// tied to a single resource.
	Resource int `json:"resource,omitempty"`

	// Message is the human-readable finding.
	Message string `json:"message"`

	// Severity is the finding severity.
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating all policies against a resource set.
type Result struct {
	// Allowed is false when any error-severity violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists error-severity findings.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists warning-severity findings.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedAt is when the evaluation ran.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Limits carries host-level caps policies can enforce.
type Limits struct {
	// MaxTotalMemoryMB caps the aggregate declared memory. Zero disables
	// the check.
	MaxTotalMemoryMB int `json:"max_total_memory_mb"`
}

// Input is the document policies evaluate. Resources appear in ascending
// ID order so findings are deterministic.
type Input struct {
	Resources []InputResource `json:"resources"`
	Limits    Limits          `json:"limits"`
}

// InputResource is the policy-visible projection of one resource spec.
type InputResource struct {
	ID        int            `json:"id"`
	Kind      string         `json:"kind"`
	Name      string         `json:"name"`
	MemoryMB  int            `json:"memory_mb"`
	Network   config.Network `json:"network"`
	DependsOn []int          `json:"depends_on"`
	CloneFrom int            `json:"clone_from,omitempty"`
	Template  bool           `json:"template"`
}

// BuildInput projects the loaded specs into a policy input document.
func BuildInput(specs map[int]*config.ResourceSpec, limits Limits) *Input {
	ids := make([]int, 0, len(specs))
	for id := range specs {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	in := &Input{Limits: limits, Resources: make([]InputResource, 0, len(ids))}
	for _, id := range ids {
		spec := specs[id]
		res := InputResource{
			ID:        spec.ID,
			Kind:      string(spec.Kind),
			Name:      spec.Name,
			MemoryMB:  spec.MemoryMB,
			Network:   spec.Network,
			DependsOn: spec.DependsOn,
			Template:  spec.Template,
		}
		if spec.CloneFrom != nil {
			res.CloneFrom = *spec.CloneFrom
		}
		in.Resources = append(in.Resources, res)
	}
	return in
}
