package policy

// BuiltinPolicies returns the policies compiled into the binary. They guard
// invariants the hypervisor host cannot enforce on its own.
func BuiltinPolicies() []Policy {
	return []Policy{
		duplicateAddressPolicy(),
		templateDependencyPolicy(),
		memoryBudgetPolicy(),
	}
}

// duplicateAddressPolicy rejects two resources claiming the same static
// address on the same bridge.
func duplicateAddressPolicy() Policy {
	return Policy{
		Name:        "duplicate-address",
		Description: "Rejects two resources claiming the same static address on one bridge",
		Severity:    SeverityError,
		Builtin:     true,
		Rego: `package phoenix.policies.network

import rego.v1

deny contains violation if {
	some i, j
	a := input.resources[i]
	b := input.resources[j]
	i < j
	a.network.address != ""
	a.network.address != "dhcp"
	a.network.address == b.network.address
	a.network.bridge == b.network.bridge
	violation := {
		"message": sprintf("resources %d and %d both claim %s on bridge %s", [a.id, b.id, a.network.address, a.network.bridge]),
		"severity": "error",
		"resource": b.id,
	}
}
`,
	}
}

// templateDependencyPolicy rejects runtime dependencies on templates. A
// finalized template is quiesced, so a dependent would wait forever.
// Cloning from a template stays legal.
func templateDependencyPolicy() Policy {
	return Policy{
		Name:        "template-dependency",
		Description: "Rejects depends_on edges pointing at template resources",
		Severity:    SeverityError,
		Builtin:     true,
		Rego: `package phoenix.policies.templates

import rego.v1

deny contains violation if {
	some t in input.resources
	t.template
	some d in input.resources
	some dep in d.depends_on
	dep == t.id
	violation := {
		"message": sprintf("resource %d depends on template %d, which never runs after finalization", [d.id, t.id]),
		"severity": "error",
		"resource": d.id,
	}
}
`,
	}
}

// memoryBudgetPolicy caps the aggregate declared memory against the host
// limit from settings. Disabled when no limit is configured.
func memoryBudgetPolicy() Policy {
	return Policy{
		Name:        "memory-budget",
		Description: "Caps aggregate declared memory against the configured host limit",
		Severity:    SeverityError,
		Builtin:     true,
		Rego: `package phoenix.policies.capacity

import rego.v1

deny contains violation if {
	input.limits.max_total_memory_mb > 0
	total := sum([r.memory_mb | some r in input.resources])
	total > input.limits.max_total_memory_mb
	violation := {
		"message": sprintf("declared memory %d MB exceeds the host cap of %d MB", [total, input.limits.max_total_memory_mb]),
		"severity": "error",
	}
}
`,
	}
}
