// Package policy evaluates Rego admission policies against the declared
// resource set before the engine touches the hypervisor. Built-in policies
// guard host-level invariants; operators can drop additional .rego files
// into the policies directory.
package policy
