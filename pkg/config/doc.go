// Package config parses and validates the declarative resource
// configuration: one JSON document describing LXC containers, one
// describing QEMU/KVM virtual machines, and a defaults object merged
// beneath both. Malformed input is rejected here, before any convergence
// begins; the rest of the system only sees typed, validated specs.
package config
