// Package driver implements the hypervisor backends: LXC containers
// through pct, QEMU/KVM virtual machines through qm, and a dry-run
// backend that mutates nothing. Drivers translate specs into CLI
// invocations and config inspections; they hold no convergence logic.
package driver
