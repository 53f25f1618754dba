// Package engine drives resources from their recorded stage to completion.
// It walks each resource through an ordered stage pipeline, inspecting the
// hypervisor before every mutation so that converging an already-correct
// resource touches nothing, and persisting the stage record after every
// transition so that an interrupted run resumes where it stopped.
//
// The engine is deliberately ignorant of virtualization specifics: all
// hypervisor interaction goes through the Driver interface, and stages that
// only apply to some drivers are selected by capability, not by kind.
package engine
