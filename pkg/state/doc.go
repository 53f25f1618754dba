// Package state persists convergence records and run journals in SQLite.
// The stage record written here is the engine's sole memory between runs:
// it must survive crashes mid-batch, which is why every write goes straight
// to a WAL-mode database rather than any in-memory cache.
package state
