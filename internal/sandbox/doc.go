// Package sandbox defines the isolation-runtime contract used by the
// execution engine: a Runtime creates Jobs for images it can serve, and a
// Registry picks the first usable image among a unit's candidates.
package sandbox
