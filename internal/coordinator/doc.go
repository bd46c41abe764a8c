// Package coordinator owns the authoritative state of every task and subtask
// lease. It hands out units of work, ingests results, and reclaims leases
// whose time-to-live has run out during a periodic sweep.
//
// All entry points are serialized by a single mutex. Completions reported by
// the execution engine enter through the Inbox channel and are applied by
// the Run loop, never by direct cross-goroutine mutation.
package coordinator
