// Package engine runs leased units inside an isolation runtime. Each unit
// runs on its own goroutine under an optional deadline; the outcome is
// written back onto the unit and reported through its callback exactly
// once. Runs are recorded in the execution store and their output lines
// are persisted and published to live subscribers.
package engine
