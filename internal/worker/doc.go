// Package worker runs the local side of the lease protocol. It polls the
// coordinator for units of every known task, hands each leased unit to the
// execution engine and routes the outcome back through the coordinator's
// inbox.
package worker
