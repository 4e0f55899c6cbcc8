// Package engine implements the persistent context synchronization engine.
//
// A pipeline calls Save with the full message history every time its context
// changes. The engine diffs the new snapshot against the one it last saw,
// producing either an Append (the old snapshot is a prefix of the new one) or
// a Replace (anything else), updates its in-memory snapshot immediately, and
// enqueues the mutation without blocking.
//
// A single worker goroutine drains the queue and dispatches each mutation to
// the bound Sink in submission order. Failed writes are logged and dropped;
// the next Replace restores consistency. Close drains the queue completely
// before stopping the worker.
//
// Lifecycle:
//
//	Unbound --Bind--> Bound --Start--> Running --Close--> Draining --> Closed
//
// Start may also run before Bind; a dispatch attempted without a sink faults
// the engine with a configuration error.
package engine
