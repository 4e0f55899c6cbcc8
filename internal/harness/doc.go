// Package harness runs YAML conversation scenarios against a real sync
// engine and SQLite store.
//
// # Scenario Format
//
//	name: append_then_replace
//	description: "What this scenario validates"
//	conversation:
//	  id: conv-1
//	  language: english
//	seed:                       # stored before the engine starts
//	  - {role: system, content: be brief}
//	faults:                     # sink call number (1-based) to fail
//	  - {call: 2, error: integrity_conflict}
//	steps:
//	  - save:
//	      - {role: system, content: be brief}
//	      - {role: user, content: hi}
//	    expect:
//	      action: append
//	      version: "2"
//	      items:
//	        - {role: user, content: hi}
//	  - close: true
//	assertions:
//	  - type: history
//	    messages:
//	      - {role: system, content: be brief}
//	  - type: dispatch_order
//	    actions: [append]
//
// # Assertion Types
//
//   - history: the stored messages, by role and content, in order
//   - dispatch_count: the number of sink calls
//   - dispatch_order: the action of every sink call, in order
//   - leading_row: the id of the first stored message
//
// # Determinism
//
// Every scenario gets a fresh in-memory database, sequential message ids
// (msg-0001, msg-0002, ...) and a stepping clock, so results are identical
// across runs and can be compared against golden files.
//
// The engine is closed after the last step if the scenario did not close
// it, so every accepted mutation has been dispatched before assertions run.
package harness
