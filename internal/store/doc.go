// Package store provides durable conversation history.
//
// Store is the SQLite implementation. It keeps conversations and their
// messages, and serves as the engine's storage sink: AppendMessages and
// ReplaceMessages each run in one transaction and assign message numbers
// inside it, so a reader never observes a half-applied write.
//
// Message numbers are allocated as MAX(message_number) + 1 per conversation.
// A UNIQUE(conversation_id, message_number) index rejects colliding writers;
// such failures are reported as ErrIntegrityConflict and the transaction is
// rolled back.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000
//   - foreign_keys=ON
//
// Other drivers (see store/postgres) implement the same Backend contract.
package store
