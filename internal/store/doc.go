// Package store provides persistent storage for the desk using SQLite.
//
// # Architecture
//
// Store is the single persistence capability consumed by the dispatch core.
// SQLiteStore implements it on modernc.org/sqlite; MockStore implements it in
// memory with the same uniqueness and atomicity rules for tests.
//
// # Data Models
//
//   - Agent: Operator account with online flag and a stable seq order
//   - Admin: Supervisor account
//   - Conversation: One per customer identity, sticky-bound to an agent at creation
//   - Message: Append-only entry holding a tagged Content variant
//   - RoutingCursor: Singleton round-robin index (routing_cursor table)
//
// # Content
//
// Message content is a closed sum type: Text, Image, Document and Audio. Each
// variant carries only the fields valid for its kind. Media variants embed a
// Media source that holds a provider handle, inline binary data, or both.
// Rows are stored sparsely: columns that do not apply to a kind are NULL.
//
// # Atomic Assignment
//
// CreateConversation accepts an AssignFunc that runs inside the same
// transaction as the conversation insert. The function reads agents and the
// routing cursor through a RoutingState and may advance the cursor; if the
// insert fails (for example because a concurrent call created the customer's
// conversation first) the cursor write rolls back with it.
//
// # Deduplication
//
// messages.provider_message_id is UNIQUE and nullable. AppendMessage returns
// the stored row with created=false when the id is already present, including
// when a concurrent insert wins the race.
//
// # Concurrency
//
// SQLiteStore uses WAL mode with a single open connection, which serializes
// writers within the process. MockStore uses a sync.RWMutex.
package store
