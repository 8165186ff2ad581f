// Package conversation provides the conversation and message layer of the desk.
//
// # Overview
//
// A conversation is the durable thread between one customer identity and the
// desk. It is created on first inbound contact (or on the first outbound send
// to an unseen customer) and never deleted.
//
// # Service
//
//	svc := conversation.New(store, assigner.Assign, dedupeCache, logger)
//
// Key operations:
//
//   - FindOrCreate(ctx, customerID, opts...): Idempotent lookup-or-insert
//   - Touch(ctx, id, unreadDelta, owner): Activity timestamp and unread counter
//   - Seen(ctx, providerID): Whether a provider message was already stored
//   - Append(ctx, msg): Record a message, no-op for a known provider id
//   - History(ctx, id): Messages oldest first
//
// # Sticky Assignment
//
// The assigner runs only inside the insert that creates a conversation. Once
// stored, the assigned agent is never rewritten by this package, whatever
// happens to agent presence afterwards.
//
// # Races
//
// Two first-contact events for the same customer may both miss the lookup.
// The store's unique customer constraint lets exactly one insert win; the
// loser re-reads and returns the winner's row with created=false.
package conversation
