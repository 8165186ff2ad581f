// Package inbound stores customer messages delivered by the provider webhook and notifies
// connected agents and admins.
//
// Each message moves through a small state machine:
//
//	RECEIVED ──(provider id already stored)──▶ DEDUPED_OUT
//	RECEIVED ──▶ ROUTED ──▶ PERSISTED ──▶ FANNED_OUT
//
// ROUTED finds or creates the customer's conversation; a new conversation is assigned an
// agent at that point and never again. PERSISTED appends the message (fetching media
// binaries under PolicyMaterialize) and bumps the unread counter for the assigned agent.
// FANNED_OUT pushes incoming_message to the agent if present and new_message to admins.
//
// Fan-out is best effort. A batch is processed in arrival order and one failed message
// never blocks the ones after it.
package inbound
