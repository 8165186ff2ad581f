// Package routing binds new conversations to agents.
//
// The Assigner runs a round-robin over a pool of agents that is rebuilt on
// every call: all online agents in stable seq order, or every agent when none
// are online. The position is kept in the persistent routing cursor, read and
// written through the store.RoutingState handed in by
// store.Store.CreateConversation, so choosing an agent and inserting the
// conversation commit or fail together.
//
// The cursor is taken modulo the size of the pool used for each call. When
// agents go online or offline between calls the rotation restarts relative
// to the new pool, so fairness is exact only while the pool is stable.
package routing
