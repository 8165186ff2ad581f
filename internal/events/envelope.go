// ABOUTME: Domain event envelope and event type names published to the message broker
// ABOUTME: Every event carries meta (id, type, time, producer) and a typed data payload

package events

import (
	"time"

	"github.com/google/uuid"
)

// Event types double as routing keys on the topic exchange.
const (
	TypeConversationAssigned = "desk.conversation.assigned.v1"
	TypeMessageInbound       = "desk.message.inbound.v1"
	TypeMessageOutbound      = "desk.message.outbound.v1"
	TypeSendFailed           = "desk.send.failed.v1"
)

// Producer identifies this service in event meta.
const Producer = "coven-desk"

// Meta describes an event.
type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Time          time.Time `json:"time"`
	Producer      string    `json:"producer,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// Envelope is the published message body.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// NewEnvelope wraps data with fresh meta.
func NewEnvelope(eventType string, data any) Envelope {
	return Envelope{
		Meta: Meta{
			ID:       uuid.NewString(),
			Type:     eventType,
			Time:     time.Now().UTC(),
			Producer: Producer,
		},
		Data: data,
	}
}

// ConversationAssigned is emitted when a new conversation is created.
type ConversationAssigned struct {
	ConversationID string `json:"conversation_id"`
	CustomerID     string `json:"customer_id"`
	AgentID        string `json:"agent_id,omitempty"`
}

// MessageInbound is emitted when a customer message is persisted.
type MessageInbound struct {
	ConversationID    string `json:"conversation_id"`
	MessageID         string `json:"message_id"`
	CustomerID        string `json:"customer_id"`
	AgentID           string `json:"agent_id,omitempty"`
	Kind              string `json:"kind"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	PushedToAgent     bool   `json:"pushed_to_agent"`
}

// MessageOutbound is emitted when a send job delivers a message.
type MessageOutbound struct {
	JobID             string `json:"job_id"`
	ConversationID    string `json:"conversation_id"`
	MessageID         string `json:"message_id"`
	CustomerID        string `json:"customer_id"`
	AgentID           string `json:"agent_id,omitempty"`
	Kind              string `json:"kind"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
}

// SendFailed is emitted when a send job fails terminally.
type SendFailed struct {
	JobID      string `json:"job_id"`
	CustomerID string `json:"customer_id"`
	AgentID    string `json:"agent_id,omitempty"`
	Kind       string `json:"kind"`
	Attempt    int    `json:"attempt"`
	Error      string `json:"error"`
}
