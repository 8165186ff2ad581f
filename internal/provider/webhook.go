// ABOUTME: WhatsApp webhook payload types and the subscribe verification handshake
// ABOUTME: Flattens entry[].changes[].value.messages[] into arrival order

package provider

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
)

// WebhookPayload is the body of a webhook delivery.
type WebhookPayload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry groups changes for one business account.
type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

// Change is one field update.
type Change struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

// ChangeValue carries inbound messages and delivery statuses.
type ChangeValue struct {
	MessagingProduct string           `json:"messaging_product"`
	Metadata         Metadata         `json:"metadata"`
	Contacts         []Contact        `json:"contacts,omitempty"`
	Messages         []InboundMessage `json:"messages,omitempty"`
	Statuses         []Status         `json:"statuses,omitempty"`
}

// Metadata identifies the receiving business number.
type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

// Contact is the sender profile attached to a delivery.
type Contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// Status is a delivery receipt for an outbound message.
type Status struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	RecipientID string `json:"recipient_id"`
	Timestamp   string `json:"timestamp"`
}

// InboundMessage is one customer message.
type InboundMessage struct {
	From      string       `json:"from"`
	ID        string       `json:"id"`
	Timestamp string       `json:"timestamp"`
	Type      string       `json:"type"`
	Text      *TextMessage `json:"text,omitempty"`
	Image     *MediaObject `json:"image,omitempty"`
	Document  *MediaObject `json:"document,omitempty"`
	Audio     *MediaObject `json:"audio,omitempty"`
}

// TextMessage is the text body of an inbound message.
type TextMessage struct {
	Body string `json:"body"`
}

// MediaObject describes inbound media. ID is the provider media id; some deliveries
// carry a direct URL or Link instead.
type MediaObject struct {
	ID       string `json:"id,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
	URL      string `json:"url,omitempty"`
	Link     string `json:"link,omitempty"`
	Voice    bool   `json:"voice,omitempty"`
}

// Handle returns the best reference for fetching the media: the media id, else a URL.
func (m *MediaObject) Handle() string {
	switch {
	case m == nil:
		return ""
	case m.ID != "":
		return m.ID
	case m.URL != "":
		return m.URL
	default:
		return m.Link
	}
}

// DecodeWebhook parses a webhook body.
func DecodeWebhook(r io.Reader) (*WebhookPayload, error) {
	var p WebhookPayload
	if err := json.NewDecoder(r).Decode(&p); err != nil {
		return nil, fmt.Errorf("decoding webhook: %w", err)
	}
	return &p, nil
}

// Messages returns every inbound message in the delivery, in arrival order.
func (p *WebhookPayload) Messages() []InboundMessage {
	var msgs []InboundMessage
	for _, e := range p.Entry {
		for _, ch := range e.Changes {
			msgs = append(msgs, ch.Value.Messages...)
		}
	}
	return msgs
}

// Statuses returns every delivery status in the payload.
func (p *WebhookPayload) Statuses() []Status {
	var statuses []Status
	for _, e := range p.Entry {
		for _, ch := range e.Changes {
			statuses = append(statuses, ch.Value.Statuses...)
		}
	}
	return statuses
}

// VerifySubscription implements the webhook verification handshake. It returns the challenge
// and true iff mode is "subscribe" and token matches secret. An empty secret never verifies.
func VerifySubscription(mode, token, challenge, secret string) (string, bool) {
	if mode != "subscribe" || secret == "" {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
		return "", false
	}
	return challenge, true
}
