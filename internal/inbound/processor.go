// ABOUTME: Turns provider webhook messages into stored customer messages and realtime pushes
// ABOUTME: RECEIVED -> DEDUPED_OUT, or RECEIVED -> ROUTED -> PERSISTED -> FANNED_OUT

package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-desk/internal/conversation"
	"github.com/2389/coven-desk/internal/presence"
	"github.com/2389/coven-desk/internal/provider"
	"github.com/2389/coven-desk/internal/store"
)

// ErrValidation is returned for messages missing fields required to store them.
var ErrValidation = errors.New("invalid inbound message")

// State is a step of the inbound state machine.
type State string

const (
	StateReceived   State = "RECEIVED"
	StateDedupedOut State = "DEDUPED_OUT"
	StateRouted     State = "ROUTED"
	StatePersisted  State = "PERSISTED"
	StateFannedOut  State = "FANNED_OUT"
)

// MediaPolicy controls whether inbound media binaries are fetched and stored.
type MediaPolicy string

const (
	// PolicyMaterialize downloads media and stores the binary alongside the handle.
	PolicyMaterialize MediaPolicy = "materialize"
	// PolicyReference stores only the provider handle.
	PolicyReference MediaPolicy = "reference"
)

// Realtime event names.
const (
	EventIncomingMessage = "incoming_message"
	EventNewMessage      = "new_message"
)

// Default media attributes for deliveries that omit them.
const (
	DefaultImageMime     = "image/jpeg"
	DefaultImageFilename = "image.jpg"
	DefaultAudioMime     = "audio/ogg"
)

// Conversations is the persistence surface the processor drives.
type Conversations interface {
	Seen(ctx context.Context, providerMessageID string) (bool, error)
	FindOrCreate(ctx context.Context, customerID string, opts ...conversation.CreateOption) (*store.Conversation, bool, error)
	Append(ctx context.Context, msg *store.Message) (*store.Message, bool, error)
	Touch(ctx context.Context, id string, unreadDelta int, unreadOwner string) error
}

// MediaFetcher downloads provider media by id or URL.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, handle string) ([]byte, string, error)
}

// Fanout delivers realtime events. PushToAgent reports whether the agent had a live connection.
type Fanout interface {
	PushToAgent(agentID string, ev presence.Event) bool
	PushToAdmins(ev presence.Event)
}

// Outcome describes how one inbound message left the state machine.
type Outcome struct {
	ProviderMessageID   string
	CustomerID          string
	State               State
	ConversationID      string
	AgentID             string
	MessageID           string
	Kind                string
	ConversationCreated bool
	PushedToAgent       bool
	MediaDegraded       bool
	Err                 error
}

// AdminSummary is the payload of the admin new_message event.
type AdminSummary struct {
	Customer       string    `json:"customer"`
	ConversationID string    `json:"conversationId"`
	AgentID        string    `json:"agentId,omitempty"`
	MessageID      string    `json:"messageId"`
	Sender         string    `json:"sender"`
	Kind           string    `json:"kind"`
	Message        string    `json:"message"`
	FileType       string    `json:"fileType,omitempty"`
	FileName       string    `json:"fileName,omitempty"`
	VoiceNote      bool      `json:"voiceNote,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Processor runs the inbound state machine.
type Processor struct {
	conversations Conversations
	fetcher       MediaFetcher
	fanout        Fanout
	policy        MediaPolicy
	observe       func(Outcome)
	logger        *slog.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithMediaPolicy sets the media policy. The default is PolicyMaterialize.
func WithMediaPolicy(p MediaPolicy) Option {
	return func(pr *Processor) {
		if p != "" {
			pr.policy = p
		}
	}
}

// WithObserver registers a callback invoked with every Outcome.
func WithObserver(fn func(Outcome)) Option {
	return func(pr *Processor) { pr.observe = fn }
}

// NewProcessor creates a Processor. fetcher may be nil when the policy is PolicyReference.
func NewProcessor(conversations Conversations, fetcher MediaFetcher, fanout Fanout, logger *slog.Logger, opts ...Option) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		conversations: conversations,
		fetcher:       fetcher,
		fanout:        fanout,
		policy:        PolicyMaterialize,
		logger:        logger.With("component", "inbound"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessBatch handles msgs sequentially in arrival order. A failed message is logged and
// does not stop the rest of the batch.
func (p *Processor) ProcessBatch(ctx context.Context, msgs []provider.InboundMessage) []Outcome {
	outcomes := make([]Outcome, 0, len(msgs))
	for _, msg := range msgs {
		out := p.Process(ctx, msg)
		if out.Err != nil {
			p.logger.Error("inbound message failed",
				"customer", out.CustomerID,
				"provider_message_id", out.ProviderMessageID,
				"kind", out.Kind,
				"state", out.State,
				"error", out.Err)
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}

// Process runs one message through the state machine. The returned Outcome's State is the
// last state reached; Err is set when the message could not be stored.
func (p *Processor) Process(ctx context.Context, msg provider.InboundMessage) (out Outcome) {
	out = Outcome{
		ProviderMessageID: msg.ID,
		CustomerID:        msg.From,
		Kind:              msg.Type,
		State:             StateReceived,
	}
	defer func() {
		if p.observe != nil {
			p.observe(out)
		}
	}()

	// RECEIVED
	draft, err := draftContent(msg)
	if err != nil {
		out.Err = err
		return out
	}
	seen, err := p.conversations.Seen(ctx, msg.ID)
	if err != nil {
		out.Err = err
		return out
	}
	if seen {
		out.State = StateDedupedOut
		p.logger.Debug("duplicate delivery ignored", "provider_message_id", msg.ID, "customer", msg.From)
		return out
	}

	// ROUTED
	conv, created, err := p.conversations.FindOrCreate(ctx, msg.From)
	if err != nil {
		out.Err = err
		return out
	}
	out.State = StateRouted
	out.ConversationID = conv.ID
	out.AgentID = conv.AssignedAgentID
	out.ConversationCreated = created

	// PERSISTED
	content, degraded := p.materialize(ctx, msg, draft)
	out.MediaDegraded = degraded
	stored, inserted, err := p.conversations.Append(ctx, &store.Message{
		ConversationID:    conv.ID,
		Sender:            store.SenderCustomer,
		Content:           content,
		ProviderMessageID: msg.ID,
	})
	if err != nil {
		out.Err = err
		return out
	}
	out.MessageID = stored.ID
	if !inserted {
		// A concurrent delivery of the same message persisted first.
		out.State = StateDedupedOut
		return out
	}
	out.State = StatePersisted

	if err := p.conversations.Touch(ctx, conv.ID, 1, conv.AssignedAgentID); err != nil {
		p.logger.Warn("failed to touch conversation", "conversation_id", conv.ID, "customer", msg.From, "error", err)
	}

	// FANNED_OUT
	out.PushedToAgent = p.fanOut(conv, stored)
	out.State = StateFannedOut
	return out
}

func (p *Processor) fanOut(conv *store.Conversation, msg *store.Message) bool {
	view := conversation.NewMessageView(conv.CustomerID, msg)

	pushed := false
	if conv.AssignedAgentID != "" {
		pushed = p.fanout.PushToAgent(conv.AssignedAgentID, presence.Event{Name: EventIncomingMessage, Data: view})
	}

	p.fanout.PushToAdmins(presence.Event{Name: EventNewMessage, Data: AdminSummary{
		Customer:       conv.CustomerID,
		ConversationID: conv.ID,
		AgentID:        conv.AssignedAgentID,
		MessageID:      msg.ID,
		Sender:         msg.Sender,
		Kind:           view.Kind,
		Message:        store.Preview(msg.Content),
		FileType:       view.FileType,
		FileName:       view.FileName,
		VoiceNote:      view.VoiceNote,
		CreatedAt:      msg.CreatedAt,
	}})
	return pushed
}

// draftContent validates msg and builds its content without fetching any media.
func draftContent(msg provider.InboundMessage) (store.Content, error) {
	if msg.From == "" {
		return nil, fmt.Errorf("%w: missing sender", ErrValidation)
	}

	switch msg.Type {
	case "text":
		if msg.Text == nil {
			return nil, fmt.Errorf("%w: text message without body", ErrValidation)
		}
		return store.Text{Body: msg.Text.Body}, nil

	case "image":
		mo, err := mediaObject(msg.Type, msg.Image)
		if err != nil {
			return nil, err
		}
		return store.Image{
			Media:    store.Media{Handle: mo.Handle(), MimeType: orDefault(mo.MimeType, DefaultImageMime)},
			Caption:  mo.Caption,
			Filename: orDefault(mo.Filename, DefaultImageFilename),
		}, nil

	case "document":
		mo, err := mediaObject(msg.Type, msg.Document)
		if err != nil {
			return nil, err
		}
		return store.Document{
			Media:    store.Media{Handle: mo.Handle(), MimeType: mo.MimeType},
			Filename: mo.Filename,
			Caption:  mo.Caption,
		}, nil

	case "audio":
		mo, err := mediaObject(msg.Type, msg.Audio)
		if err != nil {
			return nil, err
		}
		return store.Audio{
			Media:     store.Media{Handle: mo.Handle(), MimeType: orDefault(mo.MimeType, DefaultAudioMime)},
			VoiceNote: true,
		}, nil

	default:
		return nil, fmt.Errorf("%w: unsupported message type %q", ErrValidation, msg.Type)
	}
}

func mediaObject(kind string, mo *provider.MediaObject) (*provider.MediaObject, error) {
	if mo.Handle() == "" {
		return nil, fmt.Errorf("%w: %s message without media id or url", ErrValidation, kind)
	}
	return mo, nil
}

// materialize attaches the media binary under PolicyMaterialize. A fetch failure keeps the
// handle-only draft and reports degraded=true.
func (p *Processor) materialize(ctx context.Context, msg provider.InboundMessage, draft store.Content) (store.Content, bool) {
	m, ok := store.MediaOf(draft)
	if !ok || p.policy != PolicyMaterialize || p.fetcher == nil {
		return draft, false
	}

	data, fetchedMime, err := p.fetcher.FetchMedia(ctx, m.Handle)
	if err != nil {
		p.logger.Warn("media fetch failed, storing handle only",
			"customer", msg.From,
			"provider_message_id", msg.ID,
			"kind", msg.Type,
			"handle", m.Handle,
			"error", err)
		return draft, true
	}

	m.Data = data
	if m.MimeType == "" {
		m.MimeType = fetchedMime
	}
	switch c := draft.(type) {
	case store.Image:
		c.Media = m
		return c, false
	case store.Document:
		c.Media = m
		return c, false
	case store.Audio:
		c.Media = m
		return c, false
	}
	return draft, false
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
