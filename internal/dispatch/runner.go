// ABOUTME: Executes one outbound job: transcode, upload, send, then record the agent message
// ABOUTME: Payload selection is an exhaustive match over the content variants

package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/coven-desk/internal/conversation"
	"github.com/2389/coven-desk/internal/media"
	"github.com/2389/coven-desk/internal/provider"
	"github.com/2389/coven-desk/internal/store"
)

// Sender delivers a payload to the provider.
type Sender interface {
	Send(ctx context.Context, to string, p provider.Payload) (string, error)
}

// MediaPipeline converts and uploads binaries.
type MediaPipeline interface {
	Transcode(ctx context.Context, data []byte, sourceMime string) ([]byte, string, error)
	Upload(ctx context.Context, data []byte, mimeType, filename string) (string, error)
}

// Conversations records the sent message.
type Conversations interface {
	FindOrCreate(ctx context.Context, customerID string, opts ...conversation.CreateOption) (*store.Conversation, bool, error)
	Append(ctx context.Context, msg *store.Message) (*store.Message, bool, error)
	Touch(ctx context.Context, id string, unreadDelta int, unreadOwner string) error
}

// DefaultDocumentName is used when a document has no filename.
const DefaultDocumentName = "file"

// SendRunner is the production Runner.
type SendRunner struct {
	sender        Sender
	media         MediaPipeline
	conversations Conversations
	logger        *slog.Logger
}

// NewSendRunner creates a SendRunner.
func NewSendRunner(sender Sender, pipeline MediaPipeline, conversations Conversations, logger *slog.Logger) *SendRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &SendRunner{
		sender:        sender,
		media:         pipeline,
		conversations: conversations,
		logger:        logger.With("component", "dispatch"),
	}
}

// Run executes the job steps in order and stops at the first failure.
func (r *SendRunner) Run(ctx context.Context, job *Job) (*store.Message, error) {
	content, payload, err := r.prepare(ctx, job)
	if err != nil {
		return nil, err
	}

	providerID, err := r.sender.Send(ctx, job.Recipient, payload)
	if err != nil {
		return nil, fmt.Errorf("sending %s: %w", payload.Type(), err)
	}

	return r.record(ctx, job, content, providerID)
}

// prepare transcodes and uploads as needed. It returns the content as it will be stored
// (transcoded audio replaces the original recording) and the provider payload.
func (r *SendRunner) prepare(ctx context.Context, job *Job) (store.Content, provider.Payload, error) {
	switch c := job.Content.(type) {
	case store.Text:
		if c.Body == "" {
			return nil, nil, fmt.Errorf("%w: empty text", ErrInvalidJob)
		}
		return c, provider.TextPayload{Body: c.Body}, nil

	case store.Audio:
		if c.VoiceNote && c.Materialized() && media.NeedsTranscode(c.MimeType) {
			data, mimeType, err := r.media.Transcode(ctx, c.Data, c.MimeType)
			if err != nil {
				return nil, nil, err
			}
			c.Data, c.MimeType = data, mimeType
		}
		if c.MimeType == "" {
			c.MimeType = media.OggOpus
		}
		handle, err := r.upload(ctx, c.Media, "voice.ogg")
		if err != nil {
			return nil, nil, err
		}
		c.Handle = handle
		return c, provider.AudioPayload{MediaID: handle}, nil

	case store.Image:
		handle, err := r.upload(ctx, c.Media, c.Filename)
		if err != nil {
			return nil, nil, err
		}
		c.Handle = handle
		return c, provider.ImagePayload{MediaID: handle, Caption: c.Caption}, nil

	case store.Document:
		if c.Filename == "" {
			c.Filename = DefaultDocumentName
		}
		handle, err := r.upload(ctx, c.Media, c.Filename)
		if err != nil {
			return nil, nil, err
		}
		c.Handle = handle
		return c, provider.DocumentPayload{MediaID: handle, Filename: c.Filename, Caption: c.Caption}, nil

	default:
		return nil, nil, fmt.Errorf("%w: unsupported content %T", ErrInvalidJob, job.Content)
	}
}

// upload returns a provider handle for m, uploading the binary when one is present.
func (r *SendRunner) upload(ctx context.Context, m store.Media, filename string) (string, error) {
	if !m.Materialized() {
		if m.Handle == "" {
			return "", fmt.Errorf("%w: media has neither data nor handle", ErrInvalidJob)
		}
		return m.Handle, nil
	}
	mimeType := m.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return r.media.Upload(ctx, m.Data, mimeType, filename)
}

func (r *SendRunner) record(ctx context.Context, job *Job, content store.Content, providerID string) (*store.Message, error) {
	convID := job.ConversationID
	if convID == "" {
		var opts []conversation.CreateOption
		if job.AgentID != "" {
			opts = append(opts, conversation.WithAgent(job.AgentID))
		}
		conv, _, err := r.conversations.FindOrCreate(ctx, job.Recipient, opts...)
		if err != nil {
			return nil, fmt.Errorf("resolving conversation after send: %w", err)
		}
		convID = conv.ID
		job.ConversationID = convID
	}

	msg, _, err := r.conversations.Append(ctx, &store.Message{
		ConversationID:    convID,
		Sender:            store.SenderAgent,
		SenderID:          job.AgentID,
		Content:           content,
		ProviderMessageID: providerID,
	})
	if err != nil {
		return nil, fmt.Errorf("recording sent message: %w", err)
	}

	if err := r.conversations.Touch(ctx, convID, 0, ""); err != nil {
		// The message is stored; a stale updated_at is not worth failing the job.
		r.logger.Warn("failed to touch conversation", "conversation_id", convID, "job_id", job.ID, "error", err)
	}
	return msg, nil
}
