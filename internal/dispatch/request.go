// ABOUTME: Decodes outbound send requests from agents into content variants and jobs
// ABOUTME: Shared by POST /send and the realtime agent_message event

package dispatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/2389/coven-desk/internal/conversation"
	"github.com/2389/coven-desk/internal/store"
)

// ErrMissingRecipient is returned for a send request without a recipient.
var ErrMissingRecipient = errors.New("missing recipient")

// SendRequest is the body of an outbound send. Binaries arrive as data URLs or bare base64.
type SendRequest struct {
	To        string `json:"to"`
	Message   string `json:"message,omitempty"`
	FileData  string `json:"fileData,omitempty"`
	AudioData string `json:"audioData,omitempty"`
	FileType  string `json:"fileType,omitempty"`
	FileName  string `json:"fileName,omitempty"`
	VoiceNote bool   `json:"voiceNote,omitempty"`
	AgentID   string `json:"agentId,omitempty"`
}

// Content validates the request and selects its content variant: a voice note becomes
// audio, an image/* binary an image captioned with the text, any other binary a document,
// and text alone a text message.
func (r SendRequest) Content() (store.Content, error) {
	if strings.TrimSpace(r.To) == "" {
		return nil, ErrMissingRecipient
	}

	encoded := r.FileData
	if r.VoiceNote && r.AudioData != "" {
		encoded = r.AudioData
	}
	if encoded == "" {
		if r.Message == "" {
			return nil, fmt.Errorf("%w: nothing to send", ErrInvalidJob)
		}
		return store.Text{Body: r.Message}, nil
	}

	data, urlMime, err := conversation.DecodeDataURL(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding file data: %v", ErrInvalidJob, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty file data", ErrInvalidJob)
	}
	mimeType := r.FileType
	if mimeType == "" {
		mimeType = urlMime
	}
	m := store.Media{Data: data, MimeType: mimeType}

	switch {
	case r.VoiceNote:
		return store.Audio{Media: m, VoiceNote: true}, nil
	case strings.HasPrefix(mimeType, "image/"):
		return store.Image{Media: m, Caption: r.Message, Filename: r.FileName}, nil
	default:
		return store.Document{Media: m, Filename: r.FileName, Caption: r.Message}, nil
	}
}

// Job builds the outbound job for the request.
func (r SendRequest) Job() (*Job, error) {
	content, err := r.Content()
	if err != nil {
		return nil, err
	}
	return &Job{
		Recipient: strings.TrimSpace(r.To),
		Content:   content,
		AgentID:   r.AgentID,
	}, nil
}
