// ABOUTME: JSON view of stored messages pushed to agents and admins
// ABOUTME: Media binaries travel as data URLs so browsers can render them directly

package conversation

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/2389/coven-desk/internal/store"
)

// MessageView is the realtime and HTTP representation of a message.
type MessageView struct {
	ID                string    `json:"id"`
	ConversationID    string    `json:"conversationId"`
	Customer          string    `json:"from"`
	Sender            string    `json:"sender"`
	SenderID          string    `json:"senderId,omitempty"`
	Kind              string    `json:"kind"`
	Message           string    `json:"message,omitempty"`
	FileData          string    `json:"fileData,omitempty"`
	FileType          string    `json:"fileType,omitempty"`
	FileName          string    `json:"fileName,omitempty"`
	MediaHandle       string    `json:"mediaHandle,omitempty"`
	VoiceNote         bool      `json:"voiceNote,omitempty"`
	ProviderMessageID string    `json:"providerMessageId,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

// NewMessageView renders msg for the customer identity it belongs to.
func NewMessageView(customerID string, msg *store.Message) MessageView {
	v := MessageView{
		ID:                msg.ID,
		ConversationID:    msg.ConversationID,
		Customer:          customerID,
		Sender:            msg.Sender,
		SenderID:          msg.SenderID,
		ProviderMessageID: msg.ProviderMessageID,
		CreatedAt:         msg.CreatedAt,
	}
	if msg.Content == nil {
		return v
	}
	v.Kind = string(msg.Content.Kind())

	switch c := msg.Content.(type) {
	case store.Text:
		v.Message = c.Body
	case store.Image:
		v.Message = c.Caption
		v.FileName = c.Filename
	case store.Document:
		v.Message = c.Caption
		v.FileName = c.Filename
	case store.Audio:
		v.VoiceNote = c.VoiceNote
	}

	if m, ok := store.MediaOf(msg.Content); ok {
		v.FileType = m.MimeType
		v.MediaHandle = m.Handle
		if m.Materialized() {
			v.FileData = DataURL(m.MimeType, m.Data)
		}
	}
	return v
}

// DataURL encodes data as a base64 data URL.
func DataURL(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DecodeDataURL accepts either a data URL or bare base64 and returns the bytes and the
// mime type declared in the URL (empty for bare base64).
func DecodeDataURL(s string) ([]byte, string, error) {
	mimeType := ""
	if rest, ok := strings.CutPrefix(s, "data:"); ok {
		header, payload, found := strings.Cut(rest, ",")
		if !found {
			return nil, "", base64.CorruptInputError(0)
		}
		mimeType, _, _ = strings.Cut(header, ";")
		s = payload
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, "", err
	}
	return data, mimeType, nil
}
