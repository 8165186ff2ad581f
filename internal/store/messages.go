// ABOUTME: Append-only message log for the SQLite store
// ABOUTME: provider_message_id is a sparse unique key; duplicates return the stored row

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const messageColumns = `id, conversation_id, sender, sender_id, kind, body, media_handle, media_data, mime_type, filename, voice_note, provider_message_id, created_at`

// AppendMessage stores msg. If msg.ProviderMessageID was already recorded, nothing is written and
// the existing message is returned with created=false.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) (*Message, bool, error) {
	row, err := toRow(msg.Content)
	if err != nil {
		return nil, false, err
	}

	if msg.ProviderMessageID != "" {
		existing, err := s.getMessageByProviderID(ctx, msg.ProviderMessageID)
		if err == nil {
			return existing, false, nil
		}
		if err != ErrNotFound {
			return nil, false, err
		}
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender, sender_id, kind, body, media_handle, media_data,
			mime_type, filename, voice_note, provider_message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.ConversationID,
		msg.Sender,
		nullString(msg.SenderID),
		string(row.kind),
		nullString(row.body),
		nullString(row.handle),
		nullBytes(row.data),
		nullString(row.mimeType),
		nullString(row.filename),
		nullVoice(row),
		nullString(msg.ProviderMessageID),
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) && msg.ProviderMessageID != "" {
			// lost a race with a concurrent delivery of the same provider message
			existing, getErr := s.getMessageByProviderID(ctx, msg.ProviderMessageID)
			if getErr == nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("inserting message: %w", err)
	}

	return msg, true, nil
}

// MessageExistsByProviderID reports whether a provider message id has been recorded.
func (s *SQLiteStore) MessageExistsByProviderID(ctx context.Context, providerMessageID string) (bool, error) {
	if providerMessageID == "" {
		return false, nil
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM messages WHERE provider_message_id = ?`, providerMessageID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking provider message id: %w", err)
	}
	return true, nil
}

// ListMessages returns a conversation's messages in ascending creation order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, seq ASC
	`, conversationID)
}

// ListUnmaterializedMedia returns media messages that carry a handle but no binary, oldest first.
func (s *SQLiteStore) ListUnmaterializedMedia(ctx context.Context, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE kind != 'text' AND media_handle IS NOT NULL AND media_data IS NULL
		ORDER BY seq ASC
		LIMIT ?
	`, limit)
}

// MaterializeMedia attaches binary data to a handle-only media message.
func (s *SQLiteStore) MaterializeMedia(ctx context.Context, id string, data []byte, mimeType string) error {
	if len(data) == 0 {
		return fmt.Errorf("materialize %s: empty media data", id)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET media_data = ?, mime_type = COALESCE(?, mime_type)
		WHERE id = ? AND kind != 'text' AND media_data IS NULL
	`, data, nullString(mimeType), id)
	if err != nil {
		return fmt.Errorf("materializing media: %w", err)
	}
	return requireAffected(result)
}

func (s *SQLiteStore) getMessageByProviderID(ctx context.Context, providerMessageID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE provider_message_id = ?`, providerMessageID)
	return scanMessage(row)
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return msgs, nil
}

func nullVoice(r contentRow) any {
	if r.kind != KindAudio {
		return nil
	}
	return r.voiceNote
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var senderID, body, handle, mimeType, filename, providerID sql.NullString
	var voiceNote sql.NullBool
	var kind, createdAt string
	var data []byte

	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.Sender,
		&senderID,
		&kind,
		&body,
		&handle,
		&data,
		&mimeType,
		&filename,
		&voiceNote,
		&providerID,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	msg.SenderID = senderID.String
	msg.ProviderMessageID = providerID.String

	msg.Content, err = contentRow{
		kind:      ContentKind(kind),
		body:      body.String,
		handle:    handle.String,
		data:      data,
		mimeType:  mimeType.String,
		filename:  filename.String,
		voiceNote: voiceNote.Bool,
	}.content()
	if err != nil {
		return nil, err
	}

	if msg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &msg, nil
}
