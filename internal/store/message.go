package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
)

const messageColumns = `m.id, m.channel, m.conversation_id, m.customer_id, m.provider_message_id, m.canonical_id,
	m.content, m.attachments, m.header_id, m.in_reply_to, m.refs, m.from_me, m.created_at`

// FindMessage returns the message with the provider id inside a
// conversation, or nil.
func (db *DB) FindMessage(ctx context.Context, conversationID, providerMessageID string) (*Message, error) {
	row := db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages m
		WHERE m.conversation_id = ? AND m.provider_message_id = ?`,
		conversationID, providerMessageID)
	return scanMessage(row)
}

// FindMessageByHeaderIDs returns the most recent message of the integration
// whose header id is one of ids. Used to attach mail replies to the thread
// they answer.
func (db *DB) FindMessageByHeaderIDs(ctx context.Context, channel Kind, integrationID string, ids []string) (*Message, error) {
	var clean []any
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			clean = append(clean, id)
		}
	}
	if len(clean) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(clean)), ",")
	args := append([]any{channel, integrationID}, clean...)
	row := db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE m.channel = ? AND c.integration_id = ? AND m.header_id IN (`+placeholders+`)
		ORDER BY m.created_at DESC, m.rowid DESC
		LIMIT 1`, args...)
	return scanMessage(row)
}

// GetLastMessage returns the newest message of a conversation, or nil.
func (db *DB) GetLastMessage(ctx context.Context, conversationID string) (*Message, error) {
	row := db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages m
		WHERE m.conversation_id = ?
		ORDER BY m.created_at DESC, m.rowid DESC
		LIMIT 1`, conversationID)
	return scanMessage(row)
}

// GetLastThreadedMessage returns the newest message of a conversation that
// carries a mail header id, or nil.
func (db *DB) GetLastThreadedMessage(ctx context.Context, conversationID string) (*Message, error) {
	row := db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages m
		WHERE m.conversation_id = ? AND m.header_id != ''
		ORDER BY m.created_at DESC, m.rowid DESC
		LIMIT 1`, conversationID)
	return scanMessage(row)
}

// CreateMessage inserts a message. Returns ErrDuplicate if the provider id
// already exists in the conversation.
func (db *DB) CreateMessage(ctx context.Context, m *Message) error {
	m.ID = uuid.NewString()
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().UnixMilli()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO messages (id, channel, conversation_id, customer_id, provider_message_id, canonical_id,
			content, attachments, header_id, in_reply_to, refs, from_me, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Channel, m.ConversationID, m.CustomerID, m.ProviderMessageID, m.CanonicalID,
		m.Content, m.Attachments, m.HeaderID, m.InReplyTo, m.References, m.FromMe, m.CreatedAt)
	return translate(err)
}

// CreateOutboundMessage records a delivered reply. The canonical id is the
// main API's message id the reply was sent for.
func (db *DB) CreateOutboundMessage(ctx context.Context, m *Message) error {
	m.FromMe = true
	return db.CreateMessage(ctx, m)
}

// SetMessageCanonicalID attaches the main API's id to a message.
func (db *DB) SetMessageCanonicalID(ctx context.Context, id, canonicalID string) error {
	res, err := db.ExecContext(ctx, `UPDATE messages SET canonical_id = ? WHERE id = ?`, canonicalID, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// DeleteMessage removes a message row.
func (db *DB) DeleteMessage(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	return err
}

// ListMessages returns a conversation's messages oldest first.
func (db *DB) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages m
		WHERE m.conversation_id = ?
		ORDER BY m.created_at ASC, m.rowid ASC
		LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.Channel, &m.ConversationID, &m.CustomerID, &m.ProviderMessageID, &m.CanonicalID,
		&m.Content, &m.Attachments, &m.HeaderID, &m.InReplyTo, &m.References, &m.FromMe, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}
