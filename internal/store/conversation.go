package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

const conversationColumns = `id, channel, integration_id, customer_id, thread_key, canonical_id, content, created_at`

// FindConversation returns the conversation for a thread key within an
// integration, or nil.
func (db *DB) FindConversation(ctx context.Context, channel Kind, integrationID, threadKey string) (*Conversation, error) {
	row := db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations
		WHERE channel = ? AND integration_id = ? AND thread_key = ?`,
		channel, integrationID, threadKey)
	return scanConversation(row)
}

// GetConversation returns a conversation by local id, or nil.
func (db *DB) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// GetConversationByCanonicalID returns the conversation registered under the
// main API's id, or nil.
func (db *DB) GetConversationByCanonicalID(ctx context.Context, canonicalID string) (*Conversation, error) {
	if canonicalID == "" {
		return nil, nil
	}
	row := db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE canonical_id = ?`, canonicalID)
	return scanConversation(row)
}

// CreateConversation inserts a conversation without a canonical id. Returns
// ErrDuplicate if the thread key is taken within the integration.
func (db *DB) CreateConversation(ctx context.Context, c *Conversation) error {
	c.ID = uuid.NewString()
	if c.CreatedAt == 0 {
		c.CreatedAt = time.Now().UnixMilli()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO conversations (id, channel, integration_id, customer_id, thread_key, canonical_id, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Channel, c.IntegrationID, c.CustomerID, c.ThreadKey, c.CanonicalID, c.Content, c.CreatedAt)
	return translate(err)
}

// SetConversationCanonicalID attaches the main API's id to a conversation.
func (db *DB) SetConversationCanonicalID(ctx context.Context, id, canonicalID string) error {
	res, err := db.ExecContext(ctx, `UPDATE conversations SET canonical_id = ? WHERE id = ?`, canonicalID, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// DeleteConversation removes a conversation row.
func (db *DB) DeleteConversation(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	return err
}

func scanConversation(row *sql.Row) (*Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.Channel, &c.IntegrationID, &c.CustomerID, &c.ThreadKey, &c.CanonicalID, &c.Content, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
