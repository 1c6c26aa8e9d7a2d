package store

import (
	"context"
	"database/sql"
	"time"
)

// QueueOutbox records a reply about to be sent for a conversation.
func (db *DB) QueueOutbox(ctx context.Context, clientMsgID, conversationID, body string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO outbox (client_msg_id, conversation_id, body, status, created_at, updated_at)
		VALUES (?, ?, ?, 'queued', ?, ?)`,
		clientMsgID, conversationID, body, now, now)
	return translate(err)
}

// ClaimOutbox moves a queued or failed entry to 'sending'. It reports false
// when the entry is already sending or sent, so exactly one caller delivers.
func (db *DB) ClaimOutbox(ctx context.Context, clientMsgID string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.ExecContext(ctx, `
		UPDATE outbox SET status = 'sending', updated_at = ?
		WHERE client_msg_id = ? AND status IN ('queued', 'failed')`, now, clientMsgID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkOutboxSent updates an outbox entry to 'sent' with the provider message ID.
func (db *DB) MarkOutboxSent(ctx context.Context, clientMsgID, serverMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `UPDATE outbox SET status = 'sent', server_msg_id = ?, updated_at = ? WHERE client_msg_id = ?`, serverMsgID, now, clientMsgID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(ctx context.Context, clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_msg_id = ?`, errMsg, now, clientMsgID)
	return err
}

// GetOutbox returns an outbox entry by client message id, or nil.
func (db *DB) GetOutbox(ctx context.Context, clientMsgID string) (*OutboxEntry, error) {
	var e OutboxEntry
	err := db.QueryRowContext(ctx, `
		SELECT id, client_msg_id, conversation_id, body, status, error_message, server_msg_id
		FROM outbox WHERE client_msg_id = ?`, clientMsgID).
		Scan(&e.ID, &e.ClientMsgID, &e.ConversationID, &e.Body, &e.Status, &e.ErrorMessage, &e.ServerMsgID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}
