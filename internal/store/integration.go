package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateIntegration inserts an integration together with its routing keys in
// a single transaction. A key already claimed by another integration of the
// same kind yields ErrDuplicate.
func (db *DB) CreateIntegration(ctx context.Context, in *Integration) error {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	in.CreatedAt = time.Now().UnixMilli()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO integrations (id, kind, account_id, erxes_api_id, extra, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		in.ID, in.Kind, in.AccountID, in.ErxesAPIID, in.Extra, in.CreatedAt); err != nil {
		return translate(err)
	}
	for _, k := range in.Keys {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO integration_keys (kind, key, integration_id) VALUES (?, ?, ?)`,
			in.Kind, k, in.ID); err != nil {
			return translate(err)
		}
	}
	return tx.Commit()
}

// GetIntegration returns an integration by local id, or nil.
func (db *DB) GetIntegration(ctx context.Context, id string) (*Integration, error) {
	return db.integrationWhere(ctx, `id = ?`, id)
}

// GetIntegrationByErxesAPIID returns the integration registered under the
// main API's id, or nil.
func (db *DB) GetIntegrationByErxesAPIID(ctx context.Context, erxesAPIID string) (*Integration, error) {
	return db.integrationWhere(ctx, `erxes_api_id = ?`, erxesAPIID)
}

// FindIntegrationByKey resolves a channel-native identifier to its
// integration, or nil when the identifier is not mapped.
func (db *DB) FindIntegrationByKey(ctx context.Context, kind Kind, key string) (*Integration, error) {
	var id string
	err := db.QueryRowContext(ctx,
		`SELECT integration_id FROM integration_keys WHERE kind = ? AND key = ?`, kind, key).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return db.GetIntegration(ctx, id)
}

// ListIntegrationsByAccount returns every integration owned by the account.
func (db *DB) ListIntegrationsByAccount(ctx context.Context, accountID string) ([]Integration, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id FROM integrations WHERE account_id = ? ORDER BY created_at ASC`, accountID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	out := make([]Integration, 0, len(ids))
	for _, id := range ids {
		in, err := db.GetIntegration(ctx, id)
		if err != nil {
			return nil, err
		}
		if in != nil {
			out = append(out, *in)
		}
	}
	return out, nil
}

// DeleteIntegration removes an integration and everything scoped to it:
// messages, then conversations, then customers, then its keys and the row
// itself. All deletes run in one transaction.
func (db *DB) DeleteIntegration(ctx context.Context, id string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	steps := []struct {
		what  string
		query string
	}{
		{"outbox", `DELETE FROM outbox WHERE conversation_id IN (SELECT id FROM conversations WHERE integration_id = ?)`},
		{"messages", `DELETE FROM messages WHERE conversation_id IN (SELECT id FROM conversations WHERE integration_id = ?)`},
		{"conversations", `DELETE FROM conversations WHERE integration_id = ?`},
		{"customers", `DELETE FROM customers WHERE integration_id = ?`},
		{"keys", `DELETE FROM integration_keys WHERE integration_id = ?`},
	}
	for _, s := range steps {
		if _, err := tx.ExecContext(ctx, s.query, id); err != nil {
			return fmt.Errorf("delete %s: %w", s.what, err)
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM integrations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete integration: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return err
	}
	return tx.Commit()
}

func (db *DB) integrationWhere(ctx context.Context, where string, arg any) (*Integration, error) {
	var in Integration
	err := db.QueryRowContext(ctx,
		`SELECT id, kind, account_id, erxes_api_id, extra, created_at FROM integrations WHERE `+where, arg).
		Scan(&in.ID, &in.Kind, &in.AccountID, &in.ErxesAPIID, &in.Extra, &in.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT key FROM integration_keys WHERE integration_id = ? ORDER BY key`, in.ID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		in.Keys = append(in.Keys, k)
	}
	return &in, rows.Err()
}
