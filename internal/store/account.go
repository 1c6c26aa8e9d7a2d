package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

const accountColumns = `id, kind, uid, name, token, refresh_token, token_expires_at, token_state, extra, created_at, updated_at`

// CreateAccount inserts a new account. An empty ID is filled with a UUID.
func (db *DB) CreateAccount(ctx context.Context, a *Account) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.TokenState == "" {
		a.TokenState = "VALID"
	}
	now := time.Now().UnixMilli()
	a.CreatedAt = now
	a.UpdatedAt = now
	_, err := db.ExecContext(ctx, `
		INSERT INTO accounts (id, kind, uid, name, token, refresh_token, token_expires_at, token_state, extra, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Kind, a.UID, a.Name, a.Token, a.RefreshToken, a.TokenExpiresAt, a.TokenState, a.Extra, now, now)
	return translate(err)
}

// GetAccount returns an account by id, or nil if it does not exist.
func (db *DB) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// FindAccountByUID returns the account of the given kind with the provider
// user id, or nil.
func (db *DB) FindAccountByUID(ctx context.Context, kind Kind, uid string) (*Account, error) {
	row := db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE kind = ? AND uid = ?`, kind, uid)
	return scanAccount(row)
}

// UpdateAccountToken persists refreshed credentials.
func (db *DB) UpdateAccountToken(ctx context.Context, id, token, refreshToken string, expiresAt int64) error {
	res, err := db.ExecContext(ctx, `
		UPDATE accounts SET
			token = ?,
			refresh_token = CASE WHEN ? != '' THEN ? ELSE refresh_token END,
			token_expires_at = ?,
			updated_at = ?
		WHERE id = ?`,
		token, refreshToken, refreshToken, expiresAt, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// MergeAccountExtra overlays fields onto the account's extra object.
func (db *DB) MergeAccountExtra(ctx context.Context, id string, fields Extra) error {
	acc, err := db.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	if acc == nil {
		return ErrNotFound
	}
	merged := Extra{}
	for k, v := range acc.Extra {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	_, err = db.ExecContext(ctx, `UPDATE accounts SET extra = ?, updated_at = ? WHERE id = ?`,
		merged, time.Now().UnixMilli(), id)
	return err
}

// SetTokenState moves the account's credential state from one value to
// another. It reports false without error when the current state is not from.
func (db *DB) SetTokenState(ctx context.Context, id, from, to string) (bool, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE accounts SET token_state = ?, updated_at = ? WHERE id = ? AND token_state = ?`,
		to, time.Now().UnixMilli(), id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// TouchTokenState bumps updated_at of an account still in state whose last
// write is older than staleBefore (unix millis). It reports false when the
// state moved on or the row was written since.
func (db *DB) TouchTokenState(ctx context.Context, id, state string, staleBefore int64) (bool, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE accounts SET updated_at = ? WHERE id = ? AND token_state = ? AND updated_at < ?`,
		time.Now().UnixMilli(), id, state, staleBefore)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DeleteAccount removes an account row.
func (db *DB) DeleteAccount(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func scanAccount(row *sql.Row) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Kind, &a.UID, &a.Name, &a.Token, &a.RefreshToken,
		&a.TokenExpiresAt, &a.TokenState, &a.Extra, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
