package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

const customerColumns = `id, channel, integration_id, channel_user_id, canonical_id, name, avatar, email, phone, created_at`

// FindCustomer returns the customer identified by its channel user id within
// an integration, or nil.
func (db *DB) FindCustomer(ctx context.Context, channel Kind, integrationID, channelUserID string) (*Customer, error) {
	row := db.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers
		WHERE channel = ? AND integration_id = ? AND channel_user_id = ?`,
		channel, integrationID, channelUserID)
	return scanCustomer(row)
}

// GetCustomer returns a customer by local id, or nil.
func (db *DB) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	row := db.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = ?`, id)
	return scanCustomer(row)
}

// CreateCustomer inserts a customer without a canonical id. Returns
// ErrDuplicate if the (channel, integration, channel user id) is taken.
func (db *DB) CreateCustomer(ctx context.Context, c *Customer) error {
	c.ID = uuid.NewString()
	c.CreatedAt = time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO customers (id, channel, integration_id, channel_user_id, canonical_id, name, avatar, email, phone, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Channel, c.IntegrationID, c.ChannelUserID, c.CanonicalID, c.Name, c.Avatar, c.Email, c.Phone, c.CreatedAt)
	return translate(err)
}

// SetCustomerCanonicalID attaches the main API's id to a customer.
func (db *DB) SetCustomerCanonicalID(ctx context.Context, id, canonicalID string) error {
	res, err := db.ExecContext(ctx, `UPDATE customers SET canonical_id = ? WHERE id = ?`, canonicalID, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// DeleteCustomer removes a customer row.
func (db *DB) DeleteCustomer(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM customers WHERE id = ?`, id)
	return err
}

func scanCustomer(row *sql.Row) (*Customer, error) {
	var c Customer
	err := row.Scan(&c.ID, &c.Channel, &c.IntegrationID, &c.ChannelUserID, &c.CanonicalID,
		&c.Name, &c.Avatar, &c.Email, &c.Phone, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
