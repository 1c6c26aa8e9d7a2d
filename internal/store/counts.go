package store

import (
	"context"
	"fmt"
)

// Counts returns row counts of the main tables.
func (db *DB) Counts(ctx context.Context) (*Counts, error) {
	var c Counts
	targets := []struct {
		table string
		dst   *int64
	}{
		{"accounts", &c.Accounts},
		{"integrations", &c.Integrations},
		{"customers", &c.Customers},
		{"conversations", &c.Conversations},
		{"messages", &c.Messages},
	}
	for _, t := range targets {
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+t.table).Scan(t.dst); err != nil {
			return nil, fmt.Errorf("count %s: %w", t.table, err)
		}
	}
	return &c, nil
}
