// Package lifecycle removes integrations and accounts, tearing down the
// provider subscription before any local data is deleted.
package lifecycle

import (
	"context"
	"fmt"

	"github.com/matheus3301/integrations/internal/bus"
	"github.com/matheus3301/integrations/internal/channel"
	"github.com/matheus3301/integrations/internal/resolver"
	"github.com/matheus3301/integrations/internal/store"
	"go.uber.org/zap"
)

// Remover deletes integrations and accounts.
type Remover struct {
	db       *store.DB
	registry *channel.Registry
	bus      *bus.Bus
	logger   *zap.Logger
}

// NewRemover creates a remover.
func NewRemover(db *store.DB, registry *channel.Registry, b *bus.Bus, logger *zap.Logger) *Remover {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Remover{db: db, registry: registry, bus: b, logger: logger}
}

// RemoveIntegration unsubscribes the integration from its provider and then
// deletes it with its customers, conversations and messages. It returns the
// integration's main API id. An unsubscribe failure leaves everything in
// place.
func (r *Remover) RemoveIntegration(ctx context.Context, erxesAPIID string) (string, error) {
	integ, err := r.db.GetIntegrationByErxesAPIID(ctx, erxesAPIID)
	if err != nil {
		return "", fmt.Errorf("get integration: %w", err)
	}
	if integ == nil {
		return "", fmt.Errorf("%w: %s", resolver.ErrIntegrationNotFound, erxesAPIID)
	}

	var acc *store.Account
	if integ.AccountID != "" {
		if acc, err = r.db.GetAccount(ctx, integ.AccountID); err != nil {
			return "", fmt.Errorf("get account: %w", err)
		}
	}
	if err := r.remove(ctx, acc, integ); err != nil {
		return "", err
	}
	return integ.ErxesAPIID, nil
}

// RemoveAccount removes every integration owned by the account and then the
// account itself, returning the removed integrations' main API ids. The first
// failure stops the removal; integrations already removed stay removed.
func (r *Remover) RemoveAccount(ctx context.Context, accountID string) ([]string, error) {
	acc, err := r.db.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if acc == nil {
		return nil, fmt.Errorf("%w: %s", resolver.ErrAccountNotFound, accountID)
	}

	integs, err := r.db.ListIntegrationsByAccount(ctx, acc.ID)
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}

	removed := make([]string, 0, len(integs))
	for i := range integs {
		if err := r.remove(ctx, acc, &integs[i]); err != nil {
			return nil, fmt.Errorf("remove account %s: %w", acc.ID, err)
		}
		removed = append(removed, integs[i].ErxesAPIID)
	}

	if err := r.db.DeleteAccount(ctx, acc.ID); err != nil {
		return nil, fmt.Errorf("delete account: %w", err)
	}
	r.logger.Info("account removed",
		zap.String("account_id", acc.ID),
		zap.String("kind", string(acc.Kind)),
		zap.Int("integrations", len(removed)))
	r.bus.Publish(bus.NewEvent(bus.KindAccountRemoved, map[string]any{
		"account_id":   acc.ID,
		"kind":         string(acc.Kind),
		"integrations": removed,
	}))
	return removed, nil
}

func (r *Remover) remove(ctx context.Context, acc *store.Account, integ *store.Integration) error {
	if err := r.unsubscribe(ctx, acc, integ); err != nil {
		return fmt.Errorf("unsubscribe %s integration %s: %w", integ.Kind, integ.ErxesAPIID, err)
	}
	if err := r.db.DeleteIntegration(ctx, integ.ID); err != nil {
		return fmt.Errorf("delete integration: %w", err)
	}
	r.logger.Info("integration removed",
		zap.String("kind", string(integ.Kind)),
		zap.String("integration_id", integ.ErxesAPIID))
	r.bus.Publish(bus.NewEvent(bus.KindIntegrationRemoved, map[string]any{
		"kind":           string(integ.Kind),
		"integration_id": integ.ErxesAPIID,
		"account_id":     integ.AccountID,
	}))
	return nil
}

func (r *Remover) unsubscribe(ctx context.Context, acc *store.Account, integ *store.Integration) error {
	adapter, ok := r.registry.Get(integ.Kind)
	if !ok || adapter.Unsubscriber == nil {
		return nil
	}
	if acc == nil && adapter.NeedsAccount {
		r.logger.Warn("integration has no account, skipping unsubscribe",
			zap.String("kind", string(integ.Kind)),
			zap.String("integration_id", integ.ErxesAPIID))
		return nil
	}
	return adapter.Unsubscriber.Unsubscribe(ctx, acc, integ)
}
