package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/integrations/internal/channel"
	"github.com/matheus3301/integrations/internal/metrics"
	"github.com/matheus3301/integrations/internal/resolver"
	"github.com/matheus3301/integrations/internal/status"
	"github.com/matheus3301/integrations/internal/store"
	"go.uber.org/zap"
)

// ErrRefreshTimeout means another caller's refresh did not finish in time.
var ErrRefreshTimeout = errors.New("timed out waiting for credential refresh")

const refreshPoll = 50 * time.Millisecond

// refresh renews stale's credentials and returns the updated account. Only
// one caller refreshes at a time; the others wait for its outcome.
func (s *Sender) refresh(ctx context.Context, adapter *channel.Adapter, stale *store.Account) (*store.Account, error) {
	acc, err := s.account(ctx, stale.ID)
	if err != nil {
		return nil, err
	}

	// Someone refreshed between our send and now.
	if acc.Token != stale.Token && status.State(acc.TokenState) == status.Valid {
		return acc, nil
	}

	owner, err := s.claim(ctx, acc)
	if err != nil {
		return nil, err
	}
	if !owner {
		return s.awaitRefresh(ctx, acc.ID)
	}

	fresh, err := s.renew(ctx, adapter, acc)
	if err != nil {
		// Leave no account stuck in REFRESHING; REVOKED can be claimed again.
		if terr := s.state.Transition(context.WithoutCancel(ctx), acc, status.Revoked); terr != nil {
			s.logger.Error("failed to revoke account", zap.Error(terr), zap.String("account_id", acc.ID))
		}
		s.metrics.Inc(metrics.TokenRefresh, string(acc.Kind), "failed")
		return nil, err
	}
	s.metrics.Inc(metrics.TokenRefresh, string(acc.Kind), "ok")
	s.logger.Info("credentials refreshed", zap.String("channel", string(acc.Kind)), zap.String("account_id", acc.ID))
	return fresh, nil
}

// renew runs the provider refresh for a claimed account and stores the
// result. acc must be REFRESHING and owned by the caller.
func (s *Sender) renew(ctx context.Context, adapter *channel.Adapter, acc *store.Account) (*store.Account, error) {
	creds, err := adapter.Auth.Refresh(ctx, acc)
	if err != nil {
		return nil, fmt.Errorf("refresh credentials: %w", err)
	}

	var expiresAt int64
	if !creds.ExpiresAt.IsZero() {
		expiresAt = creds.ExpiresAt.UnixMilli()
	}
	if err := s.db.UpdateAccountToken(ctx, acc.ID, creds.Token, creds.RefreshToken, expiresAt); err != nil {
		return nil, fmt.Errorf("store credentials: %w", err)
	}
	if len(creds.Extra) > 0 {
		if err := s.db.MergeAccountExtra(ctx, acc.ID, creds.Extra); err != nil {
			return nil, fmt.Errorf("store credentials: %w", err)
		}
	}

	fresh, err := s.account(ctx, acc.ID)
	if err != nil {
		return nil, err
	}
	if err := s.state.Transition(ctx, fresh, status.Valid); err != nil {
		return nil, err
	}
	return fresh, nil
}

// claim moves acc into REFRESHING, or takes over a stale REFRESHING. It
// reports false when another caller holds a live refresh.
func (s *Sender) claim(ctx context.Context, acc *store.Account) (bool, error) {
	if status.State(acc.TokenState) == status.Refreshing {
		// An owner that stopped writing for refreshWait crashed or hung.
		return s.state.Reclaim(ctx, acc, time.Now().Add(-s.refreshWait))
	}
	if status.State(acc.TokenState) == status.Valid {
		if err := s.state.Transition(ctx, acc, status.Expired); err != nil {
			if errors.Is(err, status.ErrConflict) {
				return false, nil
			}
			return false, err
		}
	}
	if err := s.state.Transition(ctx, acc, status.Refreshing); err != nil {
		if errors.Is(err, status.ErrConflict) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// awaitRefresh polls the account until another caller's refresh settles.
func (s *Sender) awaitRefresh(ctx context.Context, id string) (*store.Account, error) {
	ticker := time.NewTicker(refreshPoll)
	defer ticker.Stop()
	deadline := time.NewTimer(s.refreshWait)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrRefreshTimeout
		case <-ticker.C:
		}

		acc, err := s.account(ctx, id)
		if err != nil {
			return nil, err
		}
		switch status.State(acc.TokenState) {
		case status.Valid:
			return acc, nil
		case status.Revoked:
			return nil, fmt.Errorf("account %s credentials revoked", id)
		}
	}
}

func (s *Sender) account(ctx context.Context, id string) (*store.Account, error) {
	acc, err := s.db.GetAccount(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if acc == nil {
		return nil, fmt.Errorf("%w: %s", resolver.ErrAccountNotFound, id)
	}
	return acc, nil
}
