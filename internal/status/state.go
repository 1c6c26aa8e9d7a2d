// Package status tracks the credential state of accounts.
package status

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/matheus3301/integrations/internal/bus"
	"github.com/matheus3301/integrations/internal/store"
)

// State is an account's credential state.
type State string

const (
	Valid      State = "VALID"
	Expired    State = "EXPIRED"
	Refreshing State = "REFRESHING"
	Revoked    State = "REVOKED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Valid:      {Expired, Revoked},
	Expired:    {Refreshing, Revoked},
	Refreshing: {Valid, Revoked},
	Revoked:    {Refreshing},
}

// ErrConflict means another writer moved the account first.
var ErrConflict = errors.New("token state changed concurrently")

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	return slices.Contains(validTransitions[from], to)
}

// StateStore persists token states with compare-and-set.
type StateStore interface {
	SetTokenState(ctx context.Context, id, from, to string) (bool, error)
	TouchTokenState(ctx context.Context, id, state string, staleBefore int64) (bool, error)
}

// Machine enforces credential state transitions on stored accounts.
type Machine struct {
	db  StateStore
	bus *bus.Bus
}

// NewMachine creates a machine backed by db.
func NewMachine(db StateStore, b *bus.Bus) *Machine {
	return &Machine{db: db, bus: b}
}

// Transition moves acc from its current state to to. It fails with
// ErrConflict when the stored state no longer matches acc.TokenState.
func (m *Machine) Transition(ctx context.Context, acc *store.Account, to State) error {
	from := State(acc.TokenState)
	if from == "" {
		from = Valid
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	ok, err := m.db.SetTokenState(ctx, acc.ID, string(from), string(to))
	if err != nil {
		return fmt.Errorf("set token state: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: account %s is no longer %s", ErrConflict, acc.ID, from)
	}
	acc.TokenState = string(to)
	m.bus.Publish(bus.NewEvent(bus.KindTokenState, StatusChange{
		AccountID: acc.ID,
		Kind:      acc.Kind,
		From:      from,
		To:        to,
	}))
	return nil
}

// Reclaim takes over a REFRESHING account whose refresh owner has not
// written it since staleBefore. It reports false when the refresh is still
// live or another caller reclaimed it first.
func (m *Machine) Reclaim(ctx context.Context, acc *store.Account, staleBefore time.Time) (bool, error) {
	if State(acc.TokenState) != Refreshing {
		return false, nil
	}
	ok, err := m.db.TouchTokenState(ctx, acc.ID, string(Refreshing), staleBefore.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("reclaim token state: %w", err)
	}
	return ok, nil
}

// StatusChange is the payload for token state events.
type StatusChange struct {
	AccountID string     `json:"account_id"`
	Kind      store.Kind `json:"kind"`
	From      State      `json:"from"`
	To        State      `json:"to"`
}
