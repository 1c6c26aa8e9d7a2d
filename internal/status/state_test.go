package status

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/integrations/internal/bus"
	"github.com/matheus3301/integrations/internal/store"
)

func testAccount(t *testing.T) (*store.DB, *store.Account) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	acc := &store.Account{Kind: store.KindGmail, UID: "me@acme.test"}
	if err := db.CreateAccount(context.Background(), acc); err != nil {
		t.Fatal(err)
	}
	return db, acc
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Valid, Expired},
		{Valid, Revoked},
		{Expired, Refreshing},
		{Expired, Revoked},
		{Refreshing, Valid},
		{Refreshing, Revoked},
		{Revoked, Refreshing},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if !CanTransition(tt.from, tt.to) {
				t.Errorf("CanTransition(%s, %s) = false", tt.from, tt.to)
			}
		})
	}
}

func TestInvalidTransitions(t *testing.T) {
	for _, pair := range [][2]State{{Valid, Refreshing}, {Expired, Valid}, {Revoked, Valid}, {Refreshing, Expired}} {
		if CanTransition(pair[0], pair[1]) {
			t.Errorf("CanTransition(%s, %s) = true", pair[0], pair[1])
		}
	}
}

func TestRefreshCycle(t *testing.T) {
	db, acc := testAccount(t)
	m := NewMachine(db, nil)
	ctx := context.Background()

	for _, to := range []State{Expired, Refreshing, Valid} {
		if err := m.Transition(ctx, acc, to); err != nil {
			t.Fatalf("-> %s: %v", to, err)
		}
	}
	got, err := db.GetAccount(ctx, acc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.TokenState != string(Valid) {
		t.Errorf("stored state = %s, want VALID", got.TokenState)
	}
	if err := m.Transition(ctx, acc, Refreshing); err == nil {
		t.Error("VALID -> REFRESHING should fail")
	}
}

func TestTransitionConflict(t *testing.T) {
	db, acc := testAccount(t)
	m := NewMachine(db, nil)
	ctx := context.Background()

	stale := *acc
	if err := m.Transition(ctx, acc, Expired); err != nil {
		t.Fatal(err)
	}
	// A second writer still holding VALID loses the compare-and-set.
	if err := m.Transition(ctx, &stale, Expired); !errors.Is(err, ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	db, acc := testAccount(t)
	b := bus.New()
	ch, unsub := b.Subscribe("account.", 10)
	defer unsub()

	m := NewMachine(db, b)
	if err := m.Transition(context.Background(), acc, Revoked); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindTokenState {
			t.Errorf("event kind = %s", evt.Kind)
		}
		change, ok := evt.Payload.(StatusChange)
		if !ok {
			t.Fatalf("payload type = %T", evt.Payload)
		}
		if change.From != Valid || change.To != Revoked || change.AccountID != acc.ID {
			t.Errorf("change = %+v", change)
		}
	default:
		t.Error("no event emitted")
	}
}

func TestReclaimStaleRefresh(t *testing.T) {
	db, acc := testAccount(t)
	ctx := context.Background()
	m := NewMachine(db, bus.New())

	if err := m.Transition(ctx, acc, Expired); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(ctx, acc, Refreshing); err != nil {
		t.Fatal(err)
	}

	ok, err := m.Reclaim(ctx, acc, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("Reclaim() of a live refresh = true")
	}

	ok, err = m.Reclaim(ctx, acc, time.Now().Add(time.Second))
	if err != nil || !ok {
		t.Fatalf("Reclaim() of a stale refresh = %v, %v; want true", ok, err)
	}
	// The touch counts as a fresh write, so a second caller loses.
	ok, _ = m.Reclaim(ctx, acc, time.Now().Add(-time.Second))
	if ok {
		t.Error("second Reclaim() = true")
	}

	if err := m.Transition(ctx, acc, Valid); err != nil {
		t.Fatal(err)
	}
	if ok, _ := m.Reclaim(ctx, acc, time.Now().Add(time.Hour)); ok {
		t.Error("Reclaim() of a VALID account = true")
	}
}
