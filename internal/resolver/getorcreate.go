package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/integrations/internal/metrics"
	"github.com/matheus3301/integrations/internal/store"
	"go.uber.org/zap"
)

// entity describes one kind of record to getOrCreate. The closures capture
// the uniqueness selector and the payload for the main API.
type entity[T any] struct {
	name      string
	find      func(ctx context.Context) (*T, error)
	create    func(ctx context.Context) (*T, error)
	localID   func(v *T) string
	canonical func(v *T) string
	register  func(ctx context.Context, v *T) (string, error)
	attach    func(ctx context.Context, v *T, canonicalID string) error
	remove    func(ctx context.Context, v *T) error
}

// getOrCreate returns the record matching e's selector, creating and
// registering it when absent. The bool reports whether this call created it.
//
// A lost insert race re-reads the winner. If the winner is still waiting for
// its canonical id the caller waits for it; if the winner's row disappears
// (its registration failed) the whole sequence runs once more.
func getOrCreate[T any](ctx context.Context, r *Resolver, e entity[T]) (*T, bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		found, err := e.find(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("find %s: %w", e.name, err)
		}

		if found == nil {
			created, err := e.create(ctx)
			if err == nil {
				v, err := commit(ctx, r, e, created)
				return v, err == nil, err
			}
			if !errors.Is(err, store.ErrDuplicate) {
				return nil, false, fmt.Errorf("create %s: %w", e.name, err)
			}

			r.metrics.Inc(metrics.Races, e.name)
			r.logger.Debug("lost create race, re-reading", zap.String("entity", e.name))
			found, err = e.find(ctx)
			if err != nil {
				return nil, false, fmt.Errorf("re-read %s: %w", e.name, err)
			}
			if found == nil {
				continue
			}
		}

		v, err := settle(ctx, r, e, found)
		if errors.Is(err, errVanished) {
			continue
		}
		return v, false, err
	}
	return nil, false, fmt.Errorf("%s: %w", e.name, ErrConcurrentDuplication)
}

// commit registers a freshly inserted row with the main API. On any failure
// the row is deleted again so no local record outlives a failed registration.
func commit[T any](ctx context.Context, r *Resolver, e entity[T], v *T) (*T, error) {
	canonicalID, regErr := e.register(ctx, v)
	if regErr == nil {
		attachErr := e.attach(ctx, v, canonicalID)
		if attachErr == nil {
			r.metrics.Inc(metrics.Created, e.name)
			return v, nil
		}
		compensate(ctx, r, e, v)
		return nil, fmt.Errorf("attach %s canonical id: %w", e.name, attachErr)
	}

	compensate(ctx, r, e, v)
	return nil, &RemoteRegistrationError{Entity: e.name, LocalID: e.localID(v), Err: regErr}
}

func compensate[T any](ctx context.Context, r *Resolver, e entity[T], v *T) {
	// The caller's context may be the reason registration failed.
	if err := e.remove(context.WithoutCancel(ctx), v); err != nil {
		r.logger.Error("compensating delete failed",
			zap.String("entity", e.name),
			zap.String("local_id", e.localID(v)),
			zap.Error(err))
		return
	}
	r.metrics.Inc(metrics.Compensated, e.name)
	r.logger.Warn("rolled back local record",
		zap.String("entity", e.name),
		zap.String("local_id", e.localID(v)))
}

// settle returns v once it carries a canonical id. Rows still pending are
// polled until pendingWait runs out, after which the caller adopts the row.
func settle[T any](ctx context.Context, r *Resolver, e entity[T], v *T) (*T, error) {
	if e.canonical(v) != "" {
		return v, nil
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(r.pendingWait)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return adopt(ctx, r, e, v)
		case <-ticker.C:
		}

		cur, err := e.find(ctx)
		if err != nil {
			return nil, fmt.Errorf("poll %s: %w", e.name, err)
		}
		if cur == nil {
			return nil, errVanished
		}
		if e.canonical(cur) != "" {
			return cur, nil
		}
		v = cur
	}
}

// adopt registers a row whose creator never attached a canonical id, either
// because it crashed or because its main API call outlived pendingWait.
// Registration carries the local id, so a concurrent registration by the
// original creator resolves to the same canonical record.
func adopt[T any](ctx context.Context, r *Resolver, e entity[T], v *T) (*T, error) {
	r.logger.Warn("adopting pending record",
		zap.String("entity", e.name),
		zap.String("local_id", e.localID(v)))

	canonicalID, err := e.register(ctx, v)
	if err != nil {
		// The row is not ours to delete; the next delivery retries adoption.
		return nil, &RemoteRegistrationError{Entity: e.name, LocalID: e.localID(v), Adopted: true, Err: err}
	}
	if err := e.attach(ctx, v, canonicalID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errVanished
		}
		return nil, fmt.Errorf("attach %s canonical id: %w", e.name, err)
	}
	return v, nil
}
