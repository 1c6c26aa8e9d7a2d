package api

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/integrations/internal/bus"
	"github.com/matheus3301/integrations/internal/channel"
	"github.com/matheus3301/integrations/internal/lifecycle"
	"github.com/matheus3301/integrations/internal/resolver"
	"github.com/matheus3301/integrations/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// AdminService implements AdminServer.
type AdminService struct {
	db        *store.DB
	registry  *channel.Registry
	remover   *lifecycle.Remover
	bus       *bus.Bus
	logger    *zap.Logger
	startedAt time.Time
}

// NewAdminService creates the admin service.
func NewAdminService(db *store.DB, registry *channel.Registry, remover *lifecycle.Remover, b *bus.Bus, logger *zap.Logger) *AdminService {
	return &AdminService{
		db:        db,
		registry:  registry,
		remover:   remover,
		bus:       b,
		logger:    logger,
		startedAt: time.Now(),
	}
}

func (s *AdminService) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	counts, err := s.db.Counts(ctx)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "counts: %v", err)
	}
	version, err := s.db.SchemaVersion(ctx)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "schema version: %v", err)
	}
	channels := []any{}
	for _, k := range s.registry.Kinds() {
		channels = append(channels, string(k))
	}
	return structpb.NewStruct(map[string]any{
		"uptime_ms":      time.Since(s.startedAt).Milliseconds(),
		"channels":       channels,
		"accounts":       counts.Accounts,
		"integrations":   counts.Integrations,
		"customers":      counts.Customers,
		"conversations":  counts.Conversations,
		"messages":       counts.Messages,
		"dropped_events": s.bus.Dropped(),
		"schema_version": int64(version),
	})
}

func (s *AdminService) RemoveIntegration(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if req.GetValue() == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "integration id is required")
	}
	id, err := s.remover.RemoveIntegration(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"integration_id": id})
}

func (s *AdminService) RemoveAccount(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if req.GetValue() == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "account id is required")
	}
	ids, err := s.remover.RemoveAccount(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	removed := make([]any, len(ids))
	for i, id := range ids {
		removed[i] = id
	}
	return structpb.NewStruct(map[string]any{"account_id": req.GetValue(), "integration_ids": removed})
}

func (s *AdminService) WatchEvents(req *wrapperspb.StringValue, stream EventStream) error {
	ch, unsub := s.bus.Subscribe(req.GetValue(), 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			msg, err := envelope(evt)
			if err != nil {
				s.logger.Warn("dropping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

// envelope wraps a bus event for the wire. Payloads go through JSON so any
// struct or map becomes a Struct value.
func envelope(evt bus.Event) (*structpb.Struct, error) {
	var payload any
	if evt.Payload != nil {
		raw, err := json.Marshal(evt.Payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, err
		}
	}
	return structpb.NewStruct(map[string]any{
		"event_id":       uuid.NewString(),
		"kind":           evt.Kind,
		"occurred_at_ms": evt.Timestamp.UnixMilli(),
		"payload":        payload,
	})
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, resolver.ErrIntegrationNotFound), errors.Is(err, resolver.ErrAccountNotFound):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Error(codes.DeadlineExceeded, err.Error())
	default:
		var pe *channel.ProviderError
		if errors.As(err, &pe) {
			return grpcstatus.Error(codes.Unavailable, err.Error())
		}
		return grpcstatus.Error(codes.Internal, err.Error())
	}
}
