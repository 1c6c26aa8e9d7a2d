// Package outbox delivers replies through channel senders, recording each
// attempt and retrying once after refreshing expired credentials.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/integrations/internal/bus"
	"github.com/matheus3301/integrations/internal/channel"
	"github.com/matheus3301/integrations/internal/metrics"
	"github.com/matheus3301/integrations/internal/resolver"
	"github.com/matheus3301/integrations/internal/status"
	"github.com/matheus3301/integrations/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrConversationNotFound means the reply targets an unknown conversation.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrCustomerNotFound means the conversation's customer is gone.
	ErrCustomerNotFound = errors.New("customer not found")
	// ErrUnsupportedChannel means no adapter is registered for the kind.
	ErrUnsupportedChannel = errors.New("unsupported channel")
	// ErrInFlight means a reply with the same client id is being sent.
	ErrInFlight = errors.New("reply already in flight")
)

// ReplyRequest asks for a reply in a conversation. ConversationID may be the
// main API's id or the local one.
type ReplyRequest struct {
	ConversationID string
	Content        string
	Attachments    store.Attachments
	Subject        string
	CC             []string
	// ClientMsgID deduplicates retried requests; generated when empty.
	ClientMsgID string
}

// ReplyResult describes a delivered reply.
type ReplyResult struct {
	ClientMsgID       string
	ProviderMessageID string
	ConversationID    string
	Channel           store.Kind
}

// Sender delivers replies.
type Sender struct {
	db       *store.DB
	registry *channel.Registry
	state    *status.Machine
	bus      *bus.Bus
	metrics  *metrics.Metrics
	logger   *zap.Logger

	// refreshWait bounds how long a reply waits on another caller's refresh.
	refreshWait time.Duration
}

// NewSender creates a new reply sender.
func NewSender(db *store.DB, registry *channel.Registry, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		db:          db,
		registry:    registry,
		state:       status.NewMachine(db, b),
		bus:         b,
		metrics:     m,
		logger:      logger,
		refreshWait: 5 * time.Second,
	}
}

// Reply looks up everything the conversation's channel needs, sends the
// reply and records it. A TokenExpired failure triggers one credential
// refresh and one retry.
func (s *Sender) Reply(ctx context.Context, req ReplyRequest) (*ReplyResult, error) {
	target, adapter, err := s.target(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	kind := target.Integration.Kind

	clientMsgID := req.ClientMsgID
	if clientMsgID == "" {
		clientMsgID = uuid.NewString()
	}
	if err := s.db.QueueOutbox(ctx, clientMsgID, target.Conversation.ID, req.Content); err != nil && !errors.Is(err, store.ErrDuplicate) {
		return nil, fmt.Errorf("queue reply: %w", err)
	}
	claimed, err := s.db.ClaimOutbox(ctx, clientMsgID)
	if err != nil {
		return nil, fmt.Errorf("claim reply: %w", err)
	}
	if !claimed {
		prev, err := s.db.GetOutbox(ctx, clientMsgID)
		if err != nil {
			return nil, fmt.Errorf("claim reply: %w", err)
		}
		if prev != nil && prev.Status == "sent" {
			return &ReplyResult{
				ClientMsgID:       clientMsgID,
				ProviderMessageID: prev.ServerMsgID,
				ConversationID:    target.Conversation.CanonicalID,
				Channel:           kind,
			}, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrInFlight, clientMsgID)
	}

	reply := channel.Reply{Content: req.Content, Attachments: req.Attachments, Subject: req.Subject, CC: req.CC}
	resp, err := adapter.Sender.Send(ctx, *target, reply)
	if err != nil && channel.IsTokenExpired(err) && adapter.Auth != nil && target.Account != nil {
		s.logger.Info("credentials expired, refreshing",
			zap.String("channel", string(kind)),
			zap.String("account_id", target.Account.ID))
		acc, rerr := s.refresh(ctx, adapter, target.Account)
		if rerr != nil {
			err = fmt.Errorf("%w (refresh: %v)", err, rerr)
		} else {
			target.Account = acc
			resp, err = adapter.Sender.Send(ctx, *target, reply)
		}
	}

	if err != nil {
		s.logger.Error("failed to send reply", zap.Error(err),
			zap.String("channel", string(kind)),
			zap.String("client_msg_id", clientMsgID))
		_ = s.db.MarkOutboxFailed(context.WithoutCancel(ctx), clientMsgID, err.Error())
		s.metrics.Inc(metrics.Replies, string(kind), "failed")
		s.bus.Publish(bus.NewEvent(bus.KindReplyFailed, map[string]any{
			"channel":         string(kind),
			"client_msg_id":   clientMsgID,
			"conversation_id": target.Conversation.CanonicalID,
			"error":           err.Error(),
		}))
		return nil, err
	}

	providerID := resp.ProviderMessageID
	if providerID == "" {
		providerID = clientMsgID
	}
	if err := s.db.MarkOutboxSent(ctx, clientMsgID, providerID); err != nil {
		s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", clientMsgID))
	}
	out := &store.Message{
		Channel:           kind,
		ConversationID:    target.Conversation.ID,
		CustomerID:        target.Customer.ID,
		ProviderMessageID: providerID,
		Content:           req.Content,
		Attachments:       req.Attachments,
		HeaderID:          resp.HeaderID,
	}
	if resp.HeaderID != "" && target.Threaded != nil {
		out.InReplyTo = target.Threaded.HeaderID
		out.References = strings.TrimSpace(target.Threaded.References + " " + target.Threaded.HeaderID)
	}
	if err := s.db.CreateOutboundMessage(ctx, out); err != nil && !errors.Is(err, store.ErrDuplicate) {
		s.logger.Error("failed to record outbound message", zap.Error(err), zap.String("client_msg_id", clientMsgID))
	}

	s.metrics.Inc(metrics.Replies, string(kind), "sent")
	s.logger.Info("reply sent",
		zap.String("channel", string(kind)),
		zap.String("client_msg_id", clientMsgID),
		zap.String("provider_msg_id", providerID))
	s.bus.Publish(bus.NewEvent(bus.KindReplySent, map[string]any{
		"channel":         string(kind),
		"client_msg_id":   clientMsgID,
		"provider_msg_id": providerID,
		"conversation_id": target.Conversation.CanonicalID,
	}))

	return &ReplyResult{
		ClientMsgID:       clientMsgID,
		ProviderMessageID: providerID,
		ConversationID:    target.Conversation.CanonicalID,
		Channel:           kind,
	}, nil
}

func (s *Sender) target(ctx context.Context, conversationID string) (*channel.Target, *channel.Adapter, error) {
	conv, err := s.db.GetConversationByCanonicalID(ctx, conversationID)
	if err == nil && conv == nil {
		conv, err = s.db.GetConversation(ctx, conversationID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get conversation: %w", err)
	}
	if conv == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}

	integ, err := s.db.GetIntegration(ctx, conv.IntegrationID)
	if err != nil {
		return nil, nil, fmt.Errorf("get integration: %w", err)
	}
	if integ == nil {
		return nil, nil, fmt.Errorf("%w: %s", resolver.ErrIntegrationNotFound, conv.IntegrationID)
	}

	adapter, ok := s.registry.Get(integ.Kind)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedChannel, integ.Kind)
	}

	var acc *store.Account
	if integ.AccountID != "" {
		if acc, err = s.db.GetAccount(ctx, integ.AccountID); err != nil {
			return nil, nil, fmt.Errorf("get account: %w", err)
		}
	}
	if acc == nil && adapter.NeedsAccount {
		return nil, nil, fmt.Errorf("%w: integration %s", resolver.ErrAccountNotFound, integ.ErxesAPIID)
	}

	cust, err := s.db.GetCustomer(ctx, conv.CustomerID)
	if err != nil {
		return nil, nil, fmt.Errorf("get customer: %w", err)
	}
	if cust == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrCustomerNotFound, conv.CustomerID)
	}

	last, err := s.db.GetLastMessage(ctx, conv.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("get last message: %w", err)
	}
	threaded := last
	if last != nil && last.HeaderID == "" {
		if threaded, err = s.db.GetLastThreadedMessage(ctx, conv.ID); err != nil {
			return nil, nil, fmt.Errorf("get threaded message: %w", err)
		}
	}

	return &channel.Target{
		Integration:  integ,
		Account:      acc,
		Conversation: conv,
		Customer:     cust,
		Last:         last,
		Threaded:     threaded,
	}, adapter, nil
}
