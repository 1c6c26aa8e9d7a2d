package resolver

import (
	"context"
	"fmt"

	"github.com/matheus3301/integrations/internal/bus"
	"github.com/matheus3301/integrations/internal/store"
	"go.uber.org/zap"
)

// Event is one inbound message normalized by a channel adapter.
type Event struct {
	Channel store.Kind
	// ChannelKey routes the event to an integration: page id, mailbox
	// address, app id, instance id, phone number or webhook api id.
	ChannelKey string
	UserID     string
	Profile    Profile
	ThreadKey  string
	MessageID  string
	Content    string

	Attachments store.Attachments
	HeaderID    string
	InReplyTo   string
	References  []string
	CreatedAt   int64
}

// replyTo lists the header ids a mail reply refers to, nearest first.
func (e Event) replyTo() []string {
	var ids []string
	if e.InReplyTo != "" {
		ids = append(ids, e.InReplyTo)
	}
	for i := len(e.References) - 1; i >= 0; i-- {
		ids = append(ids, e.References[i])
	}
	return ids
}

// Result is the outcome of ingesting one event.
type Result struct {
	Integration  *store.Integration
	Customer     *store.Customer
	Conversation *store.Conversation
	Message      *store.Message
	// Created is false when the message had already been ingested.
	Created bool
}

// Ingest resolves the integration for ev and then its customer,
// conversation and message in order. Unmapped channel keys return
// ErrIntegrationNotFound without writing anything.
func (r *Resolver) Ingest(ctx context.Context, ev Event) (*Result, error) {
	integ, err := r.db.FindIntegrationByKey(ctx, ev.Channel, ev.ChannelKey)
	if err != nil {
		return nil, fmt.Errorf("find integration: %w", err)
	}
	if integ == nil {
		return nil, fmt.Errorf("%w: %s %q", ErrIntegrationNotFound, ev.Channel, ev.ChannelKey)
	}

	cust, err := r.ResolveCustomer(ctx, CustomerInput{
		Integration: integ,
		UserID:      ev.UserID,
		Profile:     ev.Profile,
	})
	if err != nil {
		return nil, err
	}

	conv, err := r.ResolveConversation(ctx, ConversationInput{
		Integration: integ,
		ThreadKey:   ev.ThreadKey,
		Content:     ev.Content,
		CreatedAt:   ev.CreatedAt,
		ReplyTo:     ev.replyTo(),
	}, cust)
	if err != nil {
		return nil, err
	}

	msg, created, err := r.resolveMessage(ctx, MessageInput{
		ProviderMessageID: ev.MessageID,
		Content:           ev.Content,
		Attachments:       ev.Attachments,
		HeaderID:          ev.HeaderID,
		InReplyTo:         ev.InReplyTo,
		References:        ev.References,
		CreatedAt:         ev.CreatedAt,
	}, conv, cust)
	if err != nil {
		return nil, err
	}

	if created {
		r.logger.Info("message ingested",
			zap.String("channel", string(ev.Channel)),
			zap.String("integration_id", integ.ID),
			zap.String("conversation_id", conv.CanonicalID),
			zap.String("message_id", msg.CanonicalID))
		r.bus.Publish(bus.NewEvent(bus.KindMessageCreated, map[string]any{
			"channel":         string(ev.Channel),
			"integration_id":  integ.ErxesAPIID,
			"customer_id":     cust.CanonicalID,
			"conversation_id": conv.CanonicalID,
			"message_id":      msg.CanonicalID,
		}))
	}

	return &Result{
		Integration:  integ,
		Customer:     cust,
		Conversation: conv,
		Message:      msg,
		Created:      created,
	}, nil
}
