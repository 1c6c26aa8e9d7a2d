// Package resolver turns normalized inbound events into local customer,
// conversation and message records registered with the main API, creating
// each at most once under retried and concurrent deliveries.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/integrations/internal/bus"
	"github.com/matheus3301/integrations/internal/metrics"
	"github.com/matheus3301/integrations/internal/sor"
	"github.com/matheus3301/integrations/internal/store"
	"go.uber.org/zap"
)

// Registrar is the subset of the main API the resolver depends on.
type Registrar interface {
	UpsertCustomer(ctx context.Context, req sor.CustomerRequest) (string, error)
	UpsertConversation(ctx context.Context, req sor.ConversationRequest) (string, error)
	CreateMessage(ctx context.Context, req sor.MessageRequest) (string, error)
}

// Options tunes the race-loser protocol.
type Options struct {
	// PendingWait bounds how long a caller waits for another writer to attach
	// a canonical id before adopting the row itself.
	PendingWait  time.Duration
	PollInterval time.Duration
}

const (
	defaultPendingWait  = 5 * time.Second
	defaultPollInterval = 50 * time.Millisecond
)

// Resolver resolves customers, conversations and messages.
type Resolver struct {
	db           *store.DB
	sor          Registrar
	bus          *bus.Bus
	metrics      *metrics.Metrics
	logger       *zap.Logger
	pendingWait  time.Duration
	pollInterval time.Duration
}

// New creates a resolver.
func New(db *store.DB, reg Registrar, opts Options, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Resolver {
	if opts.PendingWait <= 0 {
		opts.PendingWait = defaultPendingWait
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		db:           db,
		sor:          reg,
		bus:          b,
		metrics:      m,
		logger:       logger,
		pendingWait:  opts.PendingWait,
		pollInterval: opts.PollInterval,
	}
}

// Profile holds optional display fields for a customer.
type Profile struct {
	Name   string
	Avatar string
	Email  string
	Phone  string
}

// CustomerInput identifies an end user within an integration.
type CustomerInput struct {
	Integration *store.Integration
	UserID      string
	Profile     Profile
}

// ConversationInput identifies a thread. ReplyTo holds mail header ids
// (In-Reply-To and References) used to find the thread a reply belongs to.
type ConversationInput struct {
	Integration *store.Integration
	ThreadKey   string
	Content     string
	CreatedAt   int64
	ReplyTo     []string
}

// MessageInput describes one provider message.
type MessageInput struct {
	ProviderMessageID string
	Content           string
	Attachments       store.Attachments
	HeaderID          string
	InReplyTo         string
	References        []string
	CreatedAt         int64
}

// ResolveCustomer returns the customer for (integration, user id), creating
// and registering it on first sight. Existing customers are returned as
// stored without contacting the main API.
func (r *Resolver) ResolveCustomer(ctx context.Context, in CustomerInput) (*store.Customer, error) {
	if in.Integration == nil || in.UserID == "" {
		return nil, errors.New("resolve customer: integration and user id are required")
	}
	integ := in.Integration

	c, _, err := getOrCreate(ctx, r, entity[store.Customer]{
		name: "customer",
		find: func(ctx context.Context) (*store.Customer, error) {
			return r.db.FindCustomer(ctx, integ.Kind, integ.ID, in.UserID)
		},
		create: func(ctx context.Context) (*store.Customer, error) {
			c := &store.Customer{
				Channel:       integ.Kind,
				IntegrationID: integ.ID,
				ChannelUserID: in.UserID,
				Name:          in.Profile.Name,
				Avatar:        in.Profile.Avatar,
				Email:         in.Profile.Email,
				Phone:         in.Profile.Phone,
			}
			return c, r.db.CreateCustomer(ctx, c)
		},
		localID:   func(c *store.Customer) string { return c.ID },
		canonical: func(c *store.Customer) string { return c.CanonicalID },
		register: func(ctx context.Context, c *store.Customer) (string, error) {
			return r.sor.UpsertCustomer(ctx, sor.CustomerRequest{
				IntegrationID: integ.ErxesAPIID,
				LocalID:       c.ID,
				PrimaryEmail:  c.Email,
				PrimaryPhone:  c.Phone,
				FirstName:     c.Name,
				Avatar:        c.Avatar,
				IsUser:        true,
				ChannelUserID: c.ChannelUserID,
			})
		},
		attach: func(ctx context.Context, c *store.Customer, id string) error {
			if err := r.db.SetCustomerCanonicalID(ctx, c.ID, id); err != nil {
				return err
			}
			c.CanonicalID = id
			return nil
		},
		remove: func(ctx context.Context, c *store.Customer) error {
			return r.db.DeleteCustomer(ctx, c.ID)
		},
	})
	return c, err
}

// ResolveConversation returns the conversation for the thread key, creating
// and registering it on first sight. Mail replies whose header ids match a
// stored message join that message's conversation instead.
func (r *Resolver) ResolveConversation(ctx context.Context, in ConversationInput, cust *store.Customer) (*store.Conversation, error) {
	if in.Integration == nil || in.ThreadKey == "" {
		return nil, errors.New("resolve conversation: integration and thread key are required")
	}
	if cust == nil || cust.CanonicalID == "" {
		return nil, errors.New("resolve conversation: customer has no canonical id")
	}
	integ := in.Integration

	if len(in.ReplyTo) > 0 {
		conv, err := r.threadOf(ctx, integ, in.ReplyTo)
		if err != nil {
			return nil, err
		}
		if conv != nil {
			return conv, nil
		}
	}

	conv, _, err := getOrCreate(ctx, r, entity[store.Conversation]{
		name: "conversation",
		find: func(ctx context.Context) (*store.Conversation, error) {
			return r.db.FindConversation(ctx, integ.Kind, integ.ID, in.ThreadKey)
		},
		create: func(ctx context.Context) (*store.Conversation, error) {
			c := &store.Conversation{
				Channel:       integ.Kind,
				IntegrationID: integ.ID,
				CustomerID:    cust.ID,
				ThreadKey:     in.ThreadKey,
				Content:       in.Content,
				CreatedAt:     in.CreatedAt,
			}
			return c, r.db.CreateConversation(ctx, c)
		},
		localID:   func(c *store.Conversation) string { return c.ID },
		canonical: func(c *store.Conversation) string { return c.CanonicalID },
		register: func(ctx context.Context, c *store.Conversation) (string, error) {
			return r.sor.UpsertConversation(ctx, sor.ConversationRequest{
				IntegrationID: integ.ErxesAPIID,
				LocalID:       c.ID,
				CustomerID:    cust.CanonicalID,
				Content:       c.Content,
				CreatedAt:     c.CreatedAt,
			})
		},
		attach: func(ctx context.Context, c *store.Conversation, id string) error {
			if err := r.db.SetConversationCanonicalID(ctx, c.ID, id); err != nil {
				return err
			}
			c.CanonicalID = id
			return nil
		},
		remove: func(ctx context.Context, c *store.Conversation) error {
			return r.db.DeleteConversation(ctx, c.ID)
		},
	})
	return conv, err
}

// threadOf finds the registered conversation holding the newest message
// whose header id is one of ids.
func (r *Resolver) threadOf(ctx context.Context, integ *store.Integration, ids []string) (*store.Conversation, error) {
	msg, err := r.db.FindMessageByHeaderIDs(ctx, integ.Kind, integ.ID, ids)
	if err != nil {
		return nil, fmt.Errorf("find replied message: %w", err)
	}
	if msg == nil {
		return nil, nil
	}
	conv, err := r.db.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("get replied conversation: %w", err)
	}
	if conv == nil || conv.CanonicalID == "" {
		return nil, nil
	}
	return conv, nil
}

// ResolveMessage returns the message for the provider id within conv,
// creating and registering it once. Retried deliveries get the stored row.
func (r *Resolver) ResolveMessage(ctx context.Context, in MessageInput, conv *store.Conversation, cust *store.Customer) (*store.Message, error) {
	m, _, err := r.resolveMessage(ctx, in, conv, cust)
	return m, err
}

func (r *Resolver) resolveMessage(ctx context.Context, in MessageInput, conv *store.Conversation, cust *store.Customer) (*store.Message, bool, error) {
	if in.ProviderMessageID == "" {
		return nil, false, errors.New("resolve message: provider message id is required")
	}
	if conv == nil || conv.CanonicalID == "" {
		return nil, false, errors.New("resolve message: conversation has no canonical id")
	}
	if cust == nil || cust.CanonicalID == "" {
		return nil, false, errors.New("resolve message: customer has no canonical id")
	}

	return getOrCreate(ctx, r, entity[store.Message]{
		name: "message",
		find: func(ctx context.Context) (*store.Message, error) {
			return r.db.FindMessage(ctx, conv.ID, in.ProviderMessageID)
		},
		create: func(ctx context.Context) (*store.Message, error) {
			m := &store.Message{
				Channel:           conv.Channel,
				ConversationID:    conv.ID,
				CustomerID:        cust.ID,
				ProviderMessageID: in.ProviderMessageID,
				Content:           in.Content,
				Attachments:       in.Attachments,
				HeaderID:          in.HeaderID,
				InReplyTo:         in.InReplyTo,
				References:        strings.Join(in.References, " "),
				CreatedAt:         in.CreatedAt,
			}
			return m, r.db.CreateMessage(ctx, m)
		},
		localID:   func(m *store.Message) string { return m.ID },
		canonical: func(m *store.Message) string { return m.CanonicalID },
		register: func(ctx context.Context, m *store.Message) (string, error) {
			req := sor.MessageRequest{
				LocalID:        m.ID,
				ConversationID: conv.CanonicalID,
				CustomerID:     cust.CanonicalID,
				Content:        m.Content,
				CreatedAt:      m.CreatedAt,
			}
			if len(m.Attachments) > 0 {
				req.Attachments = m.Attachments
			}
			return r.sor.CreateMessage(ctx, req)
		},
		attach: func(ctx context.Context, m *store.Message, id string) error {
			if err := r.db.SetMessageCanonicalID(ctx, m.ID, id); err != nil {
				return err
			}
			m.CanonicalID = id
			return nil
		},
		remove: func(ctx context.Context, m *store.Message) error {
			return r.db.DeleteMessage(ctx, m.ID)
		},
	})
}
