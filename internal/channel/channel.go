// Package channel defines what the gateway needs from each messaging
// platform and keeps the per-kind registry built at startup.
package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/matheus3301/integrations/internal/resolver"
	"github.com/matheus3301/integrations/internal/store"
)

// Inbound is a raw webhook delivery.
type Inbound struct {
	Header http.Header
	Query  url.Values
	Body   []byte
	// Key is a routing key carried in the URL path, if any.
	Key string
}

// Parser verifies and normalizes a webhook delivery. Deliveries that carry
// nothing to ingest (echoes, read receipts) yield no events and no error.
type Parser interface {
	Parse(ctx context.Context, in Inbound) ([]resolver.Event, error)
}

// Verifier answers a provider's subscription handshake.
type Verifier interface {
	Verify(in Inbound) (challenge string, err error)
}

// Target is everything a sender needs to address a reply.
type Target struct {
	Integration  *store.Integration
	Account      *store.Account
	Conversation *store.Conversation
	Customer     *store.Customer
	// Last is the newest message of the conversation. May be nil.
	Last *store.Message
	// Threaded is the newest message carrying a mail header id, used for
	// In-Reply-To and References. May be nil.
	Threaded *store.Message
}

// Reply is an outbound message.
type Reply struct {
	Content     string
	Attachments store.Attachments
	// Subject and CC apply to mail channels only.
	Subject string
	CC      []string
}

// Response is what a provider returned for a delivered reply.
type Response struct {
	ProviderMessageID string
	// HeaderID is the Message-ID of a sent mail, stored so replies to it
	// thread back into the conversation.
	HeaderID string
}

// Sender delivers replies. Errors should be *ProviderError so callers can
// tell an expired token from other failures.
type Sender interface {
	Send(ctx context.Context, t Target, r Reply) (*Response, error)
}

// Credentials are a refreshed token set. Extra fields are merged into the
// account's extra, for providers that issue per-resource tokens.
type Credentials struct {
	Token        string
	RefreshToken string
	ExpiresAt    time.Time
	Extra        store.Extra
}

// AuthProvider refreshes an account's credentials.
type AuthProvider interface {
	Refresh(ctx context.Context, acc *store.Account) (*Credentials, error)
}

// Unsubscriber tears down the provider side of an integration.
type Unsubscriber interface {
	Unsubscribe(ctx context.Context, acc *store.Account, in *store.Integration) error
}

// Adapter bundles one platform's capabilities. Parser and Sender are
// required; the rest are optional.
type Adapter struct {
	Kind         store.Kind
	Parser       Parser
	Verifier     Verifier
	Sender       Sender
	Auth         AuthProvider
	Unsubscriber Unsubscriber
	// NeedsAccount marks kinds whose integrations must reference an account.
	NeedsAccount bool
}

// Registry maps channel kinds to adapters.
type Registry struct {
	adapters map[store.Kind]*Adapter
}

// NewRegistry builds a registry. Registering a kind twice or an adapter
// without parser or sender is an error.
func NewRegistry(adapters ...*Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[store.Kind]*Adapter, len(adapters))}
	for _, a := range adapters {
		if a.Parser == nil || a.Sender == nil {
			return nil, fmt.Errorf("adapter %s: parser and sender are required", a.Kind)
		}
		if _, dup := r.adapters[a.Kind]; dup {
			return nil, fmt.Errorf("adapter %s registered twice", a.Kind)
		}
		r.adapters[a.Kind] = a
	}
	return r, nil
}

// Get returns the adapter for kind.
func (r *Registry) Get(kind store.Kind) (*Adapter, bool) {
	a, ok := r.adapters[kind]
	return a, ok
}

// Kinds lists registered kinds in a stable order.
func (r *Registry) Kinds() []store.Kind {
	kinds := make([]store.Kind, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}
