// Package webhook accepts messages from arbitrary systems that post JSON to
// an integration-specific URL, and relays replies to a callback URL.
package webhook

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/matheus3301/integrations/internal/channel"
	"github.com/matheus3301/integrations/internal/resolver"
	"github.com/matheus3301/integrations/internal/store"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
)

// Integration extra keys.
const (
	ExtraSecret      = "secret"
	ExtraCallbackURL = "callback_url"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body.
const SignatureHeader = "X-Signature-256"

//go:embed schema.json
var schemaJSON []byte

// Integrations looks up the integration a webhook URL points at.
type Integrations interface {
	GetIntegrationByErxesAPIID(ctx context.Context, erxesAPIID string) (*store.Integration, error)
}

type adapter struct {
	integrations Integrations
	schema       *jsonschema.Schema
	http         channel.Doer
	logger       *zap.Logger
}

// New returns the generic webhook adapter.
func New(integrations Integrations, doer channel.Doer, logger *zap.Logger) (*channel.Adapter, error) {
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	a := &adapter{integrations: integrations, schema: schema, http: doer, logger: logger.Named("webhook")}
	return &channel.Adapter{
		Kind:   store.KindWebhook,
		Parser: a,
		Sender: a,
	}, nil
}

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse webhook schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("webhook.json", doc); err != nil {
		return nil, fmt.Errorf("add webhook schema: %w", err)
	}
	schema, err := c.Compile("webhook.json")
	if err != nil {
		return nil, fmt.Errorf("compile webhook schema: %w", err)
	}
	return schema, nil
}

type payload struct {
	CustomerID  string             `json:"customerId"`
	MessageID   string             `json:"messageId"`
	ThreadID    string             `json:"threadId"`
	Content     string             `json:"content"`
	Name        string             `json:"name"`
	Email       string             `json:"email"`
	Phone       string             `json:"phone"`
	Avatar      string             `json:"avatar"`
	CreatedAt   int64              `json:"createdAt"`
	Attachments []store.Attachment `json:"attachments"`
}

// Parse validates the body against the webhook schema and, when the
// integration has a secret, the signature header. in.Key is the
// integration's api id; an unknown id passes through so the resolver drops
// the event.
func (a *adapter) Parse(ctx context.Context, in channel.Inbound) ([]resolver.Event, error) {
	integ, err := a.integrations.GetIntegrationByErxesAPIID(ctx, in.Key)
	if err != nil {
		return nil, fmt.Errorf("find webhook integration: %w", err)
	}
	if integ != nil && !channel.VerifyHMAC(integ.Extra[ExtraSecret], in.Body, in.Header.Get(SignatureHeader)) {
		return nil, channel.ErrBadSignature
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(in.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrInvalidPayload, err)
	}
	if err := a.schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrInvalidPayload, err)
	}
	var p payload
	if err := json.Unmarshal(in.Body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrInvalidPayload, err)
	}

	thread := p.ThreadID
	if thread == "" {
		thread = p.CustomerID
	}
	return []resolver.Event{{
		Channel:     store.KindWebhook,
		ChannelKey:  in.Key,
		UserID:      p.CustomerID,
		Profile:     resolver.Profile{Name: p.Name, Email: p.Email, Phone: p.Phone, Avatar: p.Avatar},
		ThreadKey:   thread,
		MessageID:   p.MessageID,
		Content:     p.Content,
		Attachments: p.Attachments,
		CreatedAt:   p.CreatedAt,
	}}, nil
}

type callback struct {
	ConversationID string             `json:"conversationId"`
	CustomerID     string             `json:"customerId"`
	ThreadID       string             `json:"threadId"`
	Content        string             `json:"content"`
	Attachments    []store.Attachment `json:"attachments,omitempty"`
}

// Send posts the reply to the integration's callback URL, signed with its
// secret when one is set.
func (a *adapter) Send(ctx context.Context, t channel.Target, r channel.Reply) (*channel.Response, error) {
	endpoint := t.Integration.Extra[ExtraCallbackURL]
	if endpoint == "" {
		return nil, &channel.ProviderError{Kind: channel.Permanent, Message: "integration has no callback url"}
	}
	raw, err := json.Marshal(callback{
		ConversationID: t.Conversation.CanonicalID,
		CustomerID:     t.Customer.ChannelUserID,
		ThreadID:       t.Conversation.ThreadKey,
		Content:        r.Content,
		Attachments:    r.Attachments,
	})
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if secret := t.Integration.Extra[ExtraSecret]; secret != "" {
		header.Set(SignatureHeader, channel.SignHMAC(secret, raw))
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := channel.Call(ctx, a.http, http.MethodPost, endpoint, header, json.RawMessage(raw), &resp); err != nil {
		return nil, err
	}
	return &channel.Response{ProviderMessageID: resp.ID}, nil
}
