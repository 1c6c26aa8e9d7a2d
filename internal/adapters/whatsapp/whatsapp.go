// Package whatsapp connects WhatsApp numbers served by a hosted instance
// API. Each account is one instance; its token authorizes sends.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/matheus3301/integrations/internal/channel"
	"github.com/matheus3301/integrations/internal/resolver"
	"github.com/matheus3301/integrations/internal/store"
	"go.uber.org/zap"
)

// Config holds the instance API settings.
type Config struct {
	APIURL string
	// WebhookToken must arrive as the "token" query parameter of every
	// delivery. Empty accepts any delivery.
	WebhookToken string
}

type adapter struct {
	cfg    Config
	http   channel.Doer
	logger *zap.Logger
}

// New returns the WhatsApp channel adapter.
func New(cfg Config, doer channel.Doer, logger *zap.Logger) *channel.Adapter {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.chat-api.com"
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	a := &adapter{cfg: cfg, http: doer, logger: logger.Named("whatsapp")}
	return &channel.Adapter{
		Kind:         store.KindWhatsApp,
		Parser:       a,
		Sender:       a,
		Auth:         a,
		Unsubscriber: a,
		NeedsAccount: true,
	}
}

type webhook struct {
	InstanceID json.Number `json:"instanceId"`
	Messages   []struct {
		ID         string `json:"id"`
		Body       string `json:"body"`
		Type       string `json:"type"`
		FromMe     bool   `json:"fromMe"`
		Author     string `json:"author"`
		ChatID     string `json:"chatId"`
		SenderName string `json:"senderName"`
		Caption    string `json:"caption"`
		Time       int64  `json:"time"`
	} `json:"messages"`
}

// phone strips the WhatsApp JID suffix.
func phone(jid string) string {
	p, _, _ := strings.Cut(jid, "@")
	return p
}

// Parse reads instance message batches. Outgoing copies (fromMe) and
// status-only payloads yield nothing.
func (a *adapter) Parse(_ context.Context, in channel.Inbound) ([]resolver.Event, error) {
	if !channel.VerifyToken(a.cfg.WebhookToken, in.Query.Get("token")) {
		return nil, channel.ErrBadSignature
	}
	var w webhook
	if err := json.Unmarshal(in.Body, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrInvalidPayload, err)
	}
	if w.InstanceID == "" {
		return nil, nil
	}

	var events []resolver.Event
	for _, m := range w.Messages {
		if m.FromMe || m.ID == "" || m.ChatID == "" {
			continue
		}
		author := m.Author
		if author == "" {
			author = m.ChatID
		}
		ev := resolver.Event{
			Channel:    store.KindWhatsApp,
			ChannelKey: w.InstanceID.String(),
			UserID:     phone(author),
			Profile:    resolver.Profile{Name: m.SenderName, Phone: phone(author)},
			ThreadKey:  m.ChatID,
			MessageID:  m.ID,
			Content:    m.Body,
			CreatedAt:  m.Time * 1000,
		}
		if m.Type != "" && m.Type != "chat" {
			// Media messages carry the file URL in the body.
			ev.Content = m.Caption
			ev.Attachments = store.Attachments{{Type: m.Type, URL: m.Body}}
		}
		events = append(events, ev)
	}
	return events, nil
}

func (a *adapter) instanceURL(acc *store.Account, method string) string {
	return fmt.Sprintf("%s/instance%s/%s?token=%s",
		a.cfg.APIURL, url.PathEscape(acc.UID), method, url.QueryEscape(acc.Token))
}

type sendResult struct {
	Sent    bool   `json:"sent"`
	ID      string `json:"id"`
	Message string `json:"message"`
}

// Send delivers text and then each attachment to the conversation's chat.
func (a *adapter) Send(ctx context.Context, t channel.Target, r channel.Reply) (*channel.Response, error) {
	chatID := t.Conversation.ThreadKey
	var last string
	if r.Content != "" {
		id, err := a.send(ctx, t.Account, "sendMessage", map[string]string{"chatId": chatID, "body": r.Content})
		if err != nil {
			return nil, err
		}
		last = id
	}
	for _, att := range r.Attachments {
		name := att.Name
		if name == "" {
			name = "file"
		}
		id, err := a.send(ctx, t.Account, "sendFile", map[string]string{"chatId": chatID, "body": att.URL, "filename": name})
		if err != nil {
			return nil, err
		}
		last = id
	}
	return &channel.Response{ProviderMessageID: last}, nil
}

func (a *adapter) send(ctx context.Context, acc *store.Account, method string, body any) (string, error) {
	var out sendResult
	if err := channel.Call(ctx, a.http, http.MethodPost, a.instanceURL(acc, method), nil, body, &out); err != nil {
		return "", err
	}
	if !out.Sent {
		// The instance API answers 200 with sent=false for a bad token.
		if strings.Contains(strings.ToLower(out.Message), "token") {
			return "", &channel.ProviderError{Kind: channel.TokenExpired, Message: out.Message}
		}
		return "", &channel.ProviderError{Kind: channel.Permanent, Message: out.Message}
	}
	return out.ID, nil
}

// Refresh asks the instance for a new token using the account's refresh
// token.
func (a *adapter) Refresh(ctx context.Context, acc *store.Account) (*channel.Credentials, error) {
	if acc.RefreshToken == "" {
		return nil, &channel.ProviderError{Kind: channel.Permanent, Message: "instance has no refresh token"}
	}
	endpoint := fmt.Sprintf("%s/instance%s/token", a.cfg.APIURL, url.PathEscape(acc.UID))
	var out struct {
		Token string `json:"token"`
	}
	if err := channel.Call(ctx, a.http, http.MethodPost, endpoint, nil, map[string]string{"refreshToken": acc.RefreshToken}, &out); err != nil {
		return nil, err
	}
	if out.Token == "" {
		return nil, &channel.ProviderError{Kind: channel.Permanent, Message: "instance returned no token"}
	}
	return &channel.Credentials{Token: out.Token}, nil
}

// Unsubscribe clears the instance's webhook URL.
func (a *adapter) Unsubscribe(ctx context.Context, acc *store.Account, _ *store.Integration) error {
	if err := channel.Call(ctx, a.http, http.MethodPost, a.instanceURL(acc, "webhook"), nil, map[string]string{"webhookUrl": ""}, nil); err != nil {
		return fmt.Errorf("clear instance webhook: %w", err)
	}
	return nil
}
