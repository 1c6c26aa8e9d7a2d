// Package facebook connects Facebook page messaging.
package facebook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/matheus3301/integrations/internal/channel"
	"github.com/matheus3301/integrations/internal/resolver"
	"github.com/matheus3301/integrations/internal/store"
	"go.uber.org/zap"
)

// PageTokenPrefix prefixes page access tokens in an account's extra.
const PageTokenPrefix = "page_token."

// Config holds the Graph API settings.
type Config struct {
	GraphURL    string
	VerifyToken string
	AppSecret   string
}

type adapter struct {
	cfg    Config
	http   channel.Doer
	logger *zap.Logger
}

// New returns the Facebook channel adapter.
func New(cfg Config, doer channel.Doer, logger *zap.Logger) *channel.Adapter {
	if cfg.GraphURL == "" {
		cfg.GraphURL = "https://graph.facebook.com/v18.0"
	}
	cfg.GraphURL = strings.TrimRight(cfg.GraphURL, "/")
	a := &adapter{cfg: cfg, http: doer, logger: logger.Named("facebook")}
	return &channel.Adapter{
		Kind:         store.KindFacebook,
		Parser:       a,
		Verifier:     a,
		Sender:       a,
		Auth:         a,
		Unsubscriber: a,
		NeedsAccount: true,
	}
}

type webhook struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string      `json:"id"`
		Messaging []messaging `json:"messaging"`
	} `json:"entry"`
}

type messaging struct {
	Sender    struct{ ID string } `json:"sender"`
	Recipient struct{ ID string } `json:"recipient"`
	Timestamp int64               `json:"timestamp"`
	Message   *struct {
		Mid         string `json:"mid"`
		Text        string `json:"text"`
		IsEcho      bool   `json:"is_echo"`
		Attachments []struct {
			Type    string `json:"type"`
			Payload struct {
				URL string `json:"url"`
			} `json:"payload"`
		} `json:"attachments"`
	} `json:"message"`
}

// Parse turns page messaging entries into events. Echoes, deliveries and
// reads carry no message and are skipped.
func (a *adapter) Parse(_ context.Context, in channel.Inbound) ([]resolver.Event, error) {
	if !channel.VerifyHMAC(a.cfg.AppSecret, in.Body, in.Header.Get("X-Hub-Signature-256")) {
		return nil, channel.ErrBadSignature
	}
	var w webhook
	if err := json.Unmarshal(in.Body, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrInvalidPayload, err)
	}
	if w.Object != "page" {
		return nil, nil
	}

	var events []resolver.Event
	for _, entry := range w.Entry {
		for _, m := range entry.Messaging {
			if m.Message == nil || m.Message.IsEcho || m.Message.Mid == "" {
				continue
			}
			ev := resolver.Event{
				Channel:    store.KindFacebook,
				ChannelKey: entry.ID,
				UserID:     m.Sender.ID,
				ThreadKey:  m.Sender.ID + ":" + m.Recipient.ID,
				MessageID:  m.Message.Mid,
				Content:    m.Message.Text,
				CreatedAt:  m.Timestamp,
			}
			for _, att := range m.Message.Attachments {
				ev.Attachments = append(ev.Attachments, store.Attachment{Type: att.Type, URL: att.Payload.URL})
			}
			events = append(events, ev)
		}
	}
	return events, nil
}

// Verify answers the hub.challenge subscription handshake.
func (a *adapter) Verify(in channel.Inbound) (string, error) {
	if in.Query.Get("hub.mode") != "subscribe" || a.cfg.VerifyToken == "" ||
		in.Query.Get("hub.verify_token") != a.cfg.VerifyToken {
		return "", channel.ErrVerification
	}
	return in.Query.Get("hub.challenge"), nil
}

// pageOf returns the page id of a conversation keyed "sender:recipient".
func pageOf(conv *store.Conversation) string {
	_, page, _ := strings.Cut(conv.ThreadKey, ":")
	return page
}

func pageToken(acc *store.Account, pageID string) string {
	if acc == nil {
		return ""
	}
	if tok := acc.Extra[PageTokenPrefix+pageID]; tok != "" {
		return tok
	}
	return acc.Token
}

type graphError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// classify recognizes Graph's invalid token error (code 190), which comes
// back as a 400 rather than a 401.
func classify(err error) error {
	var pe *channel.ProviderError
	if !errors.As(err, &pe) || pe.Status == 0 {
		return err
	}
	var ge graphError
	if json.Unmarshal([]byte(pe.Message), &ge) == nil && ge.Error.Code == 190 {
		pe.Kind = channel.TokenExpired
	}
	return pe
}

// Send posts the reply through the page's Send API.
func (a *adapter) Send(ctx context.Context, t channel.Target, r channel.Reply) (*channel.Response, error) {
	pageID := pageOf(t.Conversation)
	token := pageToken(t.Account, pageID)
	if token == "" {
		return nil, &channel.ProviderError{Kind: channel.TokenExpired, Message: "no page token for " + pageID}
	}
	endpoint := a.cfg.GraphURL + "/me/messages?access_token=" + url.QueryEscape(token)
	recipient := map[string]string{"id": t.Customer.ChannelUserID}

	var messages []map[string]any
	if r.Content != "" {
		messages = append(messages, map[string]any{"text": r.Content})
	}
	for _, att := range r.Attachments {
		typ := att.Type
		if typ == "" {
			typ = "file"
		}
		messages = append(messages, map[string]any{
			"attachment": map[string]any{"type": typ, "payload": map[string]any{"url": att.URL, "is_reusable": true}},
		})
	}

	var last string
	for _, msg := range messages {
		var out struct {
			MessageID string `json:"message_id"`
		}
		body := map[string]any{"recipient": recipient, "message": msg, "messaging_type": "RESPONSE"}
		if err := channel.Call(ctx, a.http, http.MethodPost, endpoint, nil, body, &out); err != nil {
			return nil, classify(err)
		}
		last = out.MessageID
	}
	return &channel.Response{ProviderMessageID: last}, nil
}

// Refresh exchanges the user token for fresh page tokens of every page the
// account holds a token for.
func (a *adapter) Refresh(ctx context.Context, acc *store.Account) (*channel.Credentials, error) {
	if acc.Token == "" {
		return nil, &channel.ProviderError{Kind: channel.Permanent, Message: "account has no user token"}
	}
	fresh := store.Extra{}
	for k := range acc.Extra {
		pageID, ok := strings.CutPrefix(k, PageTokenPrefix)
		if !ok {
			continue
		}
		var out struct {
			AccessToken string `json:"access_token"`
		}
		endpoint := fmt.Sprintf("%s/%s?fields=access_token&access_token=%s",
			a.cfg.GraphURL, url.PathEscape(pageID), url.QueryEscape(acc.Token))
		if err := channel.Call(ctx, a.http, http.MethodGet, endpoint, nil, nil, &out); err != nil {
			return nil, classify(err)
		}
		if out.AccessToken == "" {
			return nil, &channel.ProviderError{Kind: channel.Permanent, Message: "no page token returned for " + pageID}
		}
		fresh[k] = out.AccessToken
	}
	a.logger.Info("refreshed page tokens", zap.String("account_id", acc.ID), zap.Int("pages", len(fresh)))
	return &channel.Credentials{
		Token:     acc.Token,
		ExpiresAt: time.Now().Add(60 * 24 * time.Hour),
		Extra:     fresh,
	}, nil
}

// Unsubscribe removes the app's subscription from every page of the
// integration.
func (a *adapter) Unsubscribe(ctx context.Context, acc *store.Account, in *store.Integration) error {
	for _, pageID := range in.Keys {
		endpoint := fmt.Sprintf("%s/%s/subscribed_apps?access_token=%s",
			a.cfg.GraphURL, url.PathEscape(pageID), url.QueryEscape(pageToken(acc, pageID)))
		if err := channel.Call(ctx, a.http, http.MethodDelete, endpoint, nil, nil, nil); err != nil {
			return fmt.Errorf("unsubscribe page %s: %w", pageID, classify(err))
		}
	}
	return nil
}
