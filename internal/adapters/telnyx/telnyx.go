// Package telnyx connects SMS numbers provisioned on Telnyx.
package telnyx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/matheus3301/integrations/internal/channel"
	"github.com/matheus3301/integrations/internal/resolver"
	"github.com/matheus3301/integrations/internal/store"
	"go.uber.org/zap"
)

// signatureSkew bounds how old a signed delivery may be.
const signatureSkew = 5 * time.Minute

// Config holds the Telnyx messaging settings.
type Config struct {
	APIURL string
	APIKey string
	// PublicKey is the base64 ed25519 key webhooks are signed with. Empty
	// accepts unsigned deliveries.
	PublicKey string
}

type adapter struct {
	cfg    Config
	http   channel.Doer
	logger *zap.Logger
}

// New returns the Telnyx channel adapter.
func New(cfg Config, doer channel.Doer, logger *zap.Logger) *channel.Adapter {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.telnyx.com"
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	a := &adapter{cfg: cfg, http: doer, logger: logger.Named("telnyx")}
	return &channel.Adapter{
		Kind:   store.KindTelnyx,
		Parser: a,
		Sender: a,
	}
}

type number struct {
	PhoneNumber string `json:"phone_number"`
}

type webhook struct {
	Data struct {
		EventType string `json:"event_type"`
		Payload   struct {
			ID         string   `json:"id"`
			Text       string   `json:"text"`
			From       number   `json:"from"`
			To         []number `json:"to"`
			ReceivedAt string   `json:"received_at"`
			Media      []struct {
				URL         string `json:"url"`
				ContentType string `json:"content_type"`
				Size        int64  `json:"size"`
			} `json:"media"`
		} `json:"payload"`
	} `json:"data"`
}

// Parse reads message.received events. The destination number routes the
// event; the sender's number is both the customer and the thread.
func (a *adapter) Parse(_ context.Context, in channel.Inbound) ([]resolver.Event, error) {
	if !channel.VerifyEd25519(a.cfg.PublicKey, in.Body,
		in.Header.Get("Telnyx-Signature-Ed25519"), in.Header.Get("Telnyx-Timestamp"), time.Now(), signatureSkew) {
		return nil, channel.ErrBadSignature
	}
	var w webhook
	if err := json.Unmarshal(in.Body, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrInvalidPayload, err)
	}
	if w.Data.EventType != "message.received" {
		return nil, nil
	}
	p := w.Data.Payload
	if p.ID == "" || p.From.PhoneNumber == "" || len(p.To) == 0 {
		return nil, fmt.Errorf("%w: id, from and to are required", channel.ErrInvalidPayload)
	}

	ev := resolver.Event{
		Channel:    store.KindTelnyx,
		ChannelKey: p.To[0].PhoneNumber,
		UserID:     p.From.PhoneNumber,
		Profile:    resolver.Profile{Phone: p.From.PhoneNumber},
		ThreadKey:  p.From.PhoneNumber,
		MessageID:  p.ID,
		Content:    p.Text,
	}
	if ts, err := time.Parse(time.RFC3339, p.ReceivedAt); err == nil {
		ev.CreatedAt = ts.UnixMilli()
	}
	for _, m := range p.Media {
		ev.Attachments = append(ev.Attachments, store.Attachment{Type: "file", URL: m.URL, MimeType: m.ContentType, Size: m.Size})
	}
	return []resolver.Event{ev}, nil
}

// Send posts an SMS (or MMS when attachments are present) from the
// integration's number.
func (a *adapter) Send(ctx context.Context, t channel.Target, r channel.Reply) (*channel.Response, error) {
	if len(t.Integration.Keys) == 0 {
		return nil, &channel.ProviderError{Kind: channel.Permanent, Message: "integration has no phone number"}
	}
	body := map[string]any{
		"from": t.Integration.Keys[0],
		"to":   t.Customer.ChannelUserID,
		"text": r.Content,
	}
	if len(r.Attachments) > 0 {
		urls := make([]string, len(r.Attachments))
		for i, att := range r.Attachments {
			urls[i] = att.URL
		}
		body["media_urls"] = urls
	}

	var resp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	header := http.Header{"Authorization": {"Bearer " + a.cfg.APIKey}}
	if err := channel.Call(ctx, a.http, http.MethodPost, a.cfg.APIURL+"/v2/messages", header, body, &resp); err != nil {
		return nil, err
	}
	return &channel.Response{ProviderMessageID: resp.Data.ID}, nil
}
