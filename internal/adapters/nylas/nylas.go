// Package nylas connects mailboxes hosted through Nylas.
package nylas

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/matheus3301/integrations/internal/adapters/mail"
	"github.com/matheus3301/integrations/internal/channel"
	"github.com/matheus3301/integrations/internal/resolver"
	"github.com/matheus3301/integrations/internal/store"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// Config holds the Nylas API and OAuth client settings.
type Config struct {
	APIURL       string
	TokenURL     string
	ClientID     string
	ClientSecret string
	// WebhookSecret verifies X-Nylas-Signature when set.
	WebhookSecret string
}

type adapter struct {
	cfg    Config
	http   channel.Doer
	body   *mail.Body
	logger *zap.Logger
}

// New returns the Nylas channel adapter.
func New(cfg Config, doer channel.Doer, tokenClient *http.Client, logger *zap.Logger) *channel.Adapter {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.nylas.com"
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.TokenURL == "" {
		cfg.TokenURL = cfg.APIURL + "/connect/token"
	}
	a := &adapter{cfg: cfg, http: doer, body: mail.NewBody(), logger: logger.Named("nylas")}
	return &channel.Adapter{
		Kind:   store.KindNylas,
		Parser: a,
		Sender: a,
		Auth: &channel.OAuthRefresher{
			Config: &oauth2.Config{
				ClientID:     cfg.ClientID,
				ClientSecret: cfg.ClientSecret,
				Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
			},
			Client: tokenClient,
		},
		Unsubscriber: a,
		NeedsAccount: true,
	}
}

type participant struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type message struct {
	ThreadID string            `json:"thread_id"`
	Subject  string            `json:"subject"`
	From     []participant     `json:"from"`
	Body     string            `json:"body"`
	Snippet  string            `json:"snippet"`
	Date     int64             `json:"date"`
	Headers  map[string]string `json:"headers"`
	Files    []struct {
		ID          string `json:"id"`
		Filename    string `json:"filename"`
		ContentType string `json:"content_type"`
		Size        int64  `json:"size"`
	} `json:"files"`
}

type delta struct {
	Type       string `json:"type"`
	ObjectData struct {
		AccountID  string  `json:"account_id"`
		ID         string  `json:"id"`
		Attributes message `json:"attributes"`
	} `json:"object_data"`
}

// Parse reads message.created deltas. The Nylas account id routes the
// event and the first sender identifies the customer.
func (a *adapter) Parse(_ context.Context, in channel.Inbound) ([]resolver.Event, error) {
	if !channel.VerifyHMAC(a.cfg.WebhookSecret, in.Body, in.Header.Get("X-Nylas-Signature")) {
		return nil, channel.ErrBadSignature
	}
	var payload struct {
		Deltas []delta `json:"deltas"`
	}
	if err := json.Unmarshal(in.Body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrInvalidPayload, err)
	}

	var events []resolver.Event
	for _, d := range payload.Deltas {
		if d.Type != "message.created" {
			continue
		}
		m := d.ObjectData.Attributes
		if d.ObjectData.ID == "" || m.ThreadID == "" || len(m.From) == 0 {
			a.logger.Warn("skipping incomplete delta", zap.String("id", d.ObjectData.ID))
			continue
		}
		from := strings.ToLower(m.From[0].Email)
		ev := resolver.Event{
			Channel:    store.KindNylas,
			ChannelKey: d.ObjectData.AccountID,
			UserID:     from,
			Profile:    resolver.Profile{Name: m.From[0].Name, Email: from},
			ThreadKey:  m.ThreadID,
			MessageID:  d.ObjectData.ID,
			Content:    a.body.Content(m.Body, m.Snippet),
			HeaderID:   m.Headers["Message-Id"],
			InReplyTo:  m.Headers["In-Reply-To"],
			References: mail.HeaderIDs(m.Headers["References"]),
			CreatedAt:  m.Date * 1000,
		}
		for _, f := range m.Files {
			ev.Attachments = append(ev.Attachments, store.Attachment{
				Type:     "file",
				URL:      a.cfg.APIURL + "/files/" + f.ID + "/download",
				Name:     f.Filename,
				MimeType: f.ContentType,
				Size:     f.Size,
			})
		}
		events = append(events, ev)
	}
	return events, nil
}

func bearer(acc *store.Account) http.Header {
	return http.Header{"Authorization": {"Bearer " + acc.Token}}
}

// Send replies through /send, threading on the newest message.
func (a *adapter) Send(ctx context.Context, t channel.Target, r channel.Reply) (*channel.Response, error) {
	body := map[string]any{
		"to":      []participant{{Email: t.Customer.ChannelUserID, Name: t.Customer.Name}},
		"subject": mail.ReplySubject(r.Subject),
		"body":    r.Content,
	}
	if len(r.CC) > 0 {
		cc := make([]participant, len(r.CC))
		for i, addr := range r.CC {
			cc[i] = participant{Email: addr}
		}
		body["cc"] = cc
	}
	if t.Last != nil && t.Last.ProviderMessageID != "" && !t.Last.FromMe {
		body["reply_to_message_id"] = t.Last.ProviderMessageID
	}

	var resp struct {
		ID       string `json:"id"`
		ThreadID string `json:"thread_id"`
	}
	if err := channel.Call(ctx, a.http, http.MethodPost, a.cfg.APIURL+"/send", bearer(t.Account), body, &resp); err != nil {
		return nil, err
	}
	return &channel.Response{ProviderMessageID: resp.ID}, nil
}

// Unsubscribe revokes the account's Nylas token so no further deltas are
// delivered for it.
func (a *adapter) Unsubscribe(ctx context.Context, acc *store.Account, _ *store.Integration) error {
	if err := channel.Call(ctx, a.http, http.MethodPost, a.cfg.APIURL+"/oauth/revoke", bearer(acc), nil, nil); err != nil {
		return fmt.Errorf("revoke nylas token: %w", err)
	}
	return nil
}
