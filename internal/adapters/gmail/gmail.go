// Package gmail connects Gmail mailboxes. Inbound mail arrives as JSON
// notifications produced by the mailbox watcher.
package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/matheus3301/integrations/internal/adapters/mail"
	"github.com/matheus3301/integrations/internal/channel"
	"github.com/matheus3301/integrations/internal/resolver"
	"github.com/matheus3301/integrations/internal/store"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// Config holds the Gmail API and OAuth client settings.
type Config struct {
	APIURL       string
	TokenURL     string
	ClientID     string
	ClientSecret string
}

type adapter struct {
	cfg    Config
	http   channel.Doer
	body   *mail.Body
	logger *zap.Logger
}

// New returns the Gmail channel adapter.
func New(cfg Config, doer channel.Doer, tokenClient *http.Client, logger *zap.Logger) *channel.Adapter {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://gmail.googleapis.com"
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = "https://oauth2.googleapis.com/token"
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	a := &adapter{cfg: cfg, http: doer, body: mail.NewBody(), logger: logger.Named("gmail")}
	return &channel.Adapter{
		Kind:   store.KindGmail,
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

type notification struct {
	To          string             `json:"to"`
	From        string             `json:"from"`
	Subject     string             `json:"subject"`
	ThreadID    string             `json:"threadId"`
	MessageID   string             `json:"messageId"`
	HeaderID    string             `json:"headerId"`
	InReplyTo   string             `json:"inReplyTo"`
	References  string             `json:"references"`
	HTML        string             `json:"html"`
	Text        string             `json:"text"`
	InternalMS  int64              `json:"internalDate,string"`
	Attachments []store.Attachment `json:"attachments"`
}

// Parse reads one mail notification. The recipient mailbox routes the
// event and the sender address identifies the customer.
func (a *adapter) Parse(_ context.Context, in channel.Inbound) ([]resolver.Event, error) {
	var n notification
	if err := json.Unmarshal(in.Body, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrInvalidPayload, err)
	}
	if n.MessageID == "" || n.ThreadID == "" {
		return nil, fmt.Errorf("%w: messageId and threadId are required", channel.ErrInvalidPayload)
	}
	to, _, err := mail.Address(n.To)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrInvalidPayload, err)
	}
	from, name, err := mail.Address(n.From)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrInvalidPayload, err)
	}

	return []resolver.Event{{
		Channel:     store.KindGmail,
		ChannelKey:  to,
		UserID:      from,
		Profile:     resolver.Profile{Name: name, Email: from},
		ThreadKey:   n.ThreadID,
		MessageID:   n.MessageID,
		Content:     a.body.Content(n.HTML, n.Text),
		Attachments: n.Attachments,
		HeaderID:    n.HeaderID,
		InReplyTo:   n.InReplyTo,
		References:  mail.HeaderIDs(n.References),
		CreatedAt:   n.InternalMS,
	}}, nil
}

func bearer(acc *store.Account) http.Header {
	return http.Header{"Authorization": {"Bearer " + acc.Token}}
}

// Send composes a reply in the conversation's thread and sends it through
// the Gmail API.
func (a *adapter) Send(ctx context.Context, t channel.Target, r channel.Reply) (*channel.Response, error) {
	out := mail.Outgoing{
		From:    t.Account.UID,
		To:      []string{t.Customer.ChannelUserID},
		CC:      r.CC,
		Subject: mail.ReplySubject(r.Subject),
		Body:    r.Content,
	}
	if t.Threaded != nil {
		out.InReplyTo = t.Threaded.HeaderID
		out.References = append(mail.HeaderIDs(t.Threaded.References), t.Threaded.HeaderID)
	}
	raw, headerID, err := mail.Compose(out)
	if err != nil {
		return nil, &channel.ProviderError{Kind: channel.Permanent, Message: "compose reply", Err: err}
	}
	body := map[string]string{
		"raw":      base64.URLEncoding.EncodeToString(raw),
		"threadId": t.Conversation.ThreadKey,
	}

	var resp struct {
		ID       string `json:"id"`
		ThreadID string `json:"threadId"`
	}
	if err := channel.Call(ctx, a.http, http.MethodPost,
		a.cfg.APIURL+"/gmail/v1/users/me/messages/send", bearer(t.Account), body, &resp); err != nil {
		return nil, err
	}
	a.logger.Debug("reply sent", zap.String("thread_id", resp.ThreadID), zap.String("message_id", resp.ID))
	return &channel.Response{ProviderMessageID: resp.ID, HeaderID: headerID}, nil
}

// Unsubscribe stops push notifications for the mailbox.
func (a *adapter) Unsubscribe(ctx context.Context, acc *store.Account, _ *store.Integration) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := channel.Call(ctx, a.http, http.MethodPost, a.cfg.APIURL+"/gmail/v1/users/me/stop", bearer(acc), nil, nil); err != nil {
		return fmt.Errorf("stop mailbox watch: %w", err)
	}
	return nil
}
