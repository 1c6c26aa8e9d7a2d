// Package smooch connects channels brokered by Smooch (Sunshine
// Conversations) apps.
package smooch

import (
	"context"
	"encoding/base64"
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

// Integration extra keys holding the app's API key pair.
const (
	ExtraKeyID  = "key_id"
	ExtraSecret = "secret"
)

// Config holds the Smooch API settings.
type Config struct {
	APIURL string
}

type adapter struct {
	cfg    Config
	http   channel.Doer
	logger *zap.Logger
}

// New returns the Smooch channel adapter.
func New(cfg Config, doer channel.Doer, logger *zap.Logger) *channel.Adapter {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.smooch.io"
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	a := &adapter{cfg: cfg, http: doer, logger: logger.Named("smooch")}
	return &channel.Adapter{
		Kind:   store.KindSmooch,
		Parser: a,
		Sender: a,
	}
}

type webhook struct {
	Trigger string `json:"trigger"`
	App     struct {
		ID string `json:"_id"`
	} `json:"app"`
	AppUser struct {
		ID        string `json:"_id"`
		GivenName string `json:"givenName"`
		Surname   string `json:"surname"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatarUrl"`
	} `json:"appUser"`
	Conversation struct {
		ID string `json:"_id"`
	} `json:"conversation"`
	Messages []struct {
		ID        string  `json:"_id"`
		Type      string  `json:"type"`
		Text      string  `json:"text"`
		Role      string  `json:"role"`
		MediaURL  string  `json:"mediaUrl"`
		MediaType string  `json:"mediaType"`
		Received  float64 `json:"received"`
	} `json:"messages"`
}

// Parse reads message:appUser triggers. Business and system messages are
// skipped.
func (a *adapter) Parse(_ context.Context, in channel.Inbound) ([]resolver.Event, error) {
	var w webhook
	if err := json.Unmarshal(in.Body, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrInvalidPayload, err)
	}
	if w.Trigger != "message:appUser" {
		return nil, nil
	}
	if w.App.ID == "" || w.AppUser.ID == "" || w.Conversation.ID == "" {
		return nil, fmt.Errorf("%w: app, appUser and conversation ids are required", channel.ErrInvalidPayload)
	}

	name := strings.TrimSpace(w.AppUser.GivenName + " " + w.AppUser.Surname)
	var events []resolver.Event
	for _, m := range w.Messages {
		if m.Role != "appUser" || m.ID == "" {
			continue
		}
		ev := resolver.Event{
			Channel:    store.KindSmooch,
			ChannelKey: w.App.ID,
			UserID:     w.AppUser.ID,
			Profile:    resolver.Profile{Name: name, Email: w.AppUser.Email, Avatar: w.AppUser.AvatarURL},
			ThreadKey:  w.Conversation.ID,
			MessageID:  m.ID,
			Content:    m.Text,
			CreatedAt:  int64(m.Received * 1000),
		}
		if m.MediaURL != "" {
			ev.Attachments = store.Attachments{{Type: m.Type, URL: m.MediaURL, MimeType: m.MediaType}}
		}
		events = append(events, ev)
	}
	return events, nil
}

// Send posts a business message to the app user. Credentials come from the
// integration's key pair.
func (a *adapter) Send(ctx context.Context, t channel.Target, r channel.Reply) (*channel.Response, error) {
	keyID, secret := t.Integration.Extra[ExtraKeyID], t.Integration.Extra[ExtraSecret]
	if keyID == "" || secret == "" {
		return nil, &channel.ProviderError{Kind: channel.Permanent, Message: "integration has no smooch key pair"}
	}
	appID := ""
	if len(t.Integration.Keys) > 0 {
		appID = t.Integration.Keys[0]
	}
	endpoint := fmt.Sprintf("%s/v1.1/apps/%s/appusers/%s/messages",
		a.cfg.APIURL, url.PathEscape(appID), url.PathEscape(t.Customer.ChannelUserID))

	auth := base64.StdEncoding.EncodeToString([]byte(keyID + ":" + secret))
	header := http.Header{"Authorization": {"Basic " + auth}}

	body := map[string]any{
		"role":   "appMaker",
		"type":   "text",
		"text":   r.Content,
		"author": map[string]string{"type": "business"},
	}
	if len(r.Attachments) > 0 {
		body["type"] = "file"
		body["mediaUrl"] = r.Attachments[0].URL
	}

	var resp struct {
		Message struct {
			ID string `json:"_id"`
		} `json:"message"`
	}
	if err := channel.Call(ctx, a.http, http.MethodPost, endpoint, header, body, &resp); err != nil {
		return nil, err
	}
	return &channel.Response{ProviderMessageID: resp.Message.ID}, nil
}
