package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matheus3301/integrations/internal/channel"
	"github.com/matheus3301/integrations/internal/store"
	"go.uber.org/zap"
)

type fakeIntegrations map[string]*store.Integration

func (f fakeIntegrations) GetIntegrationByErxesAPIID(_ context.Context, id string) (*store.Integration, error) {
	return f[id], nil
}

func newAdapter(t *testing.T, integrations fakeIntegrations) *channel.Adapter {
	t.Helper()
	a, err := New(integrations, channel.NewHTTPClient(time.Second, 100, 10), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestParse(t *testing.T) {
	a := newAdapter(t, fakeIntegrations{"api1": {ErxesAPIID: "api1"}})
	body := `{"customerId":"c-9","messageId":"x1","content":"hi","email":"c9@x.test","createdAt":1700000000000,
	  "attachments":[{"url":"https://cdn.test/f.txt","name":"f.txt"}]}`
	events, err := a.Parser.Parse(context.Background(), channel.Inbound{Header: http.Header{}, Body: []byte(body), Key: "api1"})
	if err != nil {
		t.Fatal(err)
	}
	ev := events[0]
	if ev.ChannelKey != "api1" || ev.UserID != "c-9" || ev.ThreadKey != "c-9" || ev.MessageID != "x1" || ev.Profile.Email != "c9@x.test" {
		t.Errorf("event = %+v", ev)
	}
	if len(ev.Attachments) != 1 || ev.Attachments[0].Name != "f.txt" {
		t.Errorf("attachments = %+v", ev.Attachments)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	a := newAdapter(t, fakeIntegrations{})
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"missing customer", `{"messageId":"x1"}`},
		{"empty message id", `{"customerId":"c","messageId":""}`},
		{"wrong type", `{"customerId":"c","messageId":"m","createdAt":"yesterday"}`},
		{"attachment without url", `{"customerId":"c","messageId":"m","attachments":[{"name":"a"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Parser.Parse(context.Background(), channel.Inbound{Header: http.Header{}, Body: []byte(tt.body), Key: "api1"})
			if !errors.Is(err, channel.ErrInvalidPayload) {
				t.Errorf("err = %v, want ErrInvalidPayload", err)
			}
		})
	}
}

func TestParseSignature(t *testing.T) {
	a := newAdapter(t, fakeIntegrations{"api1": {ErxesAPIID: "api1", Extra: store.Extra{ExtraSecret: "s"}}})
	body := []byte(`{"customerId":"c","messageId":"m"}`)

	_, err := a.Parser.Parse(context.Background(), channel.Inbound{Header: http.Header{}, Body: body, Key: "api1"})
	if !errors.Is(err, channel.ErrBadSignature) {
		t.Errorf("err = %v, want ErrBadSignature", err)
	}
	h := http.Header{SignatureHeader: {channel.SignHMAC("s", body)}}
	if _, err := a.Parser.Parse(context.Background(), channel.Inbound{Header: h, Body: body, Key: "api1"}); err != nil {
		t.Error(err)
	}
}

func TestSendSignsCallback(t *testing.T) {
	var got callback
	var valid bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&raw)
		valid = channel.VerifyHMAC("s", raw, r.Header.Get(SignatureHeader))
		_ = json.Unmarshal(raw, &got)
		_, _ = w.Write([]byte(`{"id":"cb1"}`))
	}))
	defer srv.Close()

	a := newAdapter(t, fakeIntegrations{})
	target := channel.Target{
		Integration:  &store.Integration{Extra: store.Extra{ExtraCallbackURL: srv.URL, ExtraSecret: "s"}},
		Conversation: &store.Conversation{CanonicalID: "erxes-conv", ThreadKey: "c-9"},
		Customer:     &store.Customer{ChannelUserID: "c-9"},
	}
	resp, err := a.Sender.Send(context.Background(), target, channel.Reply{Content: "answer"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.ProviderMessageID != "cb1" || !valid {
		t.Errorf("resp = %+v signature valid = %v", resp, valid)
	}
	if got.ConversationID != "erxes-conv" || got.Content != "answer" {
		t.Errorf("callback = %+v", got)
	}
}
