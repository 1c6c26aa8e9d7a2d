package smooch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matheus3301/integrations/internal/channel"
	"github.com/matheus3301/integrations/internal/store"
	"go.uber.org/zap"
)

func newAdapter(apiURL string) *channel.Adapter {
	return New(Config{APIURL: apiURL}, channel.NewHTTPClient(time.Second, 100, 10), zap.NewNop())
}

func TestParse(t *testing.T) {
	body := `{
	  "trigger": "message:appUser",
	  "app": {"_id": "app1"},
	  "appUser": {"_id": "u1", "givenName": "Lee", "surname": "Park", "email": "lee@x.test"},
	  "conversation": {"_id": "c1"},
	  "messages": [
	    {"_id": "m1", "type": "text", "text": "hey", "role": "appUser", "received": 1700000000.5},
	    {"_id": "m2", "type": "image", "role": "appUser", "mediaUrl": "https://cdn.test/i.png", "mediaType": "image/png"},
	    {"_id": "m3", "type": "text", "text": "bot", "role": "appMaker"}
	  ]
	}`
	events, err := newAdapter("").Parser.Parse(context.Background(), channel.Inbound{Body: []byte(body)})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if ev := events[0]; ev.ChannelKey != "app1" || ev.UserID != "u1" || ev.ThreadKey != "c1" || ev.Profile.Name != "Lee Park" {
		t.Errorf("event = %+v", ev)
	}
	if ev := events[1]; len(ev.Attachments) != 1 || ev.Attachments[0].URL != "https://cdn.test/i.png" {
		t.Errorf("attachments = %+v", ev.Attachments)
	}
}

func TestParseIgnoresOtherTriggers(t *testing.T) {
	events, err := newAdapter("").Parser.Parse(context.Background(), channel.Inbound{Body: []byte(`{"trigger":"conversation:read"}`)})
	if err != nil || len(events) != 0 {
		t.Errorf("got %v, %v", events, err)
	}
}

func TestSend(t *testing.T) {
	var user, pass, path string
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ = r.BasicAuth()
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"message":{"_id":"out1"}}`))
	}))
	defer srv.Close()

	target := channel.Target{
		Integration: &store.Integration{Keys: []string{"app1"}, Extra: store.Extra{ExtraKeyID: "k", ExtraSecret: "s"}},
		Customer:    &store.Customer{ChannelUserID: "u1"},
	}
	resp, err := newAdapter(srv.URL).Sender.Send(context.Background(), target, channel.Reply{Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.ProviderMessageID != "out1" || user != "k" || pass != "s" {
		t.Errorf("resp = %+v auth = %s:%s", resp, user, pass)
	}
	if path != "/v1.1/apps/app1/appusers/u1/messages" || body["text"] != "hello" {
		t.Errorf("path = %q body = %v", path, body)
	}
}

func TestSendWithoutCredentials(t *testing.T) {
	target := channel.Target{Integration: &store.Integration{}, Customer: &store.Customer{ChannelUserID: "u1"}}
	_, err := newAdapter("").Sender.Send(context.Background(), target, channel.Reply{Content: "x"})
	if err == nil || channel.IsTokenExpired(err) {
		t.Errorf("err = %v, want permanent failure", err)
	}
}
