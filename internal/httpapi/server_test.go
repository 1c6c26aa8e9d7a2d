package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/integrations/internal/adapters/webhook"
	"github.com/matheus3301/integrations/internal/bus"
	"github.com/matheus3301/integrations/internal/channel"
	"github.com/matheus3301/integrations/internal/lifecycle"
	"github.com/matheus3301/integrations/internal/metrics"
	"github.com/matheus3301/integrations/internal/outbox"
	"github.com/matheus3301/integrations/internal/resolver"
	"github.com/matheus3301/integrations/internal/sor"
	"github.com/matheus3301/integrations/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type fakeSoR struct {
	mu   sync.Mutex
	fail error
}

func (f *fakeSoR) UpsertCustomer(_ context.Context, req sor.CustomerRequest) (string, error) {
	return f.id("customer", req.LocalID)
}

func (f *fakeSoR) UpsertConversation(_ context.Context, req sor.ConversationRequest) (string, error) {
	return f.id("conversation", req.LocalID)
}

func (f *fakeSoR) CreateMessage(_ context.Context, req sor.MessageRequest) (string, error) {
	return f.id("message", req.LocalID)
}

func (f *fakeSoR) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

func (f *fakeSoR) id(entity, local string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return "", f.fail
	}
	return "erxes-" + entity + "-" + local, nil
}

// testParser reads a flat JSON event and requires X-Test-Signature: good.
type testParser struct{ kind store.Kind }

func (p testParser) Parse(_ context.Context, in channel.Inbound) ([]resolver.Event, error) {
	if in.Header.Get("X-Test-Signature") != "good" {
		return nil, channel.ErrBadSignature
	}
	var body struct {
		Key, User, Mid, Text string
	}
	if err := json.Unmarshal(in.Body, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrInvalidPayload, err)
	}
	return []resolver.Event{{
		Channel:    p.kind,
		ChannelKey: body.Key,
		UserID:     body.User,
		ThreadKey:  body.User,
		MessageID:  body.Mid,
		Content:    body.Text,
	}}, nil
}

type testVerifier struct{}

func (testVerifier) Verify(in channel.Inbound) (string, error) {
	if in.Query.Get("hub.verify_token") != "secret" {
		return "", channel.ErrVerification
	}
	return in.Query.Get("hub.challenge"), nil
}

type testSender struct{}

func (testSender) Send(_ context.Context, t channel.Target, r channel.Reply) (*channel.Response, error) {
	return &channel.Response{ProviderMessageID: "sent-" + t.Customer.ChannelUserID}, nil
}

type testEnv struct {
	db  *store.DB
	sor *fakeSoR
	bus *bus.Bus
	srv *httptest.Server
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := zap.NewNop()
	hook, err := webhook.New(db, channel.NewHTTPClient(time.Second, 100, 10), logger)
	if err != nil {
		t.Fatal(err)
	}
	reg, err := channel.NewRegistry(
		&channel.Adapter{Kind: store.KindFacebook, Parser: testParser{store.KindFacebook}, Verifier: testVerifier{}, Sender: testSender{}, NeedsAccount: true},
		&channel.Adapter{Kind: store.KindTelnyx, Parser: testParser{store.KindTelnyx}, Sender: testSender{}},
		hook,
	)
	if err != nil {
		t.Fatal(err)
	}

	b := bus.New()
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	fs := &fakeSoR{}
	s := New(Deps{
		DB:       db,
		Registry: reg,
		Resolver: resolver.New(db, fs, resolver.Options{PendingWait: 200 * time.Millisecond}, b, m, logger),
		Sender:   outbox.NewSender(db, reg, b, m, logger),
		Remover:  lifecycle.NewRemover(db, reg, b, logger),
		Bus:      b,
		Metrics:  m,
		Gatherer: promReg,
		Logger:   logger,
	})
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)
	return &testEnv{db: db, sor: fs, bus: b, srv: srv}
}

func (e *testEnv) post(t *testing.T, path, body string, header http.Header) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	return e.do(t, req)
}

func (e *testEnv) get(t *testing.T, path string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.srv.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	return e.do(t, req)
}

func (e *testEnv) do(t *testing.T, req *http.Request) (int, string) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func (e *testEnv) counts(t *testing.T) *store.Counts {
	t.Helper()
	c, err := e.db.Counts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

var signed = http.Header{"X-Test-Signature": {"good"}}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	code, body := e.get(t, "/healthz")
	if code != http.StatusOK || !strings.Contains(body, `"ok"`) {
		t.Errorf("healthz = %d %s", code, body)
	}
}

func TestVerify(t *testing.T) {
	e := newEnv(t)
	code, body := e.get(t, "/facebook/webhook?hub.mode=subscribe&hub.verify_token=secret&hub.challenge=c123")
	if code != http.StatusOK || body != "c123" {
		t.Errorf("verify = %d %q", code, body)
	}
	code, _ = e.get(t, "/facebook/webhook?hub.verify_token=wrong&hub.challenge=c123")
	if code != http.StatusForbidden {
		t.Errorf("bad token = %d, want 403", code)
	}
	code, _ = e.get(t, "/telnyx/webhook")
	if code != http.StatusMethodNotAllowed {
		t.Errorf("telnyx verify = %d, want 405", code)
	}
	code, _ = e.get(t, "/myspace/webhook")
	if code != http.StatusNotFound {
		t.Errorf("unknown channel = %d, want 404", code)
	}
}

func TestWebhookIngests(t *testing.T) {
	e := newEnv(t)
	code, body := e.post(t, "/telnyx/create-integration", `{"integrationId":"api-sms","keys":["+15550001"]}`, nil)
	if code != http.StatusCreated {
		t.Fatalf("create integration = %d %s", code, body)
	}

	payload := `{"key":"+15550001","user":"+15559999","mid":"m1","text":"hello"}`
	for i := 0; i < 2; i++ {
		code, body = e.post(t, "/telnyx/webhook", payload, signed)
		if code != http.StatusOK || !strings.Contains(body, `"ok"`) {
			t.Fatalf("delivery %d = %d %s", i, code, body)
		}
	}
	c := e.counts(t)
	if c.Customers != 1 || c.Conversations != 1 || c.Messages != 1 {
		t.Errorf("counts = %+v", c)
	}
}

func TestWebhookRejections(t *testing.T) {
	e := newEnv(t)
	code, _ := e.post(t, "/telnyx/webhook", `{"key":"k"}`, nil)
	if code != http.StatusUnauthorized {
		t.Errorf("unsigned = %d, want 401", code)
	}
	code, _ = e.post(t, "/telnyx/webhook", `{`, signed)
	if code != http.StatusBadRequest {
		t.Errorf("malformed = %d, want 400", code)
	}
}

func TestWebhookUnknownIntegrationAcknowledged(t *testing.T) {
	e := newEnv(t)
	ch, stop := e.bus.Subscribe(bus.KindInboundDropped, 1)
	defer stop()

	code, _ := e.post(t, "/telnyx/webhook", `{"key":"+1000","user":"u","mid":"m1"}`, signed)
	if code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no inbound.dropped event")
	}
	if c := e.counts(t); c.Customers != 0 {
		t.Errorf("customers = %d, want 0", c.Customers)
	}
}

func TestWebhookIngestFailureAcknowledged(t *testing.T) {
	e := newEnv(t)
	e.post(t, "/telnyx/create-integration", `{"integrationId":"api-sms","keys":["+15550001"]}`, nil)
	e.sor.setFail(errors.New("main api down"))

	code, _ := e.post(t, "/telnyx/webhook", `{"key":"+15550001","user":"u","mid":"m1"}`, signed)
	if code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
	if c := e.counts(t); c.Customers != 0 || c.Conversations != 0 || c.Messages != 0 {
		t.Errorf("counts after failed registration = %+v", c)
	}
}

func TestGenericWebhook(t *testing.T) {
	e := newEnv(t)
	code, body := e.post(t, "/webhook/create-integration", `{"integrationId":"hook-1"}`, nil)
	if code != http.StatusCreated {
		t.Fatalf("create integration = %d %s", code, body)
	}

	code, _ = e.post(t, "/webhook/hook-1/webhook", `{"customerId":"c1","content":"hi"}`, nil)
	if code != http.StatusBadRequest {
		t.Errorf("schema violation = %d, want 400", code)
	}

	code, _ = e.post(t, "/webhook/hook-1/webhook", `{"customerId":"c1","messageId":"m1","content":"hi"}`, nil)
	if code != http.StatusOK {
		t.Errorf("valid delivery = %d, want 200", code)
	}
	if c := e.counts(t); c.Messages != 1 {
		t.Errorf("messages = %d, want 1", c.Messages)
	}
}

func TestCreateIntegrationValidation(t *testing.T) {
	e := newEnv(t)
	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"missing id", "/telnyx/create-integration", `{"keys":["k"]}`, http.StatusBadRequest},
		{"empty key", "/telnyx/create-integration", `{"integrationId":"a","keys":[""]}`, http.StatusBadRequest},
		{"needs account", "/facebook/create-integration", `{"integrationId":"a","keys":["P1"]}`, http.StatusBadRequest},
		{"unknown account", "/facebook/create-integration", `{"integrationId":"a","accountId":"nope","keys":["P1"]}`, http.StatusNotFound},
		{"bad json", "/telnyx/create-integration", `[`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := e.post(t, tt.path, tt.body, nil)
			if code != tt.want {
				t.Errorf("status = %d %s, want %d", code, body, tt.want)
			}
		})
	}
}

func TestAccountProvisioningAndRemoval(t *testing.T) {
	e := newEnv(t)
	code, body := e.post(t, "/accounts", `{"kind":"facebook","uid":"fb-1","token":"tok"}`, nil)
	if code != http.StatusCreated {
		t.Fatalf("create account = %d %s", code, body)
	}
	var created struct{ AccountID string }
	if err := json.Unmarshal([]byte(body), &created); err != nil {
		t.Fatal(err)
	}

	code, body = e.post(t, "/accounts", `{"kind":"facebook","uid":"fb-1","token":"tok-2"}`, nil)
	if code != http.StatusOK || !strings.Contains(body, created.AccountID) {
		t.Fatalf("reuse account = %d %s", code, body)
	}

	payload := fmt.Sprintf(`{"integrationId":"api-fb","accountId":%q,"keys":["P1"]}`, created.AccountID)
	if code, body = e.post(t, "/facebook/create-integration", payload, nil); code != http.StatusCreated {
		t.Fatalf("create integration = %d %s", code, body)
	}
	if code, _ = e.post(t, "/facebook/create-integration", payload, nil); code != http.StatusOK {
		t.Errorf("repeat create = %d, want 200", code)
	}

	code, body = e.post(t, "/accounts/"+created.AccountID+"/remove", ``, nil)
	if code != http.StatusOK || !strings.Contains(body, "api-fb") {
		t.Fatalf("remove account = %d %s", code, body)
	}
	if c := e.counts(t); c.Accounts != 0 || c.Integrations != 0 {
		t.Errorf("counts = %+v", c)
	}
	if code, _ = e.post(t, "/accounts/"+created.AccountID+"/remove", ``, nil); code != http.StatusNotFound {
		t.Errorf("second removal = %d, want 404", code)
	}
}

func TestReply(t *testing.T) {
	e := newEnv(t)
	e.post(t, "/telnyx/create-integration", `{"integrationId":"api-sms","keys":["+15550001"]}`, nil)
	e.post(t, "/telnyx/webhook", `{"key":"+15550001","user":"+15559999","mid":"m1","text":"hi"}`, signed)

	conv, err := e.db.FindConversation(context.Background(), store.KindTelnyx, mustIntegration(t, e, "api-sms").ID, "+15559999")
	if err != nil || conv == nil {
		t.Fatalf("conversation = %v, %v", conv, err)
	}

	code, body := e.post(t, "/telnyx/reply", fmt.Sprintf(`{"conversationId":%q,"content":"hello back"}`, conv.CanonicalID), nil)
	if code != http.StatusOK || !strings.Contains(body, "sent-+15559999") {
		t.Fatalf("reply = %d %s", code, body)
	}

	code, _ = e.post(t, "/telnyx/reply", `{"conversationId":"missing","content":"x"}`, nil)
	if code != http.StatusNotFound {
		t.Errorf("unknown conversation = %d, want 404", code)
	}
	code, _ = e.post(t, "/telnyx/reply", `{"conversationId":"x"}`, nil)
	if code != http.StatusBadRequest {
		t.Errorf("empty reply = %d, want 400", code)
	}
	code, _ = e.post(t, "/telnyx/reply", fmt.Sprintf(`{"conversationId":%q,"content":"x","subject":"hi\r\nBcc: evil@example.com"}`, conv.CanonicalID), nil)
	if code != http.StatusBadRequest {
		t.Errorf("multi-line subject = %d, want 400", code)
	}
}

func TestListMessages(t *testing.T) {
	e := newEnv(t)
	e.post(t, "/telnyx/create-integration", `{"integrationId":"api-sms","keys":["+15550001"]}`, nil)
	e.post(t, "/telnyx/webhook", `{"key":"+15550001","user":"+15559999","mid":"m1","text":"hi"}`, signed)

	conv, err := e.db.FindConversation(context.Background(), store.KindTelnyx, mustIntegration(t, e, "api-sms").ID, "+15559999")
	if err != nil || conv == nil {
		t.Fatalf("conversation = %v, %v", conv, err)
	}
	if code, body := e.post(t, "/telnyx/reply", fmt.Sprintf(`{"conversationId":%q,"content":"hello back"}`, conv.CanonicalID), nil); code != http.StatusOK {
		t.Fatalf("reply = %d %s", code, body)
	}

	code, body := e.get(t, "/conversations/"+conv.CanonicalID+"/messages")
	if code != http.StatusOK {
		t.Fatalf("list = %d %s", code, body)
	}
	var got struct {
		Messages []struct {
			Content string `json:"content"`
			FromMe  bool   `json:"fromMe"`
		} `json:"messages"`
	}
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 2 || got.Messages[0].Content != "hi" || !got.Messages[1].FromMe {
		t.Errorf("messages = %+v", got.Messages)
	}

	if code, body = e.get(t, "/conversations/"+conv.ID+"/messages?limit=1"); code != http.StatusOK || strings.Contains(body, "hello back") {
		t.Errorf("limited list by local id = %d %s", code, body)
	}
	if code, _ = e.get(t, "/conversations/missing/messages"); code != http.StatusNotFound {
		t.Errorf("unknown conversation = %d, want 404", code)
	}
	if code, _ = e.get(t, "/conversations/"+conv.ID+"/messages?limit=x"); code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", code)
	}
}

func TestRemoveIntegration(t *testing.T) {
	e := newEnv(t)
	e.post(t, "/telnyx/create-integration", `{"integrationId":"api-sms","keys":["+15550001"]}`, nil)

	if code, body := e.post(t, "/integrations/api-sms/remove", ``, nil); code != http.StatusOK {
		t.Fatalf("remove = %d %s", code, body)
	}
	if code, _ := e.post(t, "/integrations/api-sms/remove", ``, nil); code != http.StatusNotFound {
		t.Errorf("second remove = %d, want 404", code)
	}
}

func TestMetrics(t *testing.T) {
	e := newEnv(t)
	e.post(t, "/telnyx/webhook", `{"key":"k"}`, nil)

	code, body := e.get(t, "/metrics")
	if code != http.StatusOK {
		t.Fatalf("metrics = %d", code)
	}
	if !strings.Contains(body, `integrations_webhook_events_total{channel="telnyx",outcome="rejected"} 1`) {
		t.Errorf("metrics output missing rejection counter:\n%s", body)
	}
}

func mustIntegration(t *testing.T, e *testEnv, apiID string) *store.Integration {
	t.Helper()
	in, err := e.db.GetIntegrationByErxesAPIID(context.Background(), apiID)
	if err != nil || in == nil {
		t.Fatalf("integration %s = %v, %v", apiID, in, err)
	}
	return in
}
