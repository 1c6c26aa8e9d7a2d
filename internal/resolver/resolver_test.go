package resolver

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/integrations/internal/bus"
	"github.com/matheus3301/integrations/internal/sor"
	"github.com/matheus3301/integrations/internal/store"
	"go.uber.org/zap"
)

// fakeSoR hands out canonical ids derived from the local id, so repeated
// registration of one row yields the same id.
type fakeSoR struct {
	mu    sync.Mutex
	delay time.Duration
	fail  map[string]error
	calls map[string]int
}

func newFakeSoR() *fakeSoR {
	return &fakeSoR{fail: map[string]error{}, calls: map[string]int{}}
}

func (f *fakeSoR) UpsertCustomer(ctx context.Context, req sor.CustomerRequest) (string, error) {
	return f.call(ctx, "customer", req.LocalID)
}

func (f *fakeSoR) UpsertConversation(ctx context.Context, req sor.ConversationRequest) (string, error) {
	return f.call(ctx, "conversation", req.LocalID)
}

func (f *fakeSoR) CreateMessage(ctx context.Context, req sor.MessageRequest) (string, error) {
	return f.call(ctx, "message", req.LocalID)
}

func (f *fakeSoR) call(ctx context.Context, entity, localID string) (string, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[entity]++
	if err := f.fail[entity]; err != nil {
		return "", err
	}
	return "erxes-" + entity + "-" + localID, nil
}

func (f *fakeSoR) count(entity string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[entity]
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func countRows(t *testing.T, db *store.DB, query string, args ...any) int64 {
	t.Helper()
	var n int64
	if err := db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func seed(t *testing.T, db *store.DB, kind store.Kind, key string) *store.Integration {
	t.Helper()
	in := &store.Integration{Kind: kind, ErxesAPIID: "api-" + key, Keys: []string{key}}
	if err := db.CreateIntegration(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	return in
}

func newTestResolver(db *store.DB, reg Registrar, opts Options) *Resolver {
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	return New(db, reg, opts, bus.New(), nil, zap.NewNop())
}

func TestResolveCustomerFastPath(t *testing.T) {
	db := testDB(t)
	fake := newFakeSoR()
	r := newTestResolver(db, fake, Options{})
	in := seed(t, db, store.KindFacebook, "P1")
	ctx := context.Background()

	first, err := r.ResolveCustomer(ctx, CustomerInput{Integration: in, UserID: "S1", Profile: Profile{Name: "Sam"}})
	if err != nil {
		t.Fatal(err)
	}
	if first.CanonicalID != "erxes-customer-"+first.ID {
		t.Errorf("canonical id = %q", first.CanonicalID)
	}

	second, err := r.ResolveCustomer(ctx, CustomerInput{Integration: in, UserID: "S1", Profile: Profile{Name: "Changed"}})
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID || second.Name != "Sam" {
		t.Errorf("second resolve = %+v, want stored row %s", second, first.ID)
	}
	if n := fake.count("customer"); n != 1 {
		t.Errorf("main api called %d times, want 1", n)
	}
}

func TestResolveCustomerConcurrent(t *testing.T) {
	db := testDB(t)
	fake := newFakeSoR()
	// Slow registration keeps losers waiting on a pending winner.
	fake.delay = 30 * time.Millisecond
	r := newTestResolver(db, fake, Options{})
	in := seed(t, db, store.KindWhatsApp, "inst1")

	const n = 8
	var wg sync.WaitGroup
	ids := make([]string, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := r.ResolveCustomer(context.Background(), CustomerInput{Integration: in, UserID: "5511999"})
			errs[i] = err
			if c != nil {
				ids[i] = c.CanonicalID
			}
		}(i)
	}
	wg.Wait()

	for i := range n {
		if errs[i] != nil {
			t.Fatalf("resolver %d: %v", i, errs[i])
		}
		if ids[i] == "" || ids[i] != ids[0] {
			t.Errorf("resolver %d got %q, want %q", i, ids[i], ids[0])
		}
	}
	count := countRows(t, db, `SELECT COUNT(*) FROM customers WHERE channel = ? AND integration_id = ? AND channel_user_id = ?`, store.KindWhatsApp, in.ID, "5511999")
	if count != 1 {
		t.Errorf("stored customers = %d, want 1", count)
	}
	if c := fake.count("customer"); c != 1 {
		t.Errorf("main api called %d times, want 1", c)
	}
}

func TestResolveCustomerCompensates(t *testing.T) {
	db := testDB(t)
	fake := newFakeSoR()
	fake.fail["customer"] = errors.New("main api down")
	r := newTestResolver(db, fake, Options{})
	in := seed(t, db, store.KindTelnyx, "+1555")
	ctx := context.Background()

	_, err := r.ResolveCustomer(ctx, CustomerInput{Integration: in, UserID: "+1999"})
	var rerr *RemoteRegistrationError
	if !errors.As(err, &rerr) {
		t.Fatalf("err = %v, want *RemoteRegistrationError", err)
	}
	if rerr.Entity != "customer" || rerr.Adopted {
		t.Errorf("error = %+v", rerr)
	}

	count := countRows(t, db, `SELECT COUNT(*) FROM customers WHERE channel = ? AND integration_id = ? AND channel_user_id = ?`, store.KindTelnyx, in.ID, "+1999")
	if count != 0 {
		t.Errorf("customers after failed registration = %d, want 0", count)
	}
}

func TestResolveCustomerTimeoutCompensates(t *testing.T) {
	db := testDB(t)
	fake := newFakeSoR()
	fake.delay = time.Second
	r := newTestResolver(db, fake, Options{})
	in := seed(t, db, store.KindSmooch, "app1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.ResolveCustomer(ctx, CustomerInput{Integration: in, UserID: "u1"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}

	count := countRows(t, db, `SELECT COUNT(*) FROM customers WHERE channel = ? AND integration_id = ? AND channel_user_id = ?`, store.KindSmooch, in.ID, "u1")
	if count != 0 {
		t.Errorf("customers after timeout = %d, want 0", count)
	}
}

func TestResolveCustomerAdoptsStalePending(t *testing.T) {
	db := testDB(t)
	fake := newFakeSoR()
	r := newTestResolver(db, fake, Options{PendingWait: 30 * time.Millisecond})
	in := seed(t, db, store.KindSmooch, "app1")
	ctx := context.Background()

	// A row left behind by a writer that never finished registering.
	stale := &store.Customer{Channel: store.KindSmooch, IntegrationID: in.ID, ChannelUserID: "u1"}
	if err := db.CreateCustomer(ctx, stale); err != nil {
		t.Fatal(err)
	}

	c, err := r.ResolveCustomer(ctx, CustomerInput{Integration: in, UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if c.ID != stale.ID {
		t.Errorf("resolved %s, want adopted row %s", c.ID, stale.ID)
	}
	if c.CanonicalID != "erxes-customer-"+stale.ID {
		t.Errorf("canonical id = %q", c.CanonicalID)
	}
}

func TestResolveCustomerRetriesWhenPendingRowVanishes(t *testing.T) {
	db := testDB(t)
	fake := newFakeSoR()
	r := newTestResolver(db, fake, Options{PendingWait: 5 * time.Second})
	in := seed(t, db, store.KindSmooch, "app1")
	ctx := context.Background()

	pending := &store.Customer{Channel: store.KindSmooch, IntegrationID: in.ID, ChannelUserID: "u1"}
	if err := db.CreateCustomer(ctx, pending); err != nil {
		t.Fatal(err)
	}
	go func() {
		// The other writer's registration failed and it rolled back.
		time.Sleep(20 * time.Millisecond)
		_ = db.DeleteCustomer(context.Background(), pending.ID)
	}()

	c, err := r.ResolveCustomer(ctx, CustomerInput{Integration: in, UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if c.ID == pending.ID {
		t.Error("resolved the rolled back row")
	}
	if c.CanonicalID == "" {
		t.Error("new row has no canonical id")
	}
}

func TestResolveMessageIdempotent(t *testing.T) {
	db := testDB(t)
	fake := newFakeSoR()
	r := newTestResolver(db, fake, Options{})
	in := seed(t, db, store.KindFacebook, "P1")
	ctx := context.Background()

	cust, err := r.ResolveCustomer(ctx, CustomerInput{Integration: in, UserID: "S1"})
	if err != nil {
		t.Fatal(err)
	}
	conv, err := r.ResolveConversation(ctx, ConversationInput{Integration: in, ThreadKey: "S1:P1", Content: "hi"}, cust)
	if err != nil {
		t.Fatal(err)
	}

	first, err := r.ResolveMessage(ctx, MessageInput{ProviderMessageID: "M1", Content: "hi"}, conv, cust)
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.ResolveMessage(ctx, MessageInput{ProviderMessageID: "M1", Content: "hi"}, conv, cust)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Errorf("second resolve created %s, want %s", second.ID, first.ID)
	}
	msgs, err := db.ListMessages(ctx, conv.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("stored messages = %d, want 1", len(msgs))
	}
}

func TestResolveMessageCompensates(t *testing.T) {
	db := testDB(t)
	fake := newFakeSoR()
	r := newTestResolver(db, fake, Options{})
	in := seed(t, db, store.KindFacebook, "P1")
	ctx := context.Background()

	cust, err := r.ResolveCustomer(ctx, CustomerInput{Integration: in, UserID: "S1"})
	if err != nil {
		t.Fatal(err)
	}
	conv, err := r.ResolveConversation(ctx, ConversationInput{Integration: in, ThreadKey: "S1:P1"}, cust)
	if err != nil {
		t.Fatal(err)
	}

	fake.mu.Lock()
	fake.fail["message"] = errors.New("rejected")
	fake.mu.Unlock()

	if _, err := r.ResolveMessage(ctx, MessageInput{ProviderMessageID: "M1"}, conv, cust); err == nil {
		t.Fatal("expected error")
	}
	if m, _ := db.FindMessage(ctx, conv.ID, "M1"); m != nil {
		t.Errorf("message survived failed registration: %+v", m)
	}
}

func TestResolveMessageRequiresCanonicalParents(t *testing.T) {
	r := newTestResolver(testDB(t), newFakeSoR(), Options{})
	conv := &store.Conversation{ID: "c1"}
	cust := &store.Customer{ID: "u1", CanonicalID: "x"}
	if _, err := r.ResolveMessage(context.Background(), MessageInput{ProviderMessageID: "M1"}, conv, cust); err == nil {
		t.Error("expected error for unregistered conversation")
	}
}

func TestIngestFacebookScenario(t *testing.T) {
	db := testDB(t)
	fake := newFakeSoR()
	r := newTestResolver(db, fake, Options{})
	seed(t, db, store.KindFacebook, "P1")
	ctx := context.Background()

	events, unsub := r.bus.Subscribe("inbound.", 4)
	defer unsub()

	ev := Event{Channel: store.KindFacebook, ChannelKey: "P1", UserID: "S1", ThreadKey: "S1:P1", MessageID: "M1", Content: "hello"}
	res, err := r.Ingest(ctx, ev)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Created {
		t.Error("first ingest should create the message")
	}
	if res.Customer.ChannelUserID != "S1" || res.Conversation.ThreadKey != "S1:P1" || res.Message.ProviderMessageID != "M1" {
		t.Errorf("result = %+v %+v %+v", res.Customer, res.Conversation, res.Message)
	}

	again, err := r.Ingest(ctx, ev)
	if err != nil {
		t.Fatal(err)
	}
	if again.Created || again.Message.ID != res.Message.ID {
		t.Errorf("redelivery created a second message: %+v", again.Message)
	}
	if n := fake.count("message"); n != 1 {
		t.Errorf("main api message calls = %d, want 1", n)
	}

	select {
	case e := <-events:
		if e.Kind != bus.KindMessageCreated {
			t.Errorf("event kind = %q", e.Kind)
		}
	default:
		t.Error("no event published")
	}
	select {
	case e := <-events:
		t.Errorf("redelivery published %q", e.Kind)
	default:
	}
}

func TestIngestWhatsAppConcurrentMessages(t *testing.T) {
	db := testDB(t)
	fake := newFakeSoR()
	fake.delay = 10 * time.Millisecond
	r := newTestResolver(db, fake, Options{})
	in := seed(t, db, store.KindWhatsApp, "inst1")
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Ingest(ctx, Event{
				Channel:    store.KindWhatsApp,
				ChannelKey: "inst1",
				UserID:     "5511999",
				ThreadKey:  "5511999@c.us",
				MessageID:  fmt.Sprintf("wamid-%d", i),
				Content:    "hi",
			})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	counts, err := db.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Customers != 1 || counts.Conversations != 1 || counts.Messages != 2 {
		t.Errorf("counts = %+v, want 1 customer, 1 conversation, 2 messages", counts)
	}
	if n := countRows(t, db, `SELECT COUNT(*) FROM conversations WHERE integration_id = ?`, in.ID); n != 1 {
		t.Errorf("conversations = %d", n)
	}
}

func TestIngestMailReplyThreading(t *testing.T) {
	db := testDB(t)
	r := newTestResolver(db, newFakeSoR(), Options{})
	seed(t, db, store.KindGmail, "support@acme.test")
	ctx := context.Background()

	first, err := r.Ingest(ctx, Event{
		Channel: store.KindGmail, ChannelKey: "support@acme.test", UserID: "bob@x.test",
		ThreadKey: "thread-a", MessageID: "m1", HeaderID: "<a1@x.test>", Content: "question",
	})
	if err != nil {
		t.Fatal(err)
	}

	// The reply arrives on another provider thread but references the first
	// message, and comes from a different participant.
	reply, err := r.Ingest(ctx, Event{
		Channel: store.KindGmail, ChannelKey: "support@acme.test", UserID: "carol@x.test",
		ThreadKey: "thread-b", MessageID: "m2", HeaderID: "<b1@x.test>",
		InReplyTo: "<a1@x.test>", References: []string{"<a1@x.test>"}, Content: "follow-up",
	})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Conversation.ID != first.Conversation.ID {
		t.Errorf("reply joined %s, want %s", reply.Conversation.ID, first.Conversation.ID)
	}
	if n := countRows(t, db, `SELECT COUNT(*) FROM conversations WHERE integration_id = ?`, first.Integration.ID); n != 1 {
		t.Errorf("conversations = %d, want 1", n)
	}
}

func TestIngestUnknownIntegration(t *testing.T) {
	db := testDB(t)
	fake := newFakeSoR()
	r := newTestResolver(db, fake, Options{})
	seed(t, db, store.KindFacebook, "P1")
	ctx := context.Background()

	_, err := r.Ingest(ctx, Event{Channel: store.KindFacebook, ChannelKey: "P404", UserID: "S1", ThreadKey: "S1:P404", MessageID: "M1"})
	if !errors.Is(err, ErrIntegrationNotFound) {
		t.Fatalf("err = %v, want ErrIntegrationNotFound", err)
	}

	counts, err := db.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Customers != 0 || counts.Conversations != 0 || counts.Messages != 0 {
		t.Errorf("unmapped event wrote rows: %+v", counts)
	}
	if n := fake.count("customer"); n != 0 {
		t.Errorf("main api called %d times", n)
	}
}
