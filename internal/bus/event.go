package bus

import "time"

// Event kinds published by the gateway.
const (
	KindMessageCreated     = "inbound.message_created"
	KindInboundDropped     = "inbound.dropped"
	KindReplySent          = "reply.sent"
	KindReplyFailed        = "reply.failed"
	KindIntegrationCreated = "integration.created"
	KindIntegrationRemoved = "integration.removed"
	KindAccountRemoved     = "account.removed"
	KindTokenState         = "account.token_state"
)

// Event is a single notification on the bus. Kind is dot-namespaced so
// subscribers can filter by prefix.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
