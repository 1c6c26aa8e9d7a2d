package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Kind identifies a messaging platform a record belongs to.
type Kind string

const (
	KindFacebook Kind = "facebook"
	KindGmail    Kind = "gmail"
	KindNylas    Kind = "nylas"
	KindSmooch   Kind = "smooch"
	KindWhatsApp Kind = "whatsapp"
	KindTelnyx   Kind = "telnyx"
	KindWebhook  Kind = "webhook"
)

// Kinds lists every supported channel kind.
var Kinds = []Kind{KindFacebook, KindGmail, KindNylas, KindSmooch, KindWhatsApp, KindTelnyx, KindWebhook}

// ParseKind validates s as a channel kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown channel kind %q", s)
}

// Extra carries channel-specific string fields, stored as a JSON object.
type Extra map[string]string

// Value implements driver.Valuer.
func (e Extra) Value() (driver.Value, error) {
	if e == nil {
		return "{}", nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (e *Extra) Scan(src any) error {
	return scanJSON(src, e)
}

// Attachment is a media file attached to a message.
type Attachment struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Attachments is stored as a JSON array.
type Attachments []Attachment

// Value implements driver.Valuer.
func (a Attachments) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (a *Attachments) Scan(src any) error {
	return scanJSON(src, a)
}

func scanJSON(src any, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case string:
		return json.Unmarshal([]byte(v), dst)
	case []byte:
		return json.Unmarshal(v, dst)
	default:
		return fmt.Errorf("unsupported json column type %T", src)
	}
}

// Account holds provider credentials shared by one or more integrations.
type Account struct {
	ID             string
	Kind           Kind
	UID            string
	Name           string
	Token          string
	RefreshToken   string
	TokenExpiresAt int64
	TokenState     string
	Extra          Extra
	CreatedAt      int64
	// UpdatedAt moves on every token or state write.
	UpdatedAt int64
}

// Integration binds a channel kind to an account and to the main API's id.
// Keys are the channel-native identifiers (page ids, phone numbers, app ids,
// mailbox addresses) that route inbound events to it.
type Integration struct {
	ID         string
	Kind       Kind
	AccountID  string
	ErxesAPIID string
	Keys       []string
	Extra      Extra
	CreatedAt  int64
}

// Customer is the identity of an end user on one channel.
type Customer struct {
	ID            string
	Channel       Kind
	IntegrationID string
	ChannelUserID string
	CanonicalID   string
	Name          string
	Avatar        string
	Email         string
	Phone         string
	CreatedAt     int64
}

// Conversation is a thread between one customer and one integration.
type Conversation struct {
	ID            string
	Channel       Kind
	IntegrationID string
	CustomerID    string
	ThreadKey     string
	CanonicalID   string
	Content       string
	CreatedAt     int64
}

// Message is one inbound or outbound conversation message.
type Message struct {
	ID                string
	Channel           Kind
	ConversationID    string
	CustomerID        string
	ProviderMessageID string
	CanonicalID       string
	Content           string
	Attachments       Attachments
	HeaderID          string
	InReplyTo         string
	References        string
	FromMe            bool
	CreatedAt         int64
}

// OutboxEntry records one outbound reply attempt.
type OutboxEntry struct {
	ID             int64
	ClientMsgID    string
	ConversationID string
	Body           string
	Status         string // queued, sending, sent, failed
	ErrorMessage   string
	ServerMsgID    string
}

// Counts summarizes table sizes for status reporting.
type Counts struct {
	Accounts      int64
	Integrations  int64
	Customers     int64
	Conversations int64
	Messages      int64
}
