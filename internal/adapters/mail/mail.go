// Package mail holds the pieces shared by the mailbox channels: address
// parsing, header id lists, body cleanup and RFC 822 composition.
package mail

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"net/mail"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
)

// Body turns a mail body into stored message content. HTML is sanitized and
// converted to markdown; plain text is used when there is no HTML.
type Body struct {
	policy *bluemonday.Policy
	conv   *converter.Converter
}

// NewBody creates a body converter.
func NewBody() *Body {
	return &Body{
		policy: bluemonday.UGCPolicy(),
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		),
	}
}

// Content returns the cleaned content of a message.
func (b *Body) Content(html, text string) string {
	if strings.TrimSpace(html) == "" {
		return strings.TrimSpace(text)
	}
	clean := b.policy.Sanitize(html)
	md, err := b.conv.ConvertString(clean)
	if err != nil {
		// Sanitized HTML is still safe to store.
		return strings.TrimSpace(clean)
	}
	return strings.TrimSpace(md)
}

// Address parses "Name <user@host>" and returns the lowercased address
// and display name.
func Address(s string) (addr, name string, err error) {
	a, err := mail.ParseAddress(strings.TrimSpace(s))
	if err != nil {
		return "", "", fmt.Errorf("parse address %q: %w", s, err)
	}
	return strings.ToLower(a.Address), a.Name, nil
}

// HeaderIDs splits a References style header into message ids.
func HeaderIDs(s string) []string {
	return strings.Fields(s)
}

// ErrHeaderInjection means a header value carried a line break.
var ErrHeaderInjection = errors.New("mail header contains a line break")

// Outgoing is a reply to compose as an RFC 822 message.
type Outgoing struct {
	From       string
	To         []string
	CC         []string
	Subject    string
	InReplyTo  string
	References []string
	Body       string
	// MessageID is generated from From's domain when empty.
	MessageID string
	// Date defaults to now.
	Date time.Time
}

// Compose renders m as an RFC 822 message with a plain text body and
// returns it with its Message-ID.
func Compose(m Outgoing) ([]byte, string, error) {
	fields := []struct{ k, v string }{
		{"From", m.From},
		{"To", strings.Join(m.To, ", ")},
		{"Cc", strings.Join(m.CC, ", ")},
		{"Subject", m.Subject},
		{"In-Reply-To", m.InReplyTo},
		{"References", strings.Join(m.References, " ")},
		{"Message-ID", m.MessageID},
	}
	for _, f := range fields {
		if strings.ContainsAny(f.v, "\r\n") {
			return nil, "", fmt.Errorf("%w: %s", ErrHeaderInjection, f.k)
		}
	}

	if m.MessageID == "" {
		m.MessageID = NewMessageID(m.From)
	}
	if m.Date.IsZero() {
		m.Date = time.Now()
	}

	var buf bytes.Buffer
	header := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
		}
	}
	header("From", m.From)
	header("To", strings.Join(m.To, ", "))
	header("Cc", strings.Join(m.CC, ", "))
	header("Subject", mime.QEncoding.Encode("utf-8", m.Subject))
	header("Date", m.Date.Format(time.RFC1123Z))
	header("Message-ID", m.MessageID)
	header("In-Reply-To", m.InReplyTo)
	header("References", strings.Join(m.References, " "))
	header("MIME-Version", "1.0")
	header("Content-Type", `text/plain; charset="UTF-8"`)
	buf.WriteString("\r\n")
	buf.WriteString(m.Body)
	return buf.Bytes(), m.MessageID, nil
}

// NewMessageID returns a unique "<id@domain>" for a message sent from addr.
func NewMessageID(addr string) string {
	domain := "localhost"
	if a, err := mail.ParseAddress(addr); err == nil {
		if i := strings.LastIndexByte(a.Address, '@'); i >= 0 && i < len(a.Address)-1 {
			domain = a.Address[i+1:]
		}
	}
	return "<" + uuid.NewString() + "@" + domain + ">"
}

// ReplySubject prefixes s with "Re: " once.
func ReplySubject(s string) string {
	if s == "" || strings.HasPrefix(strings.ToLower(s), "re:") {
		return s
	}
	return "Re: " + s
}
