// Package sor talks to the main API, the system of record that owns the
// canonical customer, conversation and message ids.
package sor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Actions understood by the main API's integrations endpoint.
const (
	ActionUpsertCustomer     = "get-create-update-customer"
	ActionUpsertConversation = "create-or-update-conversation"
	ActionCreateMessage      = "create-conversation-message"
)

// DefaultTimeout bounds every call when the config does not set one.
const DefaultTimeout = 10 * time.Second

// Error is returned for any failed call: transport errors, timeouts,
// non-2xx responses and responses without an id.
type Error struct {
	Action     string
	StatusCode int
	Body       string
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("main api %s: %v", e.Action, e.Cause)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("main api %s: status %d: %s", e.Action, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("main api %s: %s", e.Action, e.Body)
}

func (e *Error) Unwrap() error { return e.Cause }

// CustomerRequest registers or finds a customer.
type CustomerRequest struct {
	IntegrationID string `json:"integrationId"`
	LocalID       string `json:"integrationsCustomerId"`
	PrimaryEmail  string `json:"primaryEmail,omitempty"`
	PrimaryPhone  string `json:"primaryPhone,omitempty"`
	FirstName     string `json:"firstName,omitempty"`
	Avatar        string `json:"avatar,omitempty"`
	IsUser        bool   `json:"isUser"`
	ChannelUserID string `json:"channelUserId"`
}

// ConversationRequest registers a conversation.
type ConversationRequest struct {
	IntegrationID string `json:"integrationId"`
	LocalID       string `json:"integrationsConversationId"`
	CustomerID    string `json:"customerId"`
	Content       string `json:"content"`
	CreatedAt     int64  `json:"createdAt,omitempty"`
}

// MessageRequest registers a conversation message.
type MessageRequest struct {
	LocalID        string `json:"integrationsMessageId"`
	ConversationID string `json:"conversationId"`
	CustomerID     string `json:"customerId"`
	Content        string `json:"content"`
	Attachments    any    `json:"attachments,omitempty"`
	CreatedAt      int64  `json:"createdAt,omitempty"`
}

type envelope struct {
	Action  string `json:"action"`
	Payload any    `json:"payload"`
}

type idResponse struct {
	ID string `json:"_id"`
}

// Client is a thin HTTP caller for the main API.
type Client struct {
	url    string
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates a client posting to baseURL + "/integrations-api".
// A zero timeout uses DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:    strings.TrimRight(baseURL, "/") + "/integrations-api",
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// UpsertCustomer returns the canonical customer id.
func (c *Client) UpsertCustomer(ctx context.Context, req CustomerRequest) (string, error) {
	return c.call(ctx, ActionUpsertCustomer, req)
}

// UpsertConversation returns the canonical conversation id.
func (c *Client) UpsertConversation(ctx context.Context, req ConversationRequest) (string, error) {
	return c.call(ctx, ActionUpsertConversation, req)
}

// CreateMessage returns the canonical message id.
func (c *Client) CreateMessage(ctx context.Context, req MessageRequest) (string, error) {
	return c.call(ctx, ActionCreateMessage, req)
}

func (c *Client) call(ctx context.Context, action string, payload any) (string, error) {
	body, err := json.Marshal(envelope{Action: action, Payload: payload})
	if err != nil {
		return "", &Error{Action: action, Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", &Error{Action: action, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", &Error{Action: action, Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &Error{Action: action, StatusCode: resp.StatusCode, Cause: err}
	}
	c.logger.Debug("main api call",
		zap.String("action", action),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &Error{Action: action, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var out idResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", &Error{Action: action, StatusCode: resp.StatusCode, Cause: fmt.Errorf("decode response: %w", err)}
	}
	if out.ID == "" {
		return "", &Error{Action: action, StatusCode: resp.StatusCode, Body: "response has no _id"}
	}
	return out.ID, nil
}
