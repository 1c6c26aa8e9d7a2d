package channel

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidPayload rejects malformed deliveries with a 400.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrBadSignature rejects unauthenticated deliveries with a 401.
	ErrBadSignature = errors.New("bad signature")
	// ErrVerification rejects a failed subscription handshake with a 403.
	ErrVerification = errors.New("verification failed")
)

// ErrorKind classifies provider failures.
type ErrorKind int

const (
	Transient ErrorKind = iota
	Permanent
	TokenExpired
)

func (k ErrorKind) String() string {
	switch k {
	case Permanent:
		return "permanent"
	case TokenExpired:
		return "token_expired"
	default:
		return "transient"
	}
}

// ProviderError is a failed provider API call.
type ProviderError struct {
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("provider %s: %v", e.Kind, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("provider %s: status %d: %s", e.Kind, e.Status, e.Message)
	default:
		return fmt.Sprintf("provider %s: %s", e.Kind, e.Message)
	}
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsTokenExpired reports whether err is a provider rejection of the
// account's credentials.
func IsTokenExpired(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == TokenExpired
}

// ClassifyHTTP maps a non-2xx provider response to a ProviderError:
// 401 is an expired token, 408, 429 and 5xx are transient, everything else
// is permanent.
func ClassifyHTTP(status int, body []byte) *ProviderError {
	kind := Permanent
	switch {
	case status == http.StatusUnauthorized:
		kind = TokenExpired
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		kind = Transient
	}
	msg := string(body)
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return &ProviderError{Kind: kind, Status: status, Message: msg}
}
