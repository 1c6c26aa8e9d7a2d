package resolver

import (
	"errors"
	"fmt"
)

var (
	// ErrIntegrationNotFound means no integration is mapped to the inbound
	// channel identifier. Webhook handlers drop such events.
	ErrIntegrationNotFound = errors.New("integration not found")

	// ErrAccountNotFound means the account an operation targets is missing.
	ErrAccountNotFound = errors.New("account not found")

	// ErrConcurrentDuplication is reported when a create keeps losing to
	// concurrent writers. A single lost race is recovered by re-reading and
	// never reaches callers.
	ErrConcurrentDuplication = errors.New("concurrent duplication")

	errVanished = errors.New("row vanished while pending")
)

// RemoteRegistrationError is returned when the main API refused or failed to
// register an entity. The local row has been removed by the time callers see
// it, unless Adopted is set.
type RemoteRegistrationError struct {
	Entity  string
	LocalID string
	Adopted bool
	Err     error
}

func (e *RemoteRegistrationError) Error() string {
	return fmt.Sprintf("register %s %s: %v", e.Entity, e.LocalID, e.Err)
}

func (e *RemoteRegistrationError) Unwrap() error { return e.Err }
