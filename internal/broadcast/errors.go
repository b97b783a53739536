package broadcast

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionCreation means the browser for an account could not be started.
	// It is fatal to the job.
	ErrSessionCreation = errors.New("session creation failed")
	// ErrNotAuthenticated means the account's browser session shows a login/QR challenge.
	// Recorded per recipient.
	ErrNotAuthenticated = errors.New("account not authenticated")
	// ErrConversationNotFound means the chat for a contact never became usable.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrDeliveryUnconfirmed is soft: the message was submitted but no delivery marker appeared.
	ErrDeliveryUnconfirmed  = errors.New("delivery unconfirmed")
	ErrUnsupportedPlatform  = errors.New("unsupported platform")
	ErrInvalidConfiguration = errors.New("invalid configuration")

	ErrJobActive   = errors.New("job already running")
	ErrJobTerminal = errors.New("job already finished")
	ErrAccountBusy = errors.New("account busy with another job")
	ErrJobNotFound = errors.New("job not found")
	// ErrStopped is returned by blocking waits abandoned because the job's stop token fired.
	ErrStopped = errors.New("stopped")
)

// RecipientError ties a per-recipient failure to the contact it happened on.
type RecipientError struct {
	Contact string
	Err     error
}

func (e *RecipientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Contact, e.Err)
}

func (e *RecipientError) Unwrap() error { return e.Err }
