// Package messaging provides the pluggable message transport used by the
// conversation engine, with Twilio and direct-WhatsApp implementations.
package messaging

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/risetaid/prima-sub007/internal/models"
)

// Channel configuration shared by the service implementations.
const (
	// DefaultChannelBufferSize is the buffer size for receipt and response channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds non-blocking channel emits before dropping.
	DefaultChannelTimeout = 1 * time.Second
	// MinPhoneDigits is the minimum digit count for a valid recipient.
	MinPhoneDigits = 6
)

// ErrServiceStopped is returned when an operation is attempted on a stopped service.
var ErrServiceStopped = errors.New("messaging service is stopped")

// phoneNumberRegex strips everything that is not a digit during canonicalization.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable message delivery abstraction. It supports
// sending messages and provides channels for receipt and response events.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates a recipient identifier and
	// returns its canonical form (digits only).
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing (e.g. event polling).
	Start(ctx context.Context) error

	// Stop stops background processing and releases resources.
	Stop() error

	// Receipts returns a channel of delivery receipt events.
	Receipts() <-chan models.Receipt

	// Responses returns a channel of incoming patient responses.
	Responses() <-chan models.Response
}

// canonicalizeRecipient strips non-digits and enforces the minimum length.
// Shared by the service implementations so both channels agree on the
// canonical form stored in conversation state.
func canonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyRecipient
	}

	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", errors.New("invalid phone number: no digits found")
	}
	if len(canonical) < MinPhoneDigits {
		return "", errors.New("invalid phone number: too short")
	}
	return canonical, nil
}
