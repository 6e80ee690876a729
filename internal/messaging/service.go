// Package messaging defines the pluggable message-delivery abstraction and
// the dispatcher that feeds inbound messages into the turn engine.
package messaging

import (
	"context"
	"errors"
	"regexp"

	"github.com/solyn-app/solyn/internal/models"
)

// DefaultChannelBufferSize is the buffer size for inbound message channels.
const DefaultChannelBufferSize = 100

// ErrServiceStopped is returned when sending through a stopped service.
var ErrServiceStopped = errors.New("messaging service is stopped")

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Inbound is one message received from a user on some channel.
type Inbound struct {
	From    string
	Body    string
	Channel models.Channel
	Time    int64
}

// Service is a pluggable message transport.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient
	// identifier per the transport's rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing.
	Start(ctx context.Context) error

	// Stop stops background processing and releases resources.
	Stop() error

	// Inbounds returns the channel of incoming user messages.
	Inbounds() <-chan Inbound
}

// canonicalizePhone strips non-digits and checks a minimum length.
func canonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", errors.New("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", errors.New("invalid phone number: no digits found")
	}
	if len(canonical) < 6 {
		return "", errors.New("invalid phone number: too short")
	}
	return canonical, nil
}
