package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/solyn-app/solyn/internal/models"
	"github.com/solyn-app/solyn/internal/twiliowhatsapp"
)

// TwilioService implements Service over the Twilio WhatsApp API. Inbound
// messages arrive through the Twilio webhook, which calls EmitInbound.
type TwilioService struct {
	client   twiliowhatsapp.Sender
	inbounds chan Inbound
	done     chan struct{}
	mu       sync.RWMutex
	stopped  bool
}

// NewTwilioService creates a TwilioService over the given sender.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{
		client:   client,
		inbounds: make(chan Inbound, DefaultChannelBufferSize),
		done:     make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient canonicalizes a phone number to digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := canonicalizePhone(recipient)
	if err != nil {
		return "", err
	}
	if canonical != recipient {
		slog.Debug("TwilioService.ValidateAndCanonicalizeRecipient: canonicalized",
			"original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start is a no-op; Twilio pushes inbound messages over the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop marks the service stopped and closes the inbound channel.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.inbounds)
	}()
	return nil
}

// SendMessage sends a message through Twilio.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendMessage: validation failed", "error", err, "to", to)
		return err
	}
	return s.client.SendMessage(ctx, canonical, body)
}

// Inbounds returns the channel of incoming user messages.
func (s *TwilioService) Inbounds() <-chan Inbound {
	return s.inbounds
}

// EmitInbound feeds one webhook-delivered message into the service. Dropped
// with a log when the buffer is full or the service stopped.
func (s *TwilioService) EmitInbound(from, body string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		slog.Warn("TwilioService.EmitInbound: invalid sender", "error", err, "from", from)
		return
	}
	select {
	case s.inbounds <- Inbound{From: canonical, Body: body, Channel: models.ChannelTwilio, Time: time.Now().Unix()}:
	default:
		slog.Warn("TwilioService.EmitInbound: inbound buffer full, message dropped", "from", canonical)
	}
}
