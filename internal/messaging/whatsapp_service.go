package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/solyn-app/solyn/internal/models"
	"github.com/solyn-app/solyn/internal/whatsapp"
)

// WhatsAppService implements Service over a direct whatsmeow connection.
type WhatsAppService struct {
	client   *whatsapp.Client
	inbounds chan Inbound
	mu       sync.RWMutex
	stopped  bool
}

// NewWhatsAppService creates a WhatsAppService over a connected client.
func NewWhatsAppService(client *whatsapp.Client) *WhatsAppService {
	return &WhatsAppService{
		client:   client,
		inbounds: make(chan Inbound, DefaultChannelBufferSize),
	}
}

// ValidateAndCanonicalizeRecipient canonicalizes a phone number to digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// Start subscribes to inbound message events.
func (s *WhatsAppService) Start(ctx context.Context) error {
	s.client.OnMessage(func(from, body string) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if s.stopped {
			return
		}
		canonical, err := canonicalizePhone(from)
		if err != nil {
			slog.Warn("WhatsAppService: invalid sender", "error", err, "from", from)
			return
		}
		select {
		case s.inbounds <- Inbound{From: canonical, Body: body, Channel: models.ChannelWhatsApp, Time: time.Now().Unix()}:
		default:
			slog.Warn("WhatsAppService: inbound buffer full, message dropped", "from", canonical)
		}
	})
	return nil
}

// Stop disconnects and closes the inbound channel.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	s.client.Disconnect()
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.inbounds)
	}()
	return nil
}

// SendMessage sends a message through the WhatsApp connection.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService.SendMessage: validation failed", "error", err, "to", to)
		return err
	}
	return s.client.SendMessage(ctx, canonical, body)
}

// Inbounds returns the channel of incoming user messages.
func (s *WhatsAppService) Inbounds() <-chan Inbound {
	return s.inbounds
}
