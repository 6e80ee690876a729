package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/solyn-app/solyn/internal/genai"
	"github.com/solyn-app/solyn/internal/models"
)

// Sentry handles acute safety situations. It never touches tools and its
// prompt pins the crisis-line guidance.
type Sentry struct {
	client genai.ClientInterface
}

// NewSentry creates the sentry handler.
func NewSentry(client genai.ClientInterface) *Sentry {
	return &Sentry{client: client}
}

// Mode returns the agent mode this handler serves.
func (s *Sentry) Mode() models.AgentMode { return models.ModeSentry }

// Handle answers one sentry turn.
func (s *Sentry) Handle(ctx context.Context, req *Request) (*Response, error) {
	slog.Warn("Sentry.Handle: safety turn", "userID", req.State.UserID, "riskLevel", req.State.RiskLevel)
	text, err := s.client.GenerateWithMessages(ctx, buildMessages(sentrySystemPrompt, req))
	if err != nil {
		return nil, fmt.Errorf("sentry completion failed: %w", err)
	}
	return &Response{Text: text, Ack: models.NoToolAck()}, nil
}

// Firefighter handles elevated distress below the sentry threshold.
type Firefighter struct {
	client genai.ClientInterface
}

// NewFirefighter creates the firefighter handler.
func NewFirefighter(client genai.ClientInterface) *Firefighter {
	return &Firefighter{client: client}
}

// Mode returns the agent mode this handler serves.
func (f *Firefighter) Mode() models.AgentMode { return models.ModeFirefighter }

// Handle answers one firefighter turn.
func (f *Firefighter) Handle(ctx context.Context, req *Request) (*Response, error) {
	slog.Info("Firefighter.Handle: distress turn", "userID", req.State.UserID, "riskLevel", req.State.RiskLevel)
	text, err := f.client.GenerateWithMessages(ctx, buildMessages(firefighterSystemPrompt, req))
	if err != nil {
		return nil, fmt.Errorf("firefighter completion failed: %w", err)
	}
	return &Response{Text: text, Ack: models.NoToolAck()}, nil
}
