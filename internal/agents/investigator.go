package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go"

	"github.com/solyn-app/solyn/internal/genai"
	"github.com/solyn-app/solyn/internal/models"
)

// Investigator walks the user through a habit checkup, one pending item per
// turn. It advances the cursor on the chat state it is given; the engine
// persists the result.
type Investigator struct {
	client genai.ClientInterface
}

// NewInvestigator creates the investigator handler.
func NewInvestigator(client genai.ClientInterface) *Investigator {
	return &Investigator{client: client}
}

// Mode returns the agent mode this handler serves.
func (iv *Investigator) Mode() models.AgentMode { return models.ModeInvestigator }

// Handle answers one checkup turn. When the last item has been covered, the
// investigation moves to post_checkup and the reply wraps the bilan up.
func (iv *Investigator) Handle(ctx context.Context, req *Request) (*Response, error) {
	inv := req.State.Investigation
	if inv == nil {
		return nil, fmt.Errorf("investigator invoked without an investigation")
	}

	item, ok := inv.CurrentItem()
	if !ok {
		return iv.wrapUp(ctx, req)
	}

	messages := buildMessages(investigatorSystemPrompt, req)
	messages = append(messages, openai.SystemMessage(
		fmt.Sprintf("Élément du bilan à aborder maintenant: %s (%d/%d)", item, inv.Cursor+1, len(inv.PendingItems))))

	text, err := iv.client.GenerateWithMessages(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("investigator completion failed: %w", err)
	}

	inv.Cursor++
	slog.Debug("Investigator.Handle: item covered", "userID", req.State.UserID,
		"cursor", inv.Cursor, "total", len(inv.PendingItems))
	return &Response{Text: text, Ack: models.NoToolAck()}, nil
}

// wrapUp closes the walkthrough: a short synthesis, then the investigation
// leaves the in-progress status so the next turn routes normally.
func (iv *Investigator) wrapUp(ctx context.Context, req *Request) (*Response, error) {
	messages := buildMessages(investigatorWrapUpPrompt, req)
	text, err := iv.client.GenerateWithMessages(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("investigator wrap-up failed: %w", err)
	}
	req.State.Investigation.Status = models.InvestigationPostCheckup
	slog.Info("Investigator.wrapUp: checkup finished", "userID", req.State.UserID,
		"items", len(req.State.Investigation.PendingItems))
	return &Response{Text: text, Ack: models.NoToolAck()}, nil
}
