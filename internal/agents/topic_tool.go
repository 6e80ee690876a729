package agents

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"

	"github.com/solyn-app/solyn/internal/genai"
	"github.com/solyn-app/solyn/internal/models"
	"github.com/solyn-app/solyn/internal/supervisor"
)

// topicProgressTool moves the active topic session through its phases. It is
// only offered to the model while a session owns the conversation; closing it
// frees the conversation and lets the next deferred topic be offered.
func topicProgressTool() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        "topic_progress",
			Description: openai.String("Advance or close the topic currently being worked through. Call with 'confirm' when the user settles on a decision, 'close' once the topic is resolved, 'abandon' if the user drops it."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"operation": map[string]interface{}{
						"type":        "string",
						"enum":        []string{"confirm", "close", "abandon"},
						"description": "How the topic moved this turn",
					},
				},
				"required": []string{"operation"},
			},
		},
	}
}

// topicToolParams is the decoded argument payload of a topic_progress call.
type topicToolParams struct {
	Operation string `json:"operation"`
}

// Validate checks the decoded parameters before any state mutation happens.
func (p *topicToolParams) Validate() error {
	switch p.Operation {
	case "confirm", "close", "abandon":
		return nil
	default:
		return fmt.Errorf("unknown operation %q", p.Operation)
	}
}

// executeTopicTool decodes, validates, and applies one topic_progress call to
// the supervisor state. Closing leaves the close marker the engine reads when
// deciding whether to offer the next deferred topic.
func executeTopicTool(stack *supervisor.Stack, sup *models.SupervisorState, call genai.ToolCall) (string, error) {
	var params topicToolParams
	if err := json.Unmarshal(call.Function.Arguments, &params); err != nil {
		return "", fmt.Errorf("failed to parse topic_progress arguments: %w", err)
	}
	if err := params.Validate(); err != nil {
		return "", fmt.Errorf("invalid topic_progress parameters: %w", err)
	}
	if sup.Active == nil {
		return "", fmt.Errorf("no topic session is active")
	}

	sessionID := sup.Active.ID
	switch params.Operation {
	case "confirm":
		if err := stack.Advance(sup, models.PhaseAwaitingConfirm, nil); err != nil {
			return "", fmt.Errorf("failed to advance topic session: %w", err)
		}
		slog.Info("agents.executeTopicTool: session awaiting confirmation", "sessionID", sessionID)
		return "Sujet en attente de confirmation.", nil
	case "close":
		if err := stack.Advance(sup, models.PhaseDone, nil); err != nil {
			return "", fmt.Errorf("failed to advance topic session: %w", err)
		}
		if err := stack.Close(sup, models.CloseOutcomeNormal); err != nil {
			return "", fmt.Errorf("failed to close topic session: %w", err)
		}
		slog.Info("agents.executeTopicTool: session closed", "sessionID", sessionID)
		return "Sujet clos.", nil
	default: // abandon, validated above
		if err := stack.Close(sup, models.CloseOutcomeAborted); err != nil {
			return "", fmt.Errorf("failed to close topic session: %w", err)
		}
		slog.Info("agents.executeTopicTool: session abandoned", "sessionID", sessionID)
		return "Sujet abandonné.", nil
	}
}
