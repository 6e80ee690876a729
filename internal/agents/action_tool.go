package agents

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"

	"github.com/solyn-app/solyn/internal/genai"
	"github.com/solyn-app/solyn/internal/store"
)

// manageActionTool is the single side-effecting tool exposed to the companion.
// It creates or updates an action on the user's current plan.
func manageActionTool() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        "manage_action",
			Description: openai.String("Create a new action on the user's plan or update an existing one. Only call this when the user clearly asked for the change."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"operation": map[string]interface{}{
						"type":        "string",
						"enum":        []string{"create", "update"},
						"description": "Whether to create a new action or update an existing one",
					},
					"action_id": map[string]interface{}{
						"type":        "string",
						"description": "ID of the action to update. Required for 'update', ignored for 'create'",
					},
					"title": map[string]interface{}{
						"type":        "string",
						"description": "Short action title, in French",
					},
					"summary": map[string]interface{}{
						"type":        "string",
						"description": "One-line summary of the action",
					},
					"detail": map[string]interface{}{
						"type":        "string",
						"description": "Optional longer description",
					},
					"status": map[string]interface{}{
						"type":        "string",
						"enum":        []string{"open", "in_progress", "done", "dropped"},
						"description": "Action status",
					},
				},
				"required": []string{"operation", "title"},
			},
		},
	}
}

// actionToolParams is the decoded argument payload of a manage_action call.
type actionToolParams struct {
	Operation string `json:"operation"`
	ActionID  string `json:"action_id,omitempty"`
	Title     string `json:"title"`
	Summary   string `json:"summary,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Status    string `json:"status,omitempty"`
}

// Validate checks the decoded parameters before any store write happens.
func (p *actionToolParams) Validate() error {
	switch p.Operation {
	case "create":
	case "update":
		if p.ActionID == "" {
			return fmt.Errorf("action_id is required for update")
		}
	default:
		return fmt.Errorf("unknown operation %q", p.Operation)
	}
	if p.Title == "" {
		return fmt.Errorf("title is required")
	}
	switch p.Status {
	case "", "open", "in_progress", "done", "dropped":
	default:
		return fmt.Errorf("unknown status %q", p.Status)
	}
	return nil
}

// actionToolResult is what one manage_action execution reports back.
type actionToolResult struct {
	Success bool
	Message string
}

// executeActionTool decodes, validates, and applies one manage_action call.
// The planID comes from the loaded context; without a plan the call is
// refused rather than writing an orphan row.
func executeActionTool(st store.Store, planID string, call genai.ToolCall) (actionToolResult, error) {
	var params actionToolParams
	if err := json.Unmarshal(call.Function.Arguments, &params); err != nil {
		return actionToolResult{}, fmt.Errorf("failed to parse manage_action arguments: %w", err)
	}
	if err := params.Validate(); err != nil {
		return actionToolResult{}, fmt.Errorf("invalid manage_action parameters: %w", err)
	}
	if planID == "" {
		return actionToolResult{}, fmt.Errorf("no active plan to attach the action to")
	}

	status := params.Status
	if status == "" {
		status = "open"
	}

	switch params.Operation {
	case "create":
		action := store.ActionDetail{
			ID:        uuid.NewString(),
			PlanID:    planID,
			Title:     params.Title,
			Summary:   params.Summary,
			Detail:    params.Detail,
			Status:    status,
			UpdatedAt: time.Now(),
		}
		if err := st.CreateAction(action); err != nil {
			return actionToolResult{}, fmt.Errorf("failed to create action: %w", err)
		}
		slog.Info("agents.executeActionTool: action created", "actionID", action.ID, "planID", planID)
		return actionToolResult{Success: true, Message: fmt.Sprintf("Action %q créée (id %s).", action.Title, action.ID)}, nil

	default: // update, validated above
		action := store.ActionDetail{
			ID:        params.ActionID,
			PlanID:    planID,
			Title:     params.Title,
			Summary:   params.Summary,
			Detail:    params.Detail,
			Status:    status,
			UpdatedAt: time.Now(),
		}
		if err := st.UpdateAction(action); err != nil {
			return actionToolResult{}, fmt.Errorf("failed to update action: %w", err)
		}
		slog.Info("agents.executeActionTool: action updated", "actionID", action.ID, "planID", planID)
		return actionToolResult{Success: true, Message: fmt.Sprintf("Action %q mise à jour.", action.Title)}, nil
	}
}
