package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"

	"github.com/solyn-app/solyn/internal/deferred"
	"github.com/solyn-app/solyn/internal/genai"
	"github.com/solyn-app/solyn/internal/models"
	"github.com/solyn-app/solyn/internal/store"
	"github.com/solyn-app/solyn/internal/supervisor"
)

// Companion is the default conversational handler. It is the only handler
// with access to the side-effecting tools, and it owns the tool-execution
// acknowledgment for its turns. While a topic session is active the
// companion also drives it, through the topic_progress tool.
type Companion struct {
	client genai.ClientInterface
	st     store.Store
	stack  *supervisor.Stack
}

// NewCompanion creates the companion handler.
func NewCompanion(client genai.ClientInterface, st store.Store) *Companion {
	return &Companion{client: client, st: st, stack: supervisor.NewStack()}
}

// Mode returns the agent mode this handler serves.
func (c *Companion) Mode() models.AgentMode { return models.ModeCompanion }

// Handle answers one companion turn, running the tool loop when the model
// requests it.
func (c *Companion) Handle(ctx context.Context, req *Request) (*Response, error) {
	messages := buildMessages(companionSystemPrompt, req)
	tools := []openai.ChatCompletionToolParam{manageActionTool()}
	if sess := req.State.Supervisor.Active; sess != nil {
		messages = append(messages, openai.SystemMessage(topicSessionNote(sess)))
		tools = append(tools, topicProgressTool())
	}

	resp, err := c.client.GenerateWithTools(ctx, messages, tools)
	if err != nil {
		return nil, fmt.Errorf("companion completion failed: %w", err)
	}
	if len(resp.ToolCalls) == 0 {
		return &Response{Text: resp.Content, Ack: models.NoToolAck()}, nil
	}
	return c.handleToolCalls(ctx, req, resp, messages)
}

// handleToolCalls executes the requested tools, feeds the results back to the
// model for the final reply, and builds the acknowledgment the response text
// must honor.
func (c *Companion) handleToolCalls(ctx context.Context, req *Request, resp *genai.ToolCallResponse, messages []openai.ChatCompletionMessageParamUnion) (*Response, error) {
	var names []string
	for _, tc := range resp.ToolCalls {
		names = append(names, tc.Function.Name)
	}
	slog.Info("Companion.handleToolCalls: executing tools",
		"userID", req.State.UserID, "toolCallCount", len(resp.ToolCalls), "tools", names)

	// The assistant message with tool_calls must precede the tool results
	// that reference its tool_call_ids.
	var toolCalls []openai.ChatCompletionMessageToolCallParam
	for _, tc := range resp.ToolCalls {
		toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
			ID:   tc.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Function.Name,
				Arguments: string(tc.Function.Arguments),
			},
		})
	}
	messages = append(messages, openai.ChatCompletionMessageParamUnion{
		OfAssistant: &openai.ChatCompletionAssistantMessageParam{
			Content:   openai.ChatCompletionAssistantMessageParamContentUnion{OfString: param.NewOpt(resp.Content)},
			ToolCalls: toolCalls,
		},
	})

	planID := ""
	if req.Context != nil && req.Context.PlanMeta != nil {
		planID = req.Context.PlanMeta.ID
	}

	var executed []string
	blocked := false
	failed := false
	results := make([]string, len(resp.ToolCalls))
	for i, tc := range resp.ToolCalls {
		switch tc.Function.Name {
		case "manage_action":
			if planID == "" {
				blocked = true
				results[i] = "Refusé: aucun plan actif pour rattacher l'action."
				slog.Warn("Companion.handleToolCalls: tool blocked, no plan", "userID", req.State.UserID)
				continue
			}
			result, err := executeActionTool(c.st, planID, tc)
			if err != nil {
				failed = true
				results[i] = fmt.Sprintf("Échec: %s", err.Error())
				slog.Error("Companion.handleToolCalls: tool failed", "error", err, "userID", req.State.UserID, "toolCallID", tc.ID)
				continue
			}
			executed = append(executed, tc.Function.Name)
			results[i] = result.Message
		case "topic_progress":
			result, err := executeTopicTool(c.stack, &req.State.Supervisor, tc)
			if err != nil {
				failed = true
				results[i] = fmt.Sprintf("Échec: %s", err.Error())
				slog.Error("Companion.handleToolCalls: topic tool failed", "error", err, "userID", req.State.UserID, "toolCallID", tc.ID)
				continue
			}
			executed = append(executed, tc.Function.Name)
			results[i] = result
		default:
			failed = true
			results[i] = fmt.Sprintf("Outil inconnu: %s", tc.Function.Name)
			slog.Warn("Companion.handleToolCalls: unknown tool", "toolName", tc.Function.Name, "userID", req.State.UserID)
		}
	}

	for i, tc := range resp.ToolCalls {
		content := results[i]
		if content == "" {
			content = "Outil exécuté."
		}
		messages = append(messages, openai.ToolMessage(content, tc.ID))
	}

	ack := c.buildAck(blocked, failed, executed)

	final, err := c.client.GenerateWithMessages(ctx, messages)
	if err != nil {
		slog.Error("Companion.handleToolCalls: final completion failed", "error", err, "userID", req.State.UserID)
		// The tool results are the truth; fall back to reporting them raw.
		var nonEmpty []string
		for _, r := range results {
			if r != "" {
				nonEmpty = append(nonEmpty, r)
			}
		}
		if len(nonEmpty) == 0 {
			return nil, fmt.Errorf("companion final completion failed: %w", err)
		}
		return &Response{Text: strings.Join(nonEmpty, "\n"), Ack: ack}, nil
	}
	return &Response{Text: final, Ack: ack}, nil
}

// buildAck maps the execution outcome onto the acknowledgment contract. The
// success claim is only unlocked when every requested tool actually ran.
func (c *Companion) buildAck(blocked, failed bool, executed []string) models.ToolAck {
	switch {
	case failed:
		return models.NewToolAck(models.ToolStatusFailed, executed,
			"Je n'ai pas réussi à appliquer le changement demandé. On peut réessayer.")
	case blocked:
		return models.NewToolAck(models.ToolStatusBlocked, executed,
			"Je ne peux pas encore créer d'action: il n'y a pas de plan actif.")
	case len(executed) > 0:
		return models.NewToolAck(models.ToolStatusSuccess, executed, "")
	default:
		return models.NewToolAck(models.ToolStatusUncertain, nil,
			"Je ne suis pas certain que le changement ait été appliqué.")
	}
}

// buildMessages assembles the model input: system prompt, context block,
// one-shot defer acknowledgment when present, trimmed history, then the
// user's message.
func buildMessages(systemPrompt string, req *Request) []openai.ChatCompletionMessageParamUnion {
	messages := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(systemPrompt)}
	if req.Context != nil {
		if block := req.Context.Flatten(); block != "" {
			messages = append(messages, openai.SystemMessage("Contexte:\n"+block))
		}
	}
	if note := deferAckInstruction(req.DeferAck); note != "" {
		messages = append(messages, openai.SystemMessage(note))
	}
	history := req.History
	if len(history) > 20 {
		history = history[len(history)-20:]
	}
	for _, msg := range history {
		if msg.Role == "assistant" {
			messages = append(messages, openai.AssistantMessage(msg.Content))
		} else {
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}
	messages = append(messages, openai.UserMessage(req.Message))
	return messages
}

// topicSessionNote tells the model which topic session it is driving and how
// to move it along.
func topicSessionNote(sess *models.SupervisorSession) string {
	subject := sess.ActionTarget
	if subject == "" {
		subject = string(sess.Type)
	}
	return fmt.Sprintf("Sujet en cours: %s (phase %s). Quand l'utilisateur arrête une décision, appelle topic_progress avec \"confirm\"; quand le sujet est réglé, avec \"close\"; s'il préfère laisser tomber, avec \"abandon\".", subject, sess.Phase)
}

// deferAckInstruction renders the one-shot instruction to acknowledge a topic
// that was just set aside. Repeated triggers get a quieter wording; the
// silent tier and the absence of a note render nothing.
func deferAckInstruction(note *deferred.AckNote) string {
	if note == nil || note.Tier == deferred.AckSilent {
		return ""
	}
	if note.Tier == deferred.AckSubtle {
		return fmt.Sprintf("L'utilisateur a de nouveau mentionné un sujet mis de côté (%s). Tu peux le reconnaître très brièvement, sans t'y attarder, avant de poursuivre le fil en cours.", note.Summary)
	}
	return fmt.Sprintf("L'utilisateur vient d'évoquer un sujet qui a été noté pour plus tard (%s). Reconnais-le en une phrase avant de poursuivre le fil en cours.", note.Summary)
}
