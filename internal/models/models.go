// Package models defines the core data structures for Solyn.
//
// It includes the agent mode enum, per-turn request/result records, and the
// signal bundle produced by the classifier, which are shared across modules.
package models

import (
	"errors"
	"time"
)

// AgentMode identifies the conversational behavior answering the user.
type AgentMode string

const (
	// ModeCompanion is the default conversational handler. All tool-executing
	// behavior is reached through the companion rather than a separate mode.
	ModeCompanion AgentMode = "companion"
	// ModeInvestigator runs a structured checkup of the user's tracked habits.
	ModeInvestigator AgentMode = "investigator"
	// ModeSentry handles acute safety situations.
	ModeSentry AgentMode = "sentry"
	// ModeFirefighter handles elevated-distress situations below sentry level.
	ModeFirefighter AgentMode = "firefighter"
)

// IsValidAgentMode checks whether the given mode is a known agent mode.
func IsValidAgentMode(m AgentMode) bool {
	switch m {
	case ModeCompanion, ModeInvestigator, ModeSentry, ModeFirefighter:
		return true
	default:
		return false
	}
}

// IsSafetyMode reports whether the mode is one of the safety modes that can
// preempt any active supervisor session and can never be overridden.
func IsSafetyMode(m AgentMode) bool {
	return m == ModeSentry || m == ModeFirefighter
}

// Channel identifies the transport an inbound message arrived on.
type Channel string

const (
	ChannelWeb      Channel = "web"
	ChannelTwilio   Channel = "twilio"
	ChannelWhatsApp Channel = "whatsapp"
)

// Validation limits shared across modules.
const (
	// MaxMessageLength caps inbound user message size.
	MaxMessageLength = 8192
	// MaxExecutedTools caps the tool names recorded on a single turn ack.
	MaxExecutedTools = 10
	// MaxDeferredTopics caps the deferred-topic queue per user.
	MaxDeferredTopics = 5
	// MaxSignalSummaries caps the summaries kept per deferred topic.
	MaxSignalSummaries = 3
)

// Error variables for validation failures.
var (
	ErrEmptyUserID      = errors.New("user id cannot be empty")
	ErrEmptyScope       = errors.New("scope cannot be empty")
	ErrEmptyMessage     = errors.New("message cannot be empty")
	ErrMessageTooLong   = errors.New("message exceeds maximum length")
	ErrInvalidAgentMode = errors.New("invalid agent mode")
	ErrInvalidChannel   = errors.New("invalid channel")
)

// TurnMessage is a single role/content pair of conversation history.
type TurnMessage struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// TurnRequest is one inbound user turn handed to the orchestration engine.
type TurnRequest struct {
	UserID  string        `json:"user_id"`
	Scope   string        `json:"scope"`
	Channel Channel       `json:"channel"`
	Message string        `json:"message"`
	History []TurnMessage `json:"history,omitempty"`
}

// Validate performs field validation on a TurnRequest.
func (r *TurnRequest) Validate() error {
	if r.UserID == "" {
		return ErrEmptyUserID
	}
	if r.Scope == "" {
		return ErrEmptyScope
	}
	if r.Message == "" {
		return ErrEmptyMessage
	}
	if len(r.Message) > MaxMessageLength {
		return ErrMessageTooLong
	}
	switch r.Channel {
	case ChannelWeb, ChannelTwilio, ChannelWhatsApp:
	default:
		return ErrInvalidChannel
	}
	return nil
}

// TurnResult is the engine's answer for one processed turn.
type TurnResult struct {
	ResponseText string    `json:"response_text"`
	NextMode     AgentMode `json:"next_mode"`
	ToolAck      ToolAck   `json:"tool_ack"`
	TurnID       string    `json:"turn_id,omitempty"`
}

// Fixed user-facing replies. Internal failures and interrupts degrade to
// these templates rather than leaking error details.
const (
	// ReplyStopAcknowledged is returned when an explicit stop or boredom
	// interrupt force-closes an active investigation.
	ReplyStopAcknowledged = "D'accord, on arrête là pour le bilan. On reprend quand tu veux — de quoi as-tu envie de parler ?"
	// ReplyOutage is substituted when an agent handler fails entirely.
	ReplyOutage = "Désolé, j'ai un souci technique de mon côté. Réessaie dans un instant ?"
	// ReplyRelaunchDeclined acknowledges a declined relaunch gracefully.
	ReplyRelaunchDeclined = "Pas de souci, on laisse ça de côté. Je suis là si tu veux en reparler."
)

// TurnRecord is the persisted per-turn log entry used for observability and
// the recent-turns context element.
type TurnRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Scope     string    `json:"scope"`
	Channel   Channel   `json:"channel"`
	Mode      AgentMode `json:"mode"`
	RiskLevel int       `json:"risk_level"`
	LatencyMS int64     `json:"latency_ms"`
	CreatedAt time.Time `json:"created_at"`
}

// StoredMessage is one persisted conversation message.
type StoredMessage struct {
	UserID    string    `json:"user_id"`
	Scope     string    `json:"scope"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
