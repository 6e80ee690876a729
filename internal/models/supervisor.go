// Package models defines supervisor session and deferred-topic structures.
//
// The supervisor state is a single typed record rather than an open JSON bag:
// the "at most one active session" and "independent deferred-topic queue"
// invariants are carried by the type shape, not by map-key convention.
package models

import (
	"encoding/json"
	"time"
)

// SessionType identifies a long-running supervisor flow.
type SessionType string

const (
	SessionCreateAction    SessionType = "create_action_flow"
	SessionUpdateAction    SessionType = "update_action_flow"
	SessionBreakdownAction SessionType = "breakdown_action_flow"
	SessionDeepReasons     SessionType = "deep_reasons_exploration"
	SessionTopicLight      SessionType = "topic_light"
	SessionTopicSerious    SessionType = "topic_serious"
)

// IsValidSessionType checks whether the given session type is known.
func IsValidSessionType(t SessionType) bool {
	switch t {
	case SessionCreateAction, SessionUpdateAction, SessionBreakdownAction,
		SessionDeepReasons, SessionTopicLight, SessionTopicSerious:
		return true
	default:
		return false
	}
}

// SessionPhase is the per-type progress enum of an active session.
type SessionPhase string

const (
	PhaseExploring       SessionPhase = "exploring"
	PhaseAwaitingConfirm SessionPhase = "awaiting_confirm"
	PhaseDone            SessionPhase = "done"
)

// SupervisorSession is one active long-running flow owning the conversation.
type SupervisorSession struct {
	ID           string          `json:"id"`
	Type         SessionType     `json:"session_type"`
	Phase        SessionPhase    `json:"phase"`
	ActionTarget string          `json:"action_target,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty"` // type-specific payload
	StartedAt    time.Time       `json:"started_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// PauseReason records which safety flow preempted a session.
type PauseReason string

const (
	PauseReasonSentry      PauseReason = "sentry"
	PauseReasonFirefighter PauseReason = "firefighter"
)

// PausedMachineState is the snapshot taken when a safety flow preempts the
// active session. At most one exists at a time; it is restored verbatim when
// the safety flow resolves.
type PausedMachineState struct {
	SessionType  SessionType     `json:"machine_type"`
	SessionID    string          `json:"session_id"`
	ActionTarget string          `json:"action_target,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty"`
	Phase        SessionPhase    `json:"phase"`
	PausedAt     time.Time       `json:"paused_at"`
	Reason       PauseReason     `json:"reason"`
}

// CloseOutcome is the marker left when a session closes, observed by the
// relaunch logic on the next turn.
type CloseOutcome string

const (
	CloseOutcomeNone    CloseOutcome = ""
	CloseOutcomeNormal  CloseOutcome = "normal"
	CloseOutcomeAborted CloseOutcome = "aborted"
)

// SupervisorState bundles the supervisor concerns persisted per (user, scope):
// the single active session, the safety-pause snapshot, the in-flight relaunch
// consent, and the deferred-topic queue.
type SupervisorState struct {
	Active         *SupervisorSession      `json:"active_session,omitempty"`
	Paused         *PausedMachineState     `json:"paused_machine,omitempty"`
	PendingConsent *PendingRelaunchConsent `json:"pending_relaunch_consent,omitempty"`
	Deferred       DeferredTopicsState     `json:"deferred_topics"`
	LastClose      CloseOutcome            `json:"last_close,omitempty"`
}
