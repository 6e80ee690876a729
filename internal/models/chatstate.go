// Package models defines the persisted chat state owned by the orchestration core.
package models

import "time"

// InvestigationStatus is the lifecycle status of a checkup investigation.
type InvestigationStatus string

const (
	// InvestigationChecking means the checkup walkthrough is in progress.
	InvestigationChecking InvestigationStatus = "checking"
	// InvestigationPostCheckup means the walkthrough finished and the
	// wrap-up conversation is happening.
	InvestigationPostCheckup InvestigationStatus = "post_checkup"
	// InvestigationPostCheckupDone means the checkup is fully closed.
	InvestigationPostCheckupDone InvestigationStatus = "post_checkup_done"
)

// InvestigationState describes an in-progress checkup: a pending-items list
// and a cursor into it.
type InvestigationState struct {
	Status       InvestigationStatus `json:"status"`
	PendingItems []string            `json:"pending_items"`
	Cursor       int                 `json:"cursor"`
	StartedAt    time.Time           `json:"started_at"`
}

// InProgress reports whether the investigation still owns the conversation.
// Post-checkup statuses no longer route to the investigator.
func (inv *InvestigationState) InProgress() bool {
	if inv == nil {
		return false
	}
	return inv.Status != InvestigationPostCheckup && inv.Status != InvestigationPostCheckupDone
}

// CurrentItem returns the item under the cursor, if any.
func (inv *InvestigationState) CurrentItem() (string, bool) {
	if inv == nil || inv.Cursor < 0 || inv.Cursor >= len(inv.PendingItems) {
		return "", false
	}
	return inv.PendingItems[inv.Cursor], true
}

// ChatState is the per-(user, scope) mutable state owned by the core.
// It is created lazily on first contact and never deleted; individual
// fields are cleared as flows end.
type ChatState struct {
	UserID              string              `json:"user_id"`
	Scope               string              `json:"scope"`
	CurrentMode         AgentMode           `json:"current_mode"`
	RiskLevel           int                 `json:"risk_level"` // 0-10
	Investigation       *InvestigationState `json:"investigation_state,omitempty"`
	ShortTermContext    string              `json:"short_term_context,omitempty"`
	Supervisor          SupervisorState     `json:"supervisor_state"`
	UnprocessedMsgCount int                 `json:"unprocessed_msg_count"`
	LastProcessedAt     time.Time           `json:"last_processed_at"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

// NewChatState returns the initial state for a first-contact user.
func NewChatState(userID, scope string, now time.Time) *ChatState {
	return &ChatState{
		UserID:      userID,
		Scope:       scope,
		CurrentMode: ModeCompanion,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// ClampRiskLevel bounds a raw risk score into the persisted 0-10 range.
func ClampRiskLevel(score float64) int {
	if score < 0 {
		return 0
	}
	if score > 10 {
		return 10
	}
	return int(score)
}
