// Package models defines deferred-topic structures for consent-gated relaunch.
package models

import "time"

// MachineType is one of the deferrable flow kinds.
type MachineType string

const (
	MachineDeepReasons     MachineType = "deep_reasons"
	MachineTopicLight      MachineType = "topic_light"
	MachineTopicSerious    MachineType = "topic_serious"
	MachineCreateAction    MachineType = "create_action"
	MachineUpdateAction    MachineType = "update_action"
	MachineBreakdownAction MachineType = "breakdown_action"
)

// IsValidMachineType checks whether the given machine type is deferrable.
func IsValidMachineType(mt MachineType) bool {
	_, ok := mt.SessionType()
	return ok
}

// SessionType maps a deferrable machine type to the supervisor session it
// relaunches into. The mapping is 1:1.
func (mt MachineType) SessionType() (SessionType, bool) {
	switch mt {
	case MachineDeepReasons:
		return SessionDeepReasons, true
	case MachineTopicLight:
		return SessionTopicLight, true
	case MachineTopicSerious:
		return SessionTopicSerious, true
	case MachineCreateAction:
		return SessionCreateAction, true
	case MachineUpdateAction:
		return SessionUpdateAction, true
	case MachineBreakdownAction:
		return SessionBreakdownAction, true
	default:
		return "", false
	}
}

// ActionScoped reports whether topics of this kind carry an action target
// used for fuzzy matching.
func (mt MachineType) ActionScoped() bool {
	switch mt {
	case MachineCreateAction, MachineUpdateAction, MachineBreakdownAction:
		return true
	default:
		return false
	}
}

// SignalSummary is a short natural-language note about one detected signal.
type SignalSummary struct {
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// DeferredTopic is a signal queued instead of interrupting an active flow.
// Summaries are kept oldest to newest, at most MaxSignalSummaries of them.
type DeferredTopic struct {
	ID            string          `json:"id"`
	MachineType   MachineType     `json:"machine_type"`
	ActionTarget  string          `json:"action_target,omitempty"`
	Summaries     []SignalSummary `json:"signal_summaries"`
	TriggerCount  int             `json:"trigger_count"`
	CreatedAt     time.Time       `json:"created_at"`
	LastUpdatedAt time.Time       `json:"last_updated_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
}

// Expired reports whether the topic's TTL has passed at the given instant.
func (t *DeferredTopic) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

// DeferredTopicsState is the per-user container: topics in FIFO order
// (oldest first, at most MaxDeferredTopics), and an optional global pause.
type DeferredTopicsState struct {
	Topics          []DeferredTopic `json:"topics,omitempty"`
	PausedUntil     *time.Time      `json:"paused_until,omitempty"`
	LastProcessedAt time.Time       `json:"last_processed_at"`
}

// PausedAt reports whether relaunch offers are globally paused at the given
// instant.
func (s *DeferredTopicsState) PausedAt(now time.Time) bool {
	return s.PausedUntil != nil && s.PausedUntil.After(now)
}

// PendingRelaunchConsent guards a single in-flight yes/no relaunch question.
// It exists only between asking the question and its answer or expiry.
type PendingRelaunchConsent struct {
	MachineType       MachineType     `json:"machine_type"`
	ActionTarget      string          `json:"action_target,omitempty"`
	Summaries         []SignalSummary `json:"summaries,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UnclearReaskCount int             `json:"unclear_reask_count"` // 0 or 1
}
