// Package models defines the classifier signal bundle.
package models

// SafetyLevel is the classifier's safety assessment of the current message.
type SafetyLevel string

const (
	SafetyNone        SafetyLevel = "NONE"
	SafetyFirefighter SafetyLevel = "FIREFIGHTER"
	SafetySentry      SafetyLevel = "SENTRY"
)

// InterruptKind is the classifier's interruption assessment.
type InterruptKind string

const (
	InterruptNone         InterruptKind = "NONE"
	InterruptExplicitStop InterruptKind = "EXPLICIT_STOP"
	InterruptBored        InterruptKind = "BORED"
)

// TopicDepth is the classifier's read of how heavy the topic is.
type TopicDepth string

const (
	TopicDepthLight       TopicDepth = "LIGHT"
	TopicDepthNeedSupport TopicDepth = "NEED_SUPPORT"
)

// DecisionCode is the resolution of a pending yes/no consent question.
type DecisionCode string

const (
	DecisionAccept  DecisionCode = "accept"
	DecisionDecline DecisionCode = "decline"
	DecisionUnclear DecisionCode = "unclear"
)

// ContextTrigger is a classifier-detected intent used by the context loader
// to resolve on-demand profile elements.
type ContextTrigger string

const (
	TriggerActionIntent ContextTrigger = "action_intent"
	TriggerPlanDetail   ContextTrigger = "plan_detail"
	TriggerMemoryLookup ContextTrigger = "memory_lookup"
	TriggerVitals       ContextTrigger = "vitals"
)

// SafetySignal carries the safety level with its confidence.
type SafetySignal struct {
	Level      SafetyLevel `json:"level"`
	Confidence float64     `json:"confidence"`
}

// InterruptSignal carries the interruption kind with its confidence.
type InterruptSignal struct {
	Kind       InterruptKind `json:"kind"`
	Confidence float64       `json:"confidence"`
}

// TopicDepthSignal carries the topic depth with its confidence.
type TopicDepthSignal struct {
	Value      TopicDepth `json:"value"`
	Confidence float64    `json:"confidence"`
}

// ConsentResolution is present when the previous turn asked a yes/no consent
// question and the classifier read an answer into the current message.
type ConsentResolution struct {
	Decision   DecisionCode `json:"decision_code"`
	Confidence float64      `json:"confidence"`
}

// DeferTrigger is a signal unrelated to the active flow, recorded by the
// deferred-topic manager instead of interrupting.
type DeferTrigger struct {
	MachineType  MachineType `json:"machine_type"`
	ActionTarget string      `json:"action_target,omitempty"`
	Summary      string      `json:"summary"`
}

// SignalBundle is the classifier output for one turn. The classifier never
// mutates state; this bundle plus persisted chat state is all the router sees.
type SignalBundle struct {
	Safety            SafetySignal       `json:"safety"`
	Interrupt         InterruptSignal    `json:"interrupt"`
	TopicDepth        TopicDepthSignal   `json:"topic_depth"`
	RiskScore         float64            `json:"risk_score"`
	PendingResolution *ConsentResolution `json:"pending_resolution,omitempty"`
	DeferTriggers     []DeferTrigger     `json:"defer_triggers,omitempty"`
	Triggers          []ContextTrigger   `json:"triggers,omitempty"`
}

// DefaultSignalBundle is the safe fallback used when signal extraction fails:
// no safety escalation, no interrupt, light topic depth. Mis-routing to the
// default conversational mode is the safest failure.
func DefaultSignalBundle() SignalBundle {
	return SignalBundle{
		Safety:     SafetySignal{Level: SafetyNone, Confidence: 1.0},
		Interrupt:  InterruptSignal{Kind: InterruptNone, Confidence: 1.0},
		TopicDepth: TopicDepthSignal{Value: TopicDepthLight, Confidence: 0.5},
		RiskScore:  0,
	}
}

// HasTrigger reports whether the bundle carries the given context trigger.
func (s *SignalBundle) HasTrigger(t ContextTrigger) bool {
	for _, have := range s.Triggers {
		if have == t {
			return true
		}
	}
	return false
}
