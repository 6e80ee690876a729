// Package router maps a classifier signal bundle plus persisted chat state to
// the agent mode that answers the turn.
//
// Routing is pure and deterministic: same bundle, same state, same decision.
// Safety outranks everything, interrupts outrank continuation, and an
// in-progress investigation outranks the default companion.
package router

import (
	"log/slog"

	"github.com/solyn-app/solyn/internal/models"
)

// Thresholds are the confidence floors for each routing rule.
type Thresholds struct {
	Sentry       float64 // safety SENTRY confidence floor
	Firefighter  float64 // safety FIREFIGHTER confidence floor
	NeedSupport  float64 // topic-depth NEED_SUPPORT confidence floor
	RiskFloor    int     // minimum persisted risk level for the need-support path
	ExplicitStop float64 // interrupt EXPLICIT_STOP confidence floor
	Bored        float64 // interrupt BORED confidence floor
}

// DefaultThresholds returns the production floors.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Sentry:       0.75,
		Firefighter:  0.75,
		NeedSupport:  0.6,
		RiskFloor:    4,
		ExplicitStop: 0.6,
		Bored:        0.65,
	}
}

// Decision is the router's output for one turn.
type Decision struct {
	Mode models.AgentMode
	// ForceCloseInvestigation is set when an interrupt ends an in-progress
	// investigation this turn. FixedReply then carries the whole response;
	// no agent handler runs.
	ForceCloseInvestigation bool
	FixedReply              string
}

// Router is a stateless rule evaluator.
type Router struct {
	thresholds Thresholds
	// forcedMode, when set, overrides non-safety routing. Used by operator
	// tooling; it can never suppress sentry or firefighter.
	forcedMode models.AgentMode
}

// New creates a router with the given thresholds.
func New(thresholds Thresholds) *Router {
	return &Router{thresholds: thresholds}
}

// WithForcedMode returns a copy of the router that pins non-safety turns to
// the given mode. Safety routing still wins.
func (r *Router) WithForcedMode(mode models.AgentMode) *Router {
	clone := *r
	clone.forcedMode = mode
	return &clone
}

// Route decides the agent mode for one turn.
func (r *Router) Route(bundle models.SignalBundle, state *models.ChatState) Decision {
	t := r.thresholds

	// Safety first. A forced mode never suppresses these.
	if bundle.Safety.Level == models.SafetySentry && bundle.Safety.Confidence >= t.Sentry {
		slog.Debug("Router.Route: sentry", "confidence", bundle.Safety.Confidence)
		return Decision{Mode: models.ModeSentry}
	}
	if bundle.Safety.Level == models.SafetyFirefighter && bundle.Safety.Confidence >= t.Firefighter {
		slog.Debug("Router.Route: firefighter", "confidence", bundle.Safety.Confidence)
		return Decision{Mode: models.ModeFirefighter}
	}
	if bundle.TopicDepth.Value == models.TopicDepthNeedSupport &&
		bundle.TopicDepth.Confidence >= t.NeedSupport &&
		state.RiskLevel >= t.RiskFloor {
		slog.Debug("Router.Route: firefighter via need-support",
			"confidence", bundle.TopicDepth.Confidence, "riskLevel", state.RiskLevel)
		return Decision{Mode: models.ModeFirefighter}
	}

	if r.forcedMode != "" && models.IsValidAgentMode(r.forcedMode) {
		return Decision{Mode: r.forcedMode}
	}

	// Interrupts end an in-progress investigation with a fixed reply.
	if state.Investigation.InProgress() && r.interrupted(bundle) {
		slog.Info("Router.Route: interrupt force-closes investigation",
			"kind", bundle.Interrupt.Kind, "confidence", bundle.Interrupt.Confidence)
		return Decision{
			Mode:                    models.ModeCompanion,
			ForceCloseInvestigation: true,
			FixedReply:              models.ReplyStopAcknowledged,
		}
	}

	if state.Investigation.InProgress() {
		return Decision{Mode: models.ModeInvestigator}
	}
	return Decision{Mode: models.ModeCompanion}
}

func (r *Router) interrupted(bundle models.SignalBundle) bool {
	switch bundle.Interrupt.Kind {
	case models.InterruptExplicitStop:
		return bundle.Interrupt.Confidence >= r.thresholds.ExplicitStop
	case models.InterruptBored:
		return bundle.Interrupt.Confidence >= r.thresholds.Bored
	default:
		return false
	}
}
