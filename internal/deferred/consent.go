package deferred

import (
	"log/slog"
	"strings"

	"github.com/solyn-app/solyn/internal/models"
)

// ConsentConfig controls how a yes/no relaunch answer is read.
type ConsentConfig struct {
	// SignalConfidenceThreshold is the minimum classifier confidence for a
	// decision to be taken at face value.
	SignalConfidenceThreshold float64
	// AcceptPhrases and DeclinePhrases are the literal fallbacks checked when
	// the classifier signal is absent or below threshold.
	AcceptPhrases  []string
	DeclinePhrases []string
}

// DefaultConsentConfig returns the production consent settings. The phrase
// fallbacks cover the short French answers the classifier tends to score low.
func DefaultConsentConfig() ConsentConfig {
	return ConsentConfig{
		SignalConfidenceThreshold: 0.55,
		AcceptPhrases:             []string{"oui", "ouais", "ok", "d'accord", "vas-y", "volontiers", "yes"},
		DeclinePhrases:            []string{"non", "nan", "pas maintenant", "plus tard", "no"},
	}
}

// ResolveConsent reads the user's answer to a pending relaunch question. The
// classifier's resolution wins when confident enough; otherwise the raw
// message is checked against the phrase lists; otherwise the answer is
// unclear.
func ResolveConsent(bundle *models.SignalBundle, message string, cfg ConsentConfig) models.DecisionCode {
	if bundle != nil && bundle.PendingResolution != nil &&
		bundle.PendingResolution.Confidence >= cfg.SignalConfidenceThreshold {
		return bundle.PendingResolution.Decision
	}
	normalized := strings.ToLower(strings.TrimSpace(message))
	normalized = strings.TrimRight(normalized, ".!?,; ")
	for _, phrase := range cfg.AcceptPhrases {
		if normalized == phrase {
			return models.DecisionAccept
		}
	}
	for _, phrase := range cfg.DeclinePhrases {
		if normalized == phrase {
			return models.DecisionDecline
		}
	}
	return models.DecisionUnclear
}

// ConsentOutcome is what the engine should do after an answer was processed.
type ConsentOutcome string

const (
	// OutcomeRelaunch means consent was given; start the pending machine.
	OutcomeRelaunch ConsentOutcome = "relaunch"
	// OutcomeDeclined means the user said no; offers are paused.
	OutcomeDeclined ConsentOutcome = "declined"
	// OutcomeReask means the answer was unclear; ask once more.
	OutcomeReask ConsentOutcome = "reask"
	// OutcomeDropped means the answer was unclear twice; the topic is gone.
	OutcomeDropped ConsentOutcome = "dropped"
)

// HandleConsentAnswer applies a resolved decision to the supervisor state and
// says how the turn should proceed. A second unclear answer drops the topic
// without pausing the queue; an explicit decline pauses offers.
func (m *Manager) HandleConsentAnswer(state *models.SupervisorState, decision models.DecisionCode) ConsentOutcome {
	pending := state.PendingConsent
	if pending == nil {
		return OutcomeDropped
	}
	switch decision {
	case models.DecisionAccept:
		state.PendingConsent = nil
		slog.Info("Manager.HandleConsentAnswer: relaunch accepted", "machineType", pending.MachineType)
		return OutcomeRelaunch
	case models.DecisionDecline:
		state.PendingConsent = nil
		m.PauseOffers(&state.Deferred)
		slog.Info("Manager.HandleConsentAnswer: relaunch declined", "machineType", pending.MachineType)
		return OutcomeDeclined
	default:
		if pending.UnclearReaskCount >= 1 {
			state.PendingConsent = nil
			slog.Info("Manager.HandleConsentAnswer: unclear twice, topic dropped", "machineType", pending.MachineType)
			return OutcomeDropped
		}
		pending.UnclearReaskCount++
		return OutcomeReask
	}
}
