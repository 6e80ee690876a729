// Package classifier extracts the per-turn signal bundle from the user's
// message with one structured model call.
//
// The classifier is read-only: it never touches chat state. Extraction
// failures degrade to a safe default bundle rather than an error, so a model
// outage routes the turn to the companion instead of dropping it.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/solyn-app/solyn/internal/genai"
	"github.com/solyn-app/solyn/internal/models"
)

const classifierSystemPrompt = `Tu analyses le dernier message d'un utilisateur d'une application de coaching.
Réponds UNIQUEMENT avec un objet JSON de cette forme exacte:
{
  "safety": {"level": "NONE|FIREFIGHTER|SENTRY", "confidence": 0.0},
  "interrupt": {"kind": "NONE|EXPLICIT_STOP|BORED", "confidence": 0.0},
  "topic_depth": {"value": "LIGHT|NEED_SUPPORT", "confidence": 0.0},
  "risk_score": 0.0,
  "pending_resolution": {"decision_code": "accept|decline|unclear", "confidence": 0.0},
  "defer_triggers": [{"machine_type": "deep_reasons|topic_light|topic_serious|create_action|update_action|breakdown_action", "action_target": "", "summary": ""}],
  "triggers": ["action_intent", "plan_detail", "memory_lookup", "vitals"]
}
Règles:
- "safety" SENTRY: danger immédiat pour la personne. FIREFIGHTER: détresse élevée sans danger immédiat.
- "risk_score": détresse globale de 0 à 10.
- "interrupt": EXPLICIT_STOP si l'utilisateur demande d'arrêter l'échange en cours, BORED s'il se désengage.
- "pending_resolution": seulement si une question oui/non était en attente (indiqué dans le contexte). Sinon omets le champ.
- "defer_triggers": sujets détectés sans rapport avec le fil en cours, à traiter plus tard. Omets si aucun.
- "triggers": intentions nécessitant un contexte supplémentaire. Omets si aucune.`

// wireBundle is the JSON shape the model is asked to produce. It is decoded
// leniently and validated before becoming a SignalBundle.
type wireBundle struct {
	Safety struct {
		Level      string  `json:"level"`
		Confidence float64 `json:"confidence"`
	} `json:"safety"`
	Interrupt struct {
		Kind       string  `json:"kind"`
		Confidence float64 `json:"confidence"`
	} `json:"interrupt"`
	TopicDepth struct {
		Value      string  `json:"value"`
		Confidence float64 `json:"confidence"`
	} `json:"topic_depth"`
	RiskScore         float64 `json:"risk_score"`
	PendingResolution *struct {
		Decision   string  `json:"decision_code"`
		Confidence float64 `json:"confidence"`
	} `json:"pending_resolution"`
	DeferTriggers []struct {
		MachineType  string `json:"machine_type"`
		ActionTarget string `json:"action_target"`
		Summary      string `json:"summary"`
	} `json:"defer_triggers"`
	Triggers []string `json:"triggers"`
}

// Input is the context handed to the classifier for one turn.
type Input struct {
	Message string
	History []models.TurnMessage
	// HasPendingConsent tells the model a yes/no question was pending, so it
	// knows to fill pending_resolution.
	HasPendingConsent bool
	// ActiveSessionType, when non-empty, names the flow currently owning the
	// conversation, so off-topic signals land in defer_triggers.
	ActiveSessionType models.SessionType
	// CheckupInProgress marks an in-progress investigation for the same reason.
	CheckupInProgress bool
}

// Classifier wraps the model call and the lenient decode.
type Classifier struct {
	client genai.ClientInterface
}

// New creates a classifier over the given model client.
func New(client genai.ClientInterface) *Classifier {
	return &Classifier{client: client}
}

// Classify extracts the signal bundle for one turn. It never fails: any
// extraction problem returns the default bundle.
func (c *Classifier) Classify(ctx context.Context, input Input) models.SignalBundle {
	raw, err := c.client.GenerateStructured(ctx, classifierSystemPrompt, c.buildUserPrompt(input))
	if err != nil {
		slog.Warn("Classifier.Classify: extraction failed, using default bundle", "error", err)
		return models.DefaultSignalBundle()
	}
	var wire wireBundle
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		slog.Warn("Classifier.Classify: malformed bundle JSON, using default", "error", err)
		return models.DefaultSignalBundle()
	}
	return c.sanitize(wire, input)
}

func (c *Classifier) buildUserPrompt(input Input) string {
	var b strings.Builder
	if input.HasPendingConsent {
		b.WriteString("Contexte: une question oui/non (relance d'un sujet mis de côté) était en attente de réponse.\n")
	}
	if input.ActiveSessionType != "" {
		fmt.Fprintf(&b, "Contexte: un fil de type %q est en cours.\n", input.ActiveSessionType)
	}
	if input.CheckupInProgress {
		b.WriteString("Contexte: un bilan d'habitudes est en cours.\n")
	}
	if n := len(input.History); n > 0 {
		b.WriteString("Derniers échanges:\n")
		start := 0
		if n > 6 {
			start = n - 6
		}
		for _, msg := range input.History[start:] {
			fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
		}
	}
	fmt.Fprintf(&b, "Message à analyser: %s", input.Message)
	return b.String()
}

// sanitize validates every enum and clamps every confidence. Anything the
// model got wrong falls back to the neutral value for that field only.
func (c *Classifier) sanitize(wire wireBundle, input Input) models.SignalBundle {
	bundle := models.DefaultSignalBundle()

	switch level := models.SafetyLevel(wire.Safety.Level); level {
	case models.SafetyNone, models.SafetyFirefighter, models.SafetySentry:
		bundle.Safety = models.SafetySignal{Level: level, Confidence: clamp01(wire.Safety.Confidence)}
	}
	switch kind := models.InterruptKind(wire.Interrupt.Kind); kind {
	case models.InterruptNone, models.InterruptExplicitStop, models.InterruptBored:
		bundle.Interrupt = models.InterruptSignal{Kind: kind, Confidence: clamp01(wire.Interrupt.Confidence)}
	}
	switch depth := models.TopicDepth(wire.TopicDepth.Value); depth {
	case models.TopicDepthLight, models.TopicDepthNeedSupport:
		bundle.TopicDepth = models.TopicDepthSignal{Value: depth, Confidence: clamp01(wire.TopicDepth.Confidence)}
	}

	bundle.RiskScore = wire.RiskScore
	if bundle.RiskScore < 0 {
		bundle.RiskScore = 0
	}
	if bundle.RiskScore > 10 {
		bundle.RiskScore = 10
	}

	// A resolution only makes sense when a question was actually pending.
	if input.HasPendingConsent && wire.PendingResolution != nil {
		switch decision := models.DecisionCode(wire.PendingResolution.Decision); decision {
		case models.DecisionAccept, models.DecisionDecline, models.DecisionUnclear:
			bundle.PendingResolution = &models.ConsentResolution{
				Decision:   decision,
				Confidence: clamp01(wire.PendingResolution.Confidence),
			}
		}
	}

	for _, trigger := range wire.DeferTriggers {
		mt := models.MachineType(trigger.MachineType)
		if !models.IsValidMachineType(mt) || trigger.Summary == "" {
			slog.Debug("Classifier.sanitize: dropped invalid defer trigger", "machineType", trigger.MachineType)
			continue
		}
		bundle.DeferTriggers = append(bundle.DeferTriggers, models.DeferTrigger{
			MachineType:  mt,
			ActionTarget: trigger.ActionTarget,
			Summary:      trigger.Summary,
		})
	}

	for _, trigger := range wire.Triggers {
		switch t := models.ContextTrigger(trigger); t {
		case models.TriggerActionIntent, models.TriggerPlanDetail, models.TriggerMemoryLookup, models.TriggerVitals:
			bundle.Triggers = append(bundle.Triggers, t)
		}
	}
	return bundle
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
