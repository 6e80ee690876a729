package router

import (
	"testing"
	"time"

	"github.com/solyn-app/solyn/internal/models"
)

func freshState() *models.ChatState {
	return models.NewChatState("u1", "chat", time.Now())
}

func checkupState() *models.ChatState {
	state := freshState()
	state.Investigation = &models.InvestigationState{
		Status:       models.InvestigationChecking,
		PendingItems: []string{"sommeil", "sport"},
	}
	return state
}

func TestRouteDefaultsToCompanion(t *testing.T) {
	r := New(DefaultThresholds())
	d := r.Route(models.DefaultSignalBundle(), freshState())
	if d.Mode != models.ModeCompanion {
		t.Errorf("expected companion, got %s", d.Mode)
	}
}

func TestRouteSentryBeatsEverything(t *testing.T) {
	r := New(DefaultThresholds())
	state := checkupState()
	bundle := models.DefaultSignalBundle()
	bundle.Safety = models.SafetySignal{Level: models.SafetySentry, Confidence: 0.9}
	bundle.Interrupt = models.InterruptSignal{Kind: models.InterruptExplicitStop, Confidence: 0.9}

	d := r.Route(bundle, state)
	if d.Mode != models.ModeSentry {
		t.Errorf("expected sentry, got %s", d.Mode)
	}
	if d.ForceCloseInvestigation {
		t.Error("sentry routing must not force-close the investigation")
	}
}

func TestRouteSentryBelowThresholdIgnored(t *testing.T) {
	r := New(DefaultThresholds())
	bundle := models.DefaultSignalBundle()
	bundle.Safety = models.SafetySignal{Level: models.SafetySentry, Confidence: 0.7}

	d := r.Route(bundle, freshState())
	if d.Mode != models.ModeCompanion {
		t.Errorf("expected companion for sub-threshold sentry, got %s", d.Mode)
	}
}

func TestRouteFirefighterBySafetySignal(t *testing.T) {
	r := New(DefaultThresholds())
	bundle := models.DefaultSignalBundle()
	bundle.Safety = models.SafetySignal{Level: models.SafetyFirefighter, Confidence: 0.8}

	d := r.Route(bundle, freshState())
	if d.Mode != models.ModeFirefighter {
		t.Errorf("expected firefighter, got %s", d.Mode)
	}
}

func TestRouteFirefighterByNeedSupportAndRisk(t *testing.T) {
	r := New(DefaultThresholds())
	bundle := models.DefaultSignalBundle()
	bundle.TopicDepth = models.TopicDepthSignal{Value: models.TopicDepthNeedSupport, Confidence: 0.7}

	state := freshState()
	state.RiskLevel = 5
	if d := r.Route(bundle, state); d.Mode != models.ModeFirefighter {
		t.Errorf("expected firefighter with risk 5, got %s", d.Mode)
	}

	state.RiskLevel = 3
	if d := r.Route(bundle, state); d.Mode != models.ModeCompanion {
		t.Errorf("expected companion below the risk floor, got %s", d.Mode)
	}
}

func TestRouteInvestigatorWhileCheckupInProgress(t *testing.T) {
	r := New(DefaultThresholds())
	d := r.Route(models.DefaultSignalBundle(), checkupState())
	if d.Mode != models.ModeInvestigator {
		t.Errorf("expected investigator, got %s", d.Mode)
	}
}

func TestRouteExplicitStopForceClosesInvestigation(t *testing.T) {
	r := New(DefaultThresholds())
	bundle := models.DefaultSignalBundle()
	bundle.Interrupt = models.InterruptSignal{Kind: models.InterruptExplicitStop, Confidence: 0.7}

	d := r.Route(bundle, checkupState())
	if !d.ForceCloseInvestigation {
		t.Fatal("expected the investigation to be force-closed")
	}
	if d.Mode != models.ModeCompanion {
		t.Errorf("expected companion after force-close, got %s", d.Mode)
	}
	if d.FixedReply != models.ReplyStopAcknowledged {
		t.Errorf("expected the fixed stop reply, got %q", d.FixedReply)
	}
}

func TestRouteBoredThreshold(t *testing.T) {
	r := New(DefaultThresholds())
	bundle := models.DefaultSignalBundle()
	bundle.Interrupt = models.InterruptSignal{Kind: models.InterruptBored, Confidence: 0.6}

	if d := r.Route(bundle, checkupState()); d.ForceCloseInvestigation {
		t.Error("bored at 0.6 is below threshold and must not force-close")
	}

	bundle.Interrupt.Confidence = 0.7
	if d := r.Route(bundle, checkupState()); !d.ForceCloseInvestigation {
		t.Error("bored at 0.7 must force-close the investigation")
	}
}

func TestRouteInterruptWithoutInvestigationIsNoop(t *testing.T) {
	r := New(DefaultThresholds())
	bundle := models.DefaultSignalBundle()
	bundle.Interrupt = models.InterruptSignal{Kind: models.InterruptExplicitStop, Confidence: 0.9}

	d := r.Route(bundle, freshState())
	if d.ForceCloseInvestigation {
		t.Error("no investigation to close")
	}
	if d.Mode != models.ModeCompanion {
		t.Errorf("expected companion, got %s", d.Mode)
	}
}

func TestForcedModeCannotOverrideSafety(t *testing.T) {
	r := New(DefaultThresholds()).WithForcedMode(models.ModeInvestigator)

	bundle := models.DefaultSignalBundle()
	if d := r.Route(bundle, freshState()); d.Mode != models.ModeInvestigator {
		t.Errorf("expected forced investigator, got %s", d.Mode)
	}

	bundle.Safety = models.SafetySignal{Level: models.SafetySentry, Confidence: 0.9}
	if d := r.Route(bundle, freshState()); d.Mode != models.ModeSentry {
		t.Errorf("forced mode must not override sentry, got %s", d.Mode)
	}
}
