package contextloader

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/solyn-app/solyn/internal/models"
	"github.com/solyn-app/solyn/internal/store"
)

func seededStore() *store.InMemoryStore {
	st := store.NewInMemoryStore()
	st.SetIdentity(store.Identity{UserID: "u1", DisplayName: "Camille"})
	st.AddUserFact(store.UserFact{UserID: "u1", Fact: "préfère les matinées", CreatedAt: time.Now()})
	st.SetPlan(store.PlanMeta{ID: "p1", UserID: "u1", Title: "Mieux dormir", Summary: "routine du soir"},
		"Détail complet du plan sommeil")
	st.CreateAction(store.ActionDetail{ID: "a1", PlanID: "p1", Title: "Lecture du soir", Status: "open"})
	st.SetVitals(store.VitalsSnapshot{UserID: "u1", Mood: 6, Energy: 5, Sleep: 4})
	return st
}

func testState() *models.ChatState {
	state := models.NewChatState("u1", "chat", time.Now())
	state.ShortTermContext = "a mentionné une semaine chargée"
	return state
}

func contains(elements []Element, el Element) bool {
	for _, have := range elements {
		if have == el {
			return true
		}
	}
	return false
}

func TestLoadCompanionDefaults(t *testing.T) {
	loader := NewLoader(seededStore())
	got := loader.Load(context.Background(), testState(), models.ModeCompanion, models.DefaultSignalBundle())

	if got.Identity == nil || got.Identity.DisplayName != "Camille" {
		t.Errorf("expected identity loaded, got %+v", got.Identity)
	}
	if got.PlanMeta == nil || got.PlanMeta.ID != "p1" {
		t.Errorf("expected plan meta loaded, got %+v", got.PlanMeta)
	}
	if len(got.ActionSummaries) != 1 {
		t.Errorf("expected action summaries, got %+v", got.ActionSummaries)
	}
	// On-demand elements stay off without their trigger.
	if got.PlanContent != "" {
		t.Error("plan content must not load without the plan_detail trigger")
	}
	if got.Vitals != nil {
		t.Error("vitals must not load without the vitals trigger")
	}
	if !contains(got.Metrics.Skipped, ElementPlanContent) {
		t.Errorf("expected plan content reported skipped, got %+v", got.Metrics.Skipped)
	}
}

func TestLoadOnDemandElementsWithTriggers(t *testing.T) {
	loader := NewLoader(seededStore())
	bundle := models.DefaultSignalBundle()
	bundle.Triggers = []models.ContextTrigger{models.TriggerPlanDetail, models.TriggerVitals}

	got := loader.Load(context.Background(), testState(), models.ModeCompanion, bundle)
	if got.PlanContent == "" {
		t.Error("expected plan content with the plan_detail trigger")
	}
	if got.Vitals == nil {
		t.Error("expected vitals with the vitals trigger")
	}
}

func TestLoadSentryProfileIsMinimal(t *testing.T) {
	loader := NewLoader(seededStore())
	got := loader.Load(context.Background(), testState(), models.ModeSentry, models.DefaultSignalBundle())

	if got.Identity == nil || got.Vitals == nil {
		t.Error("sentry profile loads identity and vitals")
	}
	if got.PlanMeta != nil || len(got.ActionSummaries) != 0 || len(got.UserFacts) != 0 {
		t.Error("sentry profile must not load coaching elements")
	}
}

func TestLoadMissingRowsAreNotFailures(t *testing.T) {
	loader := NewLoader(store.NewInMemoryStore())
	got := loader.Load(context.Background(), testState(), models.ModeCompanion, models.DefaultSignalBundle())
	if len(got.Metrics.Failed) != 0 {
		t.Errorf("missing rows are nil results, not failures: %+v", got.Metrics.Failed)
	}
}

func TestLoadTemporalMarkers(t *testing.T) {
	clock := func() time.Time { return time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC) }
	loader := NewLoaderWithClock(seededStore(), clock)

	got := loader.Load(context.Background(), testState(), models.ModeCompanion, models.DefaultSignalBundle())
	if got.Temporal != "dimanche 1 juin 2025, 12h05" {
		t.Errorf("unexpected temporal line: %q", got.Temporal)
	}
	if !strings.Contains(got.Flatten(), "Repères temporels") {
		t.Error("expected temporal markers in the flattened block")
	}
	if !contains(got.Metrics.Loaded, ElementTemporal) {
		t.Errorf("expected temporal reported loaded, got %+v", got.Metrics.Loaded)
	}

	sentry := loader.Load(context.Background(), testState(), models.ModeSentry, models.DefaultSignalBundle())
	if sentry.Temporal != "" {
		t.Error("sentry profile must not load temporal markers")
	}
}

func TestFlattenOmitsEmptyElements(t *testing.T) {
	loader := NewLoader(seededStore())
	got := loader.Load(context.Background(), testState(), models.ModeCompanion, models.DefaultSignalBundle())

	block := got.Flatten()
	if !strings.Contains(block, "Camille") {
		t.Error("expected identity in the flattened block")
	}
	if !strings.Contains(block, "Mieux dormir") {
		t.Error("expected plan title in the flattened block")
	}
	if strings.Contains(block, "Signaux récents") {
		t.Error("unloaded vitals must not appear in the flattened block")
	}
	if !strings.Contains(block, "semaine chargée") {
		t.Error("expected short-term context in the flattened block")
	}
}
