package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/solyn-app/solyn/internal/agents"
	"github.com/solyn-app/solyn/internal/classifier"
	"github.com/solyn-app/solyn/internal/contextloader"
	"github.com/solyn-app/solyn/internal/deferred"
	"github.com/solyn-app/solyn/internal/models"
	"github.com/solyn-app/solyn/internal/store"
)

type fakeExtractor struct {
	bundle    models.SignalBundle
	lastInput classifier.Input
}

func (f *fakeExtractor) Classify(ctx context.Context, input classifier.Input) models.SignalBundle {
	f.lastInput = input
	return f.bundle
}

type fakeHandler struct {
	mode    models.AgentMode
	text    string
	err     error
	lastReq *agents.Request
}

func (h *fakeHandler) Mode() models.AgentMode { return h.mode }

func (h *fakeHandler) Handle(ctx context.Context, req *agents.Request) (*agents.Response, error) {
	h.lastReq = req
	if h.err != nil {
		return nil, h.err
	}
	return &agents.Response{Text: h.text, Ack: models.NoToolAck()}, nil
}

func testLookup(handlers map[models.AgentMode]agents.Handler) func(models.AgentMode) (agents.Handler, error) {
	return func(mode models.AgentMode) (agents.Handler, error) {
		h, ok := handlers[mode]
		if !ok {
			return nil, errors.New("no handler for mode " + string(mode))
		}
		return h, nil
	}
}

func defaultHandlers() map[models.AgentMode]agents.Handler {
	return map[models.AgentMode]agents.Handler{
		models.ModeCompanion:    &fakeHandler{mode: models.ModeCompanion, text: "réponse compagnon"},
		models.ModeInvestigator: &fakeHandler{mode: models.ModeInvestigator, text: "question bilan"},
		models.ModeSentry:       &fakeHandler{mode: models.ModeSentry, text: "réponse sentinelle"},
		models.ModeFirefighter:  &fakeHandler{mode: models.ModeFirefighter, text: "réponse apaisement"},
	}
}

func fixedClock() func() time.Time {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func newTestEngine(st *store.InMemoryStore, extractor *fakeExtractor, handlers map[models.AgentMode]agents.Handler) *Engine {
	return New(st, extractor, contextloader.NewLoader(st),
		WithClock(fixedClock()),
		WithHandlerLookup(testLookup(handlers)),
	)
}

func turnRequest(message string) models.TurnRequest {
	return models.TurnRequest{UserID: "u1", Scope: "chat", Channel: models.ChannelWeb, Message: message}
}

func safetyBundle(level models.SafetyLevel, confidence float64) models.SignalBundle {
	bundle := models.DefaultSignalBundle()
	bundle.Safety = models.SafetySignal{Level: level, Confidence: confidence}
	return bundle
}

func TestProcessTurnCompanionPersistsState(t *testing.T) {
	st := store.NewInMemoryStore()
	extractor := &fakeExtractor{bundle: models.DefaultSignalBundle()}
	e := newTestEngine(st, extractor, defaultHandlers())

	result, err := e.ProcessTurn(context.Background(), turnRequest("bonjour"))
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if result.ResponseText != "réponse compagnon" {
		t.Errorf("unexpected reply %q", result.ResponseText)
	}
	if result.NextMode != models.ModeCompanion {
		t.Errorf("expected companion mode, got %s", result.NextMode)
	}
	if result.TurnID == "" {
		t.Error("expected a turn ID")
	}

	state, err := st.GetChatState("u1", "chat")
	if err != nil || state == nil {
		t.Fatalf("expected saved state, got %v, err %v", state, err)
	}
	if state.CurrentMode != models.ModeCompanion {
		t.Errorf("expected persisted mode companion, got %s", state.CurrentMode)
	}
	if state.UnprocessedMsgCount != 0 {
		t.Errorf("expected counter reset, got %d", state.UnprocessedMsgCount)
	}
	if recs := st.TurnRecords(); len(recs) != 1 || recs[0].Mode != models.ModeCompanion {
		t.Errorf("expected one companion turn record, got %+v", recs)
	}
}

func TestProcessTurnRejectsInvalidRequest(t *testing.T) {
	st := store.NewInMemoryStore()
	e := newTestEngine(st, &fakeExtractor{bundle: models.DefaultSignalBundle()}, defaultHandlers())

	if _, err := e.ProcessTurn(context.Background(), turnRequest("")); err == nil {
		t.Error("expected validation error for empty message")
	}
}

func TestProcessTurnSafetyPausesActiveSession(t *testing.T) {
	st := store.NewInMemoryStore()
	now := fixedClock()()
	seed := models.NewChatState("u1", "chat", now)
	seed.Supervisor.Active = &models.SupervisorSession{
		ID: "s1", Type: models.SessionDeepReasons, Phase: models.PhaseExploring, StartedAt: now,
	}
	if err := st.SaveChatState(*seed); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	extractor := &fakeExtractor{bundle: safetyBundle(models.SafetySentry, 0.9)}
	e := newTestEngine(st, extractor, defaultHandlers())

	result, err := e.ProcessTurn(context.Background(), turnRequest("je vais très mal"))
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if result.NextMode != models.ModeSentry {
		t.Errorf("expected sentry mode, got %s", result.NextMode)
	}

	state, _ := st.GetChatState("u1", "chat")
	if state.Supervisor.Active != nil {
		t.Error("expected active session cleared during safety episode")
	}
	if state.Supervisor.Paused == nil || state.Supervisor.Paused.Reason != models.PauseReasonSentry {
		t.Errorf("expected session paused with sentry reason, got %+v", state.Supervisor.Paused)
	}
}

func TestProcessTurnResumesPausedSession(t *testing.T) {
	st := store.NewInMemoryStore()
	now := fixedClock()()
	seed := models.NewChatState("u1", "chat", now)
	seed.Supervisor.Paused = &models.PausedMachineState{
		SessionType: models.SessionTopicSerious,
		SessionID:   "s1",
		Phase:       models.PhaseExploring,
		PausedAt:    now,
		Reason:      models.PauseReasonFirefighter,
	}
	if err := st.SaveChatState(*seed); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	e := newTestEngine(st, &fakeExtractor{bundle: models.DefaultSignalBundle()}, defaultHandlers())
	if _, err := e.ProcessTurn(context.Background(), turnRequest("ça va mieux, merci")); err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}

	state, _ := st.GetChatState("u1", "chat")
	if state.Supervisor.Paused != nil {
		t.Error("expected paused slot emptied after resume")
	}
	if state.Supervisor.Active == nil || state.Supervisor.Active.ID != "s1" {
		t.Errorf("expected session s1 restored, got %+v", state.Supervisor.Active)
	}
}

func TestProcessTurnForceClosesInvestigation(t *testing.T) {
	st := store.NewInMemoryStore()
	now := fixedClock()()
	seed := models.NewChatState("u1", "chat", now)
	seed.Investigation = &models.InvestigationState{
		Status: models.InvestigationChecking, PendingItems: []string{"sommeil"}, StartedAt: now,
	}
	if err := st.SaveChatState(*seed); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	bundle := models.DefaultSignalBundle()
	bundle.Interrupt = models.InterruptSignal{Kind: models.InterruptExplicitStop, Confidence: 0.7}
	e := newTestEngine(st, &fakeExtractor{bundle: bundle}, defaultHandlers())

	result, err := e.ProcessTurn(context.Background(), turnRequest("stop, on arrête"))
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if result.ResponseText != models.ReplyStopAcknowledged {
		t.Errorf("expected the fixed stop reply, got %q", result.ResponseText)
	}

	state, _ := st.GetChatState("u1", "chat")
	if state.Investigation.Status != models.InvestigationPostCheckupDone {
		t.Errorf("expected investigation closed, got %s", state.Investigation.Status)
	}
}

func TestProcessTurnRecordsDeferTriggersOnlyWhenBusy(t *testing.T) {
	bundle := models.DefaultSignalBundle()
	bundle.DeferTriggers = []models.DeferTrigger{
		{MachineType: models.MachineTopicLight, Summary: "a parlé de son chat"},
	}

	// Idle conversation: the trigger is ignored.
	st := store.NewInMemoryStore()
	e := newTestEngine(st, &fakeExtractor{bundle: bundle}, defaultHandlers())
	if _, err := e.ProcessTurn(context.Background(), turnRequest("au fait...")); err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	state, _ := st.GetChatState("u1", "chat")
	if len(state.Supervisor.Deferred.Topics) != 0 {
		t.Errorf("idle conversation must not queue triggers, got %+v", state.Supervisor.Deferred.Topics)
	}

	// Active session: the trigger is queued.
	st = store.NewInMemoryStore()
	now := fixedClock()()
	seed := models.NewChatState("u1", "chat", now)
	seed.Supervisor.Active = &models.SupervisorSession{
		ID: "s1", Type: models.SessionCreateAction, Phase: models.PhaseExploring, StartedAt: now,
	}
	if err := st.SaveChatState(*seed); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	e = newTestEngine(st, &fakeExtractor{bundle: bundle}, defaultHandlers())
	if _, err := e.ProcessTurn(context.Background(), turnRequest("au fait...")); err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	state, _ = st.GetChatState("u1", "chat")
	if len(state.Supervisor.Deferred.Topics) != 1 {
		t.Fatalf("expected 1 queued topic, got %d", len(state.Supervisor.Deferred.Topics))
	}
	if state.Supervisor.Deferred.Topics[0].MachineType != models.MachineTopicLight {
		t.Errorf("unexpected queued topic %+v", state.Supervisor.Deferred.Topics[0])
	}
}

func TestProcessTurnDeferAckQuietsOnRepeats(t *testing.T) {
	bundle := models.DefaultSignalBundle()
	bundle.DeferTriggers = []models.DeferTrigger{
		{MachineType: models.MachineTopicLight, Summary: "a parlé de son chat"},
	}

	st := store.NewInMemoryStore()
	now := fixedClock()()
	seed := models.NewChatState("u1", "chat", now)
	seed.Supervisor.Active = &models.SupervisorSession{
		ID: "s1", Type: models.SessionCreateAction, Phase: models.PhaseExploring, StartedAt: now,
	}
	if err := st.SaveChatState(*seed); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	handlers := defaultHandlers()
	companion := handlers[models.ModeCompanion].(*fakeHandler)
	e := newTestEngine(st, &fakeExtractor{bundle: bundle}, handlers)

	// First trigger: full acknowledgment with the topic summary.
	if _, err := e.ProcessTurn(context.Background(), turnRequest("au fait...")); err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if companion.lastReq.DeferAck == nil {
		t.Fatal("expected a defer acknowledgment on the first trigger")
	}
	if companion.lastReq.DeferAck.Tier != deferred.AckFull {
		t.Errorf("expected full tier, got %s", companion.lastReq.DeferAck.Tier)
	}
	if companion.lastReq.DeferAck.Summary != "a parlé de son chat" {
		t.Errorf("unexpected summary %q", companion.lastReq.DeferAck.Summary)
	}

	// Second trigger of the same topic: subtle.
	if _, err := e.ProcessTurn(context.Background(), turnRequest("encore le chat")); err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if companion.lastReq.DeferAck == nil || companion.lastReq.DeferAck.Tier != deferred.AckSubtle {
		t.Errorf("expected subtle tier on the second trigger, got %+v", companion.lastReq.DeferAck)
	}

	// Third and beyond: silent, no note at all.
	if _, err := e.ProcessTurn(context.Background(), turnRequest("toujours le chat")); err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if companion.lastReq.DeferAck != nil {
		t.Errorf("expected no acknowledgment on the third trigger, got %+v", companion.lastReq.DeferAck)
	}
}

// fakeInvestigator mirrors the real investigator's state handling: it walks
// the cursor over the pending items and wraps up once the last one is done.
type fakeInvestigator struct{}

func (h *fakeInvestigator) Mode() models.AgentMode { return models.ModeInvestigator }

func (h *fakeInvestigator) Handle(ctx context.Context, req *agents.Request) (*agents.Response, error) {
	inv := req.State.Investigation
	if _, ok := inv.CurrentItem(); !ok {
		inv.Status = models.InvestigationPostCheckup
		return &agents.Response{Text: "synthèse du bilan", Ack: models.NoToolAck()}, nil
	}
	inv.Cursor++
	return &agents.Response{Text: "question bilan", Ack: models.NoToolAck()}, nil
}

func TestProcessTurnOffersRelaunchAfterCheckupEnds(t *testing.T) {
	st := store.NewInMemoryStore()
	extractor := &fakeExtractor{bundle: models.DefaultSignalBundle()}
	handlers := defaultHandlers()
	handlers[models.ModeInvestigator] = &fakeInvestigator{}
	e := newTestEngine(st, extractor, handlers)

	if err := e.StartCheckup("u1", "chat", []string{"sommeil"}); err != nil {
		t.Fatalf("StartCheckup failed: %v", err)
	}

	// Mid-checkup the user drifts to a new topic: deferred, not answered.
	extractor.bundle.DeferTriggers = []models.DeferTrigger{
		{MachineType: models.MachineTopicLight, Summary: "a parlé de son déménagement"},
	}
	if _, err := e.ProcessTurn(context.Background(), turnRequest("au fait, je déménage")); err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	state, _ := st.GetChatState("u1", "chat")
	if len(state.Supervisor.Deferred.Topics) != 1 {
		t.Fatalf("expected 1 deferred topic during the checkup, got %d", len(state.Supervisor.Deferred.Topics))
	}
	if state.Supervisor.PendingConsent != nil {
		t.Fatal("no offer may happen while the checkup is running")
	}

	// The walkthrough wraps up; the conversation is free again.
	extractor.bundle = models.DefaultSignalBundle()
	result, err := e.ProcessTurn(context.Background(), turnRequest("c'est tout ?"))
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if !strings.HasPrefix(result.ResponseText, "synthèse du bilan") {
		t.Errorf("expected the wrap-up reply first, got %q", result.ResponseText)
	}
	if !strings.Contains(result.ResponseText, "Tu veux qu'on y revienne") {
		t.Errorf("expected the consent question appended, got %q", result.ResponseText)
	}

	state, _ = st.GetChatState("u1", "chat")
	if state.Supervisor.PendingConsent == nil {
		t.Fatal("expected a pending relaunch consent after the checkup ended")
	}
	if len(state.Supervisor.Deferred.Topics) != 0 {
		t.Errorf("expected the offered topic popped from the queue, got %d", len(state.Supervisor.Deferred.Topics))
	}
}

func TestProcessTurnNoRelaunchOfferAfterForcedStop(t *testing.T) {
	st := store.NewInMemoryStore()
	now := fixedClock()()
	seed := models.NewChatState("u1", "chat", now)
	seed.Investigation = &models.InvestigationState{
		Status: models.InvestigationChecking, PendingItems: []string{"sommeil"}, StartedAt: now,
	}
	seed.Supervisor.Deferred.Topics = []models.DeferredTopic{{
		ID: "t1", MachineType: models.MachineTopicLight, TriggerCount: 1,
		CreatedAt: now, LastUpdatedAt: now, ExpiresAt: now.Add(time.Hour),
	}}
	if err := st.SaveChatState(*seed); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	bundle := models.DefaultSignalBundle()
	bundle.Interrupt = models.InterruptSignal{Kind: models.InterruptExplicitStop, Confidence: 0.7}
	e := newTestEngine(st, &fakeExtractor{bundle: bundle}, defaultHandlers())

	result, err := e.ProcessTurn(context.Background(), turnRequest("stop, on arrête"))
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if result.ResponseText != models.ReplyStopAcknowledged {
		t.Errorf("expected only the fixed stop reply, got %q", result.ResponseText)
	}

	state, _ := st.GetChatState("u1", "chat")
	if state.Supervisor.PendingConsent != nil {
		t.Error("a forced stop must not be followed by a relaunch offer")
	}
	if state.Supervisor.LastClose != models.CloseOutcomeNone {
		t.Errorf("expected the close marker consumed, got %q", state.Supervisor.LastClose)
	}
	if len(state.Supervisor.Deferred.Topics) != 1 {
		t.Errorf("the queued topic must stay queued, got %d", len(state.Supervisor.Deferred.Topics))
	}
}

// sessionClosingHandler stands in for a companion turn whose topic_progress
// call closed the active session.
type sessionClosingHandler struct{}

func (h *sessionClosingHandler) Mode() models.AgentMode { return models.ModeCompanion }

func (h *sessionClosingHandler) Handle(ctx context.Context, req *agents.Request) (*agents.Response, error) {
	sup := &req.State.Supervisor
	sup.Active = nil
	sup.LastClose = models.CloseOutcomeNormal
	return &agents.Response{Text: "très bien, c'est réglé", Ack: models.NoToolAck()}, nil
}

func TestProcessTurnSessionCloseChainsNextOffer(t *testing.T) {
	st := store.NewInMemoryStore()
	now := fixedClock()()
	seed := models.NewChatState("u1", "chat", now)
	seed.Supervisor.Active = &models.SupervisorSession{
		ID: "s1", Type: models.SessionCreateAction, Phase: models.PhaseAwaitingConfirm, StartedAt: now,
	}
	seed.Supervisor.Deferred.Topics = []models.DeferredTopic{{
		ID: "t1", MachineType: models.MachineTopicSerious, TriggerCount: 1,
		Summaries: []models.SignalSummary{{Text: "le conflit avec sa sœur", At: now}},
		CreatedAt: now, LastUpdatedAt: now, ExpiresAt: now.Add(time.Hour),
	}}
	if err := st.SaveChatState(*seed); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	handlers := defaultHandlers()
	handlers[models.ModeCompanion] = &sessionClosingHandler{}
	e := newTestEngine(st, &fakeExtractor{bundle: models.DefaultSignalBundle()}, handlers)

	result, err := e.ProcessTurn(context.Background(), turnRequest("oui, parfait comme ça"))
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if !strings.Contains(result.ResponseText, "Tu veux qu'on y revienne") {
		t.Errorf("expected the next topic offered in the same reply, got %q", result.ResponseText)
	}

	state, _ := st.GetChatState("u1", "chat")
	if state.Supervisor.Active != nil {
		t.Error("expected the session closed")
	}
	if state.Supervisor.PendingConsent == nil {
		t.Error("expected a pending consent for the next deferred topic")
	}
}

func TestProcessTurnOffersRelaunchAfterNormalClose(t *testing.T) {
	st := store.NewInMemoryStore()
	now := fixedClock()()
	seed := models.NewChatState("u1", "chat", now)
	seed.Supervisor.Active = &models.SupervisorSession{
		ID: "s1", Type: models.SessionCreateAction, Phase: models.PhaseDone, StartedAt: now,
	}
	seed.Supervisor.Deferred.Topics = []models.DeferredTopic{{
		ID:          "t1",
		MachineType: models.MachineTopicSerious,
		Summaries:   []models.SignalSummary{{Text: "une tension au travail", At: now}},
		CreatedAt:   now,
		ExpiresAt:   now.Add(48 * time.Hour),
	}}
	if err := st.SaveChatState(*seed); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	e := newTestEngine(st, &fakeExtractor{bundle: models.DefaultSignalBundle()}, defaultHandlers())
	if err := e.CloseSession("u1", "chat", models.CloseOutcomeNormal); err != nil {
		t.Fatalf("CloseSession failed: %v", err)
	}

	result, err := e.ProcessTurn(context.Background(), turnRequest("merci !"))
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if !strings.Contains(result.ResponseText, "Tu veux qu'on y revienne") {
		t.Errorf("expected the relaunch question appended, got %q", result.ResponseText)
	}
	if !strings.HasPrefix(result.ResponseText, "réponse compagnon") {
		t.Errorf("the handler reply must come first, got %q", result.ResponseText)
	}

	state, _ := st.GetChatState("u1", "chat")
	if state.Supervisor.PendingConsent == nil {
		t.Fatal("expected a pending consent after the offer")
	}
	if state.Supervisor.PendingConsent.MachineType != models.MachineTopicSerious {
		t.Errorf("unexpected pending topic %+v", state.Supervisor.PendingConsent)
	}
	if len(state.Supervisor.Deferred.Topics) != 0 {
		t.Errorf("offered topic must leave the queue, got %+v", state.Supervisor.Deferred.Topics)
	}
}

func TestProcessTurnNoRelaunchAfterAbortedClose(t *testing.T) {
	st := store.NewInMemoryStore()
	now := fixedClock()()
	seed := models.NewChatState("u1", "chat", now)
	seed.Supervisor.Active = &models.SupervisorSession{
		ID: "s1", Type: models.SessionCreateAction, Phase: models.PhaseExploring, StartedAt: now,
	}
	seed.Supervisor.Deferred.Topics = []models.DeferredTopic{{
		ID: "t1", MachineType: models.MachineTopicLight, CreatedAt: now, ExpiresAt: now.Add(48 * time.Hour),
	}}
	if err := st.SaveChatState(*seed); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	e := newTestEngine(st, &fakeExtractor{bundle: models.DefaultSignalBundle()}, defaultHandlers())
	if err := e.CloseSession("u1", "chat", models.CloseOutcomeAborted); err != nil {
		t.Fatalf("CloseSession failed: %v", err)
	}

	result, err := e.ProcessTurn(context.Background(), turnRequest("bref"))
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if result.ResponseText != "réponse compagnon" {
		t.Errorf("aborted close must not trigger an offer, got %q", result.ResponseText)
	}
	state, _ := st.GetChatState("u1", "chat")
	if state.Supervisor.PendingConsent != nil {
		t.Error("no consent question expected after an aborted close")
	}
}

func consentSeed(t *testing.T, st *store.InMemoryStore) {
	t.Helper()
	now := fixedClock()()
	seed := models.NewChatState("u1", "chat", now)
	seed.Supervisor.PendingConsent = &models.PendingRelaunchConsent{
		MachineType: models.MachineTopicSerious,
		Summaries:   []models.SignalSummary{{Text: "une tension au travail", At: now}},
		CreatedAt:   now,
	}
	if err := st.SaveChatState(*seed); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
}

func consentBundle(decision models.DecisionCode, confidence float64) models.SignalBundle {
	bundle := models.DefaultSignalBundle()
	bundle.PendingResolution = &models.ConsentResolution{Decision: decision, Confidence: confidence}
	return bundle
}

func TestProcessTurnConsentAcceptBeginsSession(t *testing.T) {
	st := store.NewInMemoryStore()
	consentSeed(t, st)

	e := newTestEngine(st, &fakeExtractor{bundle: consentBundle(models.DecisionAccept, 0.9)}, defaultHandlers())
	result, err := e.ProcessTurn(context.Background(), turnRequest("oui, vas-y"))
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if !strings.Contains(result.ResponseText, "revenons à") {
		t.Errorf("expected the relaunch intro, got %q", result.ResponseText)
	}

	state, _ := st.GetChatState("u1", "chat")
	if state.Supervisor.PendingConsent != nil {
		t.Error("expected pending consent cleared")
	}
	if state.Supervisor.Active == nil || state.Supervisor.Active.Type != models.SessionTopicSerious {
		t.Errorf("expected a topic_serious session, got %+v", state.Supervisor.Active)
	}
}

func TestProcessTurnConsentDecline(t *testing.T) {
	st := store.NewInMemoryStore()
	consentSeed(t, st)

	e := newTestEngine(st, &fakeExtractor{bundle: consentBundle(models.DecisionDecline, 0.9)}, defaultHandlers())
	result, err := e.ProcessTurn(context.Background(), turnRequest("non merci"))
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if result.ResponseText != models.ReplyRelaunchDeclined {
		t.Errorf("expected the decline reply, got %q", result.ResponseText)
	}

	state, _ := st.GetChatState("u1", "chat")
	if state.Supervisor.PendingConsent != nil {
		t.Error("expected pending consent cleared")
	}
	if !state.Supervisor.Deferred.PausedAt(fixedClock()()) {
		t.Error("expected relaunch offers paused after decline")
	}
}

func TestProcessTurnConsentUnclearTwice(t *testing.T) {
	st := store.NewInMemoryStore()
	consentSeed(t, st)

	e := newTestEngine(st, &fakeExtractor{bundle: consentBundle(models.DecisionUnclear, 0.9)}, defaultHandlers())

	result, err := e.ProcessTurn(context.Background(), turnRequest("hmm je sais pas"))
	if err != nil {
		t.Fatalf("first turn failed: %v", err)
	}
	if !strings.Contains(result.ResponseText, "oui ou non") {
		t.Errorf("expected a clarifying reask, got %q", result.ResponseText)
	}
	state, _ := st.GetChatState("u1", "chat")
	if state.Supervisor.PendingConsent == nil || state.Supervisor.PendingConsent.UnclearReaskCount != 1 {
		t.Fatalf("expected reask count 1, got %+v", state.Supervisor.PendingConsent)
	}

	result, err = e.ProcessTurn(context.Background(), turnRequest("enfin bon, autre chose"))
	if err != nil {
		t.Fatalf("second turn failed: %v", err)
	}
	if result.ResponseText != "réponse compagnon" {
		t.Errorf("after dropping, the turn runs normally, got %q", result.ResponseText)
	}
	state, _ = st.GetChatState("u1", "chat")
	if state.Supervisor.PendingConsent != nil {
		t.Error("expected the pending question dropped after two unclear answers")
	}
	if state.Supervisor.Deferred.PausedAt(fixedClock()()) {
		t.Error("dropping on unclear must not pause the queue")
	}
}

func TestProcessTurnSafetyLeavesConsentPending(t *testing.T) {
	st := store.NewInMemoryStore()
	consentSeed(t, st)

	e := newTestEngine(st, &fakeExtractor{bundle: safetyBundle(models.SafetyFirefighter, 0.9)}, defaultHandlers())
	result, err := e.ProcessTurn(context.Background(), turnRequest("je n'en peux plus"))
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if result.NextMode != models.ModeFirefighter {
		t.Errorf("expected firefighter mode, got %s", result.NextMode)
	}
	state, _ := st.GetChatState("u1", "chat")
	if state.Supervisor.PendingConsent == nil {
		t.Error("a safety turn must not consume the pending consent")
	}
}

func TestProcessTurnHandlerFailureDegradesToOutage(t *testing.T) {
	st := store.NewInMemoryStore()
	handlers := defaultHandlers()
	handlers[models.ModeCompanion] = &fakeHandler{mode: models.ModeCompanion, err: errors.New("model down")}
	e := newTestEngine(st, &fakeExtractor{bundle: models.DefaultSignalBundle()}, handlers)

	result, err := e.ProcessTurn(context.Background(), turnRequest("bonjour"))
	if err != nil {
		t.Fatalf("handler failures must not fail the turn: %v", err)
	}
	if result.ResponseText != models.ReplyOutage {
		t.Errorf("expected the outage reply, got %q", result.ResponseText)
	}
	if state, _ := st.GetChatState("u1", "chat"); state == nil {
		t.Error("state must still be persisted on outage")
	}
}

func TestProcessTurnClassifierInputFlags(t *testing.T) {
	st := store.NewInMemoryStore()
	now := fixedClock()()
	seed := models.NewChatState("u1", "chat", now)
	seed.Supervisor.Active = &models.SupervisorSession{
		ID: "s1", Type: models.SessionDeepReasons, Phase: models.PhaseExploring, StartedAt: now,
	}
	seed.Investigation = &models.InvestigationState{
		Status: models.InvestigationChecking, PendingItems: []string{"sommeil"}, StartedAt: now,
	}
	if err := st.SaveChatState(*seed); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	extractor := &fakeExtractor{bundle: models.DefaultSignalBundle()}
	e := newTestEngine(st, extractor, defaultHandlers())
	if _, err := e.ProcessTurn(context.Background(), turnRequest("bonjour")); err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if extractor.lastInput.ActiveSessionType != models.SessionDeepReasons {
		t.Errorf("expected active session type passed to the classifier, got %q", extractor.lastInput.ActiveSessionType)
	}
	if !extractor.lastInput.CheckupInProgress {
		t.Error("expected checkup flag passed to the classifier")
	}
}

func TestStartCheckup(t *testing.T) {
	st := store.NewInMemoryStore()
	e := newTestEngine(st, &fakeExtractor{bundle: models.DefaultSignalBundle()}, defaultHandlers())

	if err := e.StartCheckup("u1", "chat", nil); err == nil {
		t.Error("expected error for empty item list")
	}
	if err := e.StartCheckup("u1", "chat", []string{"sommeil", "sport"}); err != nil {
		t.Fatalf("StartCheckup failed: %v", err)
	}
	state, _ := st.GetChatState("u1", "chat")
	if !state.Investigation.InProgress() {
		t.Error("expected checkup in progress")
	}
	if err := e.StartCheckup("u1", "chat", []string{"humeur"}); err == nil {
		t.Error("expected error while a checkup is already running")
	}
}
