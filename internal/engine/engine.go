// Package engine runs the per-turn orchestration pipeline: classify the
// message, route it to an agent mode, manage the supervisor stack and the
// deferred-topic queue, run the selected handler, and persist the resulting
// chat state.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/solyn-app/solyn/internal/agents"
	"github.com/solyn-app/solyn/internal/classifier"
	"github.com/solyn-app/solyn/internal/contextloader"
	"github.com/solyn-app/solyn/internal/deferred"
	"github.com/solyn-app/solyn/internal/models"
	"github.com/solyn-app/solyn/internal/router"
	"github.com/solyn-app/solyn/internal/supervisor"
	"github.com/solyn-app/solyn/internal/telemetry"
)

// SignalExtractor is the classifier capability the engine needs.
type SignalExtractor interface {
	Classify(ctx context.Context, input classifier.Input) models.SignalBundle
}

// Store is the persistence surface the engine touches directly.
type Store interface {
	GetChatState(userID, scope string) (*models.ChatState, error)
	SaveChatState(state models.ChatState) error
	AddMessage(msg models.StoredMessage) error
	AddTurnRecord(rec models.TurnRecord) error
}

// Opts holds engine configuration.
type Opts struct {
	Thresholds    router.Thresholds
	DeferredCfg   deferred.Config
	ConsentCfg    deferred.ConsentConfig
	Sink          telemetry.Sink
	Clock         func() time.Time
	HandlerLookup func(models.AgentMode) (agents.Handler, error)
	ForcedMode    models.AgentMode
}

// Option defines a configuration option for the engine.
type Option func(*Opts)

// WithThresholds overrides the routing thresholds.
func WithThresholds(t router.Thresholds) Option {
	return func(o *Opts) { o.Thresholds = t }
}

// WithDeferredConfig overrides the deferred-topic bounds.
func WithDeferredConfig(cfg deferred.Config) Option {
	return func(o *Opts) { o.DeferredCfg = cfg }
}

// WithConsentConfig overrides the consent settings.
func WithConsentConfig(cfg deferred.ConsentConfig) Option {
	return func(o *Opts) { o.ConsentCfg = cfg }
}

// WithSink sets the telemetry sink.
func WithSink(sink telemetry.Sink) Option {
	return func(o *Opts) { o.Sink = sink }
}

// WithClock injects a clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// WithHandlerLookup overrides how agent handlers are resolved. Test hook.
func WithHandlerLookup(lookup func(models.AgentMode) (agents.Handler, error)) Option {
	return func(o *Opts) { o.HandlerLookup = lookup }
}

// WithForcedMode pins non-safety routing to one mode. Operator tooling only.
func WithForcedMode(mode models.AgentMode) Option {
	return func(o *Opts) { o.ForcedMode = mode }
}

// Engine orchestrates turns.
type Engine struct {
	st         Store
	extractor  SignalExtractor
	rt         *router.Router
	stack      *supervisor.Stack
	dm         *deferred.Manager
	consentCfg deferred.ConsentConfig
	loader     *contextloader.Loader
	sink       telemetry.Sink
	now        func() time.Time
	lookup     func(models.AgentMode) (agents.Handler, error)
}

// New creates an engine over the given store, classifier, and context loader.
func New(st Store, extractor SignalExtractor, loader *contextloader.Loader, opts ...Option) *Engine {
	cfg := Opts{
		Thresholds:    router.DefaultThresholds(),
		DeferredCfg:   deferred.DefaultConfig(),
		ConsentCfg:    deferred.DefaultConsentConfig(),
		Sink:          telemetry.NopSink{},
		Clock:         time.Now,
		HandlerLookup: agents.Get,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	rt := router.New(cfg.Thresholds)
	if cfg.ForcedMode != "" {
		rt = rt.WithForcedMode(cfg.ForcedMode)
	}
	return &Engine{
		st:         st,
		extractor:  extractor,
		rt:         rt,
		stack:      supervisor.NewStackWithClock(cfg.Clock),
		dm:         deferred.NewManagerWithClock(cfg.DeferredCfg, cfg.Clock),
		consentCfg: cfg.ConsentCfg,
		loader:     loader,
		sink:       cfg.Sink,
		now:        cfg.Clock,
		lookup:     cfg.HandlerLookup,
	}
}

// ProcessTurn runs one inbound turn end to end. The returned result is always
// usable: handler failures degrade to a fixed outage reply. A state-save
// failure is the only fatal error, since answering without persisting would
// desynchronize the conversation.
func (e *Engine) ProcessTurn(ctx context.Context, req models.TurnRequest) (*models.TurnResult, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid turn request: %w", err)
	}
	start := e.now()

	state, err := e.st.GetChatState(req.UserID, req.Scope)
	if err != nil {
		return nil, fmt.Errorf("failed to load chat state: %w", err)
	}
	if state == nil {
		state = models.NewChatState(req.UserID, req.Scope, start)
		slog.Info("Engine.ProcessTurn: first contact", "userID", req.UserID, "scope", req.Scope)
	}
	state.UnprocessedMsgCount++

	sup := &state.Supervisor
	checkupOwned := state.Investigation.InProgress()
	input := classifier.Input{
		Message:           req.Message,
		History:           req.History,
		HasPendingConsent: sup.PendingConsent != nil,
		CheckupInProgress: checkupOwned,
	}
	if sup.Active != nil {
		input.ActiveSessionType = sup.Active.Type
	}
	bundle := e.extractor.Classify(ctx, input)

	decision := e.rt.Route(bundle, state)
	previousMode := state.CurrentMode

	var result *models.TurnResult
	switch {
	case models.IsSafetyMode(decision.Mode):
		result, err = e.safetyTurn(ctx, req, state, bundle, decision.Mode)
	case sup.PendingConsent != nil:
		result, err = e.consentTurn(ctx, req, state, bundle, decision)
	default:
		result, err = e.normalTurn(ctx, req, state, bundle, decision)
	}
	if err != nil {
		return nil, err
	}

	// A checkup that ended this turn frees the conversation the same way a
	// session close does. The marker lets the relaunch offer below pick up
	// topics deferred while the checkup was running.
	if checkupOwned && !state.Investigation.InProgress() && sup.LastClose == models.CloseOutcomeNone {
		sup.LastClose = models.CloseOutcomeNormal
	}

	// Risk level tracks the classifier's read of the turn.
	state.RiskLevel = models.ClampRiskLevel(bundle.RiskScore)
	state.CurrentMode = result.NextMode
	state.UnprocessedMsgCount = 0
	state.LastProcessedAt = e.now()
	state.UpdatedAt = e.now()

	// Offer a deferred relaunch only when the conversation is free again.
	e.maybeOfferRelaunch(state, result)

	if err := e.st.SaveChatState(*state); err != nil {
		return nil, fmt.Errorf("failed to save chat state: %w", err)
	}

	result.TurnID = uuid.NewString()
	e.recordTurn(req, state, result, start)
	if previousMode != result.NextMode {
		e.sink.Emit(telemetry.Event{Kind: telemetry.EventModeSwitch, UserID: req.UserID, Scope: req.Scope,
			Fields: map[string]any{"from": previousMode, "to": result.NextMode}})
	}
	return result, nil
}

// safetyTurn pauses any active session, runs the safety handler, and keeps
// the pending consent untouched for later.
func (e *Engine) safetyTurn(ctx context.Context, req models.TurnRequest, state *models.ChatState, bundle models.SignalBundle, mode models.AgentMode) (*models.TurnResult, error) {
	sup := &state.Supervisor
	if sup.Active != nil {
		reason := models.PauseReasonFirefighter
		if mode == models.ModeSentry {
			reason = models.PauseReasonSentry
		}
		if err := e.stack.Pause(sup, reason); err != nil {
			slog.Error("Engine.safetyTurn: pause failed", "error", err, "userID", req.UserID)
		}
	}
	return e.runHandler(ctx, req, state, bundle, mode, nil)
}

// consentTurn resolves the user's answer to a pending relaunch question.
func (e *Engine) consentTurn(ctx context.Context, req models.TurnRequest, state *models.ChatState, bundle models.SignalBundle, decision router.Decision) (*models.TurnResult, error) {
	sup := &state.Supervisor
	pending := sup.PendingConsent
	resolved := deferred.ResolveConsent(&bundle, req.Message, e.consentCfg)

	switch e.dm.HandleConsentAnswer(sup, resolved) {
	case deferred.OutcomeRelaunch:
		return e.relaunch(ctx, req, state, bundle, pending)
	case deferred.OutcomeDeclined:
		return &models.TurnResult{
			ResponseText: models.ReplyRelaunchDeclined,
			NextMode:     models.ModeCompanion,
			ToolAck:      models.NoToolAck(),
		}, nil
	case deferred.OutcomeReask:
		return &models.TurnResult{
			ResponseText: reaskQuestion(pending),
			NextMode:     models.ModeCompanion,
			ToolAck:      models.NoToolAck(),
		}, nil
	default: // dropped: treat the message as a normal turn
		slog.Debug("Engine.consentTurn: consent dropped, processing turn normally", "userID", req.UserID)
		return e.normalTurn(ctx, req, state, bundle, decision)
	}
}

// relaunch starts the session the user just agreed to resume.
func (e *Engine) relaunch(ctx context.Context, req models.TurnRequest, state *models.ChatState, bundle models.SignalBundle, pending *models.PendingRelaunchConsent) (*models.TurnResult, error) {
	sessionType, ok := pending.MachineType.SessionType()
	if !ok {
		slog.Error("Engine.relaunch: unmappable machine type", "machineType", pending.MachineType)
		return e.runHandler(ctx, req, state, bundle, models.ModeCompanion, nil)
	}
	if _, err := e.stack.Begin(&state.Supervisor, sessionType, pending.ActionTarget); err != nil {
		slog.Warn("Engine.relaunch: session refused", "error", err, "userID", req.UserID)
		return e.runHandler(ctx, req, state, bundle, models.ModeCompanion, nil)
	}
	e.sink.Emit(telemetry.Event{Kind: telemetry.EventRelaunchOffered, UserID: req.UserID, Scope: req.Scope,
		Fields: map[string]any{"machine_type": pending.MachineType, "accepted": true}})
	return &models.TurnResult{
		ResponseText: relaunchIntro(pending),
		NextMode:     models.ModeCompanion,
		ToolAck:      models.NoToolAck(),
	}, nil
}

// normalTurn handles the non-safety, non-consent path: interrupts, session
// resume, defer-trigger recording, then the routed handler.
func (e *Engine) normalTurn(ctx context.Context, req models.TurnRequest, state *models.ChatState, bundle models.SignalBundle, decision router.Decision) (*models.TurnResult, error) {
	sup := &state.Supervisor

	if decision.ForceCloseInvestigation {
		// The record is kept with its partial cursor rather than cleared;
		// routing only looks at InProgress, and the cursor stays visible
		// through the state endpoint.
		state.Investigation.Status = models.InvestigationPostCheckupDone
		// The user shut the flow down. The aborted marker is consumed
		// without a relaunch offer on its heels.
		sup.LastClose = models.CloseOutcomeAborted
		slog.Info("Engine.normalTurn: investigation force-closed", "userID", req.UserID)
		return &models.TurnResult{
			ResponseText: decision.FixedReply,
			NextMode:     decision.Mode,
			ToolAck:      models.NoToolAck(),
		}, nil
	}

	// Coming back from a safety episode restores the paused session.
	if sup.Paused != nil {
		if _, err := e.stack.Resume(sup); err != nil {
			slog.Error("Engine.normalTurn: resume failed", "error", err, "userID", req.UserID)
		}
	}

	ack := e.recordDeferTriggers(req, state, bundle)

	return e.runHandler(ctx, req, state, bundle, decision.Mode, ack)
}

// recordDeferTriggers queues off-topic signals while another flow owns the
// conversation. With nothing active the triggers are ignored; the companion
// can simply take the topic up directly. The returned note, when non-nil,
// tells the handler to acknowledge the loudest deferred topic of this turn.
func (e *Engine) recordDeferTriggers(req models.TurnRequest, state *models.ChatState, bundle models.SignalBundle) *deferred.AckNote {
	if len(bundle.DeferTriggers) == 0 {
		return nil
	}
	busy := supervisor.Busy(&state.Supervisor) || state.Investigation.InProgress()
	if !busy {
		slog.Debug("Engine.recordDeferTriggers: no active flow, triggers ignored",
			"userID", req.UserID, "count", len(bundle.DeferTriggers))
		return nil
	}
	var note *deferred.AckNote
	for _, trigger := range bundle.DeferTriggers {
		tier := e.dm.Record(&state.Supervisor.Deferred, trigger)
		if tier != deferred.AckSilent && (note == nil || louder(tier, note.Tier)) {
			note = &deferred.AckNote{Tier: tier, Summary: trigger.Summary}
		}
		e.sink.Emit(telemetry.Event{Kind: telemetry.EventDeferredRecorded, UserID: req.UserID, Scope: req.Scope,
			Fields: map[string]any{"machine_type": trigger.MachineType, "tier": tier}})
	}
	return note
}

// louder reports whether tier a outranks tier b (full > subtle > silent).
func louder(a, b deferred.AckTier) bool {
	rank := map[deferred.AckTier]int{deferred.AckFull: 2, deferred.AckSubtle: 1, deferred.AckSilent: 0}
	return rank[a] > rank[b]
}

// runHandler loads the mode's context profile, runs the handler, and degrades
// to the fixed outage reply when it fails.
func (e *Engine) runHandler(ctx context.Context, req models.TurnRequest, state *models.ChatState, bundle models.SignalBundle, mode models.AgentMode, ack *deferred.AckNote) (*models.TurnResult, error) {
	handler, err := e.lookup(mode)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve handler: %w", err)
	}
	loaded := e.loader.Load(ctx, state, mode, bundle)

	resp, err := handler.Handle(ctx, &agents.Request{
		State:    state,
		Message:  req.Message,
		History:  req.History,
		Context:  loaded,
		Bundle:   bundle,
		DeferAck: ack,
	})
	if err != nil {
		slog.Error("Engine.runHandler: handler failed", "error", err, "mode", mode, "userID", req.UserID)
		e.sink.Emit(telemetry.Event{Kind: telemetry.EventOutage, UserID: req.UserID, Scope: req.Scope,
			Fields: map[string]any{"mode": mode}})
		return &models.TurnResult{
			ResponseText: models.ReplyOutage,
			NextMode:     mode,
			ToolAck:      models.NoToolAck(),
		}, nil
	}
	if resp.Ack.Attempted {
		e.sink.Emit(telemetry.Event{Kind: telemetry.EventToolAck, UserID: req.UserID, Scope: req.Scope,
			Fields: map[string]any{"status": resp.Ack.Status, "allow_success_claim": resp.Ack.AllowSuccessClaim}})
	}
	return &models.TurnResult{
		ResponseText: resp.Text,
		NextMode:     mode,
		ToolAck:      resp.Ack,
	}, nil
}

// maybeOfferRelaunch appends a consent question for the oldest deferred topic
// when the conversation just became free: a session closed normally this
// turn, nothing is active or paused, and no question is already pending.
func (e *Engine) maybeOfferRelaunch(state *models.ChatState, result *models.TurnResult) {
	sup := &state.Supervisor
	outcome := e.stack.ConsumeCloseMarker(sup)
	if outcome != models.CloseOutcomeNormal {
		return
	}
	if supervisor.Busy(sup) || sup.PendingConsent != nil || state.Investigation.InProgress() {
		return
	}
	if models.IsSafetyMode(result.NextMode) {
		return
	}
	pending, ok := e.dm.BeginRelaunch(&sup.Deferred)
	if !ok {
		return
	}
	sup.PendingConsent = pending
	result.ResponseText = strings.TrimRight(result.ResponseText, " \n") + "\n\n" + relaunchQuestion(pending)
	e.sink.Emit(telemetry.Event{Kind: telemetry.EventRelaunchOffered, UserID: state.UserID, Scope: state.Scope,
		Fields: map[string]any{"machine_type": pending.MachineType, "accepted": false}})
}

// StartCheckup opens an investigation over the given items. The next routed
// turn lands on the investigator.
func (e *Engine) StartCheckup(userID, scope string, items []string) error {
	if len(items) == 0 {
		return fmt.Errorf("checkup needs at least one item")
	}
	state, err := e.st.GetChatState(userID, scope)
	if err != nil {
		return fmt.Errorf("failed to load chat state: %w", err)
	}
	now := e.now()
	if state == nil {
		state = models.NewChatState(userID, scope, now)
	}
	if state.Investigation.InProgress() {
		return fmt.Errorf("a checkup is already in progress")
	}
	state.Investigation = &models.InvestigationState{
		Status:       models.InvestigationChecking,
		PendingItems: items,
		StartedAt:    now,
	}
	state.UpdatedAt = now
	if err := e.st.SaveChatState(*state); err != nil {
		return fmt.Errorf("failed to save chat state: %w", err)
	}
	slog.Info("Engine.StartCheckup: checkup opened", "userID", userID, "items", len(items))
	return nil
}

// CloseSession ends the active supervisor session with the given outcome.
// Exposed for flow handlers and operator tooling.
func (e *Engine) CloseSession(userID, scope string, outcome models.CloseOutcome) error {
	state, err := e.st.GetChatState(userID, scope)
	if err != nil {
		return fmt.Errorf("failed to load chat state: %w", err)
	}
	if state == nil {
		return fmt.Errorf("no chat state for user")
	}
	if err := e.stack.Close(&state.Supervisor, outcome); err != nil {
		return err
	}
	state.UpdatedAt = e.now()
	if err := e.st.SaveChatState(*state); err != nil {
		return fmt.Errorf("failed to save chat state: %w", err)
	}
	return nil
}

// recordTurn persists the message pair and the turn log entry. Failures here
// are logged, not fatal; the reply is already committed.
func (e *Engine) recordTurn(req models.TurnRequest, state *models.ChatState, result *models.TurnResult, start time.Time) {
	now := e.now()
	if err := e.st.AddMessage(models.StoredMessage{
		UserID: req.UserID, Scope: req.Scope, Role: "user", Content: req.Message, CreatedAt: start,
	}); err != nil {
		slog.Warn("Engine.recordTurn: failed to store user message", "error", err, "userID", req.UserID)
	}
	if err := e.st.AddMessage(models.StoredMessage{
		UserID: req.UserID, Scope: req.Scope, Role: "assistant", Content: result.ResponseText, CreatedAt: now,
	}); err != nil {
		slog.Warn("Engine.recordTurn: failed to store assistant message", "error", err, "userID", req.UserID)
	}
	if err := e.st.AddTurnRecord(models.TurnRecord{
		ID:        result.TurnID,
		UserID:    req.UserID,
		Scope:     req.Scope,
		Channel:   req.Channel,
		Mode:      result.NextMode,
		RiskLevel: state.RiskLevel,
		LatencyMS: now.Sub(start).Milliseconds(),
		CreatedAt: now,
	}); err != nil {
		slog.Warn("Engine.recordTurn: failed to store turn record", "error", err, "userID", req.UserID)
	}
	e.sink.Emit(telemetry.Event{Kind: telemetry.EventTurnProcessed, UserID: req.UserID, Scope: req.Scope,
		Fields: map[string]any{"mode": result.NextMode, "latency_ms": now.Sub(start).Milliseconds()}})
}

// relaunchQuestion phrases the consent offer for a deferred topic.
func relaunchQuestion(pending *models.PendingRelaunchConsent) string {
	subject := topicSubject(pending)
	return fmt.Sprintf("Au fait, tout à l'heure tu as évoqué %s. Tu veux qu'on y revienne maintenant ?", subject)
}

// reaskQuestion rephrases the offer after an unclear answer. Asked once.
func reaskQuestion(pending *models.PendingRelaunchConsent) string {
	subject := topicSubject(pending)
	return fmt.Sprintf("Pardon, je n'étais pas clair : veux-tu qu'on reparle de %s, oui ou non ?", subject)
}

// relaunchIntro opens the accepted topic using the queued signal summaries.
func relaunchIntro(pending *models.PendingRelaunchConsent) string {
	subject := topicSubject(pending)
	return fmt.Sprintf("Très bien, revenons à %s. Dis-moi où tu en es.", subject)
}

func topicSubject(pending *models.PendingRelaunchConsent) string {
	if pending.ActionTarget != "" {
		return fmt.Sprintf("« %s »", pending.ActionTarget)
	}
	if len(pending.Summaries) > 0 {
		return pending.Summaries[len(pending.Summaries)-1].Text
	}
	return "ce sujet"
}
