// Package supervisor manages the single-active-session stack of long-running
// conversational flows.
//
// Exactly one session may own the conversation at a time. Safety modes pause
// the active session instead of closing it; the snapshot is restored verbatim
// when the safety flow resolves. Closing leaves a one-turn marker that the
// relaunch logic consumes on the next turn.
package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/solyn-app/solyn/internal/models"
)

// Error variables for stack operations.
var (
	ErrSessionActive    = errors.New("another session is already active")
	ErrNoActiveSession  = errors.New("no active session")
	ErrNoPausedSession  = errors.New("no paused session to resume")
	ErrSessionPaused    = errors.New("a paused session is pending resume")
	ErrInvalidSession   = errors.New("invalid session type")
	ErrAlreadyPaused    = errors.New("a session is already paused")
)

// Stack mutates the supervisor portion of a chat state. It holds no state of
// its own; all effects land on the SupervisorState passed in.
type Stack struct {
	now func() time.Time
}

// NewStack creates a stack using wall-clock time.
func NewStack() *Stack {
	return &Stack{now: time.Now}
}

// NewStackWithClock creates a stack with an injected clock for tests.
func NewStackWithClock(clock func() time.Time) *Stack {
	return &Stack{now: clock}
}

// Begin starts a new session of the given type. It fails if any session is
// active or paused; the caller decides whether to defer the request instead.
func (s *Stack) Begin(state *models.SupervisorState, sessionType models.SessionType, actionTarget string) (*models.SupervisorSession, error) {
	if !models.IsValidSessionType(sessionType) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSession, sessionType)
	}
	if state.Active != nil {
		slog.Debug("Stack.Begin: refused, session active", "active_type", state.Active.Type, "requested", sessionType)
		return nil, ErrSessionActive
	}
	if state.Paused != nil {
		slog.Debug("Stack.Begin: refused, session paused", "paused_type", state.Paused.SessionType, "requested", sessionType)
		return nil, ErrSessionPaused
	}
	now := s.now()
	session := &models.SupervisorSession{
		ID:           uuid.NewString(),
		Type:         sessionType,
		Phase:        models.PhaseExploring,
		ActionTarget: actionTarget,
		StartedAt:    now,
		UpdatedAt:    now,
	}
	state.Active = session
	state.LastClose = models.CloseOutcomeNone
	slog.Info("Stack.Begin: session started", "sessionID", session.ID, "type", sessionType, "actionTarget", actionTarget)
	return session, nil
}

// Advance updates the phase and candidate payload of the active session.
func (s *Stack) Advance(state *models.SupervisorState, phase models.SessionPhase, candidate json.RawMessage) error {
	if state.Active == nil {
		return ErrNoActiveSession
	}
	state.Active.Phase = phase
	if candidate != nil {
		state.Active.Candidate = candidate
	}
	state.Active.UpdatedAt = s.now()
	return nil
}

// Pause snapshots the active session so a safety flow can take over. The
// snapshot keeps the full machine state for a verbatim restore.
func (s *Stack) Pause(state *models.SupervisorState, reason models.PauseReason) error {
	if state.Active == nil {
		return ErrNoActiveSession
	}
	if state.Paused != nil {
		return ErrAlreadyPaused
	}
	active := state.Active
	state.Paused = &models.PausedMachineState{
		SessionType:  active.Type,
		SessionID:    active.ID,
		ActionTarget: active.ActionTarget,
		Candidate:    active.Candidate,
		Phase:        active.Phase,
		PausedAt:     s.now(),
		Reason:       reason,
	}
	state.Active = nil
	slog.Info("Stack.Pause: session paused", "sessionID", active.ID, "type", active.Type, "reason", reason)
	return nil
}

// Resume restores the paused session after the safety flow resolves.
func (s *Stack) Resume(state *models.SupervisorState) (*models.SupervisorSession, error) {
	if state.Paused == nil {
		return nil, ErrNoPausedSession
	}
	if state.Active != nil {
		return nil, ErrSessionActive
	}
	paused := state.Paused
	session := &models.SupervisorSession{
		ID:           paused.SessionID,
		Type:         paused.SessionType,
		Phase:        paused.Phase,
		ActionTarget: paused.ActionTarget,
		Candidate:    paused.Candidate,
		StartedAt:    paused.PausedAt,
		UpdatedAt:    s.now(),
	}
	state.Active = session
	state.Paused = nil
	slog.Info("Stack.Resume: session restored", "sessionID", session.ID, "type", session.Type)
	return session, nil
}

// DiscardPaused drops the paused snapshot without restoring it. Used when the
// user moves on after a safety episode and the old flow no longer applies.
func (s *Stack) DiscardPaused(state *models.SupervisorState) {
	if state.Paused != nil {
		slog.Info("Stack.DiscardPaused: paused session dropped", "sessionID", state.Paused.SessionID, "type", state.Paused.SessionType)
		state.Paused = nil
	}
}

// Close ends the active session and leaves a close marker for the next turn.
func (s *Stack) Close(state *models.SupervisorState, outcome models.CloseOutcome) error {
	if state.Active == nil {
		return ErrNoActiveSession
	}
	slog.Info("Stack.Close: session closed", "sessionID", state.Active.ID, "type", state.Active.Type, "outcome", outcome)
	state.Active = nil
	state.LastClose = outcome
	return nil
}

// ConsumeCloseMarker reads and clears the close marker. The marker survives
// exactly one read; relaunch offers happen only on the turn after a close.
func (s *Stack) ConsumeCloseMarker(state *models.SupervisorState) models.CloseOutcome {
	outcome := state.LastClose
	state.LastClose = models.CloseOutcomeNone
	return outcome
}

// HasActive reports whether any session currently owns the conversation.
func HasActive(state *models.SupervisorState) bool {
	return state.Active != nil
}

// Busy reports whether a new flow would be refused right now, either because
// a session is active or because one is paused behind a safety flow.
func Busy(state *models.SupervisorState) bool {
	return state.Active != nil || state.Paused != nil
}
