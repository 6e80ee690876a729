// Package deferred manages the per-user queue of topics set aside while
// another flow owned the conversation, and the consent-gated relaunch of
// those topics once the conversation is free.
package deferred

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/solyn-app/solyn/internal/models"
)

// AckTier tells the answering agent how loudly to acknowledge that a topic
// was noted for later. Repeated triggers of the same topic get quieter.
type AckTier string

const (
	AckFull   AckTier = "full"
	AckSubtle AckTier = "subtle"
	AckSilent AckTier = "silent"
)

// AckNote is a one-shot instruction for the answering agent: mention, at the
// given loudness, the topic that was just set aside for later. A silent tier
// produces no note at all.
type AckNote struct {
	Tier    AckTier
	Summary string
}

// Config bounds the deferred-topic queue.
type Config struct {
	// MaxTopics caps the queue; the oldest topic is evicted beyond it.
	MaxTopics int
	// MaxSummaries caps the signal summaries kept per topic, newest win.
	MaxSummaries int
	// TTL is how long an untouched topic stays eligible for relaunch.
	TTL time.Duration
	// PauseDuration is how long relaunch offers stay quiet after a decline.
	PauseDuration time.Duration
}

// DefaultConfig returns the production bounds.
func DefaultConfig() Config {
	return Config{
		MaxTopics:     models.MaxDeferredTopics,
		MaxSummaries:  models.MaxSignalSummaries,
		TTL:           48 * time.Hour,
		PauseDuration: 2 * time.Hour,
	}
}

// Manager applies queue mutations to a DeferredTopicsState. It holds no
// per-user state; all effects land on the state passed in.
type Manager struct {
	cfg Config
	now func() time.Time
}

// NewManager creates a manager with the given config and wall-clock time.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg, now: time.Now}
}

// NewManagerWithClock creates a manager with an injected clock for tests.
func NewManagerWithClock(cfg Config, clock func() time.Time) *Manager {
	return &Manager{cfg: cfg, now: clock}
}

// Record files one trigger into the queue. A trigger matching an existing
// topic merges into it and refreshes its TTL; otherwise a new topic is
// appended and the oldest topic is evicted if the queue is over capacity.
// The returned tier reflects how often this topic has now been raised.
func (m *Manager) Record(state *models.DeferredTopicsState, trigger models.DeferTrigger) AckTier {
	now := m.now()
	m.PruneExpired(state)

	summary := models.SignalSummary{Text: trigger.Summary, At: now}

	for i := range state.Topics {
		topic := &state.Topics[i]
		if !m.matches(topic, trigger) {
			continue
		}
		topic.TriggerCount++
		topic.Summaries = append(topic.Summaries, summary)
		if len(topic.Summaries) > m.cfg.MaxSummaries {
			topic.Summaries = topic.Summaries[len(topic.Summaries)-m.cfg.MaxSummaries:]
		}
		topic.LastUpdatedAt = now
		topic.ExpiresAt = now.Add(m.cfg.TTL)
		slog.Debug("Manager.Record: merged into existing topic", "topicID", topic.ID,
			"machineType", topic.MachineType, "triggerCount", topic.TriggerCount)
		return tierFor(topic.TriggerCount)
	}

	topic := models.DeferredTopic{
		ID:            uuid.NewString(),
		MachineType:   trigger.MachineType,
		ActionTarget:  trigger.ActionTarget,
		Summaries:     []models.SignalSummary{summary},
		TriggerCount:  1,
		CreatedAt:     now,
		LastUpdatedAt: now,
		ExpiresAt:     now.Add(m.cfg.TTL),
	}
	state.Topics = append(state.Topics, topic)
	if len(state.Topics) > m.cfg.MaxTopics {
		evicted := state.Topics[0]
		state.Topics = state.Topics[1:]
		slog.Info("Manager.Record: queue full, oldest topic evicted",
			"evictedID", evicted.ID, "evictedType", evicted.MachineType)
	}
	slog.Debug("Manager.Record: new topic queued", "topicID", topic.ID, "machineType", topic.MachineType)
	return AckFull
}

// matches reports whether a trigger refers to the same topic. Machine types
// must be equal; action-scoped types also compare targets fuzzily, so
// "Lecture" and "lecture du soir" land on the same topic.
func (m *Manager) matches(topic *models.DeferredTopic, trigger models.DeferTrigger) bool {
	if topic.MachineType != trigger.MachineType {
		return false
	}
	if !trigger.MachineType.ActionScoped() {
		return true
	}
	return fuzzyTargetMatch(topic.ActionTarget, trigger.ActionTarget)
}

// fuzzyTargetMatch compares action targets case-insensitively, accepting a
// substring containment in either direction.
func fuzzyTargetMatch(a, b string) bool {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return a == b
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

func tierFor(count int) AckTier {
	switch {
	case count <= 1:
		return AckFull
	case count == 2:
		return AckSubtle
	default:
		return AckSilent
	}
}

// PruneExpired drops topics past their TTL. Expired topics are never offered.
func (m *Manager) PruneExpired(state *models.DeferredTopicsState) {
	now := m.now()
	kept := state.Topics[:0]
	for _, topic := range state.Topics {
		if topic.Expired(now) {
			slog.Debug("Manager.PruneExpired: topic expired", "topicID", topic.ID, "machineType", topic.MachineType)
			continue
		}
		kept = append(kept, topic)
	}
	state.Topics = kept
	if len(state.Topics) == 0 {
		state.Topics = nil
	}
}

// NextRelaunch returns the oldest live topic without removing it, or nil when
// the queue is empty or relaunch offers are paused.
func (m *Manager) NextRelaunch(state *models.DeferredTopicsState) *models.DeferredTopic {
	now := m.now()
	if state.PausedAt(now) {
		return nil
	}
	m.PruneExpired(state)
	if len(state.Topics) == 0 {
		return nil
	}
	return &state.Topics[0]
}

// BeginRelaunch pops the oldest live topic into a pending consent question.
// Returns false when nothing is eligible. The caller is responsible for
// actually asking the user and storing the pending consent.
func (m *Manager) BeginRelaunch(state *models.DeferredTopicsState) (*models.PendingRelaunchConsent, bool) {
	topic := m.NextRelaunch(state)
	if topic == nil {
		return nil, false
	}
	pending := &models.PendingRelaunchConsent{
		MachineType:  topic.MachineType,
		ActionTarget: topic.ActionTarget,
		Summaries:    append([]models.SignalSummary(nil), topic.Summaries...),
		CreatedAt:    m.now(),
	}
	state.Topics = state.Topics[1:]
	if len(state.Topics) == 0 {
		state.Topics = nil
	}
	state.LastProcessedAt = m.now()
	slog.Info("Manager.BeginRelaunch: topic popped for consent", "machineType", pending.MachineType, "actionTarget", pending.ActionTarget)
	return pending, true
}

// PauseOffers quiets relaunch offers for the configured duration. Called when
// the user declines an offer, so they are not nagged on the next turn.
func (m *Manager) PauseOffers(state *models.DeferredTopicsState) {
	until := m.now().Add(m.cfg.PauseDuration)
	state.PausedUntil = &until
	slog.Debug("Manager.PauseOffers: relaunch offers paused", "until", until)
}
