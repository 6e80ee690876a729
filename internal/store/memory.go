// Package store provides storage backends for Solyn.
//
// This file implements an in-memory store used by tests and by deployments
// without a configured DSN.
package store

import (
	"sort"
	"strings"
	"sync"

	"github.com/solyn-app/solyn/internal/models"
)

// InMemoryStore keeps all rows in process memory. Safe for concurrent use.
type InMemoryStore struct {
	mu       sync.RWMutex
	states   map[string]models.ChatState // key: userID + "\x00" + scope
	plans    map[string]PlanMeta         // key: userID
	contents map[string]string           // key: planID
	actions  map[string][]ActionDetail   // key: planID
	ids      map[string]Identity         // key: userID
	facts    map[string][]UserFact       // key: userID
	vitals   map[string]VitalsSnapshot   // key: userID
	memories map[string][]string         // key: userID
	messages map[string][]models.StoredMessage
	turns    []models.TurnRecord
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		states:   make(map[string]models.ChatState),
		plans:    make(map[string]PlanMeta),
		contents: make(map[string]string),
		actions:  make(map[string][]ActionDetail),
		ids:      make(map[string]Identity),
		facts:    make(map[string][]UserFact),
		vitals:   make(map[string]VitalsSnapshot),
		memories: make(map[string][]string),
		messages: make(map[string][]models.StoredMessage),
	}
}

func stateKey(userID, scope string) string { return userID + "\x00" + scope }

// GetChatState retrieves the chat state for a (user, scope), or nil.
func (s *InMemoryStore) GetChatState(userID, scope string) (*models.ChatState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[stateKey(userID, scope)]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

// SaveChatState inserts or updates the chat state row.
func (s *InMemoryStore) SaveChatState(state models.ChatState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[stateKey(state.UserID, state.Scope)] = state
	return nil
}

// SetPlan seeds a plan header and content. Test and fixture helper.
func (s *InMemoryStore) SetPlan(meta PlanMeta, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[meta.UserID] = meta
	s.contents[meta.ID] = content
}

// GetPlanMeta retrieves the user's current plan header, or nil.
func (s *InMemoryStore) GetPlanMeta(userID string) (*PlanMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.plans[userID]
	if !ok {
		return nil, nil
	}
	return &meta, nil
}

// GetPlanContent retrieves the full plan content for a plan id.
func (s *InMemoryStore) GetPlanContent(planID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contents[planID], nil
}

// GetActionSummaries lists compact action rows for a plan.
func (s *InMemoryStore) GetActionSummaries(planID string) ([]ActionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ActionSummary
	for _, a := range s.actions[planID] {
		out = append(out, ActionSummary{ID: a.ID, Title: a.Title, Status: a.Status})
	}
	return out, nil
}

// GetActionDetails lists full action rows for a plan.
func (s *InMemoryStore) GetActionDetails(planID string) ([]ActionDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ActionDetail(nil), s.actions[planID]...), nil
}

// CreateAction inserts a new action row.
func (s *InMemoryStore) CreateAction(a ActionDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[a.PlanID] = append(s.actions[a.PlanID], a)
	return nil
}

// UpdateAction updates an existing action row by id.
func (s *InMemoryStore) UpdateAction(a ActionDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.actions[a.PlanID]
	for i := range rows {
		if rows[i].ID == a.ID {
			rows[i] = a
			return nil
		}
	}
	return errActionNotFound
}

// SetIdentity seeds an identity block. Test and fixture helper.
func (s *InMemoryStore) SetIdentity(id Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[id.UserID] = id
}

// GetIdentity retrieves the user's identity block, or nil.
func (s *InMemoryStore) GetIdentity(userID string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.ids[userID]
	if !ok {
		return nil, nil
	}
	return &id, nil
}

// AddUserFact appends one structured fact. Test and fixture helper.
func (s *InMemoryStore) AddUserFact(f UserFact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts[f.UserID] = append(s.facts[f.UserID], f)
}

// GetUserFacts lists structured facts for a user, oldest first.
func (s *InMemoryStore) GetUserFacts(userID string) ([]UserFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]UserFact(nil), s.facts[userID]...), nil
}

// SetVitals seeds a vitals snapshot. Test and fixture helper.
func (s *InMemoryStore) SetVitals(v VitalsSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vitals[v.UserID] = v
}

// GetVitals retrieves the most recent vitals snapshot, or nil.
func (s *InMemoryStore) GetVitals(userID string) (*VitalsSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vitals[userID]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

// SearchMemories returns stored memory snippets containing the query,
// case-insensitively.
func (s *InMemoryStore) SearchMemories(userID, query string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := strings.ToLower(query)
	var out []string
	for _, m := range s.memories[userID] {
		if q == "" || strings.Contains(strings.ToLower(m), q) {
			out = append(out, m)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// AddMemory stores one memory snippet.
func (s *InMemoryStore) AddMemory(userID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memories[userID] = append(s.memories[userID], content)
	return nil
}

// AddMessage appends one conversation message.
func (s *InMemoryStore) AddMessage(msg models.StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stateKey(msg.UserID, msg.Scope)
	s.messages[key] = append(s.messages[key], msg)
	return nil
}

// GetRecentMessages returns the last n messages, oldest first. The stored
// slice is copied before sorting; only the read lock is held.
func (s *InMemoryStore) GetRecentMessages(userID, scope string, n int) ([]models.TurnMessage, error) {
	s.mu.RLock()
	msgs := append([]models.StoredMessage(nil), s.messages[stateKey(userID, scope)]...)
	s.mu.RUnlock()
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	var out []models.TurnMessage
	for _, m := range msgs {
		out = append(out, models.TurnMessage{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

// AddTurnRecord appends one per-turn log entry.
func (s *InMemoryStore) AddTurnRecord(rec models.TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, rec)
	return nil
}

// GetTurnRecords returns the last n turns for a (user, scope), newest first.
func (s *InMemoryStore) GetTurnRecords(userID, scope string, n int) ([]models.TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.TurnRecord
	for i := len(s.turns) - 1; i >= 0; i-- {
		rec := s.turns[i]
		if rec.UserID != userID || rec.Scope != scope {
			continue
		}
		out = append(out, rec)
		if n > 0 && len(out) >= n {
			break
		}
	}
	return out, nil
}

// TurnRecords returns all recorded turns. Test helper.
func (s *InMemoryStore) TurnRecords() []models.TurnRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.TurnRecord(nil), s.turns...)
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
