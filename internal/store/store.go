// Package store provides storage backends for Solyn.
//
// It persists per-(user, scope) chat state for the orchestration core and the
// domain rows (plans, actions, facts, vitals, memories) the context loader
// reads. SQLite and PostgreSQL backends are provided, plus an in-memory store
// for tests.
package store

import (
	"strings"
	"time"

	"github.com/solyn-app/solyn/internal/models"
)

// PlanMeta is the lightweight plan header other plan-keyed reads depend on.
type PlanMeta struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Summary   string    `json:"summary"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ActionSummary is the compact action listing used by default profiles.
type ActionSummary struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

// ActionDetail is the full action row, loaded on demand.
type ActionDetail struct {
	ID        string    `json:"id"`
	PlanID    string    `json:"plan_id"`
	Title     string    `json:"title"`
	Summary   string    `json:"summary"`
	Detail    string    `json:"detail"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Identity is the user's stable identity block.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Pronouns    string `json:"pronouns"`
	Locale      string `json:"locale"`
}

// UserFact is one structured fact about the user.
type UserFact struct {
	UserID    string    `json:"user_id"`
	Fact      string    `json:"fact"`
	CreatedAt time.Time `json:"created_at"`
}

// VitalsSnapshot is the latest recorded vitals row for a user.
type VitalsSnapshot struct {
	UserID     string    `json:"user_id"`
	Mood       int       `json:"mood"`
	Energy     int       `json:"energy"`
	Sleep      int       `json:"sleep"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Store is the persistence interface consumed by the orchestration core.
// Reads return nil (or empty slices) without error when no row exists.
type Store interface {
	// GetChatState retrieves the chat state for a (user, scope), or nil.
	GetChatState(userID, scope string) (*models.ChatState, error)
	// SaveChatState inserts or updates the chat state row. Supervisor state
	// and investigation state round-trip through JSON columns without loss
	// of enum values or array ordering.
	SaveChatState(state models.ChatState) error

	// GetPlanMeta retrieves the user's current plan header, or nil.
	GetPlanMeta(userID string) (*PlanMeta, error)
	// GetPlanContent retrieves the full plan content for a plan id.
	GetPlanContent(planID string) (string, error)
	// GetActionSummaries lists compact action rows for a plan.
	GetActionSummaries(planID string) ([]ActionSummary, error)
	// GetActionDetails lists full action rows for a plan.
	GetActionDetails(planID string) ([]ActionDetail, error)
	// CreateAction inserts a new action row.
	CreateAction(a ActionDetail) error
	// UpdateAction updates an existing action row.
	UpdateAction(a ActionDetail) error

	// GetIdentity retrieves the user's identity block, or nil.
	GetIdentity(userID string) (*Identity, error)
	// GetUserFacts lists structured facts for a user, oldest first.
	GetUserFacts(userID string) ([]UserFact, error)
	// GetVitals retrieves the most recent vitals snapshot, or nil.
	GetVitals(userID string) (*VitalsSnapshot, error)
	// SearchMemories returns stored memory snippets matching the query.
	SearchMemories(userID, query string, limit int) ([]string, error)
	// AddMemory stores one memory snippet for later retrieval.
	AddMemory(userID, content string) error

	// AddMessage appends one conversation message.
	AddMessage(msg models.StoredMessage) error
	// GetRecentMessages returns the last n messages, oldest first.
	GetRecentMessages(userID, scope string, n int) ([]models.TurnMessage, error)
	// AddTurnRecord appends one per-turn log entry.
	AddTurnRecord(rec models.TurnRecord) error
	// GetTurnRecords returns the last n turn log entries, newest first.
	GetTurnRecords(userID, scope string, n int) ([]models.TurnRecord, error)

	// Close releases backend resources.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets a SQLite file path DSN.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets a PostgreSQL connection string DSN.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports "postgres" for PostgreSQL-style DSNs and "sqlite"
// for file paths.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}
