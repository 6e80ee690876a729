// Package store provides storage backends for Solyn.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "embed"

	_ "github.com/lib/pq"

	"github.com/solyn-app/solyn/internal/models"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists Solyn rows in a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("store.NewPostgresStore: invoked", "dsn_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("store.NewPostgresStore: DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("store.NewPostgresStore: failed to open PostgreSQL connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("store.NewPostgresStore: ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("store.NewPostgresStore: failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("store.NewPostgresStore: migrations applied")
	return &PostgresStore{db: db}, nil
}

// GetChatState retrieves the chat state for a (user, scope), or nil.
func (s *PostgresStore) GetChatState(userID, scope string) (*models.ChatState, error) {
	row := s.db.QueryRow(`SELECT user_id, scope, current_mode, risk_level, investigation_state,
		short_term_context, supervisor_state, unprocessed_msg_count, last_processed_at, created_at, updated_at
		FROM chat_states WHERE user_id = $1 AND scope = $2`, userID, scope)

	var state models.ChatState
	var investigation, shortTerm sql.NullString
	var supervisor string
	var lastProcessed sql.NullTime
	err := row.Scan(&state.UserID, &state.Scope, &state.CurrentMode, &state.RiskLevel, &investigation,
		&shortTerm, &supervisor, &state.UnprocessedMsgCount, &lastProcessed, &state.CreatedAt, &state.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetChatState: scan failed", "error", err, "userID", userID, "scope", scope)
		return nil, fmt.Errorf("failed to scan chat state: %w", err)
	}
	state.ShortTermContext = shortTerm.String
	if lastProcessed.Valid {
		state.LastProcessedAt = lastProcessed.Time
	}
	if err := unmarshalChatStateColumns(&state, investigation, supervisor); err != nil {
		return nil, err
	}
	return &state, nil
}

// SaveChatState inserts or updates the chat state row.
func (s *PostgresStore) SaveChatState(state models.ChatState) error {
	investigation, supervisor, err := marshalChatStateColumns(&state)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO chat_states
		(user_id, scope, current_mode, risk_level, investigation_state, short_term_context,
		 supervisor_state, unprocessed_msg_count, last_processed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id, scope) DO UPDATE SET
		 current_mode = EXCLUDED.current_mode,
		 risk_level = EXCLUDED.risk_level,
		 investigation_state = EXCLUDED.investigation_state,
		 short_term_context = EXCLUDED.short_term_context,
		 supervisor_state = EXCLUDED.supervisor_state,
		 unprocessed_msg_count = EXCLUDED.unprocessed_msg_count,
		 last_processed_at = EXCLUDED.last_processed_at,
		 updated_at = EXCLUDED.updated_at`,
		state.UserID, state.Scope, state.CurrentMode, state.RiskLevel, investigation,
		nilIfEmpty(state.ShortTermContext), supervisor, state.UnprocessedMsgCount,
		state.LastProcessedAt, state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore.SaveChatState: upsert failed", "error", err, "userID", state.UserID, "scope", state.Scope)
		return fmt.Errorf("failed to save chat state: %w", err)
	}
	return nil
}

// GetPlanMeta retrieves the user's current plan header, or nil.
func (s *PostgresStore) GetPlanMeta(userID string) (*PlanMeta, error) {
	row := s.db.QueryRow(`SELECT id, user_id, title, summary, updated_at FROM plans
		WHERE user_id = $1 ORDER BY updated_at DESC LIMIT 1`, userID)
	var meta PlanMeta
	var summary sql.NullString
	err := row.Scan(&meta.ID, &meta.UserID, &meta.Title, &summary, &meta.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan plan meta: %w", err)
	}
	meta.Summary = summary.String
	return &meta, nil
}

// GetPlanContent retrieves the full plan content for a plan id.
func (s *PostgresStore) GetPlanContent(planID string) (string, error) {
	var content sql.NullString
	err := s.db.QueryRow(`SELECT content FROM plans WHERE id = $1`, planID).Scan(&content)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query plan content: %w", err)
	}
	return content.String, nil
}

// GetActionSummaries lists compact action rows for a plan.
func (s *PostgresStore) GetActionSummaries(planID string) ([]ActionSummary, error) {
	rows, err := s.db.Query(`SELECT id, title, status FROM actions WHERE plan_id = $1 ORDER BY updated_at`, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to query action summaries: %w", err)
	}
	defer rows.Close()

	var out []ActionSummary
	for rows.Next() {
		var a ActionSummary
		if err := rows.Scan(&a.ID, &a.Title, &a.Status); err != nil {
			return nil, fmt.Errorf("failed to scan action summary: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetActionDetails lists full action rows for a plan.
func (s *PostgresStore) GetActionDetails(planID string) ([]ActionDetail, error) {
	rows, err := s.db.Query(`SELECT id, plan_id, title, summary, detail, status, updated_at
		FROM actions WHERE plan_id = $1 ORDER BY updated_at`, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to query action details: %w", err)
	}
	defer rows.Close()

	var out []ActionDetail
	for rows.Next() {
		var a ActionDetail
		var summary, detail sql.NullString
		if err := rows.Scan(&a.ID, &a.PlanID, &a.Title, &summary, &detail, &a.Status, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan action detail: %w", err)
		}
		a.Summary = summary.String
		a.Detail = detail.String
		out = append(out, a)
	}
	return out, rows.Err()
}

// CreateAction inserts a new action row.
func (s *PostgresStore) CreateAction(a ActionDetail) error {
	_, err := s.db.Exec(`INSERT INTO actions (id, plan_id, title, summary, detail, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.PlanID, a.Title, nilIfEmpty(a.Summary), nilIfEmpty(a.Detail), a.Status, a.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore.CreateAction: insert failed", "error", err, "actionID", a.ID)
		return fmt.Errorf("failed to insert action: %w", err)
	}
	return nil
}

// UpdateAction updates an existing action row.
func (s *PostgresStore) UpdateAction(a ActionDetail) error {
	res, err := s.db.Exec(`UPDATE actions SET title = $1, summary = $2, detail = $3, status = $4, updated_at = $5
		WHERE id = $6`, a.Title, nilIfEmpty(a.Summary), nilIfEmpty(a.Detail), a.Status, a.UpdatedAt, a.ID)
	if err != nil {
		return fmt.Errorf("failed to update action: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errActionNotFound
	}
	return nil
}

// GetIdentity retrieves the user's identity block, or nil.
func (s *PostgresStore) GetIdentity(userID string) (*Identity, error) {
	row := s.db.QueryRow(`SELECT user_id, display_name, pronouns, locale FROM identities WHERE user_id = $1`, userID)
	var id Identity
	var name, pronouns, locale sql.NullString
	err := row.Scan(&id.UserID, &name, &pronouns, &locale)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan identity: %w", err)
	}
	id.DisplayName, id.Pronouns, id.Locale = name.String, pronouns.String, locale.String
	return &id, nil
}

// GetUserFacts lists structured facts for a user, oldest first.
func (s *PostgresStore) GetUserFacts(userID string) ([]UserFact, error) {
	rows, err := s.db.Query(`SELECT user_id, fact, created_at FROM user_facts WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user facts: %w", err)
	}
	defer rows.Close()

	var out []UserFact
	for rows.Next() {
		var f UserFact
		if err := rows.Scan(&f.UserID, &f.Fact, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user fact: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// GetVitals retrieves the most recent vitals snapshot, or nil.
func (s *PostgresStore) GetVitals(userID string) (*VitalsSnapshot, error) {
	row := s.db.QueryRow(`SELECT user_id, mood, energy, sleep, recorded_at FROM vitals
		WHERE user_id = $1 ORDER BY recorded_at DESC LIMIT 1`, userID)
	var v VitalsSnapshot
	err := row.Scan(&v.UserID, &v.Mood, &v.Energy, &v.Sleep, &v.RecordedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan vitals: %w", err)
	}
	return &v, nil
}

// SearchMemories returns stored memory snippets containing the query.
func (s *PostgresStore) SearchMemories(userID, query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.Query(`SELECT content FROM memories
		WHERE user_id = $1 AND content ILIKE '%' || $2 || '%'
		ORDER BY created_at DESC LIMIT $3`, userID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query memories: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		out = append(out, content)
	}
	return out, rows.Err()
}

// AddMemory stores one memory snippet.
func (s *PostgresStore) AddMemory(userID, content string) error {
	_, err := s.db.Exec(`INSERT INTO memories (user_id, content, created_at) VALUES ($1, $2, NOW())`, userID, content)
	if err != nil {
		return fmt.Errorf("failed to insert memory: %w", err)
	}
	return nil
}

// AddMessage appends one conversation message.
func (s *PostgresStore) AddMessage(msg models.StoredMessage) error {
	_, err := s.db.Exec(`INSERT INTO messages (user_id, scope, role, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
		msg.UserID, msg.Scope, msg.Role, msg.Content, msg.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore.AddMessage: insert failed", "error", err, "userID", msg.UserID)
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// GetRecentMessages returns the last n messages, oldest first.
func (s *PostgresStore) GetRecentMessages(userID, scope string, n int) ([]models.TurnMessage, error) {
	rows, err := s.db.Query(`SELECT role, content FROM (
			SELECT role, content, created_at FROM messages
			WHERE user_id = $1 AND scope = $2 ORDER BY created_at DESC LIMIT $3
		) recent ORDER BY created_at`, userID, scope, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent messages: %w", err)
	}
	defer rows.Close()

	var out []models.TurnMessage
	for rows.Next() {
		var m models.TurnMessage
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AddTurnRecord appends one per-turn log entry.
func (s *PostgresStore) AddTurnRecord(rec models.TurnRecord) error {
	_, err := s.db.Exec(`INSERT INTO turn_log (id, user_id, scope, channel, mode, risk_level, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.UserID, rec.Scope, rec.Channel, rec.Mode, rec.RiskLevel, rec.LatencyMS, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert turn record: %w", err)
	}
	return nil
}

// GetTurnRecords returns the last n turns for a (user, scope), newest first.
func (s *PostgresStore) GetTurnRecords(userID, scope string, n int) ([]models.TurnRecord, error) {
	if n <= 0 {
		n = 50
	}
	rows, err := s.db.Query(`SELECT id, user_id, scope, channel, mode, risk_level, latency_ms, created_at
		FROM turn_log WHERE user_id = $1 AND scope = $2 ORDER BY created_at DESC LIMIT $3`,
		userID, scope, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query turn records: %w", err)
	}
	defer rows.Close()

	var out []models.TurnRecord
	for rows.Next() {
		var rec models.TurnRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Scope, &rec.Channel, &rec.Mode,
			&rec.RiskLevel, &rec.LatencyMS, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
