// Package store provides storage backends for Solyn.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/solyn-app/solyn/internal/models"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists Solyn rows in a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN is a file path; the containing directory is created if missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("store.NewSQLiteStore: invoked", "dsn_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("store.NewSQLiteStore: DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(cfg.DSN)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("store.NewSQLiteStore: failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		slog.Error("store.NewSQLiteStore: failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("store.NewSQLiteStore: ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("store.NewSQLiteStore: failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("store.NewSQLiteStore: migrations applied")
	return &SQLiteStore{db: db}, nil
}

// GetChatState retrieves the chat state for a (user, scope), or nil.
func (s *SQLiteStore) GetChatState(userID, scope string) (*models.ChatState, error) {
	row := s.db.QueryRow(`SELECT user_id, scope, current_mode, risk_level, investigation_state,
		short_term_context, supervisor_state, unprocessed_msg_count, last_processed_at, created_at, updated_at
		FROM chat_states WHERE user_id = ? AND scope = ?`, userID, scope)

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
		slog.Error("SQLiteStore.GetChatState: scan failed", "error", err, "userID", userID, "scope", scope)
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
func (s *SQLiteStore) SaveChatState(state models.ChatState) error {
	investigation, supervisor, err := marshalChatStateColumns(&state)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO chat_states
		(user_id, scope, current_mode, risk_level, investigation_state, short_term_context,
		 supervisor_state, unprocessed_msg_count, last_processed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, scope) DO UPDATE SET
		 current_mode = excluded.current_mode,
		 risk_level = excluded.risk_level,
		 investigation_state = excluded.investigation_state,
		 short_term_context = excluded.short_term_context,
		 supervisor_state = excluded.supervisor_state,
		 unprocessed_msg_count = excluded.unprocessed_msg_count,
		 last_processed_at = excluded.last_processed_at,
		 updated_at = excluded.updated_at`,
		state.UserID, state.Scope, state.CurrentMode, state.RiskLevel, investigation,
		nilIfEmpty(state.ShortTermContext), supervisor, state.UnprocessedMsgCount,
		state.LastProcessedAt, state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore.SaveChatState: upsert failed", "error", err, "userID", state.UserID, "scope", state.Scope)
		return fmt.Errorf("failed to save chat state: %w", err)
	}
	return nil
}

// GetPlanMeta retrieves the user's current plan header, or nil.
func (s *SQLiteStore) GetPlanMeta(userID string) (*PlanMeta, error) {
	row := s.db.QueryRow(`SELECT id, user_id, title, summary, updated_at FROM plans
		WHERE user_id = ? ORDER BY updated_at DESC LIMIT 1`, userID)
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
func (s *SQLiteStore) GetPlanContent(planID string) (string, error) {
	var content sql.NullString
	err := s.db.QueryRow(`SELECT content FROM plans WHERE id = ?`, planID).Scan(&content)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query plan content: %w", err)
	}
	return content.String, nil
}

// GetActionSummaries lists compact action rows for a plan.
func (s *SQLiteStore) GetActionSummaries(planID string) ([]ActionSummary, error) {
	rows, err := s.db.Query(`SELECT id, title, status FROM actions WHERE plan_id = ? ORDER BY updated_at`, planID)
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
func (s *SQLiteStore) GetActionDetails(planID string) ([]ActionDetail, error) {
	rows, err := s.db.Query(`SELECT id, plan_id, title, summary, detail, status, updated_at
		FROM actions WHERE plan_id = ? ORDER BY updated_at`, planID)
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
func (s *SQLiteStore) CreateAction(a ActionDetail) error {
	_, err := s.db.Exec(`INSERT INTO actions (id, plan_id, title, summary, detail, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.PlanID, a.Title, nilIfEmpty(a.Summary), nilIfEmpty(a.Detail), a.Status, a.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore.CreateAction: insert failed", "error", err, "actionID", a.ID)
		return fmt.Errorf("failed to insert action: %w", err)
	}
	return nil
}

// UpdateAction updates an existing action row.
func (s *SQLiteStore) UpdateAction(a ActionDetail) error {
	res, err := s.db.Exec(`UPDATE actions SET title = ?, summary = ?, detail = ?, status = ?, updated_at = ?
		WHERE id = ?`, a.Title, nilIfEmpty(a.Summary), nilIfEmpty(a.Detail), a.Status, a.UpdatedAt, a.ID)
	if err != nil {
		return fmt.Errorf("failed to update action: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errActionNotFound
	}
	return nil
}

// GetIdentity retrieves the user's identity block, or nil.
func (s *SQLiteStore) GetIdentity(userID string) (*Identity, error) {
	row := s.db.QueryRow(`SELECT user_id, display_name, pronouns, locale FROM identities WHERE user_id = ?`, userID)
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
func (s *SQLiteStore) GetUserFacts(userID string) ([]UserFact, error) {
	rows, err := s.db.Query(`SELECT user_id, fact, created_at FROM user_facts WHERE user_id = ? ORDER BY created_at`, userID)
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
func (s *SQLiteStore) GetVitals(userID string) (*VitalsSnapshot, error) {
	row := s.db.QueryRow(`SELECT user_id, mood, energy, sleep, recorded_at FROM vitals
		WHERE user_id = ? ORDER BY recorded_at DESC LIMIT 1`, userID)
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
func (s *SQLiteStore) SearchMemories(userID, query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.Query(`SELECT content FROM memories
		WHERE user_id = ? AND content LIKE '%' || ? || '%'
		ORDER BY created_at DESC LIMIT ?`, userID, query, limit)
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
func (s *SQLiteStore) AddMemory(userID, content string) error {
	_, err := s.db.Exec(`INSERT INTO memories (user_id, content, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)`, userID, content)
	if err != nil {
		return fmt.Errorf("failed to insert memory: %w", err)
	}
	return nil
}

// AddMessage appends one conversation message.
func (s *SQLiteStore) AddMessage(msg models.StoredMessage) error {
	_, err := s.db.Exec(`INSERT INTO messages (user_id, scope, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.UserID, msg.Scope, msg.Role, msg.Content, msg.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore.AddMessage: insert failed", "error", err, "userID", msg.UserID)
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// GetRecentMessages returns the last n messages, oldest first.
func (s *SQLiteStore) GetRecentMessages(userID, scope string, n int) ([]models.TurnMessage, error) {
	rows, err := s.db.Query(`SELECT role, content FROM (
			SELECT role, content, created_at FROM messages
			WHERE user_id = ? AND scope = ? ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at`, userID, scope, n)
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
func (s *SQLiteStore) AddTurnRecord(rec models.TurnRecord) error {
	_, err := s.db.Exec(`INSERT INTO turn_log (id, user_id, scope, channel, mode, risk_level, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.Scope, rec.Channel, rec.Mode, rec.RiskLevel, rec.LatencyMS, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert turn record: %w", err)
	}
	return nil
}

// GetTurnRecords returns the last n turns for a (user, scope), newest first.
func (s *SQLiteStore) GetTurnRecords(userID, scope string, n int) ([]models.TurnRecord, error) {
	if n <= 0 {
		n = 50
	}
	rows, err := s.db.Query(`SELECT id, user_id, scope, channel, mode, risk_level, latency_ms, created_at
		FROM turn_log WHERE user_id = ? AND scope = ? ORDER BY created_at DESC LIMIT ?`,
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
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
