package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/solyn-app/solyn/internal/models"
)

var errActionNotFound = errors.New("action not found")

// marshalChatStateColumns serializes the JSON-backed columns of a chat state
// row: the investigation snapshot (nullable) and the supervisor state.
func marshalChatStateColumns(state *models.ChatState) (investigation interface{}, supervisor string, err error) {
	if state.Investigation != nil {
		data, merr := json.Marshal(state.Investigation)
		if merr != nil {
			return nil, "", fmt.Errorf("failed to marshal investigation state: %w", merr)
		}
		investigation = string(data)
	}
	supData, merr := json.Marshal(state.Supervisor)
	if merr != nil {
		return nil, "", fmt.Errorf("failed to marshal supervisor state: %w", merr)
	}
	return investigation, string(supData), nil
}

// unmarshalChatStateColumns restores the JSON-backed columns of a chat state
// row. Enum values and array ordering (topics FIFO, summaries oldest first)
// round-trip unchanged.
func unmarshalChatStateColumns(state *models.ChatState, investigation sql.NullString, supervisor string) error {
	if investigation.Valid && investigation.String != "" {
		var inv models.InvestigationState
		if err := json.Unmarshal([]byte(investigation.String), &inv); err != nil {
			return fmt.Errorf("failed to unmarshal investigation state: %w", err)
		}
		state.Investigation = &inv
	}
	if supervisor != "" {
		if err := json.Unmarshal([]byte(supervisor), &state.Supervisor); err != nil {
			return fmt.Errorf("failed to unmarshal supervisor state: %w", err)
		}
	}
	return nil
}

// nilIfEmpty returns nil for empty strings, for nullable columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
