package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/forgeloop/forgeloop/internal/models"
)

// Journal payload size constraints enforced by ValidateSessionEvent.
const (
	MaxEventTypeLength    = 64
	MaxEventPayloadLength = 65536
)

// ValidateSessionEvent enforces journal row constraints.
func ValidateSessionEvent(sessionID, evType string, payload []byte) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if evType == "" {
		return errors.New("event type is required")
	}
	if len(evType) > MaxEventTypeLength {
		return fmt.Errorf("event type exceeds max length (%d)", MaxEventTypeLength)
	}
	if len(payload) > MaxEventPayloadLength {
		return fmt.Errorf("event payload exceeds max length (%d)", MaxEventPayloadLength)
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return errors.New("event payload must be valid JSON")
	}
	return nil
}

// AppendSessionEvent journals one delivered envelope for a session.
func AppendSessionEvent(db *sql.DB, sessionID, evType string, payload []byte) (int64, error) {
	if err := ValidateSessionEvent(sessionID, evType, payload); err != nil {
		return 0, err
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	var id int64
	err := RetryWithBackoff(func() error {
		res, err := db.Exec(
			`INSERT INTO session_events (session_id, type, payload, created_at) VALUES (?, ?, ?, ?)`,
			sessionID, evType, string(payload), time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert session event: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// ListSessionEvents returns a session's journaled envelopes in emission order.
func ListSessionEvents(db *sql.DB, sessionID string, limit int) ([]models.SessionEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.Query(
		`SELECT id, session_id, type, payload, created_at
		 FROM session_events WHERE session_id = ? ORDER BY id ASC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	defer rows.Close()

	var out []models.SessionEvent
	for rows.Next() {
		var ev models.SessionEvent
		var payload string
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Type, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}
