package models

import (
	"encoding/json"
	"time"
)

// SessionStatus represents the current state of a session.
type SessionStatus string

// Session status constants.
const (
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

// IsTerminal returns true if the session has finished, successfully or not.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed
}

// Heal outcome labels recorded on a finished session.
const (
	HealOutcomeSucceeded = "succeeded"
	HealOutcomeExhausted = "exhausted_retries"
	HealOutcomeSkipped   = "skipped"
)

// Session is one end-to-end modification run: a worker subprocess driven by
// an instruction, observed through its event stream.
type Session struct {
	ID          string        `json:"id"`
	Instruction string        `json:"instruction"`
	Dir         string        `json:"dir,omitempty"`
	Status      SessionStatus `json:"status"`
	// ExitCode is the worker's exit status; meaningful once terminal.
	ExitCode int `json:"exit_code"`
	// HealAttempts is the number of build verifications the repair loop ran.
	HealAttempts int    `json:"heal_attempts"`
	HealOutcome  string `json:"heal_outcome,omitempty"`
	// Error holds the orchestration failure detail for failed sessions.
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionEvent is one journaled envelope from a session's stream. The
// journal exists to report outcomes after the fact; the live stream is the
// delivery path.
type SessionEvent struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
