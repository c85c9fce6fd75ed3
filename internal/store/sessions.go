package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/forgeloop/forgeloop/internal/models"
)

// ErrSessionNotFound is returned when a session id has no row.
var ErrSessionNotFound = errors.New("session not found")

// CreateSession inserts a new running session row.
func CreateSession(db *sql.DB, s *models.Session) error {
	if s.ID == "" {
		return errors.New("session id is required")
	}
	if s.Instruction == "" {
		return errors.New("session instruction is required")
	}
	if s.Status == "" {
		s.Status = models.SessionStatusRunning
	}

	now := time.Now().UTC()
	return RetryWithBackoff(func() error {
		_, err := db.Exec(
			`INSERT INTO sessions (id, instruction, dir, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			s.ID, s.Instruction, s.Dir, string(s.Status), now, now,
		)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		s.CreatedAt = now
		s.UpdatedAt = now
		return nil
	})
}

// GetSession fetches one session by id.
func GetSession(db *sql.DB, id string) (*models.Session, error) {
	row := db.QueryRow(
		`SELECT id, instruction, dir, status, exit_code, heal_attempts, heal_outcome, error, created_at, updated_at
		 FROM sessions WHERE id = ?`, id)

	var s models.Session
	var status string
	err := row.Scan(&s.ID, &s.Instruction, &s.Dir, &status, &s.ExitCode,
		&s.HealAttempts, &s.HealOutcome, &s.Error, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	s.Status = models.SessionStatus(status)
	return &s, nil
}

// ListSessions returns the most recent sessions, newest first.
func ListSessions(db *sql.DB, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(
		`SELECT id, instruction, dir, status, exit_code, heal_attempts, heal_outcome, error, created_at, updated_at
		 FROM sessions ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		var s models.Session
		var status string
		if err := rows.Scan(&s.ID, &s.Instruction, &s.Dir, &status, &s.ExitCode,
			&s.HealAttempts, &s.HealOutcome, &s.Error, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		s.Status = models.SessionStatus(status)
		out = append(out, s)
	}
	return out, rows.Err()
}

// FinishSession records a session's terminal outcome.
func FinishSession(db *sql.DB, id string, status models.SessionStatus, exitCode, healAttempts int, healOutcome, detail string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	return RetryWithBackoff(func() error {
		res, err := db.Exec(
			`UPDATE sessions
			 SET status = ?, exit_code = ?, heal_attempts = ?, heal_outcome = ?, error = ?, updated_at = ?
			 WHERE id = ?`,
			string(status), exitCode, healAttempts, healOutcome, detail, time.Now().UTC(), id,
		)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrSessionNotFound
		}
		return nil
	})
}
