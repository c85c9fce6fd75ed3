package store

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/forgeloop/forgeloop/internal/models"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := InitDBWithPath(t.TempDir() + "/forgeloop.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSessionLifecycle(t *testing.T) {
	db := testDB(t)

	s := &models.Session{ID: "sess-1", Instruction: "build a todo app", Dir: "/tmp/proj"}
	require.NoError(t, CreateSession(db, s))
	require.Equal(t, models.SessionStatusRunning, s.Status)
	require.False(t, s.CreatedAt.IsZero())

	got, err := GetSession(db, "sess-1")
	require.NoError(t, err)
	require.Equal(t, "build a todo app", got.Instruction)
	require.Equal(t, models.SessionStatusRunning, got.Status)

	require.NoError(t, FinishSession(db, "sess-1", models.SessionStatusCompleted, 0, 2, models.HealOutcomeSucceeded, ""))

	got, err = GetSession(db, "sess-1")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusCompleted, got.Status)
	require.Equal(t, 2, got.HealAttempts)
	require.Equal(t, models.HealOutcomeSucceeded, got.HealOutcome)
}

func TestGetSessionNotFound(t *testing.T) {
	db := testDB(t)
	_, err := GetSession(db, "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestFinishSessionRequiresTerminalStatus(t *testing.T) {
	db := testDB(t)
	err := FinishSession(db, "x", models.SessionStatusRunning, 0, 0, "", "")
	require.Error(t, err)
}

func TestFinishSessionMissingRow(t *testing.T) {
	db := testDB(t)
	err := FinishSession(db, "missing", models.SessionStatusFailed, 1, 0, "", "spawn failed")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestListSessionsNewestFirst(t *testing.T) {
	db := testDB(t)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, CreateSession(db, &models.Session{ID: id, Instruction: "i"}))
	}

	sessions, err := ListSessions(db, 2)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, "c", sessions[0].ID)
	require.Equal(t, "b", sessions[1].ID)
}

func TestSessionEventJournal(t *testing.T) {
	db := testDB(t)
	require.NoError(t, CreateSession(db, &models.Session{ID: "sess-1", Instruction: "i"}))

	_, err := AppendSessionEvent(db, "sess-1", "claude_message", []byte(`{"content":"hi"}`))
	require.NoError(t, err)
	_, err = AppendSessionEvent(db, "sess-1", "complete", nil)
	require.NoError(t, err)

	events, err := ListSessionEvents(db, "sess-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "claude_message", events[0].Type)
	require.JSONEq(t, `{"content":"hi"}`, string(events[0].Payload))
	require.Equal(t, "complete", events[1].Type)
	require.JSONEq(t, `{}`, string(events[1].Payload))
}

func TestValidateSessionEvent(t *testing.T) {
	require.Error(t, ValidateSessionEvent("", "progress", nil))
	require.Error(t, ValidateSessionEvent("s", "", nil))
	require.Error(t, ValidateSessionEvent("s", "progress", []byte("{not json")))
	require.NoError(t, ValidateSessionEvent("s", "progress", []byte(`{"message":"ok"}`)))
}

func TestRetryWithBackoffPermanentError(t *testing.T) {
	calls := 0
	sentinel := errors.New("UNIQUE constraint failed: sessions.id")
	err := RetryWithBackoff(func() error {
		calls++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	require.Equal(t, 1, calls)
}

func TestIsRetryableError(t *testing.T) {
	require.True(t, isRetryableError(errors.New("database is locked (5) (SQLITE_BUSY)")))
	require.False(t, isRetryableError(errors.New("UNIQUE constraint failed")))
}
