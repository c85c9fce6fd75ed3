package commands

import (
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/forgeloop/forgeloop/internal/app"
	"github.com/forgeloop/forgeloop/internal/models"
	"github.com/forgeloop/forgeloop/internal/protocol"
	"github.com/forgeloop/forgeloop/internal/session"
	"github.com/forgeloop/forgeloop/internal/store"
	"github.com/forgeloop/forgeloop/internal/stream"
)

// NewRunCmd creates the run command: drive one session from the CLI, printing
// event envelopes as JSON lines on stdout (sentinel last).
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "run <instruction>",
		Short:         "Run one modification session locally and stream its events",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			instruction := args[0]
			dir, _ := cmd.Flags().GetString("dir")

			return withDB(func(db *DB) error {
				id := uuid.New().String()
				sess := &models.Session{ID: id, Instruction: instruction, Dir: dir}
				if err := store.CreateSession(db, sess); err != nil {
					return err
				}

				sink := &localSink{WriterSink: stream.NewWriterSink(os.Stdout)}
				sn, err := session.Start(cmd.Context(), session.Config{
					ID:      id,
					Argv:    workerArgv(instruction, dir),
					Timeout: sessionCeiling(app.EffectiveSessionSettings()),
				}, sink)
				if err != nil {
					_ = store.FinishSession(db, id, models.SessionStatusFailed, -1, 0, "", err.Error())
					return err
				}

				code, waitErr := sn.Wait()
				status := models.SessionStatusCompleted
				detail := ""
				if waitErr != nil {
					status = models.SessionStatusFailed
					detail = waitErr.Error()
				}
				attempts, outcome := sink.healSummary()
				if outcome == "" {
					outcome = models.HealOutcomeSkipped
				}
				if err := store.FinishSession(db, id, status, code, attempts, outcome, detail); err != nil {
					return err
				}

				slog.Info("session finished", "session_id", id, "status", status, "exit_code", code)
				return waitErr
			})
		},
	}

	cmd.Flags().String("dir", "", "Project directory the worker operates in")
	return cmd
}

// localSink prints envelopes like the websocket surface would deliver them,
// while tracking repair-loop progress for the session record.
type localSink struct {
	*stream.WriterSink

	mu           sync.Mutex
	healAttempts int
	healOutcome  string
}

func (s *localSink) Send(ev protocol.Event) error {
	if ev.Type == protocol.TypeHealingStatus {
		s.mu.Lock()
		switch ev.Status {
		case protocol.HealingStarting:
			if ev.Attempt > s.healAttempts {
				s.healAttempts = ev.Attempt
			}
		case protocol.HealingSuccess:
			s.healOutcome = models.HealOutcomeSucceeded
		case protocol.HealingFailed:
			s.healOutcome = models.HealOutcomeExhausted
			if ev.Attempts > s.healAttempts {
				s.healAttempts = ev.Attempts
			}
		}
		s.mu.Unlock()
	}
	return s.WriterSink.Send(ev)
}

func (s *localSink) healSummary() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healAttempts, s.healOutcome
}
