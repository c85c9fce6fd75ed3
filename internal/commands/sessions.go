package commands

import (
	"github.com/spf13/cobra"

	"github.com/forgeloop/forgeloop/internal/models"
	"github.com/forgeloop/forgeloop/internal/output"
	"github.com/forgeloop/forgeloop/internal/store"
)

// NewSessionsCmd creates the sessions parent command.
func NewSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect persisted sessions",
	}

	cmd.AddCommand(newSessionsListCmd())
	cmd.AddCommand(newSessionsShowCmd())

	return cmd
}

func newSessionsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List recent sessions, newest first",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			var sessions []models.Session
			if err := withDB(func(db *DB) error {
				var err error
				sessions, err = store.ListSessions(db, limit)
				return err
			}); err != nil {
				return err
			}

			type resp struct {
				Sessions []models.Session `json:"sessions"`
			}
			if sessions == nil {
				sessions = []models.Session{}
			}
			return output.PrintSuccess(resp{Sessions: sessions})
		},
	}

	cmd.Flags().Int("limit", 50, "Maximum sessions to return")
	return cmd
}

func newSessionsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "show <session-id>",
		Short:         "Show one session and its journaled events",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("events")

			var sess *models.Session
			var events []models.SessionEvent
			if err := withDB(func(db *DB) error {
				var err error
				sess, err = store.GetSession(db, args[0])
				if err != nil {
					return err
				}
				events, err = store.ListSessionEvents(db, args[0], limit)
				return err
			}); err != nil {
				return err
			}

			type resp struct {
				Session *models.Session       `json:"session"`
				Events  []models.SessionEvent `json:"events"`
			}
			if events == nil {
				events = []models.SessionEvent{}
			}
			return output.PrintSuccess(resp{Session: sess, Events: events})
		},
	}

	cmd.Flags().Int("events", 500, "Maximum journaled events to include")
	return cmd
}
