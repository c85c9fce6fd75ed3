package commands

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgeloop/forgeloop/internal/app"
	"github.com/forgeloop/forgeloop/internal/server"
)

// NewServeCmd creates the serve command: the HTTP/WebSocket session server.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "serve",
		Short:         "Start the session server (HTTP API + WebSocket streams)",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("listen")
			if addr == "" {
				addr = app.ListenAddr()
			}

			db, closeDB, err := openDB()
			if err != nil {
				return cmdErr(err)
			}
			defer closeDB()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := server.New(server.Config{
				DB:             db,
				WorkerArgv:     workerArgv,
				SessionTimeout: sessionCeiling(app.EffectiveSessionSettings()),
				// Shutdown kills in-flight workers through this context.
				BaseContext: ctx,
			})

			httpServer := &http.Server{
				Addr:              addr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				slog.Info("server listening", "addr", addr)
				errCh <- httpServer.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return cmdErr(err)
				}
				return nil
			case <-ctx.Done():
			}

			slog.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return cmdErr(err)
			}
			// Workers were killed by the signal context; wait for their
			// outcomes to land before closing the database.
			if err := srv.Drain(shutdownCtx); err != nil {
				return cmdErr(err)
			}
			return nil
		},
	}

	cmd.Flags().String("listen", "", "Listen address (default: FORGELOOP_LISTEN_ADDR, config, or :8787)")
	return cmd
}

// workerArgv re-execs this binary's worker command with the effective
// session settings baked in as flags.
func workerArgv(instruction, dir string) []string {
	exe, err := os.Executable()
	if err != nil {
		exe = "forgeloop"
	}
	cfg := app.EffectiveSessionSettings()

	argv := []string{
		exe, "worker",
		"--instruction", instruction,
		"--agent-cmd", cfg.AgentCommand,
		"--max-turns", strconv.Itoa(cfg.MaxTurns),
		"--generation-timeout", cfg.GenerationTimeout.String(),
		"--build-cmd", cfg.BuildCommand,
		"--build-timeout", cfg.BuildTimeout.String(),
		"--max-heal-attempts", strconv.Itoa(cfg.MaxHealAttempts),
	}
	if dir != "" {
		argv = append(argv, "--dir", dir)
	}
	if len(cfg.AllowedTools) > 0 {
		argv = append(argv, "--allowed-tools", strings.Join(cfg.AllowedTools, ","))
	}
	return argv
}

// sessionCeiling bounds a whole session: the initial generation plus every
// possible verify/repair round, with slack for process startup.
func sessionCeiling(cfg app.SessionSettings) time.Duration {
	rounds := time.Duration(cfg.MaxHealAttempts)
	return cfg.GenerationTimeout + rounds*(cfg.BuildTimeout+cfg.GenerationTimeout) + 5*time.Minute
}
