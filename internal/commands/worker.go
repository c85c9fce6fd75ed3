package commands

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/forgeloop/forgeloop/internal/agent"
	"github.com/forgeloop/forgeloop/internal/app"
	"github.com/forgeloop/forgeloop/internal/worker"
)

// NewWorkerCmd creates the worker command: the subprocess side of a session.
// It emits marker-tagged event lines on stdout; everything else goes to
// stderr. The orchestrator spawns this command, but it also runs standalone
// for debugging.
func NewWorkerCmd() *cobra.Command {
	cfg := app.EffectiveSessionSettings()

	cmd := &cobra.Command{
		Use:           "worker",
		Short:         "Run one generation + build-repair pass, emitting event lines on stdout",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			wcfg, agentCmd, maxTurns := workerConfigFromFlags(cmd.Flags())

			gen, err := agent.NewCLIGenerator(agentCmd, maxTurns, wcfg.GenerationTimeout)
			if err != nil {
				// The one unrecoverable condition: the generation capability
				// cannot be invoked at all.
				return err
			}

			w := worker.New(wcfg, gen, os.Stdout)

			// Exhausted retries are a reported outcome, not a process failure.
			_, err = w.Run(cmd.Context())
			return err
		},
	}

	cmd.Flags().String("instruction", "", "Natural-language modification request")
	cmd.Flags().String("dir", "", "Project directory the agent and build run in")
	cmd.Flags().String("agent-cmd", cfg.AgentCommand, "Generation agent executable")
	cmd.Flags().Int("max-turns", cfg.MaxTurns, "Agent turn cap per invocation")
	cmd.Flags().Duration("generation-timeout", cfg.GenerationTimeout, "Per-invocation generation ceiling")
	cmd.Flags().String("build-cmd", cfg.BuildCommand, "Build verification command (empty disables repair loop)")
	cmd.Flags().Duration("build-timeout", cfg.BuildTimeout, "Per-attempt build ceiling")
	cmd.Flags().Int("max-heal-attempts", cfg.MaxHealAttempts, "Bound on build verification attempts")
	cmd.Flags().StringSlice("allowed-tools", cfg.AllowedTools, "Agent tool allowlist")
	_ = cmd.MarkFlagRequired("instruction")

	return cmd
}

func workerConfigFromFlags(flags *pflag.FlagSet) (cfg worker.Config, agentCmd string, maxTurns int) {
	cfg.Instruction, _ = flags.GetString("instruction")
	cfg.Dir, _ = flags.GetString("dir")
	cfg.BuildCommand, _ = flags.GetString("build-cmd")
	cfg.BuildTimeout, _ = flags.GetDuration("build-timeout")
	cfg.GenerationTimeout, _ = flags.GetDuration("generation-timeout")
	cfg.MaxHealAttempts, _ = flags.GetInt("max-heal-attempts")
	cfg.AllowedTools, _ = flags.GetStringSlice("allowed-tools")
	agentCmd, _ = flags.GetString("agent-cmd")
	maxTurns, _ = flags.GetInt("max-turns")
	return cfg, agentCmd, maxTurns
}
