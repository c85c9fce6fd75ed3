package commands

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forgeloop/forgeloop/internal/app"
)

func TestNewSessionsCmd_HasExpectedSubcommands(t *testing.T) {
	cmd := NewSessionsCmd()
	require.Equal(t, "sessions", cmd.Use)

	for _, name := range []string{"list", "show"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		require.NotNil(t, sub)
		require.Equal(t, name, sub.Name())
	}
}

func TestWorkerCmd_FlagSetup(t *testing.T) {
	cmd := NewWorkerCmd()
	for _, name := range []string{
		"instruction", "dir", "agent-cmd", "max-turns", "generation-timeout",
		"build-cmd", "build-timeout", "max-heal-attempts", "allowed-tools",
	} {
		require.NotNil(t, cmd.Flags().Lookup(name), "missing flag %s", name)
	}
}

func TestWorkerConfigFromFlags(t *testing.T) {
	cmd := NewWorkerCmd()
	require.NoError(t, cmd.Flags().Set("instruction", "add a footer"))
	require.NoError(t, cmd.Flags().Set("build-cmd", "make build"))
	require.NoError(t, cmd.Flags().Set("max-heal-attempts", "4"))

	cfg, agentCmd, maxTurns := workerConfigFromFlags(cmd.Flags())
	require.Equal(t, "add a footer", cfg.Instruction)
	require.Equal(t, "make build", cfg.BuildCommand)
	require.Equal(t, 4, cfg.MaxHealAttempts)
	require.NotEmpty(t, agentCmd)
	require.Greater(t, maxTurns, 0)
}

func TestWorkerArgvCarriesSettings(t *testing.T) {
	argv := workerArgv("add a dark mode toggle", "/tmp/project")
	require.GreaterOrEqual(t, len(argv), 2)
	require.Equal(t, "worker", argv[1])

	joined := strings.Join(argv, " ")
	require.Contains(t, joined, "--instruction add a dark mode toggle")
	require.Contains(t, joined, "--dir /tmp/project")
	require.Contains(t, joined, "--build-cmd")
	require.Contains(t, joined, "--max-heal-attempts")
}

func TestWorkerArgvOmitsEmptyDir(t *testing.T) {
	argv := workerArgv("instruction only", "")
	require.NotContains(t, argv, "--dir")
}

func TestSessionCeilingCoversAllRounds(t *testing.T) {
	cfg := app.SessionSettings{
		GenerationTimeout: time.Minute,
		BuildTimeout:      30 * time.Second,
		MaxHealAttempts:   3,
	}
	ceiling := sessionCeiling(cfg)
	require.Greater(t, ceiling, cfg.GenerationTimeout+3*(cfg.BuildTimeout+cfg.GenerationTimeout))
}

func TestRunCmd_RequiresInstructionArg(t *testing.T) {
	cmd := NewRunCmd()
	cmd.SetArgs([]string{})
	err := cmd.Execute()
	require.Error(t, err)
}
