package app

import (
	"os"
	"path/filepath"
)

// ConfigDir returns ~/.config/forgeloop/ on all platforms.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "forgeloop"), nil
}

// EnsureConfigDir creates the config directory and default config.yaml if missing.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}

	configFile := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return os.WriteFile(configFile, []byte(defaultConfig), 0600)
	}
	return nil
}

const defaultConfig = `# forgeloop configuration
# Run: forgeloop --help

# Optional: override the SQLite database location.
# Can also be set via FORGELOOP_DB_PATH or --db-path.
# db_path: ~/.config/forgeloop/forgeloop.db

# HTTP listen address for 'forgeloop serve'.
# listen_addr: ":8787"

# Code-generation CLI and its per-invocation limits.
# agent_command: claude
# max_turns: 30
# generation_timeout: 15m

# Build verification for the repair loop.
# build_command: npm run build
# build_timeout: 5m
# max_heal_attempts: 3
`
