package app

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings represents configuration loaded from config.yaml.
// Field names match snake_case YAML keys.
type Settings struct {
	DBPath            string   `yaml:"db_path"`
	ListenAddr        string   `yaml:"listen_addr"`
	AgentCommand      string   `yaml:"agent_command"`
	MaxTurns          int      `yaml:"max_turns"`
	GenerationTimeout string   `yaml:"generation_timeout"`
	BuildCommand      string   `yaml:"build_command"`
	BuildTimeout      string   `yaml:"build_timeout"`
	MaxHealAttempts   int      `yaml:"max_heal_attempts"`
	AllowedTools      []string `yaml:"allowed_tools"`
}

// SessionSettings are effective runtime values for driving one session, with
// defaults applied and durations parsed.
type SessionSettings struct {
	AgentCommand      string
	MaxTurns          int
	GenerationTimeout time.Duration
	BuildCommand      string
	BuildTimeout      time.Duration
	MaxHealAttempts   int
	AllowedTools      []string
}

const (
	defaultListenAddr        = ":8787"
	defaultAgentCommand      = "claude"
	defaultMaxTurns          = 30
	defaultGenerationTimeout = 15 * time.Minute
	defaultBuildCommand      = "npm run build"
	defaultBuildTimeout      = 5 * time.Minute
	defaultMaxHealAttempts   = 3
)

// EffectiveSessionSettings returns validated session settings with defaults.
// Invalid or missing config values fall back to safe defaults.
func EffectiveSessionSettings() SessionSettings {
	cfg := SessionSettings{
		AgentCommand:      defaultAgentCommand,
		MaxTurns:          defaultMaxTurns,
		GenerationTimeout: defaultGenerationTimeout,
		BuildCommand:      defaultBuildCommand,
		BuildTimeout:      defaultBuildTimeout,
		MaxHealAttempts:   defaultMaxHealAttempts,
	}

	s, err := LoadSettings()
	if err != nil {
		return cfg
	}

	if s.AgentCommand != "" {
		cfg.AgentCommand = s.AgentCommand
	}
	if s.MaxTurns > 0 {
		cfg.MaxTurns = s.MaxTurns
	}
	if d, err := time.ParseDuration(s.GenerationTimeout); err == nil && d > 0 {
		cfg.GenerationTimeout = d
	}
	if s.BuildCommand != "" {
		cfg.BuildCommand = s.BuildCommand
	}
	if d, err := time.ParseDuration(s.BuildTimeout); err == nil && d > 0 {
		cfg.BuildTimeout = d
	}
	if s.MaxHealAttempts > 0 {
		cfg.MaxHealAttempts = s.MaxHealAttempts
	}
	if len(s.AllowedTools) > 0 {
		cfg.AllowedTools = s.AllowedTools
	}

	if cfg.MaxHealAttempts > 10 {
		cfg.MaxHealAttempts = 10
	}
	return cfg
}

// ListenAddr resolves the serve address: FORGELOOP_LISTEN_ADDR, then
// config.yaml, then the default.
func ListenAddr() string {
	if addr := os.Getenv("FORGELOOP_LISTEN_ADDR"); addr != "" {
		return addr
	}
	if s, err := LoadSettings(); err == nil && s.ListenAddr != "" {
		return s.ListenAddr
	}
	return defaultListenAddr
}

// settingsOnce, settings, settingsErr implement the sync.Once lazy-load singleton for config.
// dbPathOverrideMu and dbPathOverride implement a mutex-protected process-wide override for CLI --db-path.
//
//nolint:gochecknoglobals // sync.Once singleton + RWMutex override are intentional process-wide state
var (
	settingsOnce sync.Once
	settings     Settings
	settingsErr  error

	dbPathOverrideMu sync.RWMutex
	dbPathOverride   string
)

// SetDBPathOverride sets a process-wide database path override.
// Intended for CLI flag support (e.g. --db-path).
func SetDBPathOverride(path string) {
	dbPathOverrideMu.Lock()
	dbPathOverride = path
	dbPathOverrideMu.Unlock()
}

func getDBPathOverride() string {
	dbPathOverrideMu.RLock()
	v := dbPathOverride
	dbPathOverrideMu.RUnlock()
	return v
}

// LoadSettings loads configuration once using the documented lookup order.
// Lookup order (first found wins):
// 1) ~/.config/forgeloop/config.yaml
// 2) /etc/forgeloop/config.yaml
// 3) ./config.yaml (lowest priority; allows repo-local overrides if desired)
// Environment variables are handled separately.
func LoadSettings() (Settings, error) {
	settingsOnce.Do(func() {
		settings = Settings{}

		dir, err := ConfigDir()
		if err != nil {
			settingsErr = err
			return
		}
		if s, err := loadSettingsFile(filepath.Join(dir, "config.yaml")); err == nil {
			settings = s
			return
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			settingsErr = err
			return
		}

		if s, err := loadSettingsFile(filepath.Join(string(os.PathSeparator), "etc", "forgeloop", "config.yaml")); err == nil {
			settings = s
			return
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			settingsErr = err
			return
		}

		if s, err := loadSettingsFile("config.yaml"); err == nil {
			settings = s
			return
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			settingsErr = err
			return
		}
	})

	return settings, settingsErr
}

func loadSettingsFile(path string) (Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}

	var s Settings
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Settings{}, err
	}
	return s, nil
}
