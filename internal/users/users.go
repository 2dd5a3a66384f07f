// Package users manages the directory-per-user workspace: one directory per
// user under users_dir holding config.json and the history database.
package users

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const configFileName = "config.json"

var (
	ErrUserExists      = errors.New("user already exists")
	ErrUserNotFound    = errors.New("user not found")
	ErrInvalidUsername = errors.New("invalid username")
)

// Settings are the per-user trading parameters applied to new sessions.
type Settings struct {
	CommissionRate        float64 `json:"commission_rate"`
	MinCommission         float64 `json:"min_commission"`
	StampTaxRate          float64 `json:"stamp_tax_rate"`
	AdjustmentMode        string  `json:"adjustment_mode"`
	DefaultInitialCapital float64 `json:"default_initial_capital"`
}

// Preferences are playback knobs. AutoSave gates per-bar snapshot writes.
type Preferences struct {
	AutoSave      bool    `json:"auto_save"`
	PlaybackSpeed float64 `json:"playback_speed"`
}

// Config is the config.json document.
type Config struct {
	Username    string      `json:"username"`
	CreatedAt   string      `json:"created_at"`
	Settings    Settings    `json:"settings"`
	Preferences Preferences `json:"preferences"`
	LastUpdated string      `json:"last_updated,omitempty"`
}

// DefaultSettings returns the trading parameters a fresh user starts with.
func DefaultSettings() Settings {
	return Settings{
		CommissionRate:        0.0003,
		MinCommission:         5.0,
		StampTaxRate:          0.001,
		AdjustmentMode:        "dynamic_forward",
		DefaultInitialCapital: 100000,
	}
}

// DefaultPreferences returns the playback defaults for a fresh user.
func DefaultPreferences() Preferences {
	return Preferences{AutoSave: true, PlaybackSpeed: 1.0}
}

// HistoryStore is the slice of the persistence layer the manager drives:
// schema creation on user create, handle release before directory removal.
// A nil HistoryStore skips both.
type HistoryStore interface {
	InitUser(user string) error
	CloseUser(user string) error
}

// Manager owns the users directory.
type Manager struct {
	usersDir string
	history  HistoryStore
	logger   zerolog.Logger
}

// NewManager creates the users directory if needed.
func NewManager(usersDir string, history HistoryStore, logger zerolog.Logger) (*Manager, error) {
	if err := os.MkdirAll(usersDir, 0755); err != nil {
		return nil, fmt.Errorf("create users directory: %w", err)
	}
	return &Manager{
		usersDir: usersDir,
		history:  history,
		logger:   logger.With().Str("component", "users").Logger(),
	}, nil
}

func validateUsername(user string) error {
	if user == "" || user == "." || user == ".." || strings.ContainsAny(user, `/\`) {
		return ErrInvalidUsername
	}
	return nil
}

func (m *Manager) userDir(user string) string {
	return filepath.Join(m.usersDir, user)
}

func (m *Manager) configPath(user string) string {
	return filepath.Join(m.usersDir, user, configFileName)
}

// List returns all usernames in lexical order.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.usersDir)
	if err != nil {
		return nil, fmt.Errorf("read users directory: %w", err)
	}

	names := []string{}
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// Exists reports whether the user's directory is present.
func (m *Manager) Exists(user string) bool {
	if validateUsername(user) != nil {
		return false
	}
	info, err := os.Stat(m.userDir(user))
	return err == nil && info.IsDir()
}

// Create makes the user directory, writes the default config and initialises
// the history schema.
func (m *Manager) Create(user string) error {
	if err := validateUsername(user); err != nil {
		return err
	}
	if m.Exists(user) {
		return ErrUserExists
	}

	if err := os.MkdirAll(m.userDir(user), 0755); err != nil {
		return fmt.Errorf("create user directory: %w", err)
	}

	cfg := &Config{
		Username:    user,
		CreatedAt:   time.Now().Format(time.RFC3339),
		Settings:    DefaultSettings(),
		Preferences: DefaultPreferences(),
	}
	if err := m.writeConfig(user, cfg); err != nil {
		return err
	}

	if m.history != nil {
		if err := m.history.InitUser(user); err != nil {
			return fmt.Errorf("init history for %s: %w", user, err)
		}
	}

	m.logger.Info().Str("user", user).Msg("User created")
	return nil
}

// Delete removes the user's directory and everything in it.
func (m *Manager) Delete(user string) error {
	if err := validateUsername(user); err != nil {
		return err
	}
	if !m.Exists(user) {
		return ErrUserNotFound
	}

	// Release the history handle first so the database file can go.
	if m.history != nil {
		if err := m.history.CloseUser(user); err != nil {
			m.logger.Warn().Err(err).Str("user", user).Msg("Failed to close history database")
		}
	}

	if err := os.RemoveAll(m.userDir(user)); err != nil {
		return fmt.Errorf("remove user directory: %w", err)
	}

	m.logger.Info().Str("user", user).Msg("User deleted")
	return nil
}

// Config loads the user's config.json.
func (m *Manager) Config(user string) (*Config, error) {
	if err := validateUsername(user); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(m.configPath(user))
	if os.IsNotExist(err) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read config for %s: %w", user, err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config for %s: %w", user, err)
	}
	return cfg, nil
}

// Settings returns the user's trading parameters.
func (m *Manager) Settings(user string) (Settings, error) {
	cfg, err := m.Config(user)
	if err != nil {
		return Settings{}, err
	}
	return cfg.Settings, nil
}

// Preferences returns the user's playback preferences.
func (m *Manager) Preferences(user string) (Preferences, error) {
	cfg, err := m.Config(user)
	if err != nil {
		return Preferences{}, err
	}
	return cfg.Preferences, nil
}

// UpdateSettings merges a partial settings patch into the stored config,
// stamps last_updated and returns the merged settings. Fields absent from
// the patch keep their stored values.
func (m *Manager) UpdateSettings(user string, patch json.RawMessage) (Settings, error) {
	cfg, err := m.Config(user)
	if err != nil {
		return Settings{}, err
	}

	if err := json.Unmarshal(patch, &cfg.Settings); err != nil {
		return Settings{}, fmt.Errorf("parse settings patch: %w", err)
	}

	cfg.LastUpdated = time.Now().Format(time.RFC3339)
	if err := m.writeConfig(user, cfg); err != nil {
		return Settings{}, err
	}

	m.logger.Info().Str("user", user).Msg("Settings updated")
	return cfg.Settings, nil
}

func (m *Manager) writeConfig(user string, cfg *Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(m.configPath(user), raw, 0644); err != nil {
		return fmt.Errorf("write config for %s: %w", user, err)
	}
	return nil
}
