// Package config loads and validates the assistant configuration from a
// JSON file. Values may reference environment variables with ${VAR} or
// ${VAR:-default} syntax, which keeps API keys out of the file itself.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for A-Plex.
type Config struct {
	General  GeneralConfig  `json:"general"`
	User     UserConfig     `json:"user"`
	Gemini   GeminiConfig   `json:"gemini"`
	Speech   SpeechConfig   `json:"speech"`
	Storage  StorageConfig  `json:"storage"`
	Channels ChannelsConfig `json:"channels"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"`
	Locale   string `json:"locale,omitempty"`
}

// UserConfig identifies the local user. Sessions are persisted under
// this id; an empty id means unauthenticated and nothing is persisted.
type UserConfig struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

type GeminiConfig struct {
	APIKey     string `json:"apiKey"`
	APIBase    string `json:"apiBase,omitempty"`
	ChatModel  string `json:"chatModel"`
	ImageModel string `json:"imageModel"`
}

type SpeechConfig struct {
	Enabled        bool   `json:"enabled"`
	Voice          string `json:"voice"`
	TTSBase        string `json:"ttsBase,omitempty"`
	TTSAPIKey      string `json:"ttsApiKey,omitempty"`
	TTSModel       string `json:"ttsModel,omitempty"`
	WhisperBase    string `json:"whisperBase,omitempty"`
	WhisperAPIKey  string `json:"whisperApiKey,omitempty"`
	WhisperModel   string `json:"whisperModel,omitempty"`
	SilenceSeconds int    `json:"silenceSeconds,omitempty"`
}

type StorageConfig struct {
	DBPath string `json:"dbPath"`
}

type ChannelsConfig struct {
	CLI CLIConfig `json:"cli"`
	Web WebConfig `json:"web"`
}

type CLIConfig struct {
	Enabled bool `json:"enabled"`
}

type WebConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// DefaultConfigDir returns the default config directory (~/.aplex).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".aplex"
	}
	return filepath.Join(home, ".aplex")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Storage.DBPath = ExpandPath(cfg.Storage.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	// A placeholder that survived expansion means the variable was
	// unset; treat the credential as absent rather than literal.
	cfg.Gemini.APIKey = scrubUnexpanded(cfg.Gemini.APIKey)
	cfg.Speech.TTSAPIKey = scrubUnexpanded(cfg.Speech.TTSAPIKey)
	cfg.Speech.WhisperAPIKey = scrubUnexpanded(cfg.Speech.WhisperAPIKey)
	cfg.User.ID = scrubUnexpanded(cfg.User.ID)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Gemini.ChatModel == "" {
		errs = append(errs, "gemini.chatModel must not be empty")
	}
	if cfg.Gemini.ImageModel == "" {
		errs = append(errs, "gemini.imageModel must not be empty")
	}

	if cfg.Channels.Web.Port < 0 || cfg.Channels.Web.Port > 65535 {
		errs = append(errs, "channels.web.port must be between 0 and 65535")
	}

	if cfg.Speech.SilenceSeconds < 0 {
		errs = append(errs, "speech.silenceSeconds must be >= 0")
	}

	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.dbPath must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func scrubUnexpanded(v string) string {
	if strings.Contains(v, "${") {
		return ""
	}
	return v
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
