package ghostline

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/Paranoid-AF/ghostline/backend"
	defaults "github.com/Paranoid-AF/ghostline/default"
	"github.com/Paranoid-AF/ghostline/suggest"
)

// ErrUnknownAction is returned for config actions the daemon does not know.
var ErrUnknownAction = errors.New("unknown config action")

// Config represents the user's ghostline configuration.
type Config struct {
	Suggest SuggestConfig `toml:"suggest" json:"suggest"`
	Backend BackendConfig `toml:"backend" json:"backend"`
}

// SuggestConfig controls when suggestions are requested.
type SuggestConfig struct {
	Enabled        *bool `toml:"enabled" json:"enabled,omitempty"`
	IdleDelayMs    int   `toml:"idle_delay_ms" json:"idle_delay_ms,omitempty"`
	MinPrefixChars int   `toml:"min_prefix_chars" json:"min_prefix_chars,omitempty"`
	MaxPrefixChars int   `toml:"max_prefix_chars" json:"max_prefix_chars,omitempty"`
	MaxSuffixChars int   `toml:"max_suffix_chars" json:"max_suffix_chars,omitempty"`
}

// BackendConfig holds settings for the completion API.
type BackendConfig struct {
	BaseURL     string   `toml:"base_url" json:"base_url"`
	APIKey      string   `toml:"api_key" json:"api_key"`
	Model       string   `toml:"model" json:"model"`
	APIType     string   `toml:"api_type" json:"api_type"`
	MaxTokens   int      `toml:"max_tokens" json:"max_tokens,omitempty"`
	Temperature *float64 `toml:"temperature" json:"temperature,omitempty"`
	TimeoutMs   int      `toml:"timeout_ms" json:"timeout_ms,omitempty"`
	Stop        []string `toml:"stop" json:"stop,omitempty"`
	Telemetry   *bool    `toml:"telemetry" json:"telemetry,omitempty"`
	Redact      *bool    `toml:"redact" json:"redact,omitempty"`
	PromptFile  string   `toml:"prompt_file" json:"prompt_file,omitempty"`

	RequestsPerMinute  int `toml:"requests_per_minute" json:"requests_per_minute,omitempty"`
	Burst              int `toml:"burst" json:"burst,omitempty"`
	BreakerMaxFailures int `toml:"breaker_max_failures" json:"breaker_max_failures,omitempty"`
	BreakerTimeoutMs   int `toml:"breaker_timeout_ms" json:"breaker_timeout_ms,omitempty"`
}

// ConfigDir returns the config directory path.
// Resolution order: $GHOSTLINE_CONFIG_DIR > $XDG_CONFIG_HOME/ghostline > ~/.config/ghostline
func ConfigDir() string {
	if dir := os.Getenv("GHOSTLINE_CONFIG_DIR"); dir != "" {
		return dir
	}
	if configHome := os.Getenv("XDG_CONFIG_HOME"); configHome != "" {
		return filepath.Join(configHome, "ghostline")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("/tmp", "ghostline-config")
	}
	return filepath.Join(home, ".config", "ghostline")
}

// ConfigPath returns the full path to the config file.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// PromptPath returns the prompt file path.
func PromptPath() string {
	return filepath.Join(ConfigDir(), "prompt.md")
}

// EnvPath returns the path of the optional .env file.
func EnvPath() string {
	return filepath.Join(ConfigDir(), ".env")
}

// DefaultConfig returns the default configuration from the embedded default_config.toml.
func DefaultConfig() *Config {
	var cfg Config
	if _, err := toml.Decode(string(defaults.DefaultConfigTOML), &cfg); err != nil {
		panic("ghostline: invalid embedded default_config.toml: " + err.Error())
	}
	return &cfg
}

// LoadConfig loads config from disk or returns defaults if not found.
func LoadConfig() (*Config, error) {
	return LoadConfigFile(ConfigPath())
}

// LoadConfigFile loads config from path, filling missing fields from defaults.
func LoadConfigFile(path string) (*Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	for _, key := range md.Undecoded() {
		slog.Warn("unknown config key", "key", key.String(), "path", path)
	}

	// Apply defaults for missing fields
	d := DefaultConfig()
	if cfg.Suggest.Enabled == nil {
		cfg.Suggest.Enabled = d.Suggest.Enabled
	}
	if cfg.Suggest.IdleDelayMs == 0 {
		cfg.Suggest.IdleDelayMs = d.Suggest.IdleDelayMs
	}
	if cfg.Suggest.MinPrefixChars == 0 {
		cfg.Suggest.MinPrefixChars = d.Suggest.MinPrefixChars
	}
	if cfg.Suggest.MaxPrefixChars == 0 {
		cfg.Suggest.MaxPrefixChars = d.Suggest.MaxPrefixChars
	}
	if cfg.Suggest.MaxSuffixChars == 0 {
		cfg.Suggest.MaxSuffixChars = d.Suggest.MaxSuffixChars
	}
	if cfg.Backend.BaseURL == "" && cfg.Backend.APIType != backend.APIOllama {
		cfg.Backend.BaseURL = d.Backend.BaseURL
	}
	if cfg.Backend.APIType == "" {
		cfg.Backend.APIType = d.Backend.APIType
	}
	if cfg.Backend.Model == "" {
		cfg.Backend.Model = d.Backend.Model
	}
	if cfg.Backend.MaxTokens == 0 {
		cfg.Backend.MaxTokens = d.Backend.MaxTokens
	}
	if cfg.Backend.Temperature == nil {
		cfg.Backend.Temperature = d.Backend.Temperature
	}
	if cfg.Backend.TimeoutMs == 0 {
		cfg.Backend.TimeoutMs = d.Backend.TimeoutMs
	}
	if cfg.Backend.Telemetry == nil {
		cfg.Backend.Telemetry = d.Backend.Telemetry
	}
	if cfg.Backend.Redact == nil {
		cfg.Backend.Redact = d.Backend.Redact
	}
	if cfg.Backend.RequestsPerMinute == 0 {
		cfg.Backend.RequestsPerMinute = d.Backend.RequestsPerMinute
	}
	if cfg.Backend.Burst == 0 {
		cfg.Backend.Burst = d.Backend.Burst
	}
	if cfg.Backend.BreakerMaxFailures == 0 {
		cfg.Backend.BreakerMaxFailures = d.Backend.BreakerMaxFailures
	}
	if cfg.Backend.BreakerTimeoutMs == 0 {
		cfg.Backend.BreakerTimeoutMs = d.Backend.BreakerTimeoutMs
	}

	return &cfg, nil
}

// LoadEnv loads the optional .env file in the config directory. Variables
// already set in the environment win.
func LoadEnv() error {
	err := godotenv.Load(EnvPath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// LoadPrompt returns the custom prompt template, or "" when there is none.
func LoadPrompt(cfg *Config) string {
	path := PromptPath()
	if cfg != nil && cfg.Backend.PromptFile != "" {
		path = cfg.Backend.PromptFile
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	slog.Info("loaded custom prompt", "path", path)
	return string(data)
}

// ValidateConfig checks configuration for potential issues and returns warnings.
func ValidateConfig(cfg *Config) []string {
	var warnings []string
	if cfg == nil {
		return warnings
	}

	switch cfg.Backend.APIType {
	case backend.APIChatCompletions, backend.APICompletions, backend.APIOllama:
	default:
		warnings = append(warnings, fmt.Sprintf("unknown api_type %q; expected chat_completions, completions or ollama", cfg.Backend.APIType))
	}

	if cfg.Backend.APIType != backend.APIOllama && ResolveAPIKey(cfg) == "" && !isLocal(ResolveBaseURL(cfg)) {
		warnings = append(warnings, "api_key is not configured; requests to "+ResolveBaseURL(cfg)+" will likely be rejected")
	}

	s := cfg.Suggest
	if s.IdleDelayMs > 0 && s.IdleDelayMs < 100 {
		warnings = append(warnings, "idle_delay_ms below 100 sends a request on almost every keystroke")
	}
	if s.MaxPrefixChars > 0 && s.MinPrefixChars > s.MaxPrefixChars {
		warnings = append(warnings, "min_prefix_chars exceeds max_prefix_chars; no suggestion will ever be requested")
	}

	if t := cfg.Backend.Temperature; t != nil && (*t < 0 || *t > 2) {
		warnings = append(warnings, fmt.Sprintf("temperature %g is outside 0..2", *t))
	}

	if cfg.Backend.PromptFile != "" {
		if _, err := os.Stat(cfg.Backend.PromptFile); err != nil {
			warnings = append(warnings, "prompt_file is not readable: "+err.Error())
		}
	}
	if cfg.Backend.APIType == backend.APICompletions || cfg.Backend.APIType == backend.APIOllama {
		if cfg.Backend.PromptFile != "" {
			warnings = append(warnings, "prompt_file is only used by the chat_completions api_type")
		}
	}

	return warnings
}

func isLocal(baseURL string) bool {
	u, err := url.Parse(baseURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1" || strings.HasSuffix(host, ".local")
}

// ResolveBaseURL returns the completion API base URL.
// Priority: $GHOSTLINE_API_BASE_URL env > config value.
func ResolveBaseURL(cfg *Config) string {
	if url := os.Getenv("GHOSTLINE_API_BASE_URL"); url != "" {
		return url
	}
	if cfg != nil {
		return cfg.Backend.BaseURL
	}
	return ""
}

// ResolveAPIKey returns the completion API key.
// Priority: $GHOSTLINE_API_KEY env > config value.
func ResolveAPIKey(cfg *Config) string {
	if key := os.Getenv("GHOSTLINE_API_KEY"); key != "" {
		return key
	}
	if cfg != nil {
		return cfg.Backend.APIKey
	}
	return ""
}

// ResolveModel returns the completion model name.
// Priority: $GHOSTLINE_MODEL env > config value.
func ResolveModel(cfg *Config) string {
	if model := os.Getenv("GHOSTLINE_MODEL"); model != "" {
		return model
	}
	if cfg != nil {
		return cfg.Backend.Model
	}
	return ""
}

// EngineConfig converts cfg into the suggestion engine's tuning.
func EngineConfig(cfg *Config) suggest.Config {
	if cfg == nil {
		return suggest.DefaultConfig()
	}
	var temperature *float64
	if cfg.Backend.Temperature != nil {
		t := *cfg.Backend.Temperature
		temperature = &t
	}
	return suggest.Config{
		IdleDelay:      time.Duration(cfg.Suggest.IdleDelayMs) * time.Millisecond,
		MinPrefixChars: cfg.Suggest.MinPrefixChars,
		MaxPrefixChars: cfg.Suggest.MaxPrefixChars,
		MaxSuffixChars: cfg.Suggest.MaxSuffixChars,
		MaxTokens:      cfg.Backend.MaxTokens,
		Temperature:    temperature,
		Timeout:        time.Duration(cfg.Backend.TimeoutMs) * time.Millisecond,
		StopSequences:  cfg.Backend.Stop,
		Disabled:       cfg.Suggest.Enabled != nil && !*cfg.Suggest.Enabled,
	}
}

// ClientConfig converts cfg into backend settings, applying env overrides.
// prompt is the custom prompt template, or "" for the embedded default.
func ClientConfig(cfg *Config, prompt string) backend.Config {
	return backend.Config{
		BaseURL:            ResolveBaseURL(cfg),
		APIKey:             ResolveAPIKey(cfg),
		Model:              ResolveModel(cfg),
		APIType:            cfg.Backend.APIType,
		Telemetry:          cfg.Backend.Telemetry != nil && *cfg.Backend.Telemetry,
		PromptTemplate:     prompt,
		Redact:             cfg.Backend.Redact == nil || *cfg.Backend.Redact,
		RequestsPerMinute:  cfg.Backend.RequestsPerMinute,
		Burst:              cfg.Backend.Burst,
		BreakerMaxFailures: uint32(max(0, cfg.Backend.BreakerMaxFailures)),
		BreakerTimeout:     time.Duration(cfg.Backend.BreakerTimeoutMs) * time.Millisecond,
	}
}
