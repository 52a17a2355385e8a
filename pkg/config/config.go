// Package config loads councild configuration from environment variables.
//
// Every knob has a default except the upstream API key; a missing key leaves
// the gateway unconfigured and the API reports that state per request rather
// than failing startup, so a dev instance can still serve session history.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/opencouncil/councild/pkg/models"
)

// Config holds the resolved runtime configuration.
type Config struct {
	// Upstream gateway (OpenAI-compatible chat completions endpoint).
	GatewayURL string
	APIKey     string

	// Model rosters per mode.
	LiteModels    []string
	UltraModels   []string
	LiteChairman  string
	UltraChairman string
	DefaultMode   models.Mode

	// Per-stage deadlines.
	Stage1Timeout time.Duration
	Stage2Timeout time.Duration
	Stage3Timeout time.Duration
	TitleTimeout  time.Duration

	// Generation limits.
	ParticipantMaxTokens int
	ChairmanMaxTokens    int

	// Conversation history window (user turns; assistant turns double it).
	RecentMessages int

	// Registry bounds.
	MaxSessionsPerUser int
	MaxConcurrent      int
	GracePeriod        time.Duration
	StaleThreshold     time.Duration
	SweepInterval      time.Duration
	HeartbeatInterval  time.Duration

	// HTTP server.
	ListenAddr string

	// Persistence: "postgres" or "memory".
	Store       string
	DatabaseURL string
}

// Load resolves configuration from the environment. It returns an error for
// malformed values; absent values fall back to defaults.
func Load() (*Config, error) {
	cfg := &Config{
		GatewayURL:    getEnvOrDefault("COUNCIL_GATEWAY_URL", "https://openrouter.ai/api/v1"),
		APIKey:        os.Getenv("COUNCIL_API_KEY"),
		LiteModels:    getEnvList("COUNCIL_LITE_MODELS", defaultLiteModels),
		UltraModels:   getEnvList("COUNCIL_ULTRA_MODELS", defaultUltraModels),
		LiteChairman:  getEnvOrDefault("COUNCIL_LITE_CHAIRMAN", defaultLiteChairman),
		UltraChairman: getEnvOrDefault("COUNCIL_ULTRA_CHAIRMAN", defaultUltraChairman),
		ListenAddr:    getEnvOrDefault("COUNCIL_LISTEN_ADDR", ":8085"),
		Store:         getEnvOrDefault("COUNCIL_STORE", "postgres"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
	}

	mode := models.Mode(getEnvOrDefault("COUNCIL_DEFAULT_MODE", string(models.ModeLite)))
	if err := mode.Validate(); err != nil {
		return nil, fmt.Errorf("COUNCIL_DEFAULT_MODE: %w", err)
	}
	cfg.DefaultMode = mode

	var err error
	if cfg.Stage1Timeout, err = getEnvDuration("COUNCIL_STAGE1_TIMEOUT", 120*time.Second); err != nil {
		return nil, err
	}
	if cfg.Stage2Timeout, err = getEnvDuration("COUNCIL_STAGE2_TIMEOUT", 120*time.Second); err != nil {
		return nil, err
	}
	if cfg.Stage3Timeout, err = getEnvDuration("COUNCIL_STAGE3_TIMEOUT", 300*time.Second); err != nil {
		return nil, err
	}
	if cfg.TitleTimeout, err = getEnvDuration("COUNCIL_TITLE_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.GracePeriod, err = getEnvDuration("COUNCIL_GRACE_PERIOD", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.StaleThreshold, err = getEnvDuration("COUNCIL_STALE_THRESHOLD", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = getEnvDuration("COUNCIL_SWEEP_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.HeartbeatInterval, err = getEnvDuration("COUNCIL_HEARTBEAT_INTERVAL", 15*time.Second); err != nil {
		return nil, err
	}

	if cfg.ParticipantMaxTokens, err = getEnvInt("COUNCIL_PARTICIPANT_MAX_TOKENS", 8192); err != nil {
		return nil, err
	}
	if cfg.ChairmanMaxTokens, err = getEnvInt("COUNCIL_CHAIRMAN_MAX_TOKENS", 16384); err != nil {
		return nil, err
	}
	if cfg.RecentMessages, err = getEnvInt("COUNCIL_RECENT_MESSAGES", 10); err != nil {
		return nil, err
	}
	if cfg.MaxSessionsPerUser, err = getEnvInt("COUNCIL_MAX_SESSIONS_PER_USER", 100); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrent, err = getEnvInt("COUNCIL_MAX_CONCURRENT", 10); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.LiteModels) == 0 {
		return fmt.Errorf("COUNCIL_LITE_MODELS must list at least one model")
	}
	if len(c.UltraModels) == 0 {
		return fmt.Errorf("COUNCIL_ULTRA_MODELS must list at least one model")
	}
	if c.LiteChairman == "" || c.UltraChairman == "" {
		return fmt.Errorf("chairman model must be set for both modes")
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("COUNCIL_MAX_CONCURRENT must be at least 1")
	}
	if c.RecentMessages < 1 {
		return fmt.Errorf("COUNCIL_RECENT_MESSAGES must be at least 1")
	}
	switch c.Store {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when COUNCIL_STORE=postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("COUNCIL_STORE must be \"postgres\" or \"memory\", got %q", c.Store)
	}
	return nil
}

// Upstream reports whether the upstream gateway is usable.
func (c *Config) Upstream() bool {
	return c.APIKey != ""
}

// Participants returns the participant roster for the given mode.
func (c *Config) Participants(mode models.Mode) []string {
	if mode == models.ModeUltra {
		return c.UltraModels
	}
	return c.LiteModels
}

// Chairman returns the chairman model for the given mode.
func (c *Config) Chairman(mode models.Mode) string {
	if mode == models.ModeUltra {
		return c.UltraChairman
	}
	return c.LiteChairman
}

var defaultLiteModels = []string{
	"openai/gpt-5.1",
	"anthropic/claude-sonnet-4.5",
	"google/gemini-2.5-flash",
	"x-ai/grok-4",
}

var defaultUltraModels = []string{
	"openai/gpt-5.1",
	"anthropic/claude-opus-4.5",
	"google/gemini-3-pro-preview",
	"x-ai/grok-4",
	"deepseek/deepseek-v3.2",
}

const (
	defaultLiteChairman  = "google/gemini-2.5-pro"
	defaultUltraChairman = "google/gemini-3-pro-preview"
)

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvList(key string, defaultVal []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt(key string, defaultVal int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return val, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return val, nil
}
