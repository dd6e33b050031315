package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the call relay.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool
	SharedSecret   string

	LogLevel  string
	LogFormat string

	PromptCacheTTL           time.Duration
	PromptCacheSweepInterval time.Duration
	PromptLookupTimeout      time.Duration
	DefaultPrompt            string

	RaceBufferFrames       int
	DrainDelay             time.Duration
	UpstreamConnectTimeout time.Duration

	RealtimeWSURL  string
	RealtimeAPIKey string
	RealtimeModel  string
	RealtimeVoice  string

	TextModelProvider string
	GeminiAPIKey      string
	GeminiModel       string
	TextModelHTTPURL  string
	FirstTokenTimeout time.Duration

	DatabaseURL          string
	RedisURL             string
	TelemetryRedisStream string

	TwilioAuthToken string
	PublicBaseURL   string
}

const defaultPrompt = "You are a helpful phone assistant. Keep answers short and conversational."

// LoadDotEnv reads .env files when present. Variables already set in the
// process environment win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var present []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	if err := godotenv.Load(present...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "callrelay"),
		AllowAnyOrigin:   false,
		SharedSecret:     stringsTrimSpace("APP_SHARED_SECRET"),
		LogLevel:         strings.ToLower(envOrDefault("APP_LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(envOrDefault("APP_LOG_FORMAT", "json")),
		DefaultPrompt:    envOrDefault("DEFAULT_PROMPT", defaultPrompt),
		RaceBufferFrames: 150,
		RealtimeWSURL:    envOrDefault("REALTIME_WS_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeAPIKey:   stringsTrimSpace("REALTIME_API_KEY"),
		RealtimeModel:    envOrDefault("REALTIME_MODEL", "gpt-4o-realtime-preview"),
		RealtimeVoice:    envOrDefault("REALTIME_VOICE", "alloy"),

		TextModelProvider: strings.ToLower(envOrDefault("TEXT_MODEL_PROVIDER", "auto")),
		GeminiAPIKey:      stringsTrimSpace("GEMINI_API_KEY"),
		GeminiModel:       envOrDefault("GEMINI_MODEL", "gemini-2.0-flash"),
		TextModelHTTPURL:  stringsTrimSpace("TEXT_MODEL_HTTP_URL"),

		DatabaseURL:          stringsTrimSpace("DATABASE_URL"),
		RedisURL:             stringsTrimSpace("REDIS_URL"),
		TelemetryRedisStream: stringsTrimSpace("TELEMETRY_REDIS_STREAM"),

		TwilioAuthToken: stringsTrimSpace("TWILIO_AUTH_TOKEN"),
		PublicBaseURL:   strings.TrimRight(stringsTrimSpace("PUBLIC_BASE_URL"), "/"),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
		PromptCacheTTL:           time.Hour,
		PromptCacheSweepInterval: 5 * time.Minute,
		PromptLookupTimeout:      2 * time.Second,
		DrainDelay:               500 * time.Millisecond,
		UpstreamConnectTimeout:   10 * time.Second,
		FirstTokenTimeout:        900 * time.Millisecond,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.PromptCacheTTL, err = durationFromEnv("PROMPT_CACHE_TTL", cfg.PromptCacheTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.PromptCacheSweepInterval, err = durationFromEnv("PROMPT_CACHE_SWEEP_INTERVAL", cfg.PromptCacheSweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.PromptLookupTimeout, err = durationFromEnv("PROMPT_LOOKUP_TIMEOUT", cfg.PromptLookupTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RaceBufferFrames, err = intFromEnv("RACE_BUFFER_FRAMES", cfg.RaceBufferFrames)
	if err != nil {
		return Config{}, err
	}
	cfg.DrainDelay, err = durationFromEnv("DRAIN_DELAY", cfg.DrainDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.UpstreamConnectTimeout, err = durationFromEnv("UPSTREAM_CONNECT_TIMEOUT", cfg.UpstreamConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.FirstTokenTimeout, err = durationFromEnv("TEXT_MODEL_FIRST_TOKEN_TIMEOUT", cfg.FirstTokenTimeout)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.PromptCacheTTL <= 0 {
		return Config{}, fmt.Errorf("PROMPT_CACHE_TTL must be positive")
	}
	if cfg.PromptCacheSweepInterval <= 0 {
		return Config{}, fmt.Errorf("PROMPT_CACHE_SWEEP_INTERVAL must be positive")
	}
	if cfg.RaceBufferFrames <= 0 {
		return Config{}, fmt.Errorf("RACE_BUFFER_FRAMES must be positive")
	}
	if cfg.DrainDelay < 0 {
		return Config{}, fmt.Errorf("DRAIN_DELAY must be >= 0")
	}
	if cfg.FirstTokenTimeout < 0 {
		return Config{}, fmt.Errorf("TEXT_MODEL_FIRST_TOKEN_TIMEOUT must be >= 0")
	}
	switch cfg.TextModelProvider {
	case "auto", "gemini", "http", "mock":
	default:
		return Config{}, fmt.Errorf("TEXT_MODEL_PROVIDER must be one of auto|gemini|http|mock")
	}
	switch cfg.LogFormat {
	case "json", "console":
	default:
		return Config{}, fmt.Errorf("APP_LOG_FORMAT must be json or console")
	}
	if cfg.PublicBaseURL != "" {
		if _, err := url.ParseRequestURI(cfg.PublicBaseURL); err != nil {
			return Config{}, fmt.Errorf("PUBLIC_BASE_URL parse error: %w", err)
		}
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
