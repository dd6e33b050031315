package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.PromptCacheTTL != time.Hour {
		t.Fatalf("PromptCacheTTL = %v, want 1h", cfg.PromptCacheTTL)
	}
	if cfg.PromptCacheSweepInterval != 5*time.Minute {
		t.Fatalf("PromptCacheSweepInterval = %v, want 5m", cfg.PromptCacheSweepInterval)
	}
	if cfg.RaceBufferFrames != 150 {
		t.Fatalf("RaceBufferFrames = %d, want 150", cfg.RaceBufferFrames)
	}
	if cfg.DrainDelay != 500*time.Millisecond {
		t.Fatalf("DrainDelay = %v, want 500ms", cfg.DrainDelay)
	}
	if cfg.TextModelProvider != "auto" {
		t.Fatalf("TextModelProvider = %q, want auto", cfg.TextModelProvider)
	}
	if cfg.FirstTokenTimeout != 900*time.Millisecond {
		t.Fatalf("FirstTokenTimeout = %v, want 900ms", cfg.FirstTokenTimeout)
	}
	if cfg.DefaultPrompt == "" {
		t.Fatalf("DefaultPrompt should not be empty")
	}
	if cfg.SharedSecret != "" || cfg.TwilioAuthToken != "" {
		t.Fatalf("auth should be disabled by default")
	}
}

func TestLoadExplicitValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("PROMPT_CACHE_TTL", "30m")
	t.Setenv("RACE_BUFFER_FRAMES", "64")
	t.Setenv("TEXT_MODEL_PROVIDER", "MOCK")
	t.Setenv("PUBLIC_BASE_URL", "https://relay.example.com/")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "yes")
	t.Setenv("TEXT_MODEL_FIRST_TOKEN_TIMEOUT", "0s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" || cfg.PromptCacheTTL != 30*time.Minute || cfg.RaceBufferFrames != 64 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.TextModelProvider != "mock" {
		t.Fatalf("TextModelProvider = %q, want mock", cfg.TextModelProvider)
	}
	if cfg.PublicBaseURL != "https://relay.example.com" {
		t.Fatalf("PublicBaseURL = %q", cfg.PublicBaseURL)
	}
	if !cfg.AllowAnyOrigin {
		t.Fatalf("AllowAnyOrigin = false, want true")
	}
	if cfg.FirstTokenTimeout != 0 {
		t.Fatalf("FirstTokenTimeout = %v, want 0", cfg.FirstTokenTimeout)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"APP_SESSION_INACTIVITY_TIMEOUT": "1s",
		"PROMPT_CACHE_TTL":               "nope",
		"RACE_BUFFER_FRAMES":             "0",
		"TEXT_MODEL_PROVIDER":            "carrier-pigeon",
		"APP_LOG_FORMAT":                 "xml",
		"APP_ALLOW_ANY_ORIGIN":           "maybe",
		"DRAIN_DELAY":                    "-1s",
		"TEXT_MODEL_FIRST_TOKEN_TIMEOUT": "-5ms",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q expected error", key, value)
			}
		})
	}
}

func TestLoadDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	setCoreEnvEmpty(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("APP_BIND_ADDR=:7000\nREALTIME_VOICE=verse\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("APP_BIND_ADDR", ":6000")
	// godotenv skips keys that are present, even when empty, so clear it fully.
	os.Unsetenv("REALTIME_VOICE")
	t.Cleanup(func() { os.Unsetenv("REALTIME_VOICE") })

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":6000" {
		t.Fatalf("BindAddr = %q, want environment value", cfg.BindAddr)
	}
	if cfg.RealtimeVoice != "verse" {
		t.Fatalf("RealtimeVoice = %q, want value from .env", cfg.RealtimeVoice)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_SHARED_SECRET",
		"APP_LOG_LEVEL",
		"APP_LOG_FORMAT",
		"PROMPT_CACHE_TTL",
		"PROMPT_CACHE_SWEEP_INTERVAL",
		"PROMPT_LOOKUP_TIMEOUT",
		"DEFAULT_PROMPT",
		"RACE_BUFFER_FRAMES",
		"DRAIN_DELAY",
		"UPSTREAM_CONNECT_TIMEOUT",
		"TEXT_MODEL_FIRST_TOKEN_TIMEOUT",
		"REALTIME_WS_URL",
		"REALTIME_API_KEY",
		"REALTIME_MODEL",
		"REALTIME_VOICE",
		"TEXT_MODEL_PROVIDER",
		"GEMINI_API_KEY",
		"GEMINI_MODEL",
		"TEXT_MODEL_HTTP_URL",
		"DATABASE_URL",
		"REDIS_URL",
		"TELEMETRY_REDIS_STREAM",
		"TWILIO_AUTH_TOKEN",
		"PUBLIC_BASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
