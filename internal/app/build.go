package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/callrelay/internal/config"
	"github.com/ent0n29/callrelay/internal/httpapi"
	"github.com/ent0n29/callrelay/internal/llm"
	"github.com/ent0n29/callrelay/internal/observability"
	"github.com/ent0n29/callrelay/internal/policy"
	"github.com/ent0n29/callrelay/internal/promptcache"
	"github.com/ent0n29/callrelay/internal/promptstore"
	"github.com/ent0n29/callrelay/internal/realtime"
	"github.com/ent0n29/callrelay/internal/relay"
	"github.com/ent0n29/callrelay/internal/session"
)

const (
	janitorInterval = 5 * time.Second
	operatorDigit   = "0"
)

type BuildResult struct {
	Config    config.Config
	Logger    zerolog.Logger
	API       *httpapi.Server
	Sessions  *session.Manager
	Cache     *promptcache.Cache
	Store     promptstore.Store
	Metrics   *observability.Metrics
	Telemetry *observability.Telemetry

	// Cleanup releases the prompt store and telemetry publisher.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	telemetry, err := observability.NewRedisTelemetry(cfg.RedisURL, cfg.TelemetryRedisStream, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}

	store, err := promptstore.Open(ctx, promptstore.Options{
		DatabaseURL: cfg.DatabaseURL,
		RedisURL:    cfg.RedisURL,
		Migrate:     strings.HasPrefix(cfg.DatabaseURL, "sqlite") || strings.HasPrefix(cfg.DatabaseURL, "file:"),
	}, logger)
	if err != nil {
		_ = telemetry.Close()
		return nil, fmt.Errorf("prompt store init failed: %w", err)
	}

	streamer, err := llm.New(ctx, llm.Config{
		Provider:     cfg.TextModelProvider,
		GeminiAPIKey: cfg.GeminiAPIKey,
		GeminiModel:  cfg.GeminiModel,
		HTTPURL:      cfg.TextModelHTTPURL,

		FirstTokenTimeout: cfg.FirstTokenTimeout,
	})
	if err != nil {
		_ = store.Close()
		_ = telemetry.Close()
		return nil, fmt.Errorf("text model init failed: %w", err)
	}

	cache := promptcache.New(cfg.PromptCacheTTL)
	cache.SetSweepHook(func(removed int) {
		metrics.PromptCacheEntries.Set(float64(cache.Len()))
		if removed > 0 {
			logger.Debug().Int("removed", removed).Msg("prompt cache swept")
		}
	})

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.ObserveSessionEvent("expired")
		logger.Info().Str("session_id", s.ID).Str("call_id", s.CallID).Str("mode", string(s.Mode)).Msg("session expired after inactivity")
	})

	resolver := relay.NewPromptResolver(relay.ResolverConfig{
		DefaultPrompt: cfg.DefaultPrompt,
		LookupTimeout: cfg.PromptLookupTimeout,
	}, cache, store, metrics, telemetry, logger)

	if strings.TrimSpace(cfg.RealtimeAPIKey) == "" {
		logger.Warn().Msg("REALTIME_API_KEY is not set; audio sessions will fail to reach the engine")
	}
	audioRelay := relay.NewAudioRelay(relay.AudioConfig{
		RaceBufferFrames: cfg.RaceBufferFrames,
		DrainDelay:       cfg.DrainDelay,
		ConnectTimeout:   cfg.UpstreamConnectTimeout,
		Voice:            cfg.RealtimeVoice,
	}, relay.RealtimeConnector{Client: realtime.NewClient(realtime.Config{
		URL:    cfg.RealtimeWSURL,
		APIKey: cfg.RealtimeAPIKey,
		Model:  cfg.RealtimeModel,
		Voice:  cfg.RealtimeVoice,
	})}, resolver, sessions, metrics, telemetry, logger)

	textRelay := relay.NewTextRelay(relay.TextConfig{
		OperatorDigit: operatorDigit,
	}, streamer, resolver, sessions, metrics, telemetry, logger)

	api := httpapi.New(cfg, httpapi.Deps{
		Sessions: sessions,
		Audio:    audioRelay,
		Text:     textRelay,
		Cache:    cache,
		Auth: policy.NewAuthorizer(policy.AuthConfig{
			SharedSecret:      cfg.SharedSecret,
			ProviderAuthToken: cfg.TwilioAuthToken,
			PublicBaseURL:     cfg.PublicBaseURL,
		}),
		Metrics: metrics,
		Logger:  logger,
	})

	logger.Info().
		Str("text_model", fmt.Sprintf("%T", streamer)).
		Str("realtime_model", cfg.RealtimeModel).
		Bool("telemetry", telemetry.Enabled()).
		Msg("relay built")

	cleanup := func() error {
		var errs []string
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := telemetry.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:    cfg,
		Logger:    logger,
		API:       api,
		Sessions:  sessions,
		Cache:     cache,
		Store:     store,
		Metrics:   metrics,
		Telemetry: telemetry,
		Cleanup:   cleanup,
	}, nil
}

// StartBackground runs the session janitor and the prompt cache sweeper until
// ctx is done.
func (b *BuildResult) StartBackground(ctx context.Context) {
	b.Sessions.StartJanitor(ctx, janitorInterval)
	b.Cache.StartSweeper(ctx, b.Config.PromptCacheSweepInterval)
}
