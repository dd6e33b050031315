package relay

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ent0n29/callrelay/internal/observability"
	"github.com/ent0n29/callrelay/internal/promptcache"
	"github.com/ent0n29/callrelay/internal/promptstore"
)

// Prompt sources, also used as metric labels.
const (
	PromptSourceCache   = "cache"
	PromptSourceStore   = "store"
	PromptSourceDefault = "default"
)

// PromptResolver finds the system prompt for a call: cache first, then a
// single store lookup, then the default prompt. It never fails.
type PromptResolver struct {
	cache         *promptcache.Cache
	store         promptstore.Store
	defaultPrompt string
	timeout       time.Duration
	group         singleflight.Group
	metrics       *observability.Metrics
	telemetry     *observability.Telemetry
	logger        zerolog.Logger
}

type ResolverConfig struct {
	DefaultPrompt string
	LookupTimeout time.Duration
}

func NewPromptResolver(
	cfg ResolverConfig,
	cache *promptcache.Cache,
	store promptstore.Store,
	metrics *observability.Metrics,
	telemetry *observability.Telemetry,
	logger zerolog.Logger,
) *PromptResolver {
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 2 * time.Second
	}
	return &PromptResolver{
		cache:         cache,
		store:         store,
		defaultPrompt: cfg.DefaultPrompt,
		timeout:       cfg.LookupTimeout,
		metrics:       metrics,
		telemetry:     telemetry,
		logger:        logger.With().Str("component", "prompt_resolver").Logger(),
	}
}

// Resolve returns the prompt and where it came from.
func (r *PromptResolver) Resolve(ctx context.Context, callID string) (string, string) {
	start := time.Now()
	prompt, source := r.resolve(ctx, callID)
	r.metrics.ObservePromptLookup(source)
	r.metrics.ObserveStage(observability.StagePromptResolve, time.Since(start))
	return prompt, source
}

func (r *PromptResolver) resolve(ctx context.Context, callID string) (string, string) {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return r.defaultPrompt, PromptSourceDefault
	}
	if r.cache != nil {
		if prompt, ok := r.cache.Get(callID); ok && prompt != "" {
			return prompt, PromptSourceCache
		}
	}

	r.logger.Warn().Str("call_id", callID).Msg("prompt cache miss, falling back to store")
	r.metrics.ObserveIndicator("prompt_cache_miss")
	r.telemetry.Publish(ctx, observability.TelemetryEvent{
		Kind:   observability.EventPromptCacheMiss,
		CallID: callID,
	})

	if r.store != nil {
		prompt, err := r.lookup(ctx, callID)
		switch {
		case err == nil && strings.TrimSpace(prompt) != "":
			return prompt, PromptSourceStore
		case err == nil, errors.Is(err, promptstore.ErrNotFound):
			r.logger.Warn().Str("call_id", callID).Msg("prompt not in store, using default")
		default:
			r.logger.Warn().Err(err).Str("call_id", callID).Msg("prompt store lookup failed, using default")
		}
	}
	return r.defaultPrompt, PromptSourceDefault
}

// lookup coalesces concurrent lookups for one call. The shared lookup does not
// inherit the caller's cancellation so one hung-up caller cannot fail the
// others.
func (r *PromptResolver) lookup(ctx context.Context, callID string) (string, error) {
	ch := r.group.DoChan(callID, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		return r.store.LookupPrompt(lookupCtx, callID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		prompt, _ := res.Val.(string)
		return prompt, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
