package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const primaryStopGrace = 200 * time.Millisecond

// ErrNoFirstToken reports that the primary produced nothing before the
// first-token deadline.
var ErrNoFirstToken = errors.New("primary model produced no token before deadline")

// Fallback streams from a primary backend and switches to a secondary one
// when the primary fails before emitting any text. Once a token has reached
// the caller the primary owns the reply.
type Fallback struct {
	primary           Streamer
	secondary         Streamer
	firstTokenTimeout time.Duration
}

// NewFallback wraps primary and secondary. A zero firstTokenTimeout switches
// on error only.
func NewFallback(primary, secondary Streamer, firstTokenTimeout time.Duration) *Fallback {
	return &Fallback{primary: primary, secondary: secondary, firstTokenTimeout: firstTokenTimeout}
}

func (f *Fallback) Primary() Streamer   { return f.primary }
func (f *Fallback) Secondary() Streamer { return f.secondary }

func (f *Fallback) Stream(ctx context.Context, req Request, onToken TokenHandler) error {
	if f == nil || (f.primary == nil && f.secondary == nil) {
		return fmt.Errorf("fallback streamer misconfigured")
	}
	if f.primary == nil {
		return f.secondary.Stream(ctx, req, onToken)
	}
	if f.secondary == nil {
		return f.primary.Stream(ctx, req, onToken)
	}

	primaryCtx, cancelPrimary := context.WithCancel(ctx)
	defer cancelPrimary()

	// mu serialises primary tokens against the cutoff. Leading whitespace is
	// held back until the first real token, so a reply only counts as started
	// once the caller has heard something.
	var mu sync.Mutex
	var pending []string
	accept, started := true, false
	firstTok := make(chan struct{})
	deliver := func(token string) error {
		if onToken == nil {
			return nil
		}
		return onToken(token)
	}
	done := make(chan error, 1)

	go func() {
		done <- f.primary.Stream(primaryCtx, req, func(token string) error {
			mu.Lock()
			defer mu.Unlock()
			if !accept {
				return context.Canceled
			}
			if !started {
				if strings.TrimSpace(token) == "" {
					pending = append(pending, token)
					return nil
				}
				started = true
				close(firstTok)
				for _, p := range pending {
					if err := deliver(p); err != nil {
						return err
					}
				}
				pending = nil
			}
			return deliver(token)
		})
	}()

	var timeout <-chan time.Time
	if f.firstTokenTimeout > 0 {
		timer := time.NewTimer(f.firstTokenTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var primaryErr error
	timedOut := false
	select {
	case primaryErr = <-done:
	case <-firstTok:
		return <-done
	case <-timeout:
		mu.Lock()
		if started {
			// A real token won the race against the deadline.
			mu.Unlock()
			return <-done
		}
		accept = false
		mu.Unlock()
		timedOut = true
		primaryErr = ErrNoFirstToken
		cancelPrimary()
		select {
		case <-done:
		case <-time.After(primaryStopGrace):
		}
	}

	mu.Lock()
	accept = false
	wasStarted, held := started, pending
	pending = nil
	mu.Unlock()

	if primaryErr == nil {
		// Whitespace-only reply.
		for _, p := range held {
			if err := deliver(p); err != nil {
				return err
			}
		}
		return nil
	}
	if ctx.Err() != nil || wasStarted {
		return primaryErr
	}
	if !timedOut && (errors.Is(primaryErr, context.Canceled) || errors.Is(primaryErr, context.DeadlineExceeded)) {
		return primaryErr
	}

	if err := f.secondary.Stream(ctx, req, onToken); err != nil {
		return fmt.Errorf("primary model: %w; fallback model: %v", primaryErr, err)
	}
	return nil
}
