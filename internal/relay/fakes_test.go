package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"

	"github.com/ent0n29/callrelay/internal/llm"
	"github.com/ent0n29/callrelay/internal/observability"
	"github.com/ent0n29/callrelay/internal/promptcache"
	"github.com/ent0n29/callrelay/internal/promptstore"
	"github.com/ent0n29/callrelay/internal/realtime"
)

type fakeUpstream struct {
	mu      sync.Mutex
	sent    [][]byte
	commits int
	closed  bool
	events  chan realtime.Event
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{events: make(chan realtime.Event, 16)}
}

func (u *fakeUpstream) SendAudio(pcm []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return errors.New("closed")
	}
	u.sent = append(u.sent, append([]byte(nil), pcm...))
	return nil
}

func (u *fakeUpstream) Commit() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.commits++
	return nil
}

func (u *fakeUpstream) Events() <-chan realtime.Event { return u.events }

func (u *fakeUpstream) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closed = true
	return nil
}

func (u *fakeUpstream) Sent() [][]byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([][]byte(nil), u.sent...)
}

func (u *fakeUpstream) Closed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closed
}

func (u *fakeUpstream) Commits() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.commits
}

// fakeConnector hands out up once release is closed. With ignoreCtx it
// returns the connection even after the dial context is cancelled.
type fakeConnector struct {
	up        *fakeUpstream
	err       error
	release   chan struct{}
	ignoreCtx bool
	calls     atomic.Int32
	lastSC    atomic.Value
}

func (f *fakeConnector) Connect(ctx context.Context, sc realtime.SessionConfig) (Upstream, error) {
	f.calls.Add(1)
	f.lastSC.Store(sc)
	if f.release != nil {
		if f.ignoreCtx {
			<-f.release
		} else {
			select {
			case <-f.release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.up, nil
}

type fakeStore struct {
	mu      sync.Mutex
	prompts map[string]string
	err     error
	gate    chan struct{}
	calls   atomic.Int32
}

func (s *fakeStore) LookupPrompt(ctx context.Context, callID string) (string, error) {
	s.calls.Add(1)
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if s.err != nil {
		return "", s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prompts[callID]
	if !ok {
		return "", promptstore.ErrNotFound
	}
	return p, nil
}

func (s *fakeStore) Ping(context.Context) error { return nil }
func (s *fakeStore) Close() error               { return nil }

// scriptedStreamer replays tokens. If gate is set each stream waits on it
// first.
type scriptedStreamer struct {
	tokens []string
	err    error
	gate   chan struct{}
	calls  atomic.Int32
	reqs   chan llm.Request
}

func (s *scriptedStreamer) Stream(ctx context.Context, req llm.Request, onToken llm.TokenHandler) error {
	s.calls.Add(1)
	if s.reqs != nil {
		select {
		case s.reqs <- req:
		default:
		}
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, tok := range s.tokens {
		if err := onToken(tok); err != nil {
			return err
		}
	}
	return s.err
}

func newTestResolver(t *testing.T, cache *promptcache.Cache, store promptstore.Store) *PromptResolver {
	t.Helper()
	return NewPromptResolver(
		ResolverConfig{DefaultPrompt: "default prompt", LookupTimeout: time.Second},
		cache,
		store,
		observability.NewMetrics("relay_test"),
		nil,
		zerolog.Nop(),
	)
}

func recv(t *testing.T, ch <-chan any) any {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return nil
	}
}

// stalledPublisher blocks every publish until release is closed.
type stalledPublisher struct {
	release chan struct{}
}

func (p *stalledPublisher) Publish(string, ...*message.Message) error {
	<-p.release
	return nil
}

func (p *stalledPublisher) Close() error { return nil }
