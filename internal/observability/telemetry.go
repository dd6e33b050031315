package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Telemetry event kinds.
const (
	EventSessionStarted  = "session_started"
	EventSessionEnded    = "session_ended"
	EventPromptCacheMiss = "prompt_cache_miss"
	EventUpstreamFailed  = "upstream_failed"
	EventCallHandoff     = "call_handoff"
)

// TelemetryEvent is the JSON payload published for session lifecycle events.
type TelemetryEvent struct {
	Kind      string            `json:"kind"`
	SessionID string            `json:"session_id,omitempty"`
	CallID    string            `json:"call_id,omitempty"`
	Mode      string            `json:"mode,omitempty"`
	At        time.Time         `json:"at"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

const telemetryQueueSize = 256

// Telemetry publishes lifecycle events from a background worker. Publish
// never waits on the broker: events are queued and dropped when the queue is
// full. A zero Telemetry is a no-op.
type Telemetry struct {
	publisher message.Publisher
	topic     string
	logger    zerolog.Logger
	closers   []func() error

	mu      sync.RWMutex
	closed  bool
	queue   chan *message.Message
	drained chan struct{}
	dropped atomic.Int64
}

// NewTelemetry wraps an existing publisher and starts its worker.
func NewTelemetry(pub message.Publisher, topic string, logger zerolog.Logger) *Telemetry {
	t := &Telemetry{
		publisher: pub,
		topic:     topic,
		logger:    logger.With().Str("component", "telemetry").Logger(),
		queue:     make(chan *message.Message, telemetryQueueSize),
		drained:   make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *Telemetry) run() {
	defer close(t.drained)
	for msg := range t.queue {
		if err := t.publisher.Publish(t.topic, msg); err != nil {
			t.logger.Warn().Err(err).Str("kind", msg.Metadata.Get("kind")).Msg("telemetry publish failed")
		}
	}
}

// NewRedisTelemetry publishes to a Redis stream. An empty stream name disables
// publishing.
func NewRedisTelemetry(redisURL, stream string, logger zerolog.Logger) (*Telemetry, error) {
	if stream == "" || redisURL == "" {
		return &Telemetry{logger: logger}, nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, NewWatermillLogger(logger))
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("create redis stream publisher: %w", err)
	}
	t := NewTelemetry(pub, stream, logger)
	t.closers = append(t.closers, client.Close)
	return t, nil
}

func (t *Telemetry) Enabled() bool {
	return t != nil && t.publisher != nil
}

// Publish queues one event. Failures are logged and never reach the caller's
// session.
func (t *Telemetry) Publish(ctx context.Context, evt TelemetryEvent) {
	if !t.Enabled() {
		return
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		t.logger.Warn().Err(err).Str("kind", evt.Kind).Msg("telemetry marshal failed")
		return
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set("kind", evt.Kind)
	msg.SetContext(context.WithoutCancel(ctx))

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.queue <- msg:
	default:
		t.dropped.Add(1)
		t.logger.Debug().Str("kind", evt.Kind).Msg("telemetry queue full, event dropped")
	}
}

// Dropped reports events discarded because the queue was full.
func (t *Telemetry) Dropped() int64 {
	if t == nil {
		return 0
	}
	return t.dropped.Load()
}

// Close flushes queued events and closes the publisher.
func (t *Telemetry) Close() error {
	if !t.Enabled() {
		return nil
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.queue)
	t.mu.Unlock()
	<-t.drained

	err := t.publisher.Close()
	for _, c := range t.closers {
		if cerr := c(); err == nil {
			err = cerr
		}
	}
	return err
}
