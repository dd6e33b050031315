package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestTelemetryPublishesLifecycleEvents(t *testing.T) {
	logger := zerolog.Nop()
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 4}, NewWatermillLogger(logger))
	t.Cleanup(func() { _ = pubsub.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msgs, err := pubsub.Subscribe(ctx, "relay-events")
	require.NoError(t, err)

	tel := NewTelemetry(pubsub, "relay-events", logger)
	require.True(t, tel.Enabled())
	tel.Publish(ctx, TelemetryEvent{Kind: EventSessionStarted, SessionID: "s1", CallID: "c1", Mode: "audio"})

	select {
	case msg := <-msgs:
		msg.Ack()
		require.Equal(t, EventSessionStarted, msg.Metadata.Get("kind"))
		var evt TelemetryEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &evt))
		require.Equal(t, "c1", evt.CallID)
		require.False(t, evt.At.IsZero())
	case <-ctx.Done():
		t.Fatal("timed out waiting for telemetry event")
	}
}

func TestRedisTelemetryDisabledWithoutStream(t *testing.T) {
	tel, err := NewRedisTelemetry("redis://localhost:6379/0", "", zerolog.Nop())
	require.NoError(t, err)
	require.False(t, tel.Enabled())
	tel.Publish(context.Background(), TelemetryEvent{Kind: EventSessionEnded})
	require.NoError(t, tel.Close())
}

func TestNewLoggerLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn", "json")
	logger.Info().Msg("hidden")
	logger.Warn().Str("call_id", "c1").Msg("shown")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, `"call_id":"c1"`)

	buf.Reset()
	fallback := newLogger(&buf, "bogus", "json")
	require.Equal(t, zerolog.InfoLevel, fallback.GetLevel())
}

func TestWatermillLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewWatermillLogger(newLogger(&buf, "debug", "json")).With(watermill.LogFields{"topic": "x"})
	adapter.Info("published", watermill.LogFields{"n": 1})
	require.Contains(t, buf.String(), `"topic":"x"`)
	require.Contains(t, buf.String(), `"component":"watermill"`)
}

type stalledPublisher struct {
	release   chan struct{}
	published chan string
}

func (p *stalledPublisher) Publish(_ string, msgs ...*message.Message) error {
	<-p.release
	for _, m := range msgs {
		p.published <- m.Metadata.Get("kind")
	}
	return nil
}

func (p *stalledPublisher) Close() error { return nil }

func TestTelemetryPublishDoesNotWaitOnBroker(t *testing.T) {
	pub := &stalledPublisher{release: make(chan struct{}), published: make(chan string, telemetryQueueSize+8)}
	tel := NewTelemetry(pub, "relay-events", zerolog.Nop())

	start := time.Now()
	for i := 0; i < telemetryQueueSize+4; i++ {
		tel.Publish(context.Background(), TelemetryEvent{Kind: EventSessionStarted})
	}
	require.Less(t, time.Since(start), 200*time.Millisecond)
	// One event is held by the stalled worker; the queue holds the rest.
	require.GreaterOrEqual(t, tel.Dropped(), int64(3))

	close(pub.release)
	require.NoError(t, tel.Close())
	require.Equal(t, telemetryQueueSize+4-int(tel.Dropped()), len(pub.published))

	tel.Publish(context.Background(), TelemetryEvent{Kind: EventSessionEnded})
	require.NoError(t, tel.Close())
}
