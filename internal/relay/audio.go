package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/callrelay/internal/audio"
	"github.com/ent0n29/callrelay/internal/observability"
	"github.com/ent0n29/callrelay/internal/protocol"
	"github.com/ent0n29/callrelay/internal/racebuffer"
	"github.com/ent0n29/callrelay/internal/realtime"
	"github.com/ent0n29/callrelay/internal/reliability"
	"github.com/ent0n29/callrelay/internal/session"
)

// Upstream is a ready realtime audio engine session.
type Upstream interface {
	SendAudio(pcm []byte) error
	Commit() error
	Events() <-chan realtime.Event
	Close() error
}

// Connector opens an Upstream. Connect must honor ctx cancellation.
type Connector interface {
	Connect(ctx context.Context, sc realtime.SessionConfig) (Upstream, error)
}

// RealtimeConnector adapts *realtime.Client to Connector.
type RealtimeConnector struct {
	Client *realtime.Client
}

func (c RealtimeConnector) Connect(ctx context.Context, sc realtime.SessionConfig) (Upstream, error) {
	conn, err := c.Client.Connect(ctx, sc)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type AudioConfig struct {
	RaceBufferFrames int
	DrainDelay       time.Duration
	ConnectTimeout   time.Duration
	Voice            string
}

// AudioRelay bridges a media stream leg to the realtime audio engine.
type AudioRelay struct {
	cfg       AudioConfig
	connector Connector
	resolver  *PromptResolver
	sessions  *session.Manager
	metrics   *observability.Metrics
	telemetry *observability.Telemetry
	logger    zerolog.Logger
}

func NewAudioRelay(
	cfg AudioConfig,
	connector Connector,
	resolver *PromptResolver,
	sessions *session.Manager,
	metrics *observability.Metrics,
	telemetry *observability.Telemetry,
	logger zerolog.Logger,
) *AudioRelay {
	if cfg.RaceBufferFrames <= 0 {
		cfg.RaceBufferFrames = racebuffer.DefaultCapacity
	}
	if cfg.DrainDelay < 0 {
		cfg.DrainDelay = 0
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &AudioRelay{
		cfg:       cfg,
		connector: connector,
		resolver:  resolver,
		sessions:  sessions,
		metrics:   metrics,
		telemetry: telemetry,
		logger:    logger.With().Str("component", "audio_relay").Logger(),
	}
}

type connectResult struct {
	up       Upstream
	err      error
	source   string
	duration time.Duration
}

// audioCall is the per-session state. Only the Run goroutine touches it.
type audioCall struct {
	r      *AudioRelay
	sessID string
	log    zerolog.Logger
	out    sender

	state      session.State
	buf        *racebuffer.Buffer
	up         Upstream
	upEvents   <-chan realtime.Event
	connectCh  chan connectResult
	cancelDial context.CancelFunc
	drain      <-chan time.Time

	callID     string
	streamSID  string
	startedAt  time.Time
	firstAudio bool
}

// Run drives one audio session until the telephony leg goes away, the
// upstream fails, or ctx is cancelled. Closing inbound signals a telephony
// disconnect; a session already draining finishes its drain first.
func (r *AudioRelay) Run(ctx context.Context, sess *session.Session, inbound <-chan protocol.StreamEvent, outbound chan<- any) error {
	log := r.logger.With().Str("session_id", sess.ID).Str("mode", string(session.ModeAudio)).Logger()
	c := &audioCall{
		r:         r,
		sessID:    sess.ID,
		log:       log,
		out:       sender{out: outbound, metrics: r.metrics, logger: log},
		state:     session.StateIdle,
		buf:       racebuffer.New(r.cfg.RaceBufferFrames),
		connectCh: make(chan connectResult, 1),
	}
	r.metrics.ActiveSessions.WithLabelValues(string(session.ModeAudio)).Inc()
	defer r.metrics.ActiveSessions.WithLabelValues(string(session.ModeAudio)).Dec()
	defer c.teardown(ctx, "ended")

	for {
		select {
		case <-ctx.Done():
			c.log.Debug().Err(ctx.Err()).Msg("session context done")
			return nil

		case evt, ok := <-inbound:
			if !ok {
				if c.state == session.StateDraining {
					inbound = nil
					continue
				}
				c.log.Debug().Msg("telephony leg closed")
				return nil
			}
			if done := c.handleTelephony(ctx, evt); done {
				return nil
			}

		case res := <-c.connectCh:
			if err := c.handleConnect(res); err != nil {
				return err
			}

		case evt, ok := <-c.upEvents:
			if !ok {
				if c.state != session.StateDraining {
					c.log.Warn().Msg("upstream closed the session")
				}
				return nil
			}
			c.handleUpstream(evt)

		case <-c.drain:
			c.log.Debug().Msg("drain complete")
			return nil
		}
	}
}

func (c *audioCall) setState(state session.State) {
	c.state = state
	_ = c.r.sessions.SetState(c.sessID, state)
}

// handleTelephony reports true when the session should end.
func (c *audioCall) handleTelephony(ctx context.Context, evt protocol.StreamEvent) bool {
	switch e := evt.(type) {
	case protocol.StreamConnected:
		c.log.Debug().Str("protocol", e.Protocol).Msg("media stream connected")

	case protocol.StreamStart:
		if c.state != session.StateIdle {
			c.log.Warn().Str("state", string(c.state)).Msg("duplicate start ignored")
			return false
		}
		c.callID = e.CallID()
		c.streamSID = e.StreamSID
		c.startedAt = time.Now()
		c.log = c.log.With().Str("call_id", c.callID).Str("stream_sid", c.streamSID).Logger()
		c.out.logger = c.log
		_ = c.r.sessions.Bind(c.sessID, c.callID, c.streamSID)
		c.setState(session.StateConnecting)
		c.r.metrics.ObserveSessionEvent("stream_started")
		c.dial(ctx)
		c.r.telemetry.Publish(ctx, observability.TelemetryEvent{
			Kind:      observability.EventSessionStarted,
			SessionID: c.sessID,
			CallID:    c.callID,
			Mode:      string(session.ModeAudio),
		})

	case protocol.StreamMedia:
		if !e.Inbound() {
			return false
		}
		frame, err := e.Audio()
		if err != nil {
			c.log.Debug().Err(err).Msg("undecodable media payload dropped")
			return false
		}
		c.handleFrame(frame)

	case protocol.StreamMark:
		c.log.Debug().Str("mark", e.Name).Msg("mark")

	case protocol.StreamStop:
		return c.handleStop()

	case protocol.StreamUnknown:
		c.log.Debug().Str("event", e.Event).Msg("unknown media stream event ignored")
	}
	return false
}

func (c *audioCall) dial(ctx context.Context) {
	dialCtx, cancel := context.WithTimeout(ctx, c.r.cfg.ConnectTimeout)
	c.cancelDial = cancel
	callID := c.callID
	results := c.connectCh
	go func() {
		defer cancel()
		start := time.Now()
		prompt, source := c.r.resolver.Resolve(dialCtx, callID)
		up, err := c.r.connector.Connect(dialCtx, realtime.SessionConfig{
			Instructions: prompt,
			Voice:        c.r.cfg.Voice,
		})
		results <- connectResult{up: up, err: err, source: source, duration: time.Since(start)}
	}()
}

func (c *audioCall) handleFrame(frame []byte) {
	switch c.state {
	case session.StateIdle, session.StateConnecting:
		kept := c.buf.Push(frame)
		_ = c.r.sessions.RecordInbound(c.sessID, !kept)
		if !kept {
			c.r.metrics.AddRaceBufferDropped(1)
		}
	case session.StateActive:
		_ = c.r.sessions.RecordInbound(c.sessID, false)
		if err := c.up.SendAudio(audio.TelephonyToEngine(frame)); err != nil {
			c.log.Warn().Err(err).Msg("upstream audio write failed")
		}
	default:
		// Draining or closed: the caller has hung up.
	}
}

func (c *audioCall) handleStop() bool {
	c.r.metrics.ObserveSessionEvent("stream_stopped")
	switch c.state {
	case session.StateActive:
		if err := c.up.Commit(); err != nil {
			c.log.Warn().Err(err).Msg("upstream commit failed")
			return true
		}
		c.setState(session.StateDraining)
		if c.r.cfg.DrainDelay == 0 {
			return true
		}
		c.drain = time.After(c.r.cfg.DrainDelay)
		return false
	case session.StateDraining:
		return false
	default:
		return true
	}
}

func (c *audioCall) handleConnect(res connectResult) error {
	if c.state != session.StateConnecting {
		if res.up != nil {
			_ = res.up.Close()
		}
		return nil
	}
	c.cancelDial = nil

	if res.err != nil {
		code := "dial"
		switch {
		case errors.Is(res.err, realtime.ErrHandshake):
			code = "handshake"
		case errors.Is(res.err, context.DeadlineExceeded):
			code = "timeout"
		}
		c.log.Error().Err(res.err).Str("code", code).Msg("upstream connect failed")
		c.r.metrics.ObserveUpstreamError("realtime", reliability.ErrorCodeLabel(code))
		c.r.telemetry.Publish(context.Background(), observability.TelemetryEvent{
			Kind:      observability.EventUpstreamFailed,
			SessionID: c.sessID,
			CallID:    c.callID,
			Mode:      string(session.ModeAudio),
			Attrs:     map[string]string{"code": code},
		})
		return fmt.Errorf("connect upstream: %w", res.err)
	}

	c.r.metrics.ObserveStage(observability.StageUpstreamConnect, res.duration)
	c.up = res.up
	c.upEvents = res.up.Events()

	frames := c.buf.Flush()
	for _, frame := range frames {
		if err := c.up.SendAudio(audio.TelephonyToEngine(frame)); err != nil {
			c.log.Warn().Err(err).Msg("upstream audio write failed during flush")
			break
		}
	}
	c.setState(session.StateActive)
	c.log.Info().
		Str("prompt_source", res.source).
		Int("flushed_frames", len(frames)).
		Int("dropped_frames", c.buf.Dropped()).
		Dur("connect", res.duration).
		Msg("upstream ready")
	return nil
}

func (c *audioCall) handleUpstream(evt realtime.Event) {
	switch evt.Type {
	case realtime.EventAudio:
		mulaw := audio.EngineToTelephony(evt.Audio)
		if len(mulaw) == 0 {
			return
		}
		if !c.firstAudio {
			c.firstAudio = true
			c.r.metrics.ObserveFirstAudioLatency(time.Since(c.startedAt))
		}
		c.out.send(protocol.NewStreamMediaOut(c.streamSID, mulaw), false)
	case realtime.EventSpeechStarted:
		c.out.send(protocol.NewStreamClearOut(c.streamSID), true)
	case realtime.EventError:
		c.log.Warn().Str("code", evt.Code).Str("detail", evt.Detail).Bool("retryable", evt.Retryable).Msg("upstream error event")
		c.r.metrics.ObserveUpstreamError("realtime", reliability.ErrorCodeLabel(evt.Code))
	case realtime.EventResponseDone:
		c.log.Debug().Msg("upstream response done")
	}
}

// teardown closes the upstream whatever state the session is in. A dial
// still in flight is cancelled, and a connection that lands afterwards is
// closed on arrival.
func (c *audioCall) teardown(ctx context.Context, reason string) {
	if c.state == session.StateClosed {
		return
	}
	if c.cancelDial != nil {
		c.cancelDial()
		go func(results <-chan connectResult) {
			if res := <-results; res.up != nil {
				_ = res.up.Close()
			}
		}(c.connectCh)
	}
	if c.up != nil {
		if err := c.up.Close(); err != nil {
			c.log.Debug().Err(err).Msg("upstream close")
		}
	}
	c.setState(session.StateClosed)
	c.r.metrics.ObserveSessionEvent("stream_" + reason)
	if c.callID != "" {
		c.r.telemetry.Publish(context.WithoutCancel(ctx), observability.TelemetryEvent{
			Kind:      observability.EventSessionEnded,
			SessionID: c.sessID,
			CallID:    c.callID,
			Mode:      string(session.ModeAudio),
			Attrs:     map[string]string{"dropped_frames": strconv.Itoa(c.buf.Dropped())},
		})
	}
}
