package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/ent0n29/callrelay/internal/llm"
	"github.com/ent0n29/callrelay/internal/observability"
	"github.com/ent0n29/callrelay/internal/policy"
	"github.com/ent0n29/callrelay/internal/protocol"
	"github.com/ent0n29/callrelay/internal/session"
)

const defaultApology = "I'm sorry, I'm having trouble answering right now. Could you say that again?"

type TextConfig struct {
	// Apology is spoken when generation fails.
	Apology string
	// OperatorDigit ends the call with handoff data when pressed. Empty
	// disables the escape.
	OperatorDigit string
}

// TextRelay drives conversation relay sessions: prompts go to the text model
// and tokens come back as speakable chunks.
type TextRelay struct {
	cfg       TextConfig
	streamer  llm.Streamer
	resolver  *PromptResolver
	sessions  *session.Manager
	metrics   *observability.Metrics
	telemetry *observability.Telemetry
	logger    zerolog.Logger
}

func NewTextRelay(
	cfg TextConfig,
	streamer llm.Streamer,
	resolver *PromptResolver,
	sessions *session.Manager,
	metrics *observability.Metrics,
	telemetry *observability.Telemetry,
	logger zerolog.Logger,
) *TextRelay {
	if strings.TrimSpace(cfg.Apology) == "" {
		cfg.Apology = defaultApology
	}
	return &TextRelay{
		cfg:       cfg,
		streamer:  streamer,
		resolver:  resolver,
		sessions:  sessions,
		metrics:   metrics,
		telemetry: telemetry,
		logger:    logger.With().Str("component", "text_relay").Logger(),
	}
}

type tokenMsg struct {
	responseID string
	token      string
	done       bool
	err        error
}

// textCall is the per-session state. Only the Run goroutine touches it.
type textCall struct {
	r      *TextRelay
	sessID string
	log    zerolog.Logger
	out    sender
	ctx    context.Context

	callID         string
	prompt         string
	setupDone      bool
	promptResolved bool
	history        *History

	processing   bool
	responseID   string
	cancelStream context.CancelFunc
	chunker      *Chunker
	reply        *Turn
	promptAt     time.Time
	firstToken   bool
	tokens       chan tokenMsg
}

// Run drives one text session until inbound closes or ctx is cancelled.
func (r *TextRelay) Run(ctx context.Context, sess *session.Session, inbound <-chan protocol.RelayEvent, outbound chan<- any) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := r.logger.With().Str("session_id", sess.ID).Str("mode", string(session.ModeText)).Logger()
	c := &textCall{
		r:       r,
		sessID:  sess.ID,
		log:     log,
		out:     sender{out: outbound, metrics: r.metrics, logger: log},
		ctx:     runCtx,
		history: NewHistory(),
		tokens:  make(chan tokenMsg, 64),
	}
	r.metrics.ActiveSessions.WithLabelValues(string(session.ModeText)).Inc()
	defer r.metrics.ActiveSessions.WithLabelValues(string(session.ModeText)).Dec()
	defer c.teardown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-inbound:
			if !ok {
				c.log.Debug().Msg("telephony leg closed")
				return nil
			}
			c.handleEvent(evt)
		case msg := <-c.tokens:
			c.handleToken(msg)
		}
	}
}

func (c *textCall) handleEvent(evt protocol.RelayEvent) {
	switch e := evt.(type) {
	case protocol.RelaySetup:
		c.handleSetup(e)
	case protocol.RelayPrompt:
		c.handlePrompt(e)
	case protocol.RelayInterrupt:
		c.handleInterrupt(e.UtteranceUntilInterrupt)
	case protocol.RelayDTMF:
		c.handleDTMF(e.Digit)
	case protocol.RelayNotice:
		if e.Kind == protocol.RelayTypeError {
			c.log.Warn().Str("description", e.Description).Msg("provider reported an error")
			c.r.metrics.ObserveUpstreamError("provider", "other")
			return
		}
		c.log.Debug().Str("kind", e.Kind).Str("description", e.Description).Msg("provider notice")
	case protocol.RelayUnknown:
		c.log.Debug().Str("type", e.Type).Msg("unknown relay message ignored")
	}
}

func (c *textCall) handleSetup(e protocol.RelaySetup) {
	if c.setupDone {
		c.log.Warn().Msg("duplicate setup ignored")
		return
	}
	c.setupDone = true
	c.callID = e.CallID()
	c.log = c.log.With().Str("call_id", c.callID).Logger()
	c.out.logger = c.log
	_ = c.r.sessions.Bind(c.sessID, c.callID, e.SessionID)

	prompt, source := c.r.resolver.Resolve(c.ctx, c.callID)
	c.prompt = prompt
	c.promptResolved = true
	_ = c.r.sessions.SetState(c.sessID, session.StateActive)
	c.r.metrics.ObserveSessionEvent("relay_setup")
	c.r.telemetry.Publish(c.ctx, observability.TelemetryEvent{
		Kind:      observability.EventSessionStarted,
		SessionID: c.sessID,
		CallID:    c.callID,
		Mode:      string(session.ModeText),
	})
	c.log.Info().Str("prompt_source", source).Str("direction", e.Direction).Msg("conversation relay setup")
}

func (c *textCall) handlePrompt(e protocol.RelayPrompt) {
	if !e.Final() {
		return
	}
	text := strings.TrimSpace(e.VoicePrompt)
	if text == "" {
		return
	}
	redacted := policy.RedactUtterance(text)
	if c.processing {
		c.log.Debug().Str("utterance", redacted).Msg("prompt ignored while a response is in flight")
		c.r.metrics.ObserveSessionEvent("prompt_ignored")
		return
	}
	if !c.promptResolved {
		// Prompt before setup: answer with the default; a later setup still
		// binds the call and replaces it.
		c.prompt, _ = c.r.resolver.Resolve(c.ctx, "")
		c.promptResolved = true
	}
	c.log.Info().Str("utterance", redacted).Msg("caller prompt")
	_ = c.r.sessions.RecordInbound(c.sessID, false)

	c.history.Append(llm.RoleUser, text)
	c.startResponse()
}

func (c *textCall) startResponse() {
	streamCtx, cancel := context.WithCancel(c.ctx)
	id := ulid.Make().String()

	c.processing = true
	c.responseID = id
	c.cancelStream = cancel
	c.chunker = NewChunker()
	c.reply = nil
	c.promptAt = time.Now()
	c.firstToken = false

	req := llm.Request{
		ResponseID: id,
		System:     c.prompt,
		Messages:   c.history.Messages(),
	}
	tokens := c.tokens
	go func() {
		err := c.r.streamer.Stream(streamCtx, req, func(token string) error {
			select {
			case tokens <- tokenMsg{responseID: id, token: token}:
				return nil
			case <-streamCtx.Done():
				return streamCtx.Err()
			}
		})
		select {
		case tokens <- tokenMsg{responseID: id, done: true, err: err}:
		case <-c.ctx.Done():
		}
	}()
}

func (c *textCall) handleToken(msg tokenMsg) {
	if msg.responseID != c.responseID {
		return
	}
	if !msg.done {
		if !c.firstToken {
			c.firstToken = true
			c.r.metrics.ObserveFirstTokenLatency(time.Since(c.promptAt))
		}
		for _, chunk := range c.chunker.Push(msg.token) {
			c.emit(chunk)
		}
		return
	}

	defer c.finishResponse()
	if msg.err != nil && !errors.Is(msg.err, context.Canceled) {
		c.log.Error().Err(msg.err).Msg("text generation failed")
		c.r.metrics.ObserveUpstreamError("text_model", "stream")
		c.speak(c.r.cfg.Apology)
		c.out.send(protocol.NewRelayText(c.r.cfg.Apology, true), true)
		return
	}
	for _, chunk := range c.chunker.Finish() {
		c.emit(chunk)
	}
}

func (c *textCall) emit(chunk Chunk) {
	if chunk.Last {
		c.out.send(protocol.NewRelayText("", true), true)
		return
	}
	text := sanitizeSpeechChunk(chunk.Text)
	if strings.TrimSpace(text) == "" {
		return
	}
	c.speak(text)
	c.out.send(protocol.NewRelayText(text, false), false)
}

// speak records text sent to the provider on the in-flight assistant turn.
func (c *textCall) speak(text string) {
	if c.reply == nil {
		c.reply = c.history.Append(llm.RoleAssistant, "")
	}
	c.reply.Content += text
}

func (c *textCall) finishResponse() {
	if c.cancelStream != nil {
		c.cancelStream()
	}
	c.cancelStream = nil
	c.processing = false
	c.responseID = ""
	c.chunker = nil
	c.reply = nil
}

// handleInterrupt truncates the last assistant turn to what the caller heard
// and unblocks the session for the next prompt.
func (c *textCall) handleInterrupt(heard string) {
	hasTurn, truncated := c.history.TruncateLastAssistant(heard)
	switch {
	case !hasTurn:
		c.log.Debug().Msg("interrupt with no assistant turn")
	case !truncated:
		c.log.Debug().Int("heard_len", len(heard)).Msg("interrupt text not found in assistant turn")
	default:
		c.log.Debug().Int("heard_len", len(heard)).Msg("assistant turn truncated")
	}
	c.r.metrics.ObserveSessionEvent("interrupted")
	if c.processing {
		c.out.send(protocol.NewRelayClear(), true)
	}
	c.finishResponse()
}

func (c *textCall) handleDTMF(digit string) {
	c.log.Info().Str("digit", digit).Msg("dtmf")
	if c.r.cfg.OperatorDigit == "" || digit != c.r.cfg.OperatorDigit {
		return
	}
	handoff, _ := json.Marshal(map[string]string{
		"reason":     "operator_requested",
		"callId":     c.callID,
		"sessionId":  c.sessID,
		"lastPrompt": lastUserContent(c.history),
	})
	c.finishResponse()
	c.out.send(protocol.NewRelayEnd(string(handoff)), true)
	c.r.metrics.ObserveSessionEvent("handoff")
	c.r.telemetry.Publish(c.ctx, observability.TelemetryEvent{
		Kind:      observability.EventCallHandoff,
		SessionID: c.sessID,
		CallID:    c.callID,
		Mode:      string(session.ModeText),
	})
}

func (c *textCall) teardown() {
	if c.cancelStream != nil {
		c.cancelStream()
	}
	_ = c.r.sessions.SetState(c.sessID, session.StateClosed)
	c.r.metrics.ObserveSessionEvent("relay_ended")
	if c.callID != "" {
		c.r.telemetry.Publish(context.WithoutCancel(c.ctx), observability.TelemetryEvent{
			Kind:      observability.EventSessionEnded,
			SessionID: c.sessID,
			CallID:    c.callID,
			Mode:      string(session.ModeText),
		})
	}
}

func lastUserContent(h *History) string {
	turns := h.Turns()
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == llm.RoleUser {
			return policy.RedactUtterance(turns[i].Content)
		}
	}
	return ""
}
