package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/callrelay/internal/llm"
	"github.com/ent0n29/callrelay/internal/observability"
	"github.com/ent0n29/callrelay/internal/promptcache"
	"github.com/ent0n29/callrelay/internal/protocol"
	"github.com/ent0n29/callrelay/internal/session"
)

type textHarness struct {
	relay    *TextRelay
	sessions *session.Manager
	sess     *session.Session
	inbound  chan protocol.RelayEvent
	outbound chan any
	done     chan error
}

func newTestTextRelay(t *testing.T, cfg TextConfig, streamer llm.Streamer) (*TextRelay, *session.Manager) {
	t.Helper()
	cache := promptcache.New(time.Hour)
	cache.Put("CA1", "be brief")
	sessions := session.NewManager(time.Minute)
	relay := NewTextRelay(
		cfg,
		streamer,
		newTestResolver(t, cache, nil),
		sessions,
		observability.NewMetrics("relay_test"),
		nil,
		zerolog.Nop(),
	)
	return relay, sessions
}

func startText(t *testing.T, cfg TextConfig, streamer llm.Streamer) *textHarness {
	t.Helper()
	relay, sessions := newTestTextRelay(t, cfg, streamer)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &textHarness{
		relay:    relay,
		sessions: sessions,
		sess:     sessions.Create(session.ModeText, cancel),
		inbound:  make(chan protocol.RelayEvent),
		outbound: make(chan any, 32),
		done:     make(chan error, 1),
	}
	go func() { h.done <- relay.Run(ctx, h.sess, h.inbound, h.outbound) }()
	return h
}

func (h *textHarness) close(t *testing.T) {
	t.Helper()
	close(h.inbound)
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not return")
	}
}

func setupEvent() protocol.RelaySetup {
	return protocol.RelaySetup{
		SessionID:        "VX1",
		CallSID:          "CAsid",
		CustomParameters: map[string]string{"callId": "CA1"},
	}
}

func promptEvent(text string) protocol.RelayPrompt {
	last := true
	return protocol.RelayPrompt{VoicePrompt: text, Last: &last}
}

func TestTextRelayStreamsChunksEndingWithOneFinal(t *testing.T) {
	streamer := &scriptedStreamer{
		tokens: []string{"The", "re", "is ", " a plan, ", "let's go."},
		reqs:   make(chan llm.Request, 4),
	}
	h := startText(t, TextConfig{}, streamer)

	h.inbound <- setupEvent()
	h.inbound <- promptEvent("what now?")

	require.Equal(t, protocol.NewRelayText("Thereis a plan, ", false), recv(t, h.outbound))
	require.Equal(t, protocol.NewRelayText("let's go.", false), recv(t, h.outbound))
	require.Equal(t, protocol.NewRelayText("", true), recv(t, h.outbound))

	req := <-streamer.reqs
	require.Equal(t, "be brief", req.System)
	require.NotEmpty(t, req.ResponseID)
	require.Equal(t, []llm.Message{{Role: llm.RoleUser, Content: "what now?"}}, req.Messages)

	h.inbound <- promptEvent("and then?")
	req = <-streamer.reqs
	require.Equal(t, []llm.Message{
		{Role: llm.RoleUser, Content: "what now?"},
		{Role: llm.RoleAssistant, Content: "Thereis a plan, let's go."},
		{Role: llm.RoleUser, Content: "and then?"},
	}, req.Messages)
	for range 3 {
		recv(t, h.outbound)
	}

	s, err := h.sessions.Get(h.sess.ID)
	require.NoError(t, err)
	require.Equal(t, "CA1", s.CallID)
	require.Equal(t, "VX1", s.StreamID)
	h.close(t)
}

func TestTextRelayWithMockStreamer(t *testing.T) {
	h := startText(t, TextConfig{}, llm.NewMock())
	h.inbound <- setupEvent()
	h.inbound <- promptEvent("hello there")

	var spoken strings.Builder
	for {
		msg := recv(t, h.outbound).(protocol.RelayText)
		if msg.Last {
			require.Empty(t, msg.Token)
			break
		}
		spoken.WriteString(msg.Token)
	}
	require.Equal(t, "I heard you say: hello there", spoken.String())
	h.close(t)
}

func TestTextRelayIgnoresPromptsWhileProcessing(t *testing.T) {
	streamer := &scriptedStreamer{gate: make(chan struct{})}
	h := startText(t, TextConfig{}, streamer)

	h.inbound <- setupEvent()
	h.inbound <- promptEvent("first")
	h.inbound <- promptEvent("second")
	h.inbound <- protocol.RelayDTMF{Digit: "5"}
	require.Eventually(t, func() bool { return streamer.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	h.inbound <- protocol.RelayInterrupt{UtteranceUntilInterrupt: ""}
	h.inbound <- promptEvent("third")
	require.Eventually(t, func() bool { return streamer.calls.Load() == 2 }, time.Second, 5*time.Millisecond)

	close(streamer.gate)
	require.Equal(t, protocol.NewRelayClear(), recv(t, h.outbound))
	require.Equal(t, protocol.NewRelayText("", true), recv(t, h.outbound))
	h.close(t)
}

func TestTextRelayPartialPromptsAreIgnored(t *testing.T) {
	streamer := &scriptedStreamer{}
	h := startText(t, TextConfig{}, streamer)

	last := false
	h.inbound <- setupEvent()
	h.inbound <- protocol.RelayPrompt{VoicePrompt: "hel", Last: &last}
	h.inbound <- promptEvent("   ")
	h.close(t)
	require.Zero(t, streamer.calls.Load())
}

func TestTextRelayApologizesWhenGenerationFails(t *testing.T) {
	streamer := &scriptedStreamer{tokens: []string{"Sure"}, err: errors.New("upstream 503")}
	h := startText(t, TextConfig{Apology: "Sorry, one moment."}, streamer)

	h.inbound <- setupEvent()
	h.inbound <- promptEvent("help")
	require.Equal(t, protocol.NewRelayText("Sorry, one moment.", true), recv(t, h.outbound))

	h.inbound <- promptEvent("again")
	require.Eventually(t, func() bool { return streamer.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, protocol.NewRelayText("Sorry, one moment.", true), recv(t, h.outbound))
	h.close(t)
}

func TestTextRelayOperatorDigitEndsWithHandoff(t *testing.T) {
	h := startText(t, TextConfig{OperatorDigit: "0"}, &scriptedStreamer{})

	h.inbound <- setupEvent()
	h.inbound <- protocol.RelayDTMF{Digit: "1"}
	h.inbound <- protocol.RelayDTMF{Digit: "0"}

	end, ok := recv(t, h.outbound).(protocol.RelayEnd)
	require.True(t, ok)
	require.Equal(t, protocol.RelayTypeEnd, end.Type)

	var handoff map[string]string
	require.NoError(t, json.Unmarshal([]byte(end.HandoffData), &handoff))
	require.Equal(t, "CA1", handoff["callId"])
	require.Equal(t, "operator_requested", handoff["reason"])
	require.Equal(t, h.sess.ID, handoff["sessionId"])
	h.close(t)
}

func TestHandleInterruptTruncatesAndUnblocks(t *testing.T) {
	relay, sessions := newTestTextRelay(t, TextConfig{}, &scriptedStreamer{})
	sess := sessions.Create(session.ModeText, nil)

	cancelled := false
	out := make(chan any, 4)
	c := &textCall{
		r:            relay,
		sessID:       sess.ID,
		log:          zerolog.Nop(),
		out:          sender{out: out, logger: zerolog.Nop()},
		ctx:          context.Background(),
		history:      NewHistory(),
		processing:   true,
		responseID:   "01HZX",
		cancelStream: func() { cancelled = true },
		chunker:      NewChunker(),
	}
	c.history.Append(llm.RoleUser, "How are you?")
	c.reply = c.history.Append(llm.RoleAssistant, "Hello there, how are you doing today?")

	c.handleInterrupt("Hello there, how are")

	turn := c.history.LastAssistant()
	require.Equal(t, "Hello there, how are", turn.Content)
	require.True(t, turn.Interrupted)
	require.False(t, c.processing)
	require.Empty(t, c.responseID)
	require.True(t, cancelled)
	require.Equal(t, protocol.NewRelayClear(), recv(t, out))

	c.handleToken(tokenMsg{responseID: "01HZX", token: "late words"})
	require.Equal(t, "Hello there, how are", turn.Content)

	// Nothing in flight: no clear.
	c.handleInterrupt("anything")
	require.Empty(t, out)
}

func TestTextRelayPromptBeforeSetupStillBindsCall(t *testing.T) {
	streamer := &scriptedStreamer{tokens: []string{"ok."}, reqs: make(chan llm.Request, 4)}
	h := startText(t, TextConfig{}, streamer)

	h.inbound <- promptEvent("hello?")
	require.Equal(t, "default prompt", (<-streamer.reqs).System)
	require.Equal(t, protocol.NewRelayText("ok.", false), recv(t, h.outbound))
	require.Equal(t, protocol.NewRelayText("", true), recv(t, h.outbound))

	h.inbound <- setupEvent()
	h.inbound <- promptEvent("are you there?")
	require.Equal(t, "be brief", (<-streamer.reqs).System)

	s, err := h.sessions.Get(h.sess.ID)
	require.NoError(t, err)
	require.Equal(t, "CA1", s.CallID)
	h.close(t)
}
