package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	t        *testing.T
	received chan map[string]any
	script   func(e *fakeEngine, conn *websocket.Conn)
	header   chan http.Header
}

func newFakeEngine(t *testing.T, script func(e *fakeEngine, conn *websocket.Conn)) (*fakeEngine, string) {
	t.Helper()
	e := &fakeEngine{
		t:        t,
		received: make(chan map[string]any, 64),
		script:   script,
		header:   make(chan http.Header, 1),
	}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.header <- r.Header.Clone()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		e.script(e, conn)
	}))
	t.Cleanup(srv.Close)
	return e, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (e *fakeEngine) read(conn *websocket.Conn) map[string]any {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil
	}
	var msg map[string]any
	_ = json.Unmarshal(data, &msg)
	e.received <- msg
	return msg
}

func TestConnectHandshakeAndEvents(t *testing.T) {
	pcm := []byte{1, 0, 2, 0}
	engine, url := newFakeEngine(t, func(engine *fakeEngine, conn *websocket.Conn) {
		update := engine.read(conn)
		if update == nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{"type": "session.created"})
		_ = conn.WriteJSON(map[string]any{"type": "session.updated"})
		engine.read(conn) // append
		engine.read(conn) // commit
		_ = conn.WriteJSON(map[string]any{"type": "input_audio_buffer.speech_started"})
		_ = conn.WriteJSON(map[string]any{"type": "response.audio.delta", "delta": base64.StdEncoding.EncodeToString(pcm)})
		_ = conn.WriteJSON(map[string]any{"type": "response.output_audio.delta", "delta": base64.StdEncoding.EncodeToString(pcm)})
		_ = conn.WriteJSON(map[string]any{"type": "error", "error": map[string]any{"code": "rate_limit_exceeded", "message": "slow down"}})
		time.Sleep(100 * time.Millisecond)
	})

	client := NewClient(Config{URL: url, APIKey: "sk-test", Model: "rt-model", Voice: "alloy"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := client.Connect(ctx, SessionConfig{Instructions: "Be brief."})
	require.NoError(t, err)
	defer conn.Close()

	hdr := <-engine.header
	require.Equal(t, "Bearer sk-test", hdr.Get("Authorization"))

	update := <-engine.received
	require.Equal(t, "session.update", update["type"])
	session := update["session"].(map[string]any)
	require.Equal(t, "Be brief.", session["instructions"])
	require.Equal(t, "alloy", session["voice"])
	require.Equal(t, "pcm16", session["input_audio_format"])
	require.Equal(t, "server_vad", session["turn_detection"].(map[string]any)["type"])

	require.NoError(t, conn.SendAudio(pcm))
	require.NoError(t, conn.Commit())

	appendMsg := <-engine.received
	require.Equal(t, "input_audio_buffer.append", appendMsg["type"])
	require.Equal(t, base64.StdEncoding.EncodeToString(pcm), appendMsg["audio"])
	commitMsg := <-engine.received
	require.Equal(t, "input_audio_buffer.commit", commitMsg["type"])

	want := []string{EventSpeechStarted, EventAudio, EventAudio, EventError}
	for i, typ := range want {
		select {
		case evt := <-conn.Events():
			require.Equal(t, typ, evt.Type, "event %d", i)
			switch evt.Type {
			case EventAudio:
				require.Equal(t, pcm, evt.Audio)
			case EventError:
				require.Equal(t, "rate_limit_exceeded", evt.Code)
				require.True(t, evt.Retryable)
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestConnectHandshakeRejected(t *testing.T) {
	_, url := newFakeEngine(t, func(engine *fakeEngine, conn *websocket.Conn) {
		engine.read(conn)
		_ = conn.WriteJSON(map[string]any{"type": "error", "error": map[string]any{"type": "invalid_request_error", "message": "bad voice"}})
	})

	_, err := NewClient(Config{URL: url}).Connect(context.Background(), SessionConfig{})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrHandshake))
	require.Contains(t, err.Error(), "bad voice")
}

func TestConnectHonorsContextWhileAwaitingAck(t *testing.T) {
	release := make(chan struct{})
	_, url := newFakeEngine(t, func(engine *fakeEngine, conn *websocket.Conn) {
		engine.read(conn)
		<-release
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := NewClient(Config{URL: url}).Connect(ctx, SessionConfig{})
	require.ErrorIs(t, err, ErrHandshake)
	require.Less(t, time.Since(start), time.Second)
}

func TestCloseEndsEventsAndRejectsWrites(t *testing.T) {
	_, url := newFakeEngine(t, func(engine *fakeEngine, conn *websocket.Conn) {
		engine.read(conn)
		_ = conn.WriteJSON(map[string]any{"type": "session.updated"})
		for engine.read(conn) != nil {
		}
	})

	conn, err := NewClient(Config{URL: url}).Connect(context.Background(), SessionConfig{})
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	select {
	case _, ok := <-conn.Events():
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("events channel not closed")
	}
	require.Error(t, conn.SendAudio([]byte{1, 2}))
}
