package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/callrelay/internal/reliability"
)

// ErrHandshake means the upstream rejected or never acknowledged the session
// configuration.
var ErrHandshake = errors.New("realtime handshake failed")

// Dialer opens the upstream websocket. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type Config struct {
	URL    string
	APIKey string
	Model  string
	Voice  string
	Dialer Dialer
}

// SessionConfig is the per-call configuration sent in session.update.
type SessionConfig struct {
	Instructions string
	Voice        string
}

type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = "wss://api.openai.com/v1/realtime"
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	return &Client{cfg: cfg}
}

// Connect dials the engine, sends the session configuration and waits for
// session.updated. The returned Conn is ready for audio.
func (c *Client) Connect(ctx context.Context, sc SessionConfig) (*Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	if c.cfg.Model != "" {
		q := u.Query()
		q.Set("model", c.cfg.Model)
		u.RawQuery = q.Encode()
	}

	headers := http.Header{}
	if c.cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	headers.Set("OpenAI-Beta", "realtime=v1")

	ws, _, err := c.cfg.Dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("dial realtime websocket: %w", err)
	}

	voice := sc.Voice
	if voice == "" {
		voice = c.cfg.Voice
	}
	update := sessionUpdate{
		Type: typeSessionUpdate,
		Session: sessionParams{
			Instructions:      sc.Instructions,
			Voice:             voice,
			Modalities:        []string{"text", "audio"},
			InputAudioFormat:  audioFormatPCM16,
			OutputAudioFormat: audioFormatPCM16,
			TurnDetection:     turnDetection{Type: turnDetectionVADType},
		},
	}
	if err := ws.WriteJSON(update); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("send session.update: %w", err)
	}

	if err := awaitSessionUpdated(ctx, ws); err != nil {
		_ = ws.Close()
		return nil, err
	}

	conn := &Conn{
		ws:     ws,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}
	go conn.readLoop()
	return conn, nil
}

func awaitSessionUpdated(ctx context.Context, ws *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() {
		_ = ws.SetReadDeadline(time.Now())
	})
	defer func() {
		stop()
		_ = ws.SetReadDeadline(time.Time{})
	}()
	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("%w: %w", ErrHandshake, ctxErr)
			}
			return fmt.Errorf("%w: %w", ErrHandshake, err)
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case typeSessionUpdated:
			return nil
		case typeError:
			return fmt.Errorf("%w: %s: %s", ErrHandshake, msg.errorCode(), msg.errorDetail())
		default:
			// session.created and friends precede the ack.
		}
	}
}

// Conn is a configured upstream session. Writes are serialized; Events is
// closed when the read side ends.
type Conn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan Event
	done      chan struct{}
}

// SendAudio appends PCM16LE 24 kHz audio to the engine's input buffer.
func (c *Conn) SendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return c.writeJSON(audioAppend{Type: typeAudioAppend, Audio: base64.StdEncoding.EncodeToString(pcm)})
}

// Commit marks the end of the caller's input.
func (c *Conn) Commit() error {
	return c.writeJSON(bareMessage{Type: typeAudioCommit})
}

func (c *Conn) Events() <-chan Event { return c.events }

func (c *Conn) Close() error {
	var retErr error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		retErr = c.ws.Close()
	})
	return retErr
}

func (c *Conn) writeJSON(v any) error {
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *Conn) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		var evt Event
		switch msg.Type {
		case typeAudioDelta, typeOutputAudioDelta:
			audio, err := base64.StdEncoding.DecodeString(msg.Delta)
			if err != nil || len(audio) == 0 {
				continue
			}
			evt = Event{Type: EventAudio, Audio: audio}
		case typeSpeechStarted:
			evt = Event{Type: EventSpeechStarted}
		case typeResponseDone:
			evt = Event{Type: EventResponseDone}
		case typeError:
			code := msg.errorCode()
			evt = Event{
				Type:      EventError,
				Code:      code,
				Detail:    msg.errorDetail(),
				Retryable: reliability.IsRetryableRealtimeMessageType(code),
			}
		default:
			continue
		}
		select {
		case c.events <- evt:
		case <-c.done:
			return
		}
	}
}
