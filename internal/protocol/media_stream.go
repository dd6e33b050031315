package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Media stream events (audio mode). The provider sends JSON text frames keyed
// by an "event" field; audio is base64 µ-law at 8 kHz.
const (
	StreamEventConnected = "connected"
	StreamEventStart     = "start"
	StreamEventMedia     = "media"
	StreamEventMark      = "mark"
	StreamEventStop      = "stop"
	StreamEventClear     = "clear"

	TrackInbound  = "inbound"
	TrackOutbound = "outbound"
)

// StreamEvent is the closed set of inbound media stream messages.
type StreamEvent interface {
	EventName() string
}

type StreamConnected struct {
	Protocol string `json:"protocol"`
	Version  string `json:"version"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type StreamStart struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	AccountSID       string            `json:"accountSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
}

// CallID prefers the callId custom parameter set by the call-creation path and
// falls back to the provider call SID.
func (s StreamStart) CallID() string {
	return callIDFrom(s.CustomParameters, s.CallSID)
}

type StreamMedia struct {
	StreamSID string `json:"streamSid"`
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

// Inbound reports whether the frame belongs to the caller's track. Single-track
// streams omit the track name.
func (m StreamMedia) Inbound() bool {
	return m.Track == "" || m.Track == TrackInbound
}

// Audio decodes the µ-law payload.
func (m StreamMedia) Audio() ([]byte, error) {
	return base64.StdEncoding.DecodeString(m.Payload)
}

type StreamMark struct {
	StreamSID string `json:"streamSid"`
	Name      string `json:"name"`
}

type StreamStop struct {
	StreamSID string `json:"streamSid"`
	CallSID   string `json:"callSid"`
}

// StreamUnknown carries events this relay does not understand yet.
type StreamUnknown struct {
	Event string
	Raw   json.RawMessage
}

func (StreamConnected) EventName() string { return StreamEventConnected }
func (StreamStart) EventName() string     { return StreamEventStart }
func (StreamMedia) EventName() string     { return StreamEventMedia }
func (StreamMark) EventName() string      { return StreamEventMark }
func (StreamStop) EventName() string      { return StreamEventStop }
func (u StreamUnknown) EventName() string { return u.Event }

type streamEnvelope struct {
	Event     string          `json:"event"`
	StreamSID string          `json:"streamSid"`
	Protocol  string          `json:"protocol"`
	Version   string          `json:"version"`
	Start     json.RawMessage `json:"start"`
	Media     json.RawMessage `json:"media"`
	Mark      json.RawMessage `json:"mark"`
	Stop      json.RawMessage `json:"stop"`
}

// ParseStreamEvent decodes one inbound media stream frame.
func ParseStreamEvent(raw []byte) (StreamEvent, error) {
	var env streamEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Event {
	case StreamEventConnected:
		return StreamConnected{Protocol: env.Protocol, Version: env.Version}, nil
	case StreamEventStart:
		var msg StreamStart
		if err := unmarshalBody(env.Start, &msg); err != nil {
			return nil, fmt.Errorf("invalid start: %w", err)
		}
		if msg.StreamSID == "" {
			msg.StreamSID = env.StreamSID
		}
		if msg.StreamSID == "" {
			return nil, fmt.Errorf("%w: start without streamSid", ErrInvalidMessage)
		}
		return msg, nil
	case StreamEventMedia:
		var msg StreamMedia
		if err := unmarshalBody(env.Media, &msg); err != nil {
			return nil, fmt.Errorf("invalid media: %w", err)
		}
		msg.StreamSID = env.StreamSID
		if msg.Payload == "" {
			return nil, fmt.Errorf("%w: media without payload", ErrInvalidMessage)
		}
		return msg, nil
	case StreamEventMark:
		var msg StreamMark
		if err := unmarshalBody(env.Mark, &msg); err != nil {
			return nil, fmt.Errorf("invalid mark: %w", err)
		}
		msg.StreamSID = env.StreamSID
		return msg, nil
	case StreamEventStop:
		var msg StreamStop
		if err := unmarshalBody(env.Stop, &msg); err != nil {
			return nil, fmt.Errorf("invalid stop: %w", err)
		}
		msg.StreamSID = env.StreamSID
		return msg, nil
	case "":
		return nil, fmt.Errorf("%w: missing event", ErrInvalidMessage)
	default:
		return StreamUnknown{Event: env.Event, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
}

// StreamMediaOut plays µ-law audio back to the caller.
type StreamMediaOut struct {
	Event     string             `json:"event"`
	StreamSID string             `json:"streamSid"`
	Media     StreamMediaPayload `json:"media"`
}

type StreamMediaPayload struct {
	Payload string `json:"payload"`
}

func NewStreamMediaOut(streamSID string, mulaw []byte) StreamMediaOut {
	return StreamMediaOut{
		Event:     StreamEventMedia,
		StreamSID: streamSID,
		Media:     StreamMediaPayload{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	}
}

// StreamClearOut discards audio the provider has queued but not yet played.
type StreamClearOut struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

func NewStreamClearOut(streamSID string) StreamClearOut {
	return StreamClearOut{Event: StreamEventClear, StreamSID: streamSID}
}

func (StreamMediaOut) EventName() string { return StreamEventMedia }
func (StreamClearOut) EventName() string { return StreamEventClear }

func unmarshalBody(body json.RawMessage, out any) error {
	if len(body) == 0 || string(body) == "null" {
		return nil
	}
	return json.Unmarshal(body, out)
}

func callIDFrom(params map[string]string, fallback string) string {
	for _, key := range []string{"callId", "call_id", "callID"} {
		if v := strings.TrimSpace(params[key]); v != "" {
			return v
		}
	}
	return strings.TrimSpace(fallback)
}
