package protocol

import (
	"encoding/json"
	"fmt"
)

// Conversation relay messages (text mode). The provider runs STT/TTS and
// exchanges JSON text frames keyed by a "type" field.
const (
	RelayTypeSetup     = "setup"
	RelayTypePrompt    = "prompt"
	RelayTypeInterrupt = "interrupt"
	RelayTypeDTMF      = "dtmf"
	RelayTypeInfo      = "info"
	RelayTypeDebug     = "debug"
	RelayTypeError     = "error"

	RelayTypeText  = "text"
	RelayTypeClear = "clear"
	RelayTypeEnd   = "end"
)

// RelayEvent is the closed set of inbound conversation relay messages.
type RelayEvent interface {
	EventName() string
}

type RelaySetup struct {
	SessionID        string            `json:"sessionId"`
	CallSID          string            `json:"callSid"`
	AccountSID       string            `json:"accountSid"`
	From             string            `json:"from"`
	To               string            `json:"to"`
	Direction        string            `json:"direction"`
	CallerName       string            `json:"callerName"`
	CallType         string            `json:"callType"`
	CallStatus       string            `json:"callStatus"`
	CustomParameters map[string]string `json:"customParameters"`
}

func (s RelaySetup) CallID() string {
	return callIDFrom(s.CustomParameters, s.CallSID)
}

type RelayPrompt struct {
	VoicePrompt string  `json:"voicePrompt"`
	Lang        string  `json:"lang,omitempty"`
	Last        *bool   `json:"last,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
}

// Final reports whether this is the complete utterance. Providers that do not
// stream partial prompts omit the flag.
func (p RelayPrompt) Final() bool {
	return p.Last == nil || *p.Last
}

type RelayInterrupt struct {
	UtteranceUntilInterrupt  string      `json:"utteranceUntilInterrupt"`
	DurationUntilInterruptMs json.Number `json:"durationUntilInterruptMs,omitempty"`
}

type RelayDTMF struct {
	Digit string `json:"digit"`
}

// RelayNotice covers the passthrough info, debug and error messages.
type RelayNotice struct {
	Kind        string
	Description string
	Raw         json.RawMessage
}

type RelayUnknown struct {
	Type string
	Raw  json.RawMessage
}

func (RelaySetup) EventName() string     { return RelayTypeSetup }
func (RelayPrompt) EventName() string    { return RelayTypePrompt }
func (RelayInterrupt) EventName() string { return RelayTypeInterrupt }
func (RelayDTMF) EventName() string      { return RelayTypeDTMF }
func (n RelayNotice) EventName() string  { return n.Kind }
func (u RelayUnknown) EventName() string { return u.Type }

type relayEnvelope struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// ParseRelayEvent decodes one inbound conversation relay frame.
func ParseRelayEvent(raw []byte) (RelayEvent, error) {
	var env relayEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case RelayTypeSetup:
		var msg RelaySetup
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("invalid setup: %w", err)
		}
		return msg, nil
	case RelayTypePrompt:
		var msg RelayPrompt
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("invalid prompt: %w", err)
		}
		return msg, nil
	case RelayTypeInterrupt:
		var msg RelayInterrupt
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("invalid interrupt: %w", err)
		}
		return msg, nil
	case RelayTypeDTMF:
		var msg RelayDTMF
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("invalid dtmf: %w", err)
		}
		if msg.Digit == "" {
			return nil, fmt.Errorf("%w: dtmf without digit", ErrInvalidMessage)
		}
		return msg, nil
	case RelayTypeInfo, RelayTypeDebug, RelayTypeError:
		return RelayNotice{
			Kind:        env.Type,
			Description: env.Description,
			Raw:         append(json.RawMessage(nil), raw...),
		}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	default:
		return RelayUnknown{Type: env.Type, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
}

// RelayText is a speakable chunk. Last marks the end of the response.
type RelayText struct {
	Type  string `json:"type"`
	Token string `json:"token"`
	Last  bool   `json:"last"`
}

type RelayClear struct {
	Type string `json:"type"`
}

// RelayEnd asks the provider to end the session.
type RelayEnd struct {
	Type        string `json:"type"`
	HandoffData string `json:"handoffData,omitempty"`
}

func NewRelayText(token string, last bool) RelayText {
	return RelayText{Type: RelayTypeText, Token: token, Last: last}
}

func NewRelayClear() RelayClear { return RelayClear{Type: RelayTypeClear} }

func NewRelayEnd(handoffData string) RelayEnd {
	return RelayEnd{Type: RelayTypeEnd, HandoffData: handoffData}
}

func (RelayText) EventName() string  { return RelayTypeText }
func (RelayClear) EventName() string { return RelayTypeClear }
func (RelayEnd) EventName() string   { return RelayTypeEnd }
