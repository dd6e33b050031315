package realtime

// Upstream event types surfaced to the relay.
const (
	EventAudio         = "audio"
	EventSpeechStarted = "speech_started"
	EventResponseDone  = "response_done"
	EventError         = "error"
)

// Wire message types.
const (
	typeSessionUpdate    = "session.update"
	typeSessionCreated   = "session.created"
	typeSessionUpdated   = "session.updated"
	typeAudioAppend      = "input_audio_buffer.append"
	typeAudioCommit      = "input_audio_buffer.commit"
	typeSpeechStarted    = "input_audio_buffer.speech_started"
	typeAudioDelta       = "response.audio.delta"
	typeOutputAudioDelta = "response.output_audio.delta"
	typeResponseDone     = "response.done"
	typeError            = "error"
	audioFormatPCM16     = "pcm16"
	turnDetectionVADType = "server_vad"
)

// Event is one decoded upstream message. Audio is PCM16LE at 24 kHz.
type Event struct {
	Type      string
	Audio     []byte
	Code      string
	Detail    string
	Retryable bool
}

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Instructions      string        `json:"instructions"`
	Voice             string        `json:"voice,omitempty"`
	Modalities        []string      `json:"modalities"`
	InputAudioFormat  string        `json:"input_audio_format"`
	OutputAudioFormat string        `json:"output_audio_format"`
	TurnDetection     turnDetection `json:"turn_detection"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type bareMessage struct {
	Type string `json:"type"`
}

type inboundMessage struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (m inboundMessage) errorCode() string {
	if m.Error == nil {
		return typeError
	}
	if m.Error.Code != "" {
		return m.Error.Code
	}
	if m.Error.Type != "" {
		return m.Error.Type
	}
	return typeError
}

func (m inboundMessage) errorDetail() string {
	if m.Error == nil {
		return ""
	}
	return m.Error.Message
}
