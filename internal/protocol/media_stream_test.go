package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseStreamEventStart(t *testing.T) {
	raw := []byte(`{"event":"start","sequenceNumber":"1","start":{"accountSid":"AC1","streamSid":"MZ1","callSid":"CA1","tracks":["inbound"],"customParameters":{"callId":"job-42"},"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}},"streamSid":"MZ1"}`)
	evt, err := ParseStreamEvent(raw)
	if err != nil {
		t.Fatalf("ParseStreamEvent() error = %v", err)
	}
	start, ok := evt.(StreamStart)
	if !ok {
		t.Fatalf("event type = %T, want StreamStart", evt)
	}
	if start.StreamSID != "MZ1" || start.CallSID != "CA1" {
		t.Fatalf("unexpected start: %+v", start)
	}
	if start.CallID() != "job-42" {
		t.Fatalf("CallID() = %q, want %q", start.CallID(), "job-42")
	}
	if start.MediaFormat.SampleRate != 8000 {
		t.Fatalf("SampleRate = %d, want 8000", start.MediaFormat.SampleRate)
	}
}

func TestStreamStartCallIDFallsBackToCallSID(t *testing.T) {
	start := StreamStart{CallSID: "CA9"}
	if start.CallID() != "CA9" {
		t.Fatalf("CallID() = %q, want %q", start.CallID(), "CA9")
	}
}

func TestParseStreamEventMedia(t *testing.T) {
	raw := []byte(`{"event":"media","sequenceNumber":"3","media":{"track":"inbound","chunk":"1","timestamp":"5","payload":"/38A"},"streamSid":"MZ1"}`)
	evt, err := ParseStreamEvent(raw)
	if err != nil {
		t.Fatalf("ParseStreamEvent() error = %v", err)
	}
	media, ok := evt.(StreamMedia)
	if !ok {
		t.Fatalf("event type = %T, want StreamMedia", evt)
	}
	if !media.Inbound() || media.StreamSID != "MZ1" {
		t.Fatalf("unexpected media: %+v", media)
	}
	audio, err := media.Audio()
	if err != nil {
		t.Fatalf("Audio() error = %v", err)
	}
	if len(audio) != 3 || audio[0] != 0xFF || audio[1] != 0x7F || audio[2] != 0x00 {
		t.Fatalf("Audio() = %v", audio)
	}
}

func TestParseStreamEventOutboundTrack(t *testing.T) {
	evt, err := ParseStreamEvent([]byte(`{"event":"media","media":{"track":"outbound","payload":"AA=="},"streamSid":"MZ1"}`))
	if err != nil {
		t.Fatalf("ParseStreamEvent() error = %v", err)
	}
	if evt.(StreamMedia).Inbound() {
		t.Fatalf("outbound track reported as inbound")
	}
}

func TestParseStreamEventStopAndMark(t *testing.T) {
	evt, err := ParseStreamEvent([]byte(`{"event":"stop","sequenceNumber":"9","stop":{"accountSid":"AC1","callSid":"CA1"},"streamSid":"MZ1"}`))
	if err != nil {
		t.Fatalf("ParseStreamEvent(stop) error = %v", err)
	}
	if stop, ok := evt.(StreamStop); !ok || stop.StreamSID != "MZ1" || stop.CallSID != "CA1" {
		t.Fatalf("unexpected stop: %#v", evt)
	}

	evt, err = ParseStreamEvent([]byte(`{"event":"mark","streamSid":"MZ1","mark":{"name":"greeting"}}`))
	if err != nil {
		t.Fatalf("ParseStreamEvent(mark) error = %v", err)
	}
	if mark, ok := evt.(StreamMark); !ok || mark.Name != "greeting" {
		t.Fatalf("unexpected mark: %#v", evt)
	}
}

func TestParseStreamEventUnknownIsNotAnError(t *testing.T) {
	evt, err := ParseStreamEvent([]byte(`{"event":"dtmf","streamSid":"MZ1","dtmf":{"digit":"1"}}`))
	if err != nil {
		t.Fatalf("ParseStreamEvent() error = %v", err)
	}
	unknown, ok := evt.(StreamUnknown)
	if !ok || unknown.EventName() != "dtmf" {
		t.Fatalf("unexpected event: %#v", evt)
	}
}

func TestParseStreamEventRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":      `{"event":`,
		"missing event": `{"streamSid":"MZ1"}`,
		"empty payload": `{"event":"media","media":{"track":"inbound"},"streamSid":"MZ1"}`,
		"start no sid":  `{"event":"start","start":{"callSid":"CA1"}}`,
	}
	for name, raw := range cases {
		if _, err := ParseStreamEvent([]byte(raw)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	_, err := ParseStreamEvent([]byte(`{"streamSid":"MZ1"}`))
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("error = %v, want ErrInvalidMessage", err)
	}
}

func TestStreamOutboundShapes(t *testing.T) {
	data, err := json.Marshal(NewStreamMediaOut("MZ1", []byte{0xFF}))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(data) != `{"event":"media","streamSid":"MZ1","media":{"payload":"/w=="}}` {
		t.Fatalf("media out = %s", data)
	}
	data, _ = json.Marshal(NewStreamClearOut("MZ1"))
	if string(data) != `{"event":"clear","streamSid":"MZ1"}` {
		t.Fatalf("clear out = %s", data)
	}
}

func BenchmarkParseStreamEventMedia(b *testing.B) {
	raw := []byte(`{"event":"media","sequenceNumber":"3","media":{"track":"inbound","chunk":"1","timestamp":"5","payload":"/////////////////////w=="},"streamSid":"MZ1"}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		evt, err := ParseStreamEvent(raw)
		if err != nil {
			b.Fatalf("ParseStreamEvent() error = %v", err)
		}
		if _, ok := evt.(StreamMedia); !ok {
			b.Fatalf("event type = %T, want StreamMedia", evt)
		}
	}
}
