package main

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/callrelay/internal/audio"
	"github.com/ent0n29/callrelay/internal/protocol"
)

const (
	telephonyRate  = 8000
	frameMS        = 20
	frameBytes     = telephonyRate * frameMS / 1000
	perfStreamSID  = "MZperf"
	perfCallSIDFmt = "CAperf%d"
)

type options struct {
	baseURL     string
	mode        string
	callID      string
	token       string
	wavPath     string
	turns       int
	realtime    float64
	drainWait   time.Duration
	turnTimeout time.Duration
	texts       []string
	verbose     bool
}

var defaultUtterances = []string{
	"Reply in three words: what time is it?",
	"Reply in three words: how is the weather?",
	"Reply in three words: can you help me?",
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfcall: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	var samples []time.Duration
	switch cfg.mode {
	case "audio":
		samples, err = runAudio(ctx, cfg)
	default:
		samples, err = runText(ctx, cfg)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfcall: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(summarize(cfg.mode, samples))
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var textsRaw string
	fs := flag.NewFlagSet("perfcall", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "relay base URL")
	fs.StringVar(&cfg.mode, "mode", "text", "audio (media stream) or text (conversation relay)")
	fs.StringVar(&cfg.callID, "call-id", "", "callId custom parameter; empty uses the default prompt")
	fs.StringVar(&cfg.token, "token", "", "shared secret appended as the token query parameter")
	fs.StringVar(&cfg.wavPath, "wav", "", "mono or stereo PCM16 WAV at 8 kHz or 24 kHz; empty plays a tone")
	fs.IntVar(&cfg.turns, "turns", 3, "number of calls (audio) or prompts (text) to replay")
	fs.Float64Var(&cfg.realtime, "realtime", 1.0, "frame pacing multiplier (1.0=realtime)")
	fs.DurationVar(&cfg.drainWait, "drain-wait", 3*time.Second, "how long to keep listening after stop (audio)")
	fs.DurationVar(&cfg.turnTimeout, "turn-timeout", 15*time.Second, "timeout per turn")
	fs.StringVar(&textsRaw, "texts", "", "prompts separated by '|' (text)")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	cfg.mode = strings.ToLower(strings.TrimSpace(cfg.mode))
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.mode != "audio" && cfg.mode != "text" {
		return options{}, fmt.Errorf("mode must be audio or text")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if cfg.turnTimeout < time.Second {
		cfg.turnTimeout = time.Second
	}

	if strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultUtterances...)
	} else {
		for _, part := range strings.Split(textsRaw, "|") {
			if t := strings.TrimSpace(part); t != "" {
				cfg.texts = append(cfg.texts, t)
			}
		}
		if len(cfg.texts) == 0 {
			return options{}, fmt.Errorf("texts produced no non-empty prompts")
		}
	}
	return cfg, nil
}

func wsURL(baseURL, path, token string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func dial(ctx context.Context, cfg options, path string) (*websocket.Conn, error) {
	target, err := wsURL(cfg.baseURL, path, cfg.token)
	if err != nil {
		return nil, fmt.Errorf("build ws URL: %w", err)
	}
	conn, res, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		if res != nil && res.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("open websocket: unauthorized (set -token)")
		}
		return nil, fmt.Errorf("open websocket: %w", err)
	}
	return conn, nil
}

// runText replays prompts on one conversation relay and measures the time
// from each prompt to its first spoken token.
func runText(ctx context.Context, cfg options) ([]time.Duration, error) {
	conn, err := dial(ctx, cfg, "/ws/conversation")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	setup := map[string]any{
		"type":      protocol.RelayTypeSetup,
		"sessionId": "VXperf",
		"callSid":   fmt.Sprintf(perfCallSIDFmt, 0),
	}
	if cfg.callID != "" {
		setup["customParameters"] = map[string]string{"callId": cfg.callID}
	}
	if err := conn.WriteJSON(setup); err != nil {
		return nil, fmt.Errorf("send setup: %w", err)
	}

	texts := make(chan protocol.RelayText, 64)
	readErr := make(chan error, 1)
	go readRelay(conn, texts, readErr)

	samples := make([]time.Duration, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		prompt := cfg.texts[i%len(cfg.texts)]
		sent := time.Now()
		if err := conn.WriteJSON(map[string]any{"type": protocol.RelayTypePrompt, "voicePrompt": prompt, "last": true}); err != nil {
			return samples, fmt.Errorf("turn %d send prompt: %w", i+1, err)
		}
		first, reply, err := awaitReply(texts, readErr, cfg.turnTimeout)
		if err != nil {
			return samples, fmt.Errorf("turn %d await reply: %w", i+1, err)
		}
		samples = append(samples, first.Sub(sent))
		if cfg.verbose {
			fmt.Printf("perfcall: turn %d/%d first_token=%s reply=%q\n", i+1, cfg.turns, first.Sub(sent).Round(time.Millisecond), reply)
		}
	}
	return samples, nil
}

func readRelay(conn *websocket.Conn, out chan<- protocol.RelayText, readErr chan<- error) {
	for {
		var msg protocol.RelayText
		if err := conn.ReadJSON(&msg); err != nil {
			readErr <- err
			return
		}
		if msg.Type == protocol.RelayTypeText {
			out <- msg
		}
	}
}

// awaitReply collects tokens until last=true and returns when the first one
// arrived.
func awaitReply(texts <-chan protocol.RelayText, readErr <-chan error, timeout time.Duration) (time.Time, string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var (
		first time.Time
		reply strings.Builder
	)
	for {
		select {
		case msg := <-texts:
			if first.IsZero() {
				first = time.Now()
			}
			reply.WriteString(msg.Token)
			if msg.Last {
				return first, strings.TrimSpace(reply.String()), nil
			}
		case err := <-readErr:
			return first, reply.String(), err
		case <-timer.C:
			return first, reply.String(), fmt.Errorf("timeout after %s", timeout)
		}
	}
}

// runAudio places one synthetic media stream call per turn and measures the
// time from start to the first audio frame played back.
func runAudio(ctx context.Context, cfg options) ([]time.Duration, error) {
	frames, err := loadFrames(cfg.wavPath)
	if err != nil {
		return nil, err
	}
	samples := make([]time.Duration, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		latency, played, err := runAudioCall(ctx, cfg, i, frames)
		if err != nil {
			return samples, fmt.Errorf("call %d: %w", i+1, err)
		}
		if latency > 0 {
			samples = append(samples, latency)
		}
		if cfg.verbose {
			fmt.Printf("perfcall: call %d/%d sent_frames=%d played_frames=%d first_audio=%s\n", i+1, cfg.turns, len(frames), played, latency.Round(time.Millisecond))
		}
	}
	return samples, nil
}

func runAudioCall(ctx context.Context, cfg options, n int, frames [][]byte) (time.Duration, int, error) {
	conn, err := dial(ctx, cfg, "/ws/media")
	if err != nil {
		return 0, 0, err
	}
	defer conn.Close()

	start := map[string]any{
		"streamSid": perfStreamSID,
		"callSid":   fmt.Sprintf(perfCallSIDFmt, n),
		"tracks":    []string{protocol.TrackInbound},
		"mediaFormat": map[string]any{
			"encoding":   "audio/x-mulaw",
			"sampleRate": telephonyRate,
			"channels":   1,
		},
	}
	if cfg.callID != "" {
		start["customParameters"] = map[string]string{"callId": cfg.callID}
	}
	if err := conn.WriteJSON(map[string]any{"event": protocol.StreamEventConnected, "protocol": "Call", "version": "1.0.0"}); err != nil {
		return 0, 0, err
	}
	startedAt := time.Now()
	if err := conn.WriteJSON(map[string]any{"event": protocol.StreamEventStart, "streamSid": perfStreamSID, "start": start}); err != nil {
		return 0, 0, err
	}

	firstAudio := make(chan time.Time, 1)
	played := make(chan int, 1)
	go func() {
		count := 0
		for {
			var msg struct {
				Event string `json:"event"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				played <- count
				return
			}
			if msg.Event == protocol.StreamEventMedia {
				if count == 0 {
					firstAudio <- time.Now()
				}
				count++
			}
		}
	}()

	pace := time.Duration(float64(frameMS*time.Millisecond) / cfg.realtime)
	for i, frame := range frames {
		msg := map[string]any{
			"event":     protocol.StreamEventMedia,
			"streamSid": perfStreamSID,
			"media": map[string]any{
				"track":     protocol.TrackInbound,
				"chunk":     fmt.Sprint(i + 1),
				"timestamp": fmt.Sprint(i * frameMS),
				"payload":   base64.StdEncoding.EncodeToString(frame),
			},
		}
		if err := conn.WriteJSON(msg); err != nil {
			return 0, 0, fmt.Errorf("send media: %w", err)
		}
		time.Sleep(pace)
	}
	if err := conn.WriteJSON(map[string]any{"event": protocol.StreamEventStop, "streamSid": perfStreamSID}); err != nil {
		return 0, 0, fmt.Errorf("send stop: %w", err)
	}

	var latency time.Duration
	timer := time.NewTimer(cfg.drainWait)
	defer timer.Stop()
	for {
		select {
		case at := <-firstAudio:
			latency = at.Sub(startedAt)
		case count := <-played:
			return firstAudioLatency(latency, firstAudio, startedAt), count, nil
		case <-timer.C:
			_ = conn.Close()
			count := <-played
			return firstAudioLatency(latency, firstAudio, startedAt), count, nil
		}
	}
}

func firstAudioLatency(latency time.Duration, firstAudio <-chan time.Time, startedAt time.Time) time.Duration {
	if latency > 0 {
		return latency
	}
	select {
	case at := <-firstAudio:
		return at.Sub(startedAt)
	default:
		return 0
	}
}

// loadFrames returns 20ms µ-law frames at 8 kHz.
func loadFrames(path string) ([][]byte, error) {
	var samples []int16
	if strings.TrimSpace(path) == "" {
		samples = tone(440, time.Second)
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read wav: %w", err)
		}
		pcm, rate, err := readWAV(data)
		if err != nil {
			return nil, fmt.Errorf("decode wav: %w", err)
		}
		samples, err = toTelephonyRate(pcm, rate)
		if err != nil {
			return nil, err
		}
	}
	return frameMuLaw(audio.EncodeMuLaw(samples)), nil
}

func toTelephonyRate(samples []int16, rate int) ([]int16, error) {
	switch rate {
	case telephonyRate:
		return samples, nil
	case telephonyRate * 3:
		return audio.Downsample3x(samples), nil
	default:
		return nil, fmt.Errorf("unsupported wav sample rate %d (want 8000 or 24000)", rate)
	}
}

func frameMuLaw(mulaw []byte) [][]byte {
	frames := make([][]byte, 0, len(mulaw)/frameBytes+1)
	for off := 0; off < len(mulaw); off += frameBytes {
		end := min(off+frameBytes, len(mulaw))
		frames = append(frames, mulaw[off:end])
	}
	return frames
}

func tone(freq float64, d time.Duration) []int16 {
	n := int(d.Seconds() * telephonyRate)
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(8000 * math.Sin(2*math.Pi*freq*float64(i)/telephonyRate))
	}
	return out
}

func summarize(mode string, samples []time.Duration) string {
	label := "first_token"
	if mode == "audio" {
		label = "first_audio"
	}
	if len(samples) == 0 {
		return fmt.Sprintf("perfcall: %s samples=0", label)
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var total time.Duration
	for _, s := range sorted {
		total += s
	}
	stats := map[string]any{
		"metric":  label,
		"samples": len(sorted),
		"min_ms":  sorted[0].Milliseconds(),
		"p50_ms":  sorted[len(sorted)/2].Milliseconds(),
		"max_ms":  sorted[len(sorted)-1].Milliseconds(),
		"avg_ms":  (total / time.Duration(len(sorted))).Milliseconds(),
	}
	out, _ := json.Marshal(stats)
	return string(out)
}

// readWAV returns the samples of a 16-bit PCM mono or stereo WAV file.
// Stereo is averaged down to mono.
func readWAV(data []byte) ([]int16, int, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("not a RIFF/WAVE file")
	}
	var format, channels, bits uint16
	var rate int
	var pcm []byte
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if off+size > len(data) {
			return nil, 0, fmt.Errorf("wav chunk %q overruns file", id)
		}
		switch chunk := data[off : off+size]; {
		case id == "fmt " && size >= 16:
			format = binary.LittleEndian.Uint16(chunk[0:2])
			channels = binary.LittleEndian.Uint16(chunk[2:4])
			rate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			bits = binary.LittleEndian.Uint16(chunk[14:16])
		case id == "data":
			pcm = chunk
		}
		off += size + size%2
	}
	if format != 1 || bits != 16 || (channels != 1 && channels != 2) {
		return nil, 0, fmt.Errorf("need 16-bit PCM mono or stereo, got format=%d bits=%d channels=%d", format, bits, channels)
	}
	if len(pcm) == 0 {
		return nil, 0, fmt.Errorf("wav data chunk missing")
	}

	samples := audio.PCM16LEToSamples(pcm)
	if channels == 1 {
		return samples, rate, nil
	}
	mono := make([]int16, len(samples)/2)
	for i := range mono {
		mono[i] = int16((int(samples[2*i]) + int(samples[2*i+1])) / 2)
	}
	return mono, rate, nil
}
