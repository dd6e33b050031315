package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/callrelay/internal/protocol"
	"github.com/ent0n29/callrelay/internal/session"
)

const (
	inboundQueueSize  = 64
	outboundQueueSize = 256
	writeTimeout      = 10 * time.Second
	maxMessageBytes   = 1 << 20
)

type inboundEvent interface {
	EventName() string
}

type runFunc[E inboundEvent] func(ctx context.Context, s *session.Session, inbound <-chan E, outbound chan<- any) error

func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	if s.audio == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "audio relay not configured")
		return
	}
	serveSocket(s, w, r, session.ModeAudio, protocol.ParseStreamEvent, s.audio.Run)
}

func (s *Server) handleConversationRelay(w http.ResponseWriter, r *http.Request) {
	if s.text == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "text relay not configured")
		return
	}
	serveSocket(s, w, r, session.ModeText, protocol.ParseRelayEvent, s.text.Run)
}

// serveSocket owns one telephony websocket. The reader feeds inbound, the
// relay goroutine owns outbound and closes it when it returns, and a single
// writer drains outbound onto the socket. Closing inbound tells the relay the
// caller is gone.
func serveSocket[E inboundEvent](
	s *Server,
	w http.ResponseWriter,
	r *http.Request,
	mode session.Mode,
	parse func([]byte) (E, error),
	run runFunc[E],
) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := s.sessions.Create(mode, cancel)
	log := s.logger.With().Str("session_id", sess.ID).Str("mode", string(mode)).Logger()
	log.Info().Str("remote", r.RemoteAddr).Msg("telephony socket connected")
	s.metrics.ObserveSessionEvent("ws_connected")

	inbound := make(chan E, inboundQueueSize)
	outbound := make(chan any, outboundQueueSize)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		defer close(outbound)
		if err := run(ctx, sess, inbound, outbound); err != nil {
			log.Warn().Err(err).Msg("relay ended with error")
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		broken := false
		for msg := range outbound {
			if broken {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				log.Debug().Err(err).Msg("websocket write failed")
				broken = true
				cancel()
			}
		}
		if !broken {
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
		}
		// Unblocks the reader once the relay is finished.
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxMessageBytes)
	idle := s.cfg.SessionInactivityTimeout
	if idle <= 0 {
		idle = 10 * time.Minute
	}

readLoop:
	for {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("websocket read ended")
			}
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = s.sessions.Touch(sess.ID)

		evt, err := parse(data)
		if err != nil {
			log.Debug().Err(err).Msg("malformed telephony message dropped")
			s.metrics.ObserveInbound("invalid")
			continue
		}
		s.metrics.ObserveInbound(evt.EventName())

		select {
		case inbound <- evt:
		case <-runDone:
			break readLoop
		}
	}

	close(inbound)
	<-runDone
	<-writerDone
	cancel()

	if closed, err := s.sessions.Close(sess.ID); err == nil {
		log.Info().
			Str("call_id", closed.CallID).
			Int("inbound_frames", closed.InboundFrames).
			Int("dropped_frames", closed.DroppedFrames).
			Dur("duration", time.Since(closed.StartedAt)).
			Msg("telephony socket closed")
	}
	s.metrics.ObserveSessionEvent("ws_disconnected")
}
