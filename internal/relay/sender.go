package relay

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/callrelay/internal/observability"
)

const criticalSendTimeout = 600 * time.Millisecond

// outboundMessage is implemented by every protocol frame the relays emit.
type outboundMessage interface {
	EventName() string
}

// sender is the relay side of a socket's outbound queue. Non-critical frames
// are dropped when the queue is full; critical ones wait briefly.
type sender struct {
	out     chan<- any
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func (s sender) send(msg outboundMessage, critical bool) bool {
	kind := msg.EventName()
	if !critical {
		select {
		case s.out <- msg:
			s.metrics.ObserveOutbound(kind)
			return true
		default:
			s.metrics.ObserveOutboundDropped(kind)
			return false
		}
	}

	timer := time.NewTimer(criticalSendTimeout)
	defer timer.Stop()
	select {
	case s.out <- msg:
		s.metrics.ObserveOutbound(kind)
		return true
	case <-timer.C:
		s.metrics.ObserveOutboundDropped(kind)
		s.logger.Warn().Str("type", kind).Msg("outbound queue saturated, dropped critical frame")
		return false
	}
}
