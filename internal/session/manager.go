package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mode is the transport a telephony leg speaks.
type Mode string

const (
	ModeAudio Mode = "audio"
	ModeText  Mode = "text"
)

// State follows Idle -> Connecting -> Active -> Draining -> Closed. Text
// sessions skip Connecting since their upstream is per-response.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateDraining   State = "draining"
	StateClosed     State = "closed"
)

var ErrNotFound = errors.New("session not found")

// Session is the table's view of one telephony connection. The relay goroutine
// owning the connection is the only writer of the fields below State.
type Session struct {
	ID             string    `json:"session_id"`
	CallID         string    `json:"call_id"`
	StreamID       string    `json:"stream_id"`
	Mode           Mode      `json:"mode"`
	State          State     `json:"state"`
	InboundFrames  int       `json:"inbound_frames"`
	DroppedFrames  int       `json:"dropped_frames"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type entry struct {
	s      *Session
	cancel context.CancelFunc
}

// Manager is the session table: generated id -> session state. The id travels
// alongside the socket handle; the socket itself is never used as a key.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*entry
	inactivityTimeout time.Duration
	onExpire          func(*Session)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*entry),
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create registers a new idle session. cancel is invoked if the janitor expires
// the session or Close is called.
func (m *Manager) Create(mode Mode, cancel context.CancelFunc) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		Mode:           mode,
		State:          StateIdle,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = &entry{s: s, cancel: cancel}
	return clone(s)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e.s), nil
}

// Bind records the call and stream identifiers learned from the first
// structural event.
func (m *Manager) Bind(sessionID, callID, streamID string) error {
	return m.update(sessionID, func(s *Session) {
		s.CallID = callID
		s.StreamID = streamID
	})
}

func (m *Manager) SetState(sessionID string, state State) error {
	return m.update(sessionID, func(s *Session) {
		if s.State == StateClosed {
			return
		}
		s.State = state
	})
}

// RecordInbound counts an inbound frame; dropped marks it as discarded.
func (m *Manager) RecordInbound(sessionID string, dropped bool) error {
	return m.update(sessionID, func(s *Session) {
		s.InboundFrames++
		if dropped {
			s.DroppedFrames++
		}
	})
}

func (m *Manager) Touch(sessionID string) error {
	return m.update(sessionID, func(*Session) {})
}

// Close marks the session closed, cancels its context and removes it from the
// table. Closing twice is a no-op.
func (m *Manager) Close(sessionID string) (*Session, error) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	delete(m.sessions, sessionID)
	e.s.State = StateClosed
	e.s.LastActivityAt = time.Now().UTC()
	out := clone(e.s)
	m.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	return out, nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount(mode Mode) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.sessions {
		if e.s.Mode == mode && e.s.State != StateClosed {
			count++
		}
	}
	return count
}

func (m *Manager) update(sessionID string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	fn(e.s)
	e.s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var (
		expired []*Session
		cancels []context.CancelFunc
	)

	m.mu.Lock()
	for id, e := range m.sessions {
		if now.Sub(e.s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		e.s.State = StateClosed
		e.s.LastActivityAt = now
		expired = append(expired, clone(e.s))
		if e.cancel != nil {
			cancels = append(cancels, e.cancel)
		}
		delete(m.sessions, id)
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
