package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManagerCreateBindClose(t *testing.T) {
	m := NewManager(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	s := m.Create(ModeAudio, cancel)
	require.NotEmpty(t, s.ID)
	require.Equal(t, StateIdle, s.State)

	require.NoError(t, m.Bind(s.ID, "call-1", "MZ1"))
	require.NoError(t, m.SetState(s.ID, StateConnecting))
	require.NoError(t, m.RecordInbound(s.ID, false))
	require.NoError(t, m.RecordInbound(s.ID, true))

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	require.Equal(t, "call-1", got.CallID)
	require.Equal(t, "MZ1", got.StreamID)
	require.Equal(t, StateConnecting, got.State)
	require.Equal(t, 2, got.InboundFrames)
	require.Equal(t, 1, got.DroppedFrames)
	require.Equal(t, 1, m.ActiveCount(ModeAudio))
	require.Zero(t, m.ActiveCount(ModeText))

	closed, err := m.Close(s.ID)
	require.NoError(t, err)
	require.Equal(t, StateClosed, closed.State)
	require.ErrorIs(t, ctx.Err(), context.Canceled)

	_, err = m.Close(s.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = m.Get(s.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestManagerSessionIDsAreUnique(t *testing.T) {
	m := NewManager(time.Minute)
	a := m.Create(ModeText, nil)
	b := m.Create(ModeText, nil)
	require.NotEqual(t, a.ID, b.ID)
	require.Equal(t, 2, m.ActiveCount(ModeText))
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := m.Create(ModeText, sessCancel)

	expired := make(chan *Session, 1)
	m.SetExpireHook(func(s *Session) { expired <- s })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case got := <-expired:
		require.Equal(t, s.ID, got.ID)
		require.Equal(t, StateClosed, got.State)
	case <-time.After(time.Second):
		t.Fatalf("session was not expired")
	}
	require.ErrorIs(t, sessCtx.Err(), context.Canceled)
	_, err := m.Get(s.ID)
	require.ErrorIs(t, err, ErrNotFound)
}
