// Package racebuffer holds inbound telephony frames that arrive while the
// upstream AI connection is still being established.
package racebuffer

// DefaultCapacity is roughly three seconds of 20ms telephony frames.
const DefaultCapacity = 150

// Buffer is a capped FIFO of raw frames. It is owned by a single session
// goroutine and is not safe for concurrent use.
//
// Frames beyond the cap are dropped (newest first); the caller is never blocked.
// After Flush the buffer is sealed and refuses further pushes, so buffered
// frames can only ever be released once.
type Buffer struct {
	capacity int
	frames   [][]byte
	dropped  int
	sealed   bool
}

func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		capacity: capacity,
		frames:   make([][]byte, 0, capacity),
	}
}

// Push appends frame and reports whether it was kept.
func (b *Buffer) Push(frame []byte) bool {
	if b.sealed || len(b.frames) >= b.capacity {
		b.dropped++
		return false
	}
	b.frames = append(b.frames, frame)
	return true
}

// Flush returns all buffered frames in arrival order and seals the buffer.
func (b *Buffer) Flush() [][]byte {
	out := b.frames
	b.frames = nil
	b.sealed = true
	return out
}

func (b *Buffer) Len() int { return len(b.frames) }

func (b *Buffer) Cap() int { return b.capacity }

// Dropped counts frames discarded because the buffer was full or sealed.
func (b *Buffer) Dropped() int { return b.dropped }

func (b *Buffer) Sealed() bool { return b.sealed }
