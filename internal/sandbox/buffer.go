package sandbox

import (
	"sync"
)

const defaultOutputLimit = 16 * 1024

// TailBuffer is an io.Writer that keeps only the last limit bytes written.
// Runaway output such as an infinite print loop cannot grow it.
type TailBuffer struct {
	mu      sync.Mutex
	buf     []byte
	limit   int
	head    int // next write position
	full    bool
	dropped int64
}

// NewTailBuffer creates a buffer holding at most limit bytes.
func NewTailBuffer(limit int) *TailBuffer {
	if limit <= 0 {
		limit = defaultOutputLimit
	}
	return &TailBuffer{buf: make([]byte, limit), limit: limit}
}

// Write never fails; once full, each new byte overwrites the oldest one.
func (b *TailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if n >= b.limit {
		skip := n - b.limit
		b.dropped += int64(b.size() + skip)
		copy(b.buf, p[skip:])
		b.head = 0
		b.full = true
		return n, nil
	}

	for _, c := range p {
		if b.full {
			b.dropped++
		}
		b.buf[b.head] = c
		b.head = (b.head + 1) % b.limit
		if b.head == 0 {
			b.full = true
		}
	}
	return n, nil
}

// String returns the retained bytes in write order.
func (b *TailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.full {
		return string(b.buf[:b.head])
	}
	return string(b.buf[b.head:]) + string(b.buf[:b.head])
}

// Truncated reports whether earlier output was discarded.
func (b *TailBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped > 0
}

// Dropped returns the number of discarded bytes.
func (b *TailBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *TailBuffer) size() int {
	if b.full {
		return b.limit
	}
	return b.head
}
