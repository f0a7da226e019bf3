package client

import (
	"io"
	"sync"
)

const truncatedMarker = "...[output truncated]\n"

// tailBuffer keeps the last max bytes written to it. It is safe for
// concurrent writers.
type tailBuffer struct {
	mu        sync.Mutex
	max       int
	data      []byte
	truncated bool
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = DefaultOutputTailBytes
	}
	return &tailBuffer{
		max:  max,
		data: make([]byte, 0, max),
	}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	written := len(p)
	if len(p) >= b.max {
		b.data = append(b.data[:0], p[len(p)-b.max:]...)
		b.truncated = true
		return written, nil
	}
	if overflow := len(b.data) + len(p) - b.max; overflow > 0 {
		b.data = append(b.data[:0], b.data[overflow:]...)
		b.truncated = true
	}
	b.data = append(b.data, p...)
	return written, nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.truncated {
		return string(b.data)
	}
	return truncatedMarker + string(b.data)
}

// guardedWriter serializes writes to a destination shared by the stdout and
// stderr drainers.
type guardedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (g guardedWriter) Write(p []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.w.Write(p)
}
