package task

import (
	"fmt"
	"sync"
)

// Ring is a byte ring buffer with a hard capacity. Writes always succeed;
// when the buffer is full the oldest bytes are dropped and counted so
// readers can see that truncation happened.
type Ring struct {
	mu      sync.Mutex
	buf     []byte
	start   int   // index of oldest byte
	size    int   // bytes currently stored
	dropped int64 // total bytes evicted
	written int64 // total bytes ever written
}

// NewRing creates a ring buffer holding at most capacity bytes.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]byte, capacity)}
}

// Write appends p, evicting the oldest bytes on overflow. Implements
// io.Writer and never returns an error.
func (r *Ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.written += int64(len(p))
	capacity := len(r.buf)

	// A chunk larger than the whole buffer reduces to its tail.
	if len(p) > capacity {
		r.dropped += int64(r.size + len(p) - capacity)
		copy(r.buf, p[len(p)-capacity:])
		r.start = 0
		r.size = capacity
		return len(p), nil
	}

	overflow := r.size + len(p) - capacity
	if overflow > 0 {
		r.start = (r.start + overflow) % capacity
		r.size -= overflow
		r.dropped += int64(overflow)
	}

	end := (r.start + r.size) % capacity
	n := copy(r.buf[end:], p)
	if n < len(p) {
		copy(r.buf, p[n:])
	}
	r.size += len(p)
	return len(p), nil
}

// WriteString appends s. Convenience for attempt markers.
func (r *Ring) WriteString(s string) {
	_, _ = r.Write([]byte(s))
}

// Bytes returns a copy of the current contents, oldest first, without any
// truncation marker.
func (r *Ring) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytesLocked()
}

func (r *Ring) bytesLocked() []byte {
	out := make([]byte, r.size)
	n := copy(out, r.buf[r.start:min(r.start+r.size, len(r.buf))])
	if n < r.size {
		copy(out[n:], r.buf[:r.size-n])
	}
	return out
}

// Contents returns the current contents with a truncation marker prepended
// when bytes have been dropped.
func (r *Ring) Contents() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	data := r.bytesLocked()
	if r.dropped == 0 {
		return data
	}
	marker := fmt.Sprintf("[...%d bytes dropped...]\n", r.dropped)
	return append([]byte(marker), data...)
}

// Tail returns up to n bytes from the end of the buffer.
func (r *Ring) Tail(n int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	data := r.bytesLocked()
	if n >= len(data) {
		return data
	}
	return data[len(data)-n:]
}

// Len returns the number of bytes currently stored.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Dropped returns the total number of evicted bytes.
func (r *Ring) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Written returns the total number of bytes ever written.
func (r *Ring) Written() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}
