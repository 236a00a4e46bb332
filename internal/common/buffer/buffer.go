// Package buffer provides memory-bounded byte buffers for terminal output.
//
// A Buffer keeps the most recent suffix of everything appended to it. When
// the stored size crosses the high watermark, the buffer is trimmed down to
// the low watermark in one step, so trimming stays O(1) amortized rather
// than happening on every append. Readers observe a monotonically growing
// logical offset; a trim appears to them as an opaque forward jump in the
// offset, re-anchored on the next line boundary so line-oriented parsers
// resynchronize cleanly.
package buffer

import (
	"bytes"
	"sync"
)

// Buffer is a bounded append-only byte buffer with tail-keep trimming.
// Thread-safe: all methods use mutex protection.
type Buffer struct {
	mu     sync.Mutex
	max    int   // high watermark: trim when exceeded
	trimTo int   // low watermark: bytes kept after a trim
	offset int64 // logical offset of data[0] in the full appended stream
	data   []byte
}

// New creates a buffer that trims to trimTo bytes whenever its size
// exceeds max. trimTo must be less than max; callers pass the watermark
// pair from the session limits (e.g. 2 MiB / 1.5 MiB).
func New(max, trimTo int) *Buffer {
	if max <= 0 {
		max = 2 * 1024 * 1024
	}
	if trimTo <= 0 || trimTo >= max {
		trimTo = max * 3 / 4
	}
	return &Buffer{max: max, trimTo: trimTo}
}

// Append adds p to the buffer, trimming if the high watermark is exceeded.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, p...)
	if len(b.data) <= b.max {
		return
	}

	cut := len(b.data) - b.trimTo
	// Re-anchor on the next line boundary so downstream line parsers
	// never see a line torn in half by the trim.
	if nl := bytes.IndexByte(b.data[cut:], '\n'); nl >= 0 && nl < b.trimTo {
		cut += nl + 1
	}
	b.offset += int64(cut)
	// Copy instead of re-slicing so the discarded prefix can be freed.
	kept := make([]byte, len(b.data)-cut)
	copy(kept, b.data[cut:])
	b.data = kept
}

// Bytes returns a copy of the retained suffix.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Tail returns a copy of the last n bytes (or everything, if fewer are retained).
func (b *Buffer) Tail(n int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 {
		return nil
	}
	if n > len(b.data) {
		n = len(b.data)
	}
	out := make([]byte, n)
	copy(out, b.data[len(b.data)-n:])
	return out
}

// Len returns the number of retained bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Offset returns the logical offset of the first retained byte within the
// full appended stream. It only moves forward, and only on trims.
func (b *Buffer) Offset() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.offset
}

// Total returns the logical length of everything ever appended.
func (b *Buffer) Total() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.offset + int64(len(b.data))
}

// Reset discards all retained bytes without resetting the logical offset.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offset += int64(len(b.data))
	b.data = nil
}
