package buffer

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendWithinLimit(t *testing.T) {
	b := New(100, 50)
	b.Append([]byte("hello "))
	b.Append([]byte("world"))

	assert.Equal(t, "hello world", string(b.Bytes()))
	assert.Equal(t, int64(0), b.Offset())
	assert.Equal(t, 11, b.Len())
}

func TestTrimKeepsRecentSuffix(t *testing.T) {
	b := New(100, 60)
	line := strings.Repeat("x", 19) + "\n" // 20 bytes per line
	for i := 0; i < 6; i++ {
		b.Append([]byte(line))
	}
	// 120 bytes appended; trim should have fired once.
	require.LessOrEqual(t, b.Len(), 60)
	assert.Equal(t, int64(120), b.Total())

	// Retained data starts at a line boundary.
	data := b.Bytes()
	assert.True(t, bytes.HasPrefix(data, []byte("x")), "retained data should start on a fresh line")
	assert.Equal(t, int64(len(data)), b.Total()-b.Offset())
}

func TestOffsetJumpIsOpaqueButMonotone(t *testing.T) {
	b := New(50, 25)
	var last int64
	for i := 0; i < 20; i++ {
		b.Append([]byte("0123456789"))
		off := b.Offset()
		assert.GreaterOrEqual(t, off, last, "offset must never move backwards")
		last = off
	}
	assert.Greater(t, last, int64(0), "trims should have advanced the offset")
}

func TestTrimIdempotentForLaterReads(t *testing.T) {
	b := New(40, 20)
	b.Append(bytes.Repeat([]byte("ab\n"), 30))

	first := b.Bytes()
	second := b.Bytes()
	assert.Equal(t, first, second, "reads after a trim must agree")
	assert.Equal(t, b.Offset(), b.Offset())
}

func TestTail(t *testing.T) {
	b := New(100, 50)
	b.Append([]byte("abcdefgh"))

	assert.Equal(t, "fgh", string(b.Tail(3)))
	assert.Equal(t, "abcdefgh", string(b.Tail(100)))
	assert.Nil(t, b.Tail(0))
}

func TestReset(t *testing.T) {
	b := New(100, 50)
	b.Append([]byte("abcdef"))
	b.Reset()

	assert.Equal(t, 0, b.Len())
	assert.Equal(t, int64(6), b.Offset())

	b.Append([]byte("xyz"))
	assert.Equal(t, "xyz", string(b.Bytes()))
	assert.Equal(t, int64(9), b.Total())
}

func TestOversizedSingleAppend(t *testing.T) {
	b := New(10, 5)
	b.Append(bytes.Repeat([]byte{'z'}, 100))

	assert.LessOrEqual(t, b.Len(), 5)
	assert.Equal(t, int64(100), b.Total())
}
