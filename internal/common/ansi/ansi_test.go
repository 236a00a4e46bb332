package ansi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripPlainText(t *testing.T) {
	assert.Equal(t, "hello world\n", string(Strip([]byte("hello world\n"))))
}

func TestStripCSIColors(t *testing.T) {
	in := "\x1b[31mred\x1b[0m plain \x1b[1;32;40mbold\x1b[m"
	assert.Equal(t, "red plain bold", string(Strip([]byte(in))))
}

func TestStripDECPrivateModes(t *testing.T) {
	in := "\x1b[?2026habc\x1b[?2026l\x1b[?25h"
	assert.Equal(t, "abc", string(Strip([]byte(in))))
}

func TestStripOSCTitle(t *testing.T) {
	assert.Equal(t, "after", string(Strip([]byte("\x1b]0;window title\x07after"))))
	// ST-terminated variant
	assert.Equal(t, "after", string(Strip([]byte("\x1b]8;;http://x\x1b\\after"))))
}

func TestStripCursorMovement(t *testing.T) {
	in := "\x1b[2J\x1b[H\x1b[10;20Htext\x1b[K"
	assert.Equal(t, "text", string(Strip([]byte(in))))
}

func TestDropsCarriageReturnKeepsNewlineAndTab(t *testing.T) {
	assert.Equal(t, "a\tb\nc", string(Strip([]byte("a\tb\r\nc"))))
}

func TestCrossChunkCSI(t *testing.T) {
	s := NewStripper()
	var out []byte
	out = append(out, s.Strip([]byte("before\x1b[3"))...)
	out = append(out, s.Strip([]byte("8;5;120m"))...)
	out = append(out, s.Strip([]byte("after"))...)
	assert.Equal(t, "beforeafter", string(out))
}

func TestCrossChunkOSC(t *testing.T) {
	s := NewStripper()
	var out []byte
	out = append(out, s.Strip([]byte("x\x1b]0;ti"))...)
	out = append(out, s.Strip([]byte("tle\x07y"))...)
	assert.Equal(t, "xy", string(out))
}

func TestChunkingInvariance(t *testing.T) {
	raw := []byte("\x1b[1mA\x1b]0;t\x07B\x1b[38;5;99mC\x1b[0m\nD\x1b(Bend")
	want := string(Strip(raw))

	for size := 1; size <= len(raw); size++ {
		s := NewStripper()
		var out []byte
		for i := 0; i < len(raw); i += size {
			end := i + size
			if end > len(raw) {
				end = len(raw)
			}
			out = append(out, s.Strip(raw[i:end])...)
		}
		assert.Equal(t, want, string(out), "chunk size %d", size)
	}
}

func TestCharsetSelection(t *testing.T) {
	assert.Equal(t, "ab", string(Strip([]byte("a\x1b(B\x1b)0b"))))
}
