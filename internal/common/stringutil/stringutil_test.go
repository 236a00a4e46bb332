package stringutil

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "short", TruncateString("short", 10))
	assert.Equal(t, "abc", TruncateString("abcdef", 3))
	assert.Equal(t, "", TruncateString("abc", 0))

	// never splits a multi-byte rune
	got := TruncateString("héllo", 2)
	assert.Equal(t, "h", got)
	assert.True(t, utf8.ValidString(got))
}

func TestTruncateStringWithEllipsis(t *testing.T) {
	assert.Equal(t, "short", TruncateStringWithEllipsis("short", 10))
	assert.Equal(t, "abcdefg...", TruncateStringWithEllipsis("abcdefghijk", 10))
	assert.Equal(t, "ab", TruncateStringWithEllipsis("abcdef", 2))

	long := strings.Repeat("é", 300)
	got := TruncateStringWithEllipsis(long, 500)
	assert.LessOrEqual(t, len(got), 500)
	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasSuffix(got, "..."))
}
