package telegram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitByBytes(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitByBytes("short", 10))

	parts := splitByBytes(strings.Repeat("ab", 5), 4)
	assert.Equal(t, []string{"abab", "abab", "ab"}, parts)

	// Multi-byte runes are never split.
	parts = splitByBytes("ééé", 4)
	assert.Equal(t, []string{"éé", "é"}, parts)
}

func TestTruncateByBytes(t *testing.T) {
	assert.Equal(t, "abc", truncateByBytes("abc", 10))
	assert.Equal(t, "é", truncateByBytes("éé", 3))
}

func TestSniffMime(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n0000")
	assert.Equal(t, "image/png", sniffMime("application/octet-stream", png))
	assert.Equal(t, "image/jpeg", sniffMime("image/jpeg; charset=binary", png))
	assert.Equal(t, "image/png", sniffMime("", png))
}

func TestExtensionFor(t *testing.T) {
	assert.Equal(t, ".png", extensionFor("image/png", ".bin"))
	assert.Equal(t, ".bin", extensionFor("", ".bin"))
}
