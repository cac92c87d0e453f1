package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitCommands(t *testing.T) {
	assert.Equal(t, []string{"make build", "make test"},
		splitCommands("make build\nmake test"))

	// Blank and whitespace-only lines disappear.
	assert.Equal(t, []string{"echo a", "echo b"},
		splitCommands("\necho a\n   \n\techo b\n"))

	assert.Nil(t, splitCommands("   \n  "))
	assert.Equal(t, []string{"true"}, splitCommands("true"))
}

func TestCappedBufferTruncates(t *testing.T) {
	cb := newCappedBuffer(10)
	cb.add("12345")
	cb.add("67890")
	cb.add("overflow")
	out := cb.String()
	assert.True(t, strings.HasPrefix(out, "1234567890"))
	assert.True(t, strings.HasSuffix(out, "\n[truncated]"))

	// Nothing accumulates past the marker.
	cb.add("more")
	assert.Equal(t, out, cb.String())
}

func TestCappedBufferUnlimited(t *testing.T) {
	cb := newCappedBuffer(0)
	cb.add(strings.Repeat("x", 4096))
	assert.Len(t, cb.String(), 4096)
}

func TestCappedBufferSplitsMidChunk(t *testing.T) {
	cb := newCappedBuffer(4)
	cb.add("abcdef")
	assert.Equal(t, "abcd\n[truncated]", cb.String())
}

func TestSamplerBounds(t *testing.T) {
	var s sampler

	// First reading has no previous window and reports zero.
	assert.Equal(t, float64(0), s.cpuUsage())

	// Later readings stay within sane bounds.
	usage := s.cpuUsage()
	assert.GreaterOrEqual(t, usage, float64(0))
	assert.LessOrEqual(t, usage, float64(100))
}

func TestCPUCountPositive(t *testing.T) {
	assert.Greater(t, cpuCount(), 0)
}
