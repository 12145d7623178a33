package task

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingHoldsWritesUnderCapacity(t *testing.T) {
	r := NewRing(64)

	_, err := r.Write([]byte("hello "))
	require.NoError(t, err)
	r.WriteString("world")

	assert.Equal(t, "hello world", string(r.Bytes()))
	assert.Equal(t, "hello world", string(r.Contents()), "no marker without truncation")
	assert.Equal(t, 11, r.Len())
	assert.EqualValues(t, 0, r.Dropped())
	assert.EqualValues(t, 11, r.Written())
}

func TestRingDropsOldestOnOverflow(t *testing.T) {
	r := NewRing(8)

	r.WriteString("abcdefgh")
	r.WriteString("XY")

	assert.Equal(t, "cdefghXY", string(r.Bytes()))
	assert.EqualValues(t, 2, r.Dropped())
	assert.EqualValues(t, 10, r.Written())
	assert.Equal(t, 8, r.Len())
}

func TestRingContentsCarriesTruncationMarker(t *testing.T) {
	r := NewRing(4)
	r.WriteString("abcdefgh")

	contents := string(r.Contents())
	assert.True(t, strings.HasPrefix(contents, "[...4 bytes dropped...]\n"))
	assert.True(t, strings.HasSuffix(contents, "efgh"))
}

func TestRingOversizedChunkKeepsTail(t *testing.T) {
	r := NewRing(4)
	r.WriteString("0123456789")

	assert.Equal(t, "6789", string(r.Bytes()))
	assert.EqualValues(t, 6, r.Dropped())

	// A second oversized write accounts for the evicted resident bytes too.
	r.WriteString("abcdefgh")
	assert.Equal(t, "efgh", string(r.Bytes()))
	assert.EqualValues(t, 6+4+4, r.Dropped())
}

func TestRingWraparound(t *testing.T) {
	r := NewRing(8)
	r.WriteString("12345678")
	r.WriteString("abc")
	r.WriteString("de")

	assert.Equal(t, "678abcde", string(r.Bytes()))
	assert.Equal(t, 8, r.Len())
}

func TestRingTail(t *testing.T) {
	r := NewRing(32)
	r.WriteString("the quick brown fox")

	assert.Equal(t, "fox", string(r.Tail(3)))
	assert.Equal(t, "the quick brown fox", string(r.Tail(100)))
	assert.Empty(t, r.Tail(0))
}

func TestRingNeverExceedsCapacity(t *testing.T) {
	r := NewRing(100)
	chunk := bytes.Repeat([]byte("x"), 33)
	for i := 0; i < 50; i++ {
		_, _ = r.Write(chunk)
	}
	assert.LessOrEqual(t, r.Len(), 100)
	assert.EqualValues(t, 50*33, r.Written())
	assert.EqualValues(t, 50*33-r.Len(), r.Dropped())
}
