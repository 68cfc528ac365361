package batch

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func phones(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("010%08d", i)
	}
	return out
}

func TestChunk(t *testing.T) {
	t.Run("250 recipients at limit 100 gives 100/100/50", func(t *testing.T) {
		chunks := Chunk(phones(250), 100)
		require.Len(t, chunks, 3)
		assert.Len(t, chunks[0], 100)
		assert.Len(t, chunks[1], 100)
		assert.Len(t, chunks[2], 50)
	})

	t.Run("concatenation reproduces input exactly", func(t *testing.T) {
		in := phones(333)
		var flat []string
		for _, c := range Chunk(in, 100) {
			flat = append(flat, c...)
		}
		assert.Equal(t, in, flat)
	})

	t.Run("never exceeds max", func(t *testing.T) {
		for _, n := range []int{1, 99, 100, 101, 1000} {
			for _, c := range Chunk(phones(n), 100) {
				assert.LessOrEqual(t, len(c), 100)
				assert.NotEmpty(t, c)
			}
		}
	})

	t.Run("exact multiple", func(t *testing.T) {
		chunks := Chunk(phones(200), 100)
		require.Len(t, chunks, 2)
		assert.Len(t, chunks[1], 100)
	})

	t.Run("fewer than max is one chunk", func(t *testing.T) {
		chunks := Chunk(phones(7), 100)
		require.Len(t, chunks, 1)
	})

	t.Run("empty input", func(t *testing.T) {
		assert.Nil(t, Chunk(nil, 100))
	})

	t.Run("duplicates kept as distinct targets", func(t *testing.T) {
		in := []string{"01011112222", "01011112222", "01011112222"}
		chunks := Chunk(in, 2)
		require.Len(t, chunks, 2)
		assert.Len(t, chunks[0], 2)
		assert.Len(t, chunks[1], 1)
	})

	t.Run("non-positive max falls back to default", func(t *testing.T) {
		chunks := Chunk(phones(201), 0)
		require.Len(t, chunks, 2)
		assert.Len(t, chunks[0], DefaultMaxBatchSize)
	})
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "01012345678", NormalizePhone("010-1234-5678"))
	assert.Equal(t, "01012345678", NormalizePhone(" 010 1234 5678 "))
	assert.Equal(t, "01012345678", NormalizePhone("01012345678"))
}

func TestValidRecipient(t *testing.T) {
	assert.True(t, ValidRecipient("01012345678"))
	assert.True(t, ValidRecipient("0161234567"))
	assert.False(t, ValidRecipient("010-1234-5678"))
	assert.False(t, ValidRecipient("0212345678"))
	assert.False(t, ValidRecipient(""))
}

func TestNormalizeAll(t *testing.T) {
	valid, rejected := NormalizeAll([]string{"010-1234-5678", "02-123-4567", "01087654321"})
	assert.Equal(t, []string{"01012345678", "01087654321"}, valid)
	assert.Equal(t, []string{"02-123-4567"}, rejected)
}
