package chunk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkerEmptyInput(t *testing.T) {
	chunker := NewWith(100, 10, nil)

	require.Empty(t, chunker.Chunk(""))
	require.Empty(t, chunker.Chunk("   \n\t  "))
}

func TestChunkerSmallInput(t *testing.T) {
	chunker := NewWith(100, 10, nil)

	chunks := chunker.Chunk("a small piece of text")
	require.Len(t, chunks, 1)
	require.Equal(t, 0, chunks[0].Index)
	require.Equal(t, "a small piece of text", chunks[0].Content)
}

func TestChunkerSeparatorSplit(t *testing.T) {
	chunker := NewWith(50, 0, []string{"\n\n"})

	text := "first paragraph here\n\nsecond paragraph here\n\nthird paragraph here"
	chunks := chunker.Chunk(text)

	require.Greater(t, len(chunks), 1)
	for i, chunk := range chunks {
		require.Equal(t, i, chunk.Index)
		require.NotEmpty(t, chunk.Content)
		require.LessOrEqual(t, len(chunk.Content), 50)
		require.NotContains(t, chunk.Content, "  ")
	}
}

func TestChunkerOverlapCarry(t *testing.T) {
	chunker := NewWith(40, 15, []string{"\n\n"})

	text := "alpha beta gamma delta\n\nepsilon zeta eta theta\n\niota kappa lambda mu"
	chunks := chunker.Chunk(text)
	require.Greater(t, len(chunks), 1)

	// each later chunk starts with the tail of its predecessor
	for i := 1; i < len(chunks); i++ {
		firstWord := strings.Fields(chunks[i].Content)[0]
		require.Contains(t, chunks[i-1].Content, firstWord)
	}
}

func TestChunkerCharFallback(t *testing.T) {
	chunker := NewWith(64, 8, []string{"\n\n"})

	// one long run with word boundaries but no separator
	text := strings.Repeat("wordy ", 100)
	chunks := chunker.Chunk(text)

	require.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		require.NotEmpty(t, chunk.Content)
		require.LessOrEqual(t, len(chunk.Content), 64)
	}
	// last chunk may be under-size, the rest hold content near the limit
	require.Less(t, len(chunks[len(chunks)-1].Content), 65)
}

func TestChunkerNoBoundaries(t *testing.T) {
	chunker := NewWith(32, 4, nil)

	text := strings.Repeat("x", 100)
	chunks := chunker.Chunk(text)

	require.Greater(t, len(chunks), 1)
	var rebuilt strings.Builder
	for _, chunk := range chunks {
		require.NotEmpty(t, chunk.Content)
		require.LessOrEqual(t, len(chunk.Content), 32)
		rebuilt.WriteString(chunk.Content)
	}
	// overlap means we see at least the original content volume
	require.GreaterOrEqual(t, rebuilt.Len(), 100)
}

func TestChunkerIndexesAreOrdered(t *testing.T) {
	chunker := NewWith(30, 5, []string{"\n"})

	chunks := chunker.Chunk("one line\nanother line\nyet another line\nand a final line here")
	for i, chunk := range chunks {
		require.Equal(t, i, chunk.Index)
	}
}

func TestNewWithDefaults(t *testing.T) {
	chunker := NewWith(0, -1, nil)
	require.Equal(t, 512, chunker.size)
	require.Equal(t, 0, chunker.overlap)
	require.NotEmpty(t, chunker.separators)
}
