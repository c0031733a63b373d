package chunker

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paragraph(word string, n int) string {
	return strings.TrimSpace(strings.Repeat(word+" ", n))
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := []Config{
		{MaxChunkSize: 0, Overlap: 0, Strategy: StrategyRecursive},
		{MaxChunkSize: 100, Overlap: -1, Strategy: StrategyRecursive},
		{MaxChunkSize: 100, Overlap: 100, Strategy: StrategyRecursive},
		{MaxChunkSize: 100, Overlap: 10, Strategy: "semantic"},
	}
	for _, cfg := range bad {
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig, "%+v", cfg)
	}
}

func TestSplit_Empty(t *testing.T) {
	chunks, err := Chunk("", DefaultConfig())
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestSplit_InvalidConfig(t *testing.T) {
	_, err := Chunk("text", Config{MaxChunkSize: 10, Overlap: 20, Strategy: StrategyRecursive})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSplit_ShortTextIsOneChunk(t *testing.T) {
	chunks, err := Chunk("A short note.", DefaultConfig())
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	c := chunks[0]
	assert.Equal(t, 0, c.Position)
	assert.Equal(t, "A short note.", c.Text)
	assert.Equal(t, 0, c.Start)
	assert.Equal(t, 0, c.OverlapStart)
	assert.Equal(t, 13, c.End)
	assert.Equal(t, 4, c.TokenEstimate)
}

func TestSplit_PrefersParagraphBoundaries(t *testing.T) {
	p1 := paragraph("alpha", 6) // 35 runes
	p2 := paragraph("bravo", 6)
	p3 := paragraph("charlie", 6)
	text := p1 + "\n\n" + p2 + "\n\n" + p3

	cfg := Config{MaxChunkSize: 90, Overlap: 10, Strategy: StrategyRecursive}
	chunks, err := Chunk(text, cfg)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, strings.Index(text, p3), chunks[1].OverlapStart)
	assert.Equal(t, text, Reconstruct(chunks))
}

func TestSplit_FallsBackToSentences(t *testing.T) {
	sentence := "The quick brown fox jumps over the lazy dog. " // 45 runes
	text := strings.TrimSpace(strings.Repeat(sentence, 6))

	cfg := Config{MaxChunkSize: 100, Overlap: 0, Strategy: StrategyRecursive}
	chunks, err := Chunk(text, cfg)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	for _, c := range chunks[:len(chunks)-1] {
		assert.True(t, strings.HasSuffix(c.Text, ". "), "chunk should end at a sentence: %q", c.Text)
	}
	assert.Equal(t, text, Reconstruct(chunks))
}

func TestSplit_HardCutsUnbreakableText(t *testing.T) {
	text := strings.Repeat("x", 250)

	cfg := Config{MaxChunkSize: 100, Overlap: 0, Strategy: StrategyRecursive}
	chunks, err := Chunk(text, cfg)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, 100, chunks[0].Length())
	assert.Equal(t, 100, chunks[1].Length())
	assert.Equal(t, 50, chunks[2].Length())
}

func TestSplit_OverlapIsByOffset(t *testing.T) {
	text := strings.Repeat("abcdefghij", 30)
	runes := []rune(text)

	cfg := Config{MaxChunkSize: 50, Overlap: 15, Strategy: StrategyFixed}
	chunks, err := Chunk(text, cfg)
	require.NoError(t, err)

	assert.Equal(t, 0, chunks[0].OverlapLength())
	for i, c := range chunks {
		assert.Equal(t, i, c.Position)
		assert.Equal(t, string(runes[c.Start:c.End]), c.Text)
		assert.LessOrEqual(t, c.Length(), cfg.MaxChunkSize)
		if i > 0 {
			prev := chunks[i-1]
			assert.Equal(t, prev.End, c.OverlapStart, "core spans must tile the text")
			assert.Equal(t, 15, c.OverlapLength())
			assert.True(t, strings.HasSuffix(prev.Text, string(runes[c.Start:c.OverlapStart])))
		}
	}
	assert.Equal(t, len(runes), chunks[len(chunks)-1].End)
}

func TestSplit_FixedStrategy(t *testing.T) {
	text := paragraph("word", 40) // 199 runes

	cfg := Config{MaxChunkSize: 100, Overlap: 20, Strategy: StrategyFixed}
	chunks, err := Chunk(text, cfg)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, []int{0, 80, 160}, []int{chunks[0].OverlapStart, chunks[1].OverlapStart, chunks[2].OverlapStart})
}

func TestSplit_ReconstructsExactly(t *testing.T) {
	texts := []string{
		"single line",
		"Para one.\n\nPara two is longer. It has two sentences!\n\n\nPara three?\n",
		strings.Repeat("Ünïcödé text → with multibyte runes. ", 40),
		"line\nbreaks\nonly\n" + strings.Repeat("z", 300),
		"\n\n\n",
		"trailing spaces   ",
	}
	configs := []Config{
		{MaxChunkSize: 20, Overlap: 5, Strategy: StrategyRecursive},
		{MaxChunkSize: 64, Overlap: 0, Strategy: StrategyRecursive},
		{MaxChunkSize: 33, Overlap: 32, Strategy: StrategyRecursive},
		{MaxChunkSize: 17, Overlap: 4, Strategy: StrategyFixed},
	}
	for _, text := range texts {
		for _, cfg := range configs {
			chunks, err := Chunk(text, cfg)
			require.NoError(t, err)
			require.NotEmpty(t, chunks)
			assert.Equal(t, text, Reconstruct(chunks), "cfg=%+v", cfg)
			for _, c := range chunks {
				assert.LessOrEqual(t, utf8.RuneCountInString(c.Text), cfg.MaxChunkSize)
				assert.Greater(t, c.End, c.OverlapStart)
			}
		}
	}
}

func TestSplit_Deterministic(t *testing.T) {
	text := strings.Repeat("Sentence one. Sentence two!\n\n", 50)
	cfg := Config{MaxChunkSize: 120, Overlap: 30, Strategy: StrategyRecursive}

	first, err := Chunk(text, cfg)
	require.NoError(t, err)
	second, err := Chunk(text, cfg)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(0))
	assert.Equal(t, 1, EstimateTokens(1))
	assert.Equal(t, 1, EstimateTokens(4))
	assert.Equal(t, 2, EstimateTokens(5))
}
