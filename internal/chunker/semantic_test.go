package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wordCount stands in for the embedding tokenizer so tests never need the
// encoding tables.
func wordCount(text string) int { return len(strings.Fields(text)) }

func testSemantic(maxTokens int) *SemanticChunker {
	return NewSemanticChunker(SemanticConfig{
		Threshold:        0.25,
		MinSentences:     2,
		MinChars:         20,
		DisableSmoothing: true,
		MergeThreshold:   0.95,
		MaxTokens:        maxTokens,
		Overlap:          5,
		TokenCounter:     wordCount,
	})
}

func TestChunkBatchEmptyText(t *testing.T) {
	out, err := testSemantic(1000).ChunkBatch([]string{"", "   \n\t  "})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Empty(t, out[0])
	assert.Empty(t, out[1])
}

func TestSingleSentence(t *testing.T) {
	text := "One lonely sentence without drama."
	out, err := testSemantic(1000).ChunkBatch([]string{text})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Len(t, out[0], 1)

	ch := out[0][0]
	assert.Equal(t, text, ch.Text)
	assert.Equal(t, 0, ch.StartIndex)
	assert.Equal(t, len(text), ch.EndIndex)
	assert.Equal(t, 5, ch.TokenCount)
}

func TestChunkOffsetsSliceOriginal(t *testing.T) {
	text := "The revenue grew fast this year. The revenue grew again last month. " +
		"Kubernetes nodes restarted badly overnight. Kubernetes nodes restarted slowly today."
	out, err := testSemantic(1000).ChunkBatch([]string{text})
	require.NoError(t, err)

	for _, ch := range out[0] {
		assert.Equal(t, text[ch.StartIndex:ch.EndIndex], ch.Text)
		assert.NotEmpty(t, strings.TrimSpace(ch.Text))
	}
}

func TestTopicBoundary(t *testing.T) {
	topicA := "The quarterly revenue grew fast. The quarterly revenue grew again. The quarterly revenue grew more."
	topicB := "Kubernetes cluster nodes restarted badly. Kubernetes cluster nodes restarted slowly. Kubernetes cluster nodes restarted often."
	text := topicA + " " + topicB

	out, err := testSemantic(1000).ChunkBatch([]string{text})
	require.NoError(t, err)
	chunks := out[0]

	require.Len(t, chunks, 2)
	assert.Contains(t, chunks[0].Text, "revenue")
	assert.NotContains(t, chunks[0].Text, "Kubernetes")
	assert.Contains(t, chunks[1].Text, "Kubernetes")
}

func TestSafetyNetRespectsCeiling(t *testing.T) {
	var sentences []string
	for i := 0; i < 12; i++ {
		sentences = append(sentences, "The quarterly revenue grew fast again.")
	}
	text := strings.Join(sentences, " ")

	maxTokens := 30
	out, err := testSemantic(maxTokens).ChunkBatch([]string{text})
	require.NoError(t, err)
	chunks := out[0]

	require.Greater(t, len(chunks), 1)
	for _, ch := range chunks {
		assert.NotEmpty(t, strings.TrimSpace(ch.Text))
		assert.LessOrEqual(t, ch.TokenCount, maxTokens)
		assert.Equal(t, text[ch.StartIndex:ch.EndIndex], ch.Text)
	}
	assert.Equal(t, 0, chunks[0].StartIndex)
	assert.Equal(t, len(text), chunks[len(chunks)-1].EndIndex)
}

func TestHardSplitLongSentence(t *testing.T) {
	// one long sentence with no boundaries at all
	text := strings.Repeat("word ", 99) + "word"

	out, err := testSemantic(30).ChunkBatch([]string{text})
	require.NoError(t, err)
	chunks := out[0]

	require.Greater(t, len(chunks), 1)
	var rebuilt strings.Builder
	for _, ch := range chunks {
		assert.LessOrEqual(t, ch.TokenCount, 30)
		assert.LessOrEqual(t, ch.EndIndex-ch.StartIndex, 30)
		rebuilt.WriteString(ch.Text)
	}
	assert.Equal(t, text, rebuilt.String())
}

func TestSplitSentences(t *testing.T) {
	text := "Hello world. Second line!\nThird thing"
	spans := splitSentences(text)
	require.Len(t, spans, 3)

	assert.Equal(t, "Hello world.", spans[0].text)
	assert.Equal(t, 0, spans[0].start)
	assert.Equal(t, 12, spans[0].end)

	assert.Equal(t, "Second line!", spans[1].text)
	assert.Equal(t, 13, spans[1].start)

	assert.Equal(t, "Third thing", spans[2].text)
	assert.Equal(t, len(text), spans[2].end)

	// decimals do not end sentences
	assert.Len(t, splitSentences("Pi is 3.14 roughly."), 1)
}

func TestSavitzkyGolay(t *testing.T) {
	flat := []float64{1, 1, 1, 1, 1}
	out := savitzkyGolay(flat)
	for _, v := range out {
		assert.InDelta(t, 1.0, v, 1e-9)
	}

	spike := []float64{0, 0, 1, 0, 0}
	out = savitzkyGolay(spike)
	assert.InDelta(t, 17.0/35.0, out[2], 1e-9)
	assert.InDelta(t, 0, out[0], 1e-9, "edges keep raw values")

	short := []float64{0.5, 0.9}
	assert.Equal(t, short, savitzkyGolay(short))
}

func TestMergeSimilar(t *testing.T) {
	c := testSemantic(1000)
	same := embedSentence("identical content here")
	other := embedSentence("zebras gallop under moonlight")

	merged := c.mergeSimilar(
		[]sentenceRange{{0, 1}, {1, 2}},
		[][]float32{same, same},
	)
	assert.Equal(t, []sentenceRange{{0, 2}}, merged)

	kept := c.mergeSimilar(
		[]sentenceRange{{0, 1}, {1, 2}},
		[][]float32{same, other},
	)
	assert.Equal(t, []sentenceRange{{0, 1}, {1, 2}}, kept)
}

func TestEmbedSentenceSimilarity(t *testing.T) {
	a := embedSentence("The revenue grew fast this quarter")
	b := embedSentence("The revenue grew fast this month")
	c := embedSentence("zebras gallop under pale moonlight")

	assert.Greater(t, cosine(a, b), 0.6)
	assert.Less(t, cosine(a, c), 0.3)
	assert.InDelta(t, 1.0, cosine(a, a), 1e-6)
}
