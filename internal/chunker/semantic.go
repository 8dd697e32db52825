package chunker

import (
	"math"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/airweave/syncd/internal/syncerrors"
)

// embeddingDim sizes the hashed sentence embeddings used for boundary
// detection. They only need to separate topics, not rank them.
const embeddingDim = 128

// SemanticConfig tunes the boundary detector. Zero values take defaults.
type SemanticConfig struct {
	// Threshold cuts a boundary where the smoothed similarity drops below it.
	Threshold float64
	// MinSentences and MinChars stop boundaries from producing fragments.
	MinSentences int
	MinChars     int
	// DisableSmoothing skips the Savitzky-Golay pass over the curve.
	DisableSmoothing bool
	// SkipWindow is how many chunks ahead the merge pass may look.
	SkipWindow int
	// MergeThreshold re-joins adjacent chunks whose embeddings stay this
	// similar.
	MergeThreshold float64
	// MaxTokens and Overlap drive the safety-net splitter.
	MaxTokens int
	Overlap   int
	// TokenCounter overrides the embedding tokenizer.
	TokenCounter TokenCounter
}

// SemanticChunker splits prose into topically coherent chunks.
type SemanticChunker struct {
	threshold      float64
	minSentences   int
	minChars       int
	smoothing      bool
	skipWindow     int
	mergeThreshold float64
	maxTokens      int
	overlap        int
	counter        *lazyCounter
}

// NewSemanticChunker builds a chunker with the given overrides.
func NewSemanticChunker(cfg SemanticConfig) *SemanticChunker {
	if cfg.Threshold == 0 {
		cfg.Threshold = 0.25
	}
	if cfg.MinSentences == 0 {
		cfg.MinSentences = 3
	}
	if cfg.MinChars == 0 {
		cfg.MinChars = 200
	}
	if cfg.SkipWindow == 0 {
		cfg.SkipWindow = 1
	}
	if cfg.MergeThreshold == 0 {
		cfg.MergeThreshold = 0.75
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = MaxTokensPerChunk
	}
	if cfg.Overlap == 0 {
		cfg.Overlap = ChunkOverlap
	}
	return &SemanticChunker{
		threshold:      cfg.Threshold,
		minSentences:   cfg.MinSentences,
		minChars:       cfg.MinChars,
		smoothing:      !cfg.DisableSmoothing,
		skipWindow:     cfg.SkipWindow,
		mergeThreshold: cfg.MergeThreshold,
		maxTokens:      cfg.MaxTokens,
		overlap:        cfg.Overlap,
		counter:        newLazyCounter(cfg.TokenCounter),
	}
}

var (
	semanticOnce sync.Once
	semanticInst *SemanticChunker
)

// Semantic returns the process-wide semantic chunker.
func Semantic() *SemanticChunker {
	semanticOnce.Do(func() {
		semanticInst = NewSemanticChunker(SemanticConfig{})
	})
	return semanticInst
}

// ChunkBatch chunks each text independently. Every returned chunk is
// non-empty and within the token ceiling; a ceiling violation is a
// programming bug and fails the sync.
func (c *SemanticChunker) ChunkBatch(texts []string) ([][]Chunk, error) {
	out := make([][]Chunk, len(texts))
	for i, text := range texts {
		chunks, err := c.chunkOne(text)
		if err != nil {
			return nil, err
		}
		out[i] = chunks
	}
	return out, nil
}

func (c *SemanticChunker) chunkOne(text string) ([]Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	sents := splitSentences(text)
	if len(sents) == 0 {
		return nil, nil
	}

	embeds := make([][]float32, len(sents))
	for i, s := range sents {
		embeds[i] = embedSentence(s.text)
	}

	ranges := c.boundaries(text, sents, embeds)
	ranges = c.mergeSimilar(ranges, embeds)

	var out []Chunk
	for _, r := range ranges {
		chunks, err := c.boundedChunks(text, sents, r)
		if err != nil {
			return nil, err
		}
		out = append(out, chunks...)
	}

	for _, ch := range out {
		if strings.TrimSpace(ch.Text) == "" || ch.TokenCount > c.maxTokens {
			return nil, syncerrors.NewSyncFailureError("chunker produced an invalid chunk", nil)
		}
	}
	return out, nil
}

// sentenceRange is a half-open run of sentence indices forming one chunk.
type sentenceRange struct{ lo, hi int }

// boundaries walks the smoothed similarity curve and cuts where it drops
// below the threshold, respecting the minimum chunk size.
func (c *SemanticChunker) boundaries(text string, sents []span, embeds [][]float32) []sentenceRange {
	if len(sents) == 1 {
		return []sentenceRange{{0, 1}}
	}

	sims := make([]float64, len(sents)-1)
	for i := 0; i+1 < len(sents); i++ {
		sims[i] = cosine(embeds[i], embeds[i+1])
	}
	if c.smoothing {
		sims = savitzkyGolay(sims)
	}

	var ranges []sentenceRange
	lo := 0
	for i := 0; i+1 < len(sents); i++ {
		if sims[i] >= c.threshold {
			continue
		}
		count := i + 1 - lo
		chars := sents[i].end - sents[lo].start
		if count < c.minSentences || chars < c.minChars {
			continue
		}
		ranges = append(ranges, sentenceRange{lo, i + 1})
		lo = i + 1
	}
	ranges = append(ranges, sentenceRange{lo, len(sents)})
	return ranges
}

// mergeSimilar re-joins chunk runs whose embeddings stayed similar, looking
// up to skipWindow chunks ahead.
func (c *SemanticChunker) mergeSimilar(ranges []sentenceRange, embeds [][]float32) []sentenceRange {
	if len(ranges) < 2 {
		return ranges
	}
	mean := func(r sentenceRange) []float32 {
		return meanEmbedding(embeds[r.lo:r.hi])
	}

	var out []sentenceRange
	cur := ranges[0]
	i := 1
	for i < len(ranges) {
		merged := false
		limit := i + c.skipWindow
		if limit > len(ranges) {
			limit = len(ranges)
		}
		for j := i; j < limit; j++ {
			if cosine(mean(cur), mean(ranges[j])) >= c.mergeThreshold {
				cur.hi = ranges[j].hi
				i = j + 1
				merged = true
				break
			}
		}
		if merged {
			continue
		}
		out = append(out, cur)
		cur = ranges[i]
		i++
	}
	return append(out, cur)
}

// boundedChunks turns one sentence range into chunks under the token
// ceiling, re-splitting oversize runs with overlap.
func (c *SemanticChunker) boundedChunks(text string, sents []span, r sentenceRange) ([]Chunk, error) {
	whole := text[sents[r.lo].start:sents[r.hi-1].end]
	tokens, err := c.counter.count(whole)
	if err != nil {
		return nil, err
	}
	if tokens <= c.maxTokens {
		return []Chunk{{
			Text:       whole,
			StartIndex: sents[r.lo].start,
			EndIndex:   sents[r.hi-1].end,
			TokenCount: tokens,
		}}, nil
	}

	budget := c.maxTokens - tokenMargin
	var out []Chunk
	var cur []span
	curTokens := 0

	flush := func() error {
		if len(cur) == 0 {
			return nil
		}
		chunkText := text[cur[0].start:cur[len(cur)-1].end]
		n, err := c.counter.count(chunkText)
		if err != nil {
			return err
		}
		out = append(out, Chunk{
			Text:       chunkText,
			StartIndex: cur[0].start,
			EndIndex:   cur[len(cur)-1].end,
			TokenCount: n,
		})
		return nil
	}

	for i := r.lo; i < r.hi; i++ {
		s := sents[i]
		t, err := c.counter.count(s.text)
		if err != nil {
			return nil, err
		}
		if t > budget {
			if err := flush(); err != nil {
				return nil, err
			}
			cur, curTokens = nil, 0
			pieces, err := hardSplit(s.text, s.start, c.maxTokens, c.counter)
			if err != nil {
				return nil, err
			}
			out = append(out, pieces...)
			continue
		}
		if curTokens+t+1 > budget && len(cur) > 0 {
			if err := flush(); err != nil {
				return nil, err
			}
			cur, curTokens = overlapTail(cur, c.overlap, c.counter)
			if curTokens+t+1 > budget {
				cur, curTokens = nil, 0
			}
		}
		cur = append(cur, s)
		curTokens += t + 1
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}

// overlapTail keeps the trailing sentences worth at most overlap tokens to
// seed the next chunk.
func overlapTail(cur []span, overlap int, counter *lazyCounter) ([]span, int) {
	var tail []span
	total := 0
	for i := len(cur) - 1; i >= 0; i-- {
		t, err := counter.count(cur[i].text)
		if err != nil {
			break
		}
		if total+t+1 > overlap {
			break
		}
		tail = append([]span{cur[i]}, tail...)
		total += t + 1
	}
	return tail, total
}

// span is one sentence with its byte offsets in the original text.
type span struct {
	text  string
	start int
	end   int
}

// splitSentences cuts at sentence-ending punctuation followed by whitespace
// and at newlines, preserving byte offsets.
func splitSentences(text string) []span {
	var out []span
	segStart := -1
	flush := func(end int) {
		if segStart < 0 {
			return
		}
		s := strings.TrimRight(text[segStart:end], " \t\r\n")
		if s != "" {
			out = append(out, span{text: s, start: segStart, end: segStart + len(s)})
		}
		segStart = -1
	}

	for i := 0; i < len(text); i++ {
		c := text[i]
		if segStart < 0 {
			if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
				continue
			}
			segStart = i
		}
		switch c {
		case '.', '!', '?':
			if i+1 >= len(text) || isSpace(text[i+1]) {
				flush(i + 1)
			}
		case '\n':
			flush(i)
		}
	}
	flush(len(text))
	return out
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// embedSentence hashes character n-grams into a fixed-dimension vector and
// normalizes it. Shared n-grams give similar sentences high cosine
// similarity, which is all boundary detection needs.
func embedSentence(text string) []float32 {
	vec := make([]float32, embeddingDim)
	lower := strings.ToLower(text)
	for _, n := range []int{3, 4} {
		if len(lower) < n {
			continue
		}
		for i := 0; i+n <= len(lower); i++ {
			h := xxhash.Sum64String(lower[i : i+n])
			idx := int(h % embeddingDim)
			if h&(1<<63) != 0 {
				vec[idx]--
			} else {
				vec[idx]++
			}
		}
	}
	normalize(vec)
	return vec
}

func meanEmbedding(vecs [][]float32) []float32 {
	mean := make([]float32, embeddingDim)
	for _, v := range vecs {
		for i := range v {
			mean[i] += v[i]
		}
	}
	normalize(mean)
	return mean
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// sgCoefficients is the quadratic Savitzky-Golay kernel for a window of 5.
var sgCoefficients = [5]float64{-3, 12, 17, 12, -3}

// savitzkyGolay smooths the similarity curve; edges keep their raw values.
func savitzkyGolay(vals []float64) []float64 {
	if len(vals) < 5 {
		return vals
	}
	out := make([]float64, len(vals))
	copy(out, vals)
	for i := 2; i+2 < len(vals); i++ {
		var sum float64
		for j := -2; j <= 2; j++ {
			sum += sgCoefficients[j+2] * vals[i+j]
		}
		out[i] = sum / 35
	}
	return out
}
