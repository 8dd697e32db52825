package embed

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/airweave/syncd/internal/syncerrors"
	"github.com/airweave/syncd/pkg/models"
)

const (
	bm25K1 = 1.2
	bm25B  = 0.75

	// sparseBatchSize splits large batches so a long-running embed call
	// yields between slices and heartbeats keep flowing.
	sparseBatchSize = 200
)

// SparseEmbedder computes BM25 term-weight vectors locally. Term ids are
// stable hashes, so vectors from different batches share the same index
// space; document statistics are per batch.
type SparseEmbedder struct{}

// NewSparse builds a sparse embedder.
func NewSparse() *SparseEmbedder { return &SparseEmbedder{} }

var (
	sparseOnce sync.Once
	sparseInst *SparseEmbedder
)

// SharedSparse returns the process-wide sparse embedder.
func SharedSparse() *SparseEmbedder {
	sparseOnce.Do(func() { sparseInst = NewSparse() })
	return sparseInst
}

// Embed returns one BM25 vector per text, in order. Empty input text fails
// the sync, matching the dense embedder.
func (s *SparseEmbedder) Embed(texts []string) ([]models.Vector, error) {
	for _, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, syncerrors.NewSyncFailureError("sparse embedder received empty text", nil)
		}
	}

	out := make([]models.Vector, 0, len(texts))
	for start := 0; start < len(texts); start += sparseBatchSize {
		end := start + sparseBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		out = append(out, embedBM25(texts[start:end])...)
	}
	return out, nil
}

// embedBM25 scores one batch: idf from batch document frequencies, tf
// normalized by document length against the batch average.
func embedBM25(texts []string) []models.Vector {
	docs := make([][]string, len(texts))
	totalLen := 0
	df := map[string]int{}
	for i, text := range texts {
		docs[i] = tokenize(text)
		totalLen += len(docs[i])
		seen := map[string]struct{}{}
		for _, term := range docs[i] {
			if _, dup := seen[term]; dup {
				continue
			}
			seen[term] = struct{}{}
			df[term]++
		}
	}
	avgLen := float64(totalLen) / float64(len(texts))
	if avgLen == 0 {
		avgLen = 1
	}
	n := float64(len(texts))

	out := make([]models.Vector, len(texts))
	for i, doc := range docs {
		tf := map[string]int{}
		for _, term := range doc {
			tf[term]++
		}

		terms := make([]string, 0, len(tf))
		for term := range tf {
			terms = append(terms, term)
		}
		sort.Strings(terms)

		dl := float64(len(doc))
		vec := models.Vector{
			Indices: make([]uint32, 0, len(terms)),
			Weights: make([]float32, 0, len(terms)),
		}
		for _, term := range terms {
			freq := float64(tf[term])
			idf := math.Log(1 + (n-float64(df[term])+0.5)/(float64(df[term])+0.5))
			weight := idf * freq * (bm25K1 + 1) / (freq + bm25K1*(1-bm25B+bm25B*dl/avgLen))
			vec.Indices = append(vec.Indices, termID(term))
			vec.Weights = append(vec.Weights, float32(weight))
		}
		out[i] = vec
	}
	return out
}

// termID hashes a term into the sparse index space.
func termID(term string) uint32 {
	return uint32(xxhash.Sum64String(term) & 0x7fffffff)
}

// tokenize lowercases and splits on non-alphanumeric runes, dropping
// single-rune fragments.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= 2 {
			out = append(out, f)
		}
	}
	return out
}
