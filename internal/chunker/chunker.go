// Package chunker splits entity text into bounded chunks for the embedders.
// The semantic chunker cuts prose at topic shifts detected on a local
// embedding similarity curve; the code chunker groups top-level declarations
// from a syntax tree. Both enforce a hard token ceiling per chunk, counted
// with the downstream embedding tokenizer.
package chunker

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

const (
	// MaxTokensPerChunk is the hard ceiling the embedding API accepts.
	MaxTokensPerChunk = 8192
	// ChunkOverlap is the token overlap the safety-net splitter carries
	// between consecutive chunks.
	ChunkOverlap = 128

	encodingName = "cl100k_base"

	// tokenMargin keeps accumulated estimates clear of the ceiling; the
	// recount after assembly is authoritative.
	tokenMargin = 16
)

// Chunk is one bounded piece of a text. Start and end index the original
// text in bytes; overlapping chunks may share a suffix and prefix.
type Chunk struct {
	Text       string `json:"text"`
	StartIndex int    `json:"start_index"`
	EndIndex   int    `json:"end_index"`
	TokenCount int    `json:"token_count"`
}

// TokenCounter counts embedding tokens in a text.
type TokenCounter func(text string) int

// lazyCounter defers tokenizer construction to first use so process startup
// never blocks on the encoding tables.
type lazyCounter struct {
	once sync.Once
	fn   TokenCounter
	err  error
}

func newLazyCounter(fn TokenCounter) *lazyCounter {
	return &lazyCounter{fn: fn}
}

func (l *lazyCounter) count(text string) (int, error) {
	l.once.Do(func() {
		if l.fn != nil {
			return
		}
		enc, err := tiktoken.GetEncoding(encodingName)
		if err != nil {
			l.err = fmt.Errorf("failed to load %s encoding: %w", encodingName, err)
			return
		}
		l.fn = func(text string) int { return len(enc.Encode(text, nil, nil)) }
	})
	if l.err != nil {
		return 0, l.err
	}
	return l.fn(text), nil
}

// hardSplit cuts text into windows of at most max bytes at rune boundaries.
// Byte-pair tokens cover at least one byte each, so a window of max bytes can
// never exceed max tokens regardless of content.
func hardSplit(text string, base, max int, counter *lazyCounter) ([]Chunk, error) {
	var out []Chunk
	offset := 0
	for offset < len(text) {
		n := max
		if offset+n >= len(text) {
			n = len(text) - offset
		} else {
			for n > 0 && !utf8.RuneStart(text[offset+n]) {
				n--
			}
			if n == 0 {
				n = max
			}
		}
		piece := text[offset : offset+n]
		tokens, err := counter.count(piece)
		if err != nil {
			return nil, err
		}
		out = append(out, Chunk{
			Text:       piece,
			StartIndex: base + offset,
			EndIndex:   base + offset + n,
			TokenCount: tokens,
		})
		offset += n
	}
	return out, nil
}
