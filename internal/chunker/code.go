package chunker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/go-enry/go-enry/v2"
	sitter "github.com/smacker/go-tree-sitter"
	tsgo "github.com/smacker/go-tree-sitter/golang"
	tsjava "github.com/smacker/go-tree-sitter/java"
	tsjs "github.com/smacker/go-tree-sitter/javascript"
	tspython "github.com/smacker/go-tree-sitter/python"
	tsts "github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/airweave/syncd/internal/syncerrors"
)

// ErrUnsupportedLanguage marks files without a grammar; the pipeline skips
// the entity instead of failing the sync.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// CodeConfig tunes the code chunker. Zero values take defaults.
type CodeConfig struct {
	MaxTokens    int
	TokenCounter TokenCounter
}

// CodeChunker splits source files along top-level declarations of their
// syntax tree. The language is classified from filename and content before
// the grammar lookup.
type CodeChunker struct {
	maxTokens int
	counter   *lazyCounter
	grammars  map[string]*sitter.Language
}

// NewCodeChunker builds a chunker with the given overrides.
func NewCodeChunker(cfg CodeConfig) *CodeChunker {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = MaxTokensPerChunk
	}
	return &CodeChunker{
		maxTokens: cfg.MaxTokens,
		counter:   newLazyCounter(cfg.TokenCounter),
		grammars: map[string]*sitter.Language{
			"Go":         tsgo.GetLanguage(),
			"Java":       tsjava.GetLanguage(),
			"JavaScript": tsjs.GetLanguage(),
			"Python":     tspython.GetLanguage(),
			"TypeScript": tsts.GetLanguage(),
		},
	}
}

var (
	codeOnce sync.Once
	codeInst *CodeChunker
)

// Code returns the process-wide code chunker.
func Code() *CodeChunker {
	codeOnce.Do(func() {
		codeInst = NewCodeChunker(CodeConfig{})
	})
	return codeInst
}

// ChunkFile parses the source and groups consecutive top-level declarations
// until the token ceiling. It returns the detected language alongside the
// chunks; files without a grammar return ErrUnsupportedLanguage.
func (c *CodeChunker) ChunkFile(ctx context.Context, filename string, content []byte) ([]Chunk, string, error) {
	lang := enry.GetLanguage(filepath.Base(filename), content)
	grammar, ok := c.grammars[lang]
	if !ok {
		return nil, lang, fmt.Errorf("%s: %w", lang, ErrUnsupportedLanguage)
	}

	parser := sitter.NewParser()
	parser.SetLanguage(grammar)
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, lang, fmt.Errorf("failed to parse %s: %w", filename, err)
	}
	defer tree.Close()

	chunks, err := c.groupDeclarations(string(content), tree.RootNode())
	if err != nil {
		return nil, lang, err
	}
	for _, ch := range chunks {
		if ch.Text == "" || ch.TokenCount > c.maxTokens {
			return nil, lang, syncerrors.NewSyncFailureError("code chunker produced an invalid chunk", nil)
		}
	}
	return chunks, lang, nil
}

// groupDeclarations accumulates consecutive top-level nodes into chunks under
// the token ceiling. A single oversize declaration is hard-split.
func (c *CodeChunker) groupDeclarations(source string, root *sitter.Node) ([]Chunk, error) {
	n := int(root.NamedChildCount())
	if n == 0 {
		return nil, nil
	}

	var out []Chunk
	groupStart, groupEnd := -1, -1
	groupTokens := 0

	flush := func() error {
		if groupStart < 0 {
			return nil
		}
		text := source[groupStart:groupEnd]
		tokens, err := c.counter.count(text)
		if err != nil {
			return err
		}
		out = append(out, Chunk{
			Text:       text,
			StartIndex: groupStart,
			EndIndex:   groupEnd,
			TokenCount: tokens,
		})
		groupStart, groupEnd, groupTokens = -1, -1, 0
		return nil
	}

	budget := c.maxTokens - tokenMargin
	for i := 0; i < n; i++ {
		node := root.NamedChild(i)
		start, end := int(node.StartByte()), int(node.EndByte())
		text := source[start:end]
		tokens, err := c.counter.count(text)
		if err != nil {
			return nil, err
		}

		if tokens > budget {
			if err := flush(); err != nil {
				return nil, err
			}
			pieces, err := hardSplit(text, start, c.maxTokens, c.counter)
			if err != nil {
				return nil, err
			}
			out = append(out, pieces...)
			continue
		}
		if groupStart >= 0 && groupTokens+tokens+1 > budget {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		if groupStart < 0 {
			groupStart = start
		}
		groupEnd = end
		groupTokens += tokens + 1
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}
