// Package processor shapes pipeline entities into the records a destination
// writes. Each destination declares the processor it needs; the processor is
// the only stage allowed to turn one entity into many, so dedup and counting
// stay correct downstream.
package processor

import (
	"context"
	"errors"
	"path"
	"strings"

	"github.com/airweave/syncd/internal/chunker"
	"github.com/airweave/syncd/internal/syncerrors"
	"github.com/airweave/syncd/pkg/models"
)

// Processor identities stored per entity in the entity index. A kept entity
// whose stored identity differs from the target destination's processor is
// re-processed as an update.
const (
	QdrantProcessorID = "qdrant_chunk_embed"
	VespaProcessorID  = "vespa_chunk_embed"
	RawProcessorID    = "raw"
)

// Processor prepares one entity for writing. It returns the entities to
// persist: chunk children for fan-out processors, the same entity enriched
// in place for one-to-one processors, or nothing when the entity carries no
// usable text.
type Processor interface {
	ID() string
	Process(ctx context.Context, e *models.Entity) ([]*models.Entity, error)
}

// shaper holds the chunkers shared by the embedding processors.
type shaper struct {
	semantic *chunker.SemanticChunker
	code     *chunker.CodeChunker
}

func newShaper(semantic *chunker.SemanticChunker, code *chunker.CodeChunker) shaper {
	if semantic == nil {
		semantic = chunker.Semantic()
	}
	if code == nil {
		code = chunker.Code()
	}
	return shaper{semantic: semantic, code: code}
}

// chunks splits the entity's textual representation. Code files go through
// the AST chunker, which also fills in the detected language; everything
// else goes through the semantic chunker. A code file in a language the
// parser does not support is a skip, not a failure.
func (s shaper) chunks(ctx context.Context, e *models.Entity) ([]chunker.Chunk, error) {
	if strings.TrimSpace(e.Textual) == "" {
		return nil, nil
	}
	if e.Kind == models.KindCodeFile {
		filename := e.Name
		if e.Code != nil && e.Code.PathInRepo != "" {
			filename = path.Base(e.Code.PathInRepo)
		}
		chunks, lang, err := s.code.ChunkFile(ctx, filename, []byte(e.Textual))
		if errors.Is(err, chunker.ErrUnsupportedLanguage) {
			return nil, syncerrors.NewEntityError(e.EntityID, "code file language is not supported", err)
		}
		if err != nil {
			return nil, err
		}
		if e.Code != nil && e.Code.Language == "" {
			e.Code.Language = lang
		}
		return chunks, nil
	}
	batches, err := s.semantic.ChunkBatch([]string{e.Textual})
	if err != nil {
		return nil, err
	}
	return batches[0], nil
}

// RawProcessor passes entities through unchanged. Archival destinations use
// it: they want the typed entity, not chunks or vectors.
type RawProcessor struct{}

// NewRaw returns the no-op processor.
func NewRaw() *RawProcessor { return &RawProcessor{} }

// ID identifies the raw processor in the entity index.
func (*RawProcessor) ID() string { return RawProcessorID }

// Process returns the entity as-is.
func (*RawProcessor) Process(_ context.Context, e *models.Entity) ([]*models.Entity, error) {
	return []*models.Entity{e}, nil
}
