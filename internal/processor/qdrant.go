package processor

import (
	"context"
	"fmt"

	"github.com/airweave/syncd/internal/chunker"
	"github.com/airweave/syncd/internal/embed"
	"github.com/airweave/syncd/internal/syncerrors"
	"github.com/airweave/syncd/pkg/models"
)

// QdrantConfig configures the chunk-and-embed processor for point-per-chunk
// destinations.
type QdrantConfig struct {
	Dense  *embed.DenseEmbedder
	Sparse *embed.SparseEmbedder
	// Semantic and Code override the process-wide chunkers in tests.
	Semantic *chunker.SemanticChunker
	Code     *chunker.CodeChunker
}

// QdrantProcessor fans one entity out into chunk children, each carrying a
// dense and a sparse vector plus the parent's id for later delete-by-parent.
type QdrantProcessor struct {
	dense  *embed.DenseEmbedder
	sparse *embed.SparseEmbedder
	shaper shaper
}

// NewQdrant builds the fan-out processor.
func NewQdrant(cfg QdrantConfig) *QdrantProcessor {
	return &QdrantProcessor{
		dense:  cfg.Dense,
		sparse: cfg.Sparse,
		shaper: newShaper(cfg.Semantic, cfg.Code),
	}
}

// ID identifies this processor in the entity index.
func (*QdrantProcessor) ID() string { return QdrantProcessorID }

// Process chunks the entity's text and returns one child entity per chunk.
// An entity with no text produces nothing; a deletion reaching this stage is
// a routing bug upstream.
func (p *QdrantProcessor) Process(ctx context.Context, e *models.Entity) ([]*models.Entity, error) {
	if e.Kind == models.KindDeletion {
		return nil, syncerrors.NewSyncFailureError(
			fmt.Sprintf("deletion entity %s reached the content processor", e.EntityID), nil)
	}
	chunks, err := p.shaper.chunks(ctx, e)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	dense, err := p.dense.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed %d chunks of %s: %w", len(chunks), e.EntityID, err)
	}
	sparse, err := p.sparse.Embed(texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed %d chunks of %s: %w", len(chunks), e.EntityID, err)
	}

	out := make([]*models.Entity, len(chunks))
	for i := range chunks {
		idx := i
		child := e.Clone()
		child.EntityID = models.ChunkEntityID(e.EntityID, i)
		child.Textual = chunks[i].Text
		child.Metadata.ChunkIndex = &idx
		child.Metadata.OriginalEntityID = e.EntityID
		child.Metadata.Vectors = []models.Vector{{Values: dense[i]}, sparse[i]}
		out[i] = child
	}
	return out, nil
}
