package processor

import (
	"context"
	"fmt"

	"github.com/airweave/syncd/internal/chunker"
	"github.com/airweave/syncd/internal/embed"
	"github.com/airweave/syncd/internal/syncerrors"
	"github.com/airweave/syncd/pkg/models"
)

// VespaConfig configures the one-document-per-entity processor.
type VespaConfig struct {
	// Dense must be a 768-dimension embedder; the packed companion vectors
	// are sign bits of the same embeddings.
	Dense *embed.DenseEmbedder
	// Semantic and Code override the process-wide chunkers in tests.
	Semantic *chunker.SemanticChunker
	Code     *chunker.CodeChunker
}

// VespaProcessor keeps entities one-to-one: chunk texts, their 768-dimension
// embeddings, and 96-byte sign-packed companions for coarse ANN all live as
// arrays inside the single document.
type VespaProcessor struct {
	dense  *embed.DenseEmbedder
	shaper shaper
}

// NewVespa builds the one-to-one processor. The embedder's vector size must
// be 768 so the packed vectors come out at 96 bytes.
func NewVespa(cfg VespaConfig) (*VespaProcessor, error) {
	if size := cfg.Dense.VectorSize(); size != 768 {
		return nil, fmt.Errorf("vespa processor needs a 768-dimension embedder, got %d", size)
	}
	return &VespaProcessor{
		dense:  cfg.Dense,
		shaper: newShaper(cfg.Semantic, cfg.Code),
	}, nil
}

// ID identifies this processor in the entity index.
func (*VespaProcessor) ID() string { return VespaProcessorID }

// Process chunks the entity's text and attaches the chunk arrays to a single
// output entity.
func (p *VespaProcessor) Process(ctx context.Context, e *models.Entity) ([]*models.Entity, error) {
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

	doc := e.Clone()
	doc.Metadata.OriginalEntityID = e.EntityID
	doc.Metadata.Chunks = texts
	doc.Metadata.Vectors = make([]models.Vector, len(dense))
	doc.Metadata.PackedVectors = make([][]byte, len(dense))
	for i, vec := range dense {
		doc.Metadata.Vectors[i] = models.Vector{Values: vec}
		doc.Metadata.PackedVectors[i] = packSigns(vec)
	}
	return []*models.Entity{doc}, nil
}

// packSigns folds a float vector into one sign bit per dimension, most
// significant bit first within each byte. 768 dimensions pack to 96 bytes.
func packSigns(vec []float32) []byte {
	out := make([]byte, (len(vec)+7)/8)
	for i, v := range vec {
		if v > 0 {
			out[i/8] |= 1 << (7 - i%8)
		}
	}
	return out
}
