// Package destinations writes shaped entities into search backends. Each
// destination binds to one collection, owns its schema provisioning, and
// declares the content processor its documents need. Writes are idempotent
// by entity id so a replayed job converges instead of duplicating.
package destinations

import (
	"context"
	"fmt"

	"github.com/airweave/syncd/pkg/models"
)

// Destination is the write contract the pipeline persists through.
type Destination interface {
	// BulkUpsert writes the shaped entities. Idempotent by entity id.
	BulkUpsert(ctx context.Context, entities []*models.Entity) error
	// BulkDelete removes documents by their entity ids.
	BulkDelete(ctx context.Context, entityIDs []string) error
	// BulkDeleteByParent removes every document fanned out from the given
	// original entity ids.
	BulkDeleteByParent(ctx context.Context, parentIDs []string) error
	// HasKeywordIndex reports whether the backend serves keyword search.
	HasKeywordIndex() bool
	// ContentProcessorID names the shaping this destination requires. The
	// entity index stores it per entity; a hash match with a different
	// processor id still re-processes the entity.
	ContentProcessorID() string
	Close() error
}

// Config binds a destination instance to one collection.
type Config struct {
	CollectionID   string
	OrganizationID string
	// VectorSize is the dense embedding width of the collection. Vector
	// destinations refuse to build without it.
	VectorSize int
	// Credentials carries backend-specific settings: host, port, api_key
	// for qdrant; endpoint, cluster for vespa.
	Credentials map[string]string
}

// Build constructs the destination registered under shortName.
func Build(ctx context.Context, shortName string, cfg Config) (Destination, error) {
	switch shortName {
	case "qdrant":
		return NewQdrant(ctx, cfg)
	case "vespa":
		return NewVespa(cfg)
	default:
		return nil, fmt.Errorf("unknown destination %q", shortName)
	}
}
