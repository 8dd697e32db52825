package destinations

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/airweave/syncd/internal/logger"
	"github.com/airweave/syncd/internal/processor"
	"github.com/airweave/syncd/internal/syncerrors"
	"github.com/airweave/syncd/pkg/models"
)

const (
	denseVectorName  = "dense"
	sparseVectorName = "bm25"

	// upsertBatchSize bounds points per gRPC request.
	upsertBatchSize = 512
)

// QdrantDestination writes one point per chunk entity into a collection with
// a named dense vector and a named BM25 sparse vector.
type QdrantDestination struct {
	client     *qdrant.Client
	collection string
	vectorSize int
	log        logger.Logger
}

// NewQdrant connects to the cluster and provisions the collection when it
// does not exist yet.
func NewQdrant(ctx context.Context, cfg Config) (*QdrantDestination, error) {
	if cfg.VectorSize <= 0 {
		return nil, fmt.Errorf("qdrant destination needs a vector size")
	}
	if cfg.CollectionID == "" {
		return nil, fmt.Errorf("qdrant destination needs a collection id")
	}

	host := cfg.Credentials["host"]
	if host == "" {
		host = "localhost"
	}
	port := 6334
	if raw := cfg.Credentials["port"]; raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid qdrant port %q: %w", raw, err)
		}
		port = p
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.Credentials["api_key"],
		UseTLS: cfg.Credentials["use_tls"] == "true",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build qdrant client: %w", err)
	}

	d := &QdrantDestination{
		client:     client,
		collection: cfg.CollectionID,
		vectorSize: cfg.VectorSize,
		log:        logger.New("qdrant").WithFields(logger.String("collection", cfg.CollectionID)),
	}
	if err := d.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return d, nil
}

func (d *QdrantDestination) ensureCollection(ctx context.Context) error {
	exists, err := d.client.CollectionExists(ctx, d.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection %s: %w", d.collection, err)
	}
	if exists {
		return nil
	}
	err = d.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: d.collection,
		VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
			denseVectorName: {
				Size:     uint64(d.vectorSize),
				Distance: qdrant.Distance_Cosine,
			},
		}),
		SparseVectorsConfig: qdrant.NewSparseVectorsConfig(map[string]*qdrant.SparseVectorParams{
			sparseVectorName: {},
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", d.collection, err)
	}
	d.log.Info("created collection", logger.Int("vector_size", d.vectorSize))
	return nil
}

// BulkUpsert writes points in batches, waiting for each batch so a completed
// job means visible data.
func (d *QdrantDestination) BulkUpsert(ctx context.Context, entities []*models.Entity) error {
	points, err := buildPoints(entities)
	if err != nil {
		return err
	}
	for lo := 0; lo < len(points); lo += upsertBatchSize {
		hi := lo + upsertBatchSize
		if hi > len(points) {
			hi = len(points)
		}
		_, err := d.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: d.collection,
			Points:         points[lo:hi],
			Wait:           qdrant.PtrOf(true),
		})
		if err != nil {
			return fmt.Errorf("failed to upsert %d points: %w", hi-lo, err)
		}
	}
	return nil
}

// BulkDelete removes points by entity id.
func (d *QdrantDestination) BulkDelete(ctx context.Context, entityIDs []string) error {
	if len(entityIDs) == 0 {
		return nil
	}
	ids := make([]*qdrant.PointId, len(entityIDs))
	for i, id := range entityIDs {
		ids[i] = qdrant.NewID(pointID(id))
	}
	_, err := d.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: d.collection,
		Points:         qdrant.NewPointsSelector(ids...),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %d points: %w", len(entityIDs), err)
	}
	return nil
}

// BulkDeleteByParent removes all chunk points of the given originals through
// a payload filter.
func (d *QdrantDestination) BulkDeleteByParent(ctx context.Context, parentIDs []string) error {
	if len(parentIDs) == 0 {
		return nil
	}
	_, err := d.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: d.collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatchKeywords("original_entity_id", parentIDs...),
			},
		}),
		Wait: qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("failed to delete points of %d parents: %w", len(parentIDs), err)
	}
	return nil
}

// HasKeywordIndex reports true: the sparse BM25 vector serves keyword search.
func (*QdrantDestination) HasKeywordIndex() bool { return true }

// ContentProcessorID asks for chunk fan-out with dense and sparse vectors.
func (*QdrantDestination) ContentProcessorID() string { return processor.QdrantProcessorID }

// Close releases the gRPC connection.
func (d *QdrantDestination) Close() error { return d.client.Close() }

// pointID derives the point UUID from the entity id. UUIDv5 keeps upserts
// idempotent: the same chunk always lands on the same point.
func pointID(entityID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(entityID)).String()
}

// buildPoints maps shaped entities onto point structs. Every entity must
// carry a dense and a sparse vector; anything else is a pipeline wiring bug.
func buildPoints(entities []*models.Entity) ([]*qdrant.PointStruct, error) {
	points := make([]*qdrant.PointStruct, 0, len(entities))
	for _, e := range entities {
		var dense, sparse *models.Vector
		for i := range e.Metadata.Vectors {
			v := &e.Metadata.Vectors[i]
			if v.IsSparse() {
				if sparse == nil {
					sparse = v
				}
			} else if len(v.Values) > 0 && dense == nil {
				dense = v
			}
		}
		if dense == nil {
			return nil, syncerrors.NewSyncFailureError(
				fmt.Sprintf("entity %s reached qdrant without a dense vector", e.EntityID), nil)
		}

		vectors := map[string]*qdrant.Vector{
			denseVectorName: qdrant.NewVector(dense.Values...),
		}
		if sparse != nil {
			vectors[sparseVectorName] = qdrant.NewVectorSparse(sparse.Indices, sparse.Weights)
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(pointID(e.EntityID)),
			Vectors: qdrant.NewVectorsMap(vectors),
			Payload: qdrant.NewValueMap(pointPayload(e)),
		})
	}
	return points, nil
}

// pointPayload flattens the searchable entity header. Empty values are
// dropped to keep points lean.
func pointPayload(e *models.Entity) map[string]any {
	payload := map[string]any{}
	put := func(key, val string) {
		if val != "" {
			payload[key] = val
		}
	}
	put("entity_id", e.EntityID)
	put("original_entity_id", e.Metadata.OriginalEntityID)
	put("sync_id", e.Metadata.SyncID)
	put("sync_job_id", e.Metadata.SyncJobID)
	put("entity_type", e.Metadata.EntityType)
	put("source_name", e.Metadata.SourceName)
	put("name", e.Name)
	put("content", e.Textual)
	if e.Metadata.ChunkIndex != nil {
		payload["chunk_index"] = int64(*e.Metadata.ChunkIndex)
	}
	if e.CreatedAt != nil {
		payload["created_at"] = e.CreatedAt.UTC().Format(time.RFC3339)
	}
	if e.UpdatedAt != nil {
		payload["updated_at"] = e.UpdatedAt.UTC().Format(time.RFC3339)
	}
	if len(e.Breadcrumbs) > 0 {
		names := make([]string, 0, len(e.Breadcrumbs))
		for _, b := range e.Breadcrumbs {
			if b.Name != "" {
				names = append(names, b.Name)
			}
		}
		put("context_path", strings.Join(names, " / "))
	}
	return payload
}
