package destinations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/airweave/syncd/internal/httpclient"
	"github.com/airweave/syncd/internal/logger"
	"github.com/airweave/syncd/internal/processor"
	"github.com/airweave/syncd/pkg/models"
)

const (
	vespaDocType = "entity"
	// vespaVectorSize is fixed by the deployed document schema.
	vespaVectorSize = 768
)

// VespaDestination feeds one document per entity through the document/v1
// API. Chunk texts, their embeddings, and the sign-packed companions live as
// arrays inside the document, so deletes are one HTTP call per entity.
type VespaDestination struct {
	client    *httpclient.Client
	endpoint  string
	namespace string
	cluster   string
	log       logger.Logger
}

// NewVespa builds the destination. The document schema is fixed at 768
// dimensions; a collection configured otherwise is refused.
func NewVespa(cfg Config) (*VespaDestination, error) {
	if cfg.VectorSize != 0 && cfg.VectorSize != vespaVectorSize {
		return nil, fmt.Errorf("vespa destination is fixed at %d dimensions, collection wants %d", vespaVectorSize, cfg.VectorSize)
	}
	if cfg.CollectionID == "" {
		return nil, fmt.Errorf("vespa destination needs a collection id")
	}
	endpoint := strings.TrimRight(cfg.Credentials["endpoint"], "/")
	if endpoint == "" {
		return nil, fmt.Errorf("vespa destination needs an endpoint")
	}
	cluster := cfg.Credentials["cluster"]
	if cluster == "" {
		cluster = "content"
	}
	return &VespaDestination{
		client:    httpclient.New(httpclient.Options{Timeout: 60 * time.Second}),
		endpoint:  endpoint,
		namespace: cfg.CollectionID,
		cluster:   cluster,
		log:       logger.New("vespa").WithFields(logger.String("namespace", cfg.CollectionID)),
	}, nil
}

// BulkUpsert PUTs each document. document/v1 writes are idempotent by docid.
func (d *VespaDestination) BulkUpsert(ctx context.Context, entities []*models.Entity) error {
	for _, e := range entities {
		body, err := json.Marshal(map[string]any{"fields": vespaFields(e)})
		if err != nil {
			return fmt.Errorf("failed to encode document %s: %w", e.EntityID, err)
		}
		if err := d.send(ctx, http.MethodPut, d.docURL(e.EntityID), body); err != nil {
			return fmt.Errorf("failed to feed document %s: %w", e.EntityID, err)
		}
	}
	return nil
}

// BulkDelete removes documents by docid.
func (d *VespaDestination) BulkDelete(ctx context.Context, entityIDs []string) error {
	for _, id := range entityIDs {
		if err := d.send(ctx, http.MethodDelete, d.docURL(id), nil); err != nil {
			return fmt.Errorf("failed to delete document %s: %w", id, err)
		}
	}
	return nil
}

// BulkDeleteByParent issues a selection delete. Documents here are
// one-to-one with originals, but the selection also catches documents whose
// docid drifted from their original id.
func (d *VespaDestination) BulkDeleteByParent(ctx context.Context, parentIDs []string) error {
	if len(parentIDs) == 0 {
		return nil
	}
	base := fmt.Sprintf("%s/document/v1/%s/%s/docid?selection=%s&cluster=%s",
		d.endpoint,
		url.PathEscape(d.namespace),
		vespaDocType,
		url.QueryEscape(parentSelection(parentIDs)),
		url.QueryEscape(d.cluster))

	// Selection deletes visit the corpus in slices; follow continuations
	// until the visit completes.
	continuation := ""
	for {
		target := base
		if continuation != "" {
			target += "&continuation=" + url.QueryEscape(continuation)
		}
		next, err := d.sendVisit(ctx, target)
		if err != nil {
			return fmt.Errorf("failed to delete documents of %d parents: %w", len(parentIDs), err)
		}
		if next == "" {
			return nil
		}
		continuation = next
	}
}

// HasKeywordIndex reports true: the schema ranks with native BM25.
func (*VespaDestination) HasKeywordIndex() bool { return true }

// ContentProcessorID asks for one-to-one shaping with in-document chunks.
func (*VespaDestination) ContentProcessorID() string { return processor.VespaProcessorID }

func (*VespaDestination) Close() error { return nil }

func (d *VespaDestination) docURL(entityID string) string {
	return fmt.Sprintf("%s/document/v1/%s/%s/docid/%s",
		d.endpoint, url.PathEscape(d.namespace), vespaDocType, url.PathEscape(entityID))
}

func (d *VespaDestination) send(ctx context.Context, method, rawURL string, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("document api returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// sendVisit runs one slice of a selection delete and returns the
// continuation token, empty when the visit finished.
func (d *VespaDestination) sendVisit(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("document api returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out struct {
		Continuation string `json:"continuation"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode visit response: %w", err)
	}
	return out.Continuation, nil
}

// vespaFields flattens an entity into the document schema. Tensor fields use
// the blocks form of the JSON tensor format, keyed by chunk index.
func vespaFields(e *models.Entity) map[string]any {
	fields := map[string]any{
		"entity_id": e.EntityID,
	}
	put := func(key, val string) {
		if val != "" {
			fields[key] = val
		}
	}
	put("sync_id", e.Metadata.SyncID)
	put("entity_type", e.Metadata.EntityType)
	put("source_name", e.Metadata.SourceName)
	put("original_entity_id", e.Metadata.OriginalEntityID)
	put("name", e.Name)
	if e.UpdatedAt != nil {
		fields["updated_at"] = e.UpdatedAt.UTC().Unix()
	}
	if len(e.Metadata.Chunks) > 0 {
		fields["chunks"] = e.Metadata.Chunks
	}

	if len(e.Metadata.Vectors) > 0 {
		blocks := make(map[string][]float32, len(e.Metadata.Vectors))
		for i, v := range e.Metadata.Vectors {
			blocks[strconv.Itoa(i)] = v.Values
		}
		fields["chunk_embeddings"] = map[string]any{"blocks": blocks}
	}
	if len(e.Metadata.PackedVectors) > 0 {
		blocks := make(map[string][]int8, len(e.Metadata.PackedVectors))
		for i, packed := range e.Metadata.PackedVectors {
			vals := make([]int8, len(packed))
			for j, b := range packed {
				vals[j] = int8(b)
			}
			blocks[strconv.Itoa(i)] = vals
		}
		fields["binary_embeddings"] = map[string]any{"blocks": blocks}
	}
	return fields
}

// parentSelection builds the document selection matching any of the parent
// ids. Single quotes inside ids are escaped.
func parentSelection(parentIDs []string) string {
	terms := make([]string, len(parentIDs))
	for i, id := range parentIDs {
		escaped := strings.ReplaceAll(id, `'`, `\'`)
		terms[i] = fmt.Sprintf("%s.original_entity_id=='%s'", vespaDocType, escaped)
	}
	return strings.Join(terms, " or ")
}
