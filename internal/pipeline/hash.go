package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/airweave/syncd/internal/syncerrors"
	"github.com/airweave/syncd/pkg/models"
)

// contentHash fingerprints the source-visible content of an entity. Fields
// flagged unhashable (presigned URLs, fetch timestamps) stay out, as do
// fields the engine itself mutates later (staging paths, stamped metadata),
// so an unchanged record hashes the same across crawls. encoding/json writes
// map keys in sorted order, which makes the digest canonical.
func contentHash(e *models.Entity) (string, error) {
	content := map[string]any{
		"entity_id":   e.EntityID,
		"kind":        e.Kind,
		"entity_type": e.Metadata.EntityType,
	}
	if e.Name != "" {
		content["name"] = e.Name
	}
	if len(e.Breadcrumbs) > 0 {
		content["breadcrumbs"] = e.Breadcrumbs
	}
	if e.UpdatedAt != nil {
		content["updated_at"] = e.UpdatedAt.UTC()
	}

	props := map[string]any{}
	for _, field := range models.HashableFields(e.Metadata.EntityType, e.Properties) {
		props[field] = e.Properties[field]
	}
	if len(props) > 0 {
		content["properties"] = props
	}

	if e.File != nil {
		// URL and LocalPath are volatile between crawls; size and type
		// describe the body itself.
		content["file"] = map[string]any{
			"size":      e.File.Size,
			"mime_type": e.File.MimeType,
		}
	}
	if e.Code != nil {
		// CommitID moves on every push whether or not the blob changed, so
		// it never participates. Content identity comes from the blob hash
		// the driver puts in Properties.
		content["code"] = map[string]any{
			"repo_owner":   e.Code.RepoOwner,
			"repo_name":    e.Code.RepoName,
			"path_in_repo": e.Code.PathInRepo,
		}
	}
	if e.Table != nil {
		content["table"] = map[string]any{
			"schema_name": e.Table.SchemaName,
			"table_name":  e.Table.TableName,
		}
	}

	canonical, err := json.Marshal(content)
	if err != nil {
		return "", syncerrors.NewEntityError(e.EntityID, "entity content is not hashable", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
