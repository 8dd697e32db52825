// Package models defines the shared data model of the sync engine: entities
// flowing through the pipeline, sync and job records, destination slots, and
// the opaque incremental cursors persisted per sync.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityKind selects the pipeline path for an entity variant.
type EntityKind string

const (
	// KindRecord is a plain structured record from a SaaS API
	KindRecord EntityKind = "record"
	// KindFile is an entity backed by a downloadable file body
	KindFile EntityKind = "file"
	// KindCodeFile is a source file from a repository crawl
	KindCodeFile EntityKind = "code_file"
	// KindDeletion signals that the source observed a delete
	KindDeletion EntityKind = "deletion"
	// KindPolymorphic is a row produced from a schema-free table source
	KindPolymorphic EntityKind = "polymorphic"
)

// Breadcrumb references an ancestor entity for hierarchical context at
// search time.
type Breadcrumb struct {
	EntityID string `json:"entity_id"`
	Name     string `json:"name,omitempty"`
	Type     string `json:"type,omitempty"`
}

// Vector is one embedding attached to an entity. Dense vectors fill Values;
// sparse vectors fill Indices and Weights instead.
type Vector struct {
	Values  []float32 `json:"values,omitempty"`
	Indices []uint32  `json:"indices,omitempty"`
	Weights []float32 `json:"weights,omitempty"`
}

// IsSparse reports whether the vector is a sparse embedding
func (v Vector) IsSparse() bool { return len(v.Indices) > 0 }

// SystemMetadata is the progressively filled record the pipeline stamps on
// every entity as it moves through the stages.
type SystemMetadata struct {
	SourceName       string   `json:"source_name,omitempty"`
	SyncID           string   `json:"sync_id,omitempty"`
	SyncJobID        string   `json:"sync_job_id,omitempty"`
	EntityType       string   `json:"entity_type,omitempty"`
	Hash             string   `json:"hash,omitempty"`
	ChunkIndex       *int     `json:"chunk_index,omitempty"`
	OriginalEntityID string   `json:"original_entity_id,omitempty"`
	Vectors          []Vector `json:"vectors,omitempty"`
	// Chunks and PackedVectors hold the in-document chunk arrays for
	// destinations that keep one document per entity.
	Chunks        []string   `json:"chunks,omitempty"`
	PackedVectors [][]byte   `json:"packed_vectors,omitempty"`
	DBEntityID    string     `json:"db_entity_id,omitempty"`
	DBCreatedAt   *time.Time `json:"db_created_at,omitempty"`
	DBUpdatedAt   *time.Time `json:"db_updated_at,omitempty"`
}

// FileAttrs carries the extra fields of a file-backed entity.
type FileAttrs struct {
	URL       string `json:"url,omitempty"`
	Size      int64  `json:"size,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
	LocalPath string `json:"local_path,omitempty"`
}

// CodeAttrs carries the extra fields of a code-file entity.
type CodeAttrs struct {
	RepoOwner  string `json:"repo_owner,omitempty"`
	RepoName   string `json:"repo_name,omitempty"`
	PathInRepo string `json:"path_in_repo,omitempty"`
	Language   string `json:"language,omitempty"`
	CommitID   string `json:"commit_id,omitempty"`
}

// DeletionAttrs carries the extra fields of a deletion signal.
type DeletionAttrs struct {
	DeletionStatus string `json:"deletion_status,omitempty"`
}

// TableAttrs carries the extra fields of a polymorphic row entity.
type TableAttrs struct {
	TableName         string   `json:"table_name,omitempty"`
	SchemaName        string   `json:"schema_name,omitempty"`
	PrimaryKeyColumns []string `json:"primary_key_columns,omitempty"`
}

// Entity is one logical record extracted from a source. The common header is
// shared by every variant; Kind plus the optional attribute blocks form the
// tagged union, and Properties holds the source-native fields for schema-free
// variants.
type Entity struct {
	EntityID    string         `json:"entity_id"`
	Kind        EntityKind     `json:"kind"`
	Name        string         `json:"name,omitempty"`
	Breadcrumbs []Breadcrumb   `json:"breadcrumbs,omitempty"`
	CreatedAt   *time.Time     `json:"created_at,omitempty"`
	UpdatedAt   *time.Time     `json:"updated_at,omitempty"`
	Textual     string         `json:"textual_representation,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`

	File     *FileAttrs     `json:"file,omitempty"`
	Code     *CodeAttrs     `json:"code,omitempty"`
	Deletion *DeletionAttrs `json:"deletion,omitempty"`
	Table    *TableAttrs    `json:"table,omitempty"`

	Metadata SystemMetadata `json:"system_metadata"`
}

// NewEntity creates a record entity of the given type with native properties.
func NewEntity(entityID, entityType string, properties map[string]any) *Entity {
	return &Entity{
		EntityID:   entityID,
		Kind:       KindRecord,
		Properties: properties,
		Metadata:   SystemMetadata{EntityType: entityType},
	}
}

// NewFileEntity creates a file-backed entity.
func NewFileEntity(entityID, entityType, name, url string) *Entity {
	return &Entity{
		EntityID: entityID,
		Kind:     KindFile,
		Name:     name,
		File:     &FileAttrs{URL: url},
		Metadata: SystemMetadata{EntityType: entityType},
	}
}

// NewDeletionEntity creates a deletion signal for entityID.
func NewDeletionEntity(entityID, entityType string) *Entity {
	return &Entity{
		EntityID: entityID,
		Kind:     KindDeletion,
		Deletion: &DeletionAttrs{DeletionStatus: "removed"},
		Metadata: SystemMetadata{EntityType: entityType},
	}
}

// Clone returns a deep-enough copy for chunk fan-out: the header and
// attribute blocks are copied, Properties is shared read-only.
func (e *Entity) Clone() *Entity {
	clone := *e
	if e.File != nil {
		f := *e.File
		clone.File = &f
	}
	if e.Code != nil {
		c := *e.Code
		clone.Code = &c
	}
	if e.Deletion != nil {
		d := *e.Deletion
		clone.Deletion = &d
	}
	if e.Table != nil {
		t := *e.Table
		clone.Table = &t
	}
	clone.Breadcrumbs = append([]Breadcrumb{}, e.Breadcrumbs...)
	clone.Metadata.Vectors = append([]Vector{}, e.Metadata.Vectors...)
	clone.Metadata.Chunks = append([]string{}, e.Metadata.Chunks...)
	clone.Metadata.PackedVectors = append([][]byte{}, e.Metadata.PackedVectors...)
	return &clone
}

// ChunkEntityID derives the entity id of chunk i fanned out from parent.
func ChunkEntityID(parentID string, i int) string {
	return fmt.Sprintf("%s#chunk_%d", parentID, i)
}

// CursorData is the opaque incremental state persisted on a sync row. Only
// the owning driver interprets its keys; unknown keys survive a round trip
// untouched.
type CursorData map[string]json.RawMessage

// Get unmarshals the value stored under key into out. It returns false when
// the key is absent.
func (c CursorData) Get(key string, out any) (bool, error) {
	raw, ok := c[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("cursor key %s: %w", key, err)
	}
	return true, nil
}

// Set marshals val under key.
func (c CursorData) Set(key string, val any) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("cursor key %s: %w", key, err)
	}
	c[key] = raw
	return nil
}

// GetString returns the string stored under key, or "" when absent.
func (c CursorData) GetString(key string) string {
	var s string
	if ok, err := c.Get(key, &s); !ok || err != nil {
		return ""
	}
	return s
}

// SetString stores a string under key.
func (c CursorData) SetString(key, val string) {
	c[key] = mustMarshal(val)
}

// GetTime returns the RFC3339 time stored under key, or the zero time.
func (c CursorData) GetTime(key string) time.Time {
	var ts time.Time
	if ok, err := c.Get(key, &ts); !ok || err != nil {
		return time.Time{}
	}
	return ts
}

// SetTime stores a time under key.
func (c CursorData) SetTime(key string, val time.Time) {
	c[key] = mustMarshal(val)
}

// Clone returns an independent copy of the cursor.
func (c CursorData) Clone() CursorData {
	out := make(CursorData, len(c))
	for k, v := range c {
		out[k] = append(json.RawMessage{}, v...)
	}
	return out
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		// strings and times cannot fail to marshal
		panic(err)
	}
	return raw
}
