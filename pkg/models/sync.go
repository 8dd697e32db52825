package models

import (
	"time"
)

// JobStatus is the lifecycle state of a sync job. Transitions form an
// acyclic graph: PENDING -> RUNNING -> {COMPLETED, FAILED, CANCELLED}, with
// RUNNING -> CANCELLING -> CANCELLED for cooperative cancellation.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobRunning    JobStatus = "RUNNING"
	JobCancelling JobStatus = "CANCELLING"
	JobCancelled  JobStatus = "CANCELLED"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

// Terminal reports whether the status is a terminal state
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Active reports whether the status occupies the per-sync uniqueness slot
func (s JobStatus) Active() bool {
	switch s {
	case JobPending, JobRunning, JobCancelling:
		return true
	}
	return false
}

// jobTransitions is the allowed edge set of the job lifecycle.
var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:    {JobRunning, JobCancelled, JobFailed},
	JobRunning:    {JobCompleted, JobFailed, JobCancelled, JobCancelling},
	JobCancelling: {JobCancelled, JobFailed},
}

// CanTransition reports whether moving from s to next is a legal edge.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// JobCounters are the authoritative, user-visible outcome counts of one job.
type JobCounters struct {
	Inserted int64 `json:"inserted"`
	Updated  int64 `json:"updated"`
	Deleted  int64 `json:"deleted"`
	Kept     int64 `json:"kept"`
	Skipped  int64 `json:"skipped"`
}

// Total returns the number of entities the counters account for.
func (c JobCounters) Total() int64 {
	return c.Inserted + c.Updated + c.Deleted + c.Kept + c.Skipped
}

// SyncJob is one execution of a sync; the unit of work on the activity queue.
type SyncJob struct {
	ID             string      `json:"id"`
	SyncID         string      `json:"sync_id"`
	OrganizationID string      `json:"organization_id"`
	Status         JobStatus   `json:"status"`
	Error          string      `json:"error,omitempty"`
	ForceFullSync  bool        `json:"force_full_sync"`
	Counters       JobCounters `json:"counters"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
	FailedAt       *time.Time  `json:"failed_at,omitempty"`
	LastProgressAt *time.Time  `json:"last_progress_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Sync pairs a source connection with one or more destination slots plus a
// schedule. The cursor is opaque here; only the matching driver parses it.
type Sync struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	OrganizationID     string     `json:"organization_id"`
	SourceConnectionID string     `json:"source_connection_id"`
	SourceShortName    string     `json:"source_short_name"`
	CollectionID       string     `json:"collection_id"`
	Schedule           string     `json:"schedule,omitempty"`
	CursorField        string     `json:"cursor_field,omitempty"`
	Cursor             CursorData `json:"cursor,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Collection identifies a searchable destination collection. VectorSize
// determines embedding model selection at runtime.
type Collection struct {
	ID                 string    `json:"id"`
	ReadableID         string    `json:"readable_id"`
	VectorSize         int       `json:"vector_size"`
	EmbeddingModelName string    `json:"embedding_model_name,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// SlotRole is the role of a destination slot within a sync.
type SlotRole string

const (
	SlotActive     SlotRole = "ACTIVE"
	SlotShadow     SlotRole = "SHADOW"
	SlotDeprecated SlotRole = "DEPRECATED"
)

// slotRoleOrder drives destination listing order: ACTIVE, SHADOW, DEPRECATED.
var slotRoleOrder = map[SlotRole]int{
	SlotActive:     0,
	SlotShadow:     1,
	SlotDeprecated: 2,
}

// Order returns the sort rank of the role.
func (r SlotRole) Order() int { return slotRoleOrder[r] }

// DestinationSlot associates a sync with a destination connection under a
// role. At most one slot per sync is ACTIVE at any instant.
type DestinationSlot struct {
	SlotID       string    `json:"slot_id"`
	SyncID       string    `json:"sync_id"`
	ConnectionID string    `json:"connection_id"`
	Role         SlotRole  `json:"role"`
	LiveMirror   bool      `json:"live_mirror"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuthType enumerates how a source connection authenticates.
type AuthType string

const (
	AuthNone         AuthType = "none"
	AuthAPIKeyHeader AuthType = "api_key_header"
	AuthOAuthBrowser AuthType = "oauth_browser"
	AuthOAuthToken   AuthType = "oauth_token"
	AuthProvider     AuthType = "auth_provider"
)

// OAuthSemantics enumerates refresh-token behavior of an OAuth source.
type OAuthSemantics string

const (
	OAuthNoRefresh       OAuthSemantics = "none"
	OAuthWithRefresh     OAuthSemantics = "with_refresh"
	OAuthRotatingRefresh OAuthSemantics = "with_rotating_refresh"
)

// Connection is a stored source or destination connection with credentials
// and driver-specific configuration.
type Connection struct {
	ID             string            `json:"id"`
	OrganizationID string            `json:"organization_id"`
	ShortName      string            `json:"short_name"`
	Kind           string            `json:"kind"` // source | destination
	AuthType       AuthType          `json:"auth_type"`
	AccessToken    string            `json:"-"`
	RefreshToken   string            `json:"-"`
	TokenExpiry    *time.Time        `json:"token_expiry,omitempty"`
	Config         map[string]string `json:"config,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// RateLimitScope selects the bucket granularity for a source limit.
type RateLimitScope string

const (
	RateLimitOrg        RateLimitScope = "org"
	RateLimitConnection RateLimitScope = "connection"
	RateLimitNone       RateLimitScope = "none"
)

// RateLimitConfig is one limit row per (org, source). Counts live in the KV
// store, not here.
type RateLimitConfig struct {
	OrganizationID  string         `json:"organization_id"`
	SourceShortName string         `json:"source_short_name"`
	Scope           RateLimitScope `json:"scope"`
	Limit           int64          `json:"limit"`
	WindowSeconds   int64          `json:"window_seconds"`
}

// RawDataManifest summarizes the entity archive kept for one sync.
type RawDataManifest struct {
	SyncID          string    `json:"sync_id"`
	SourceShortName string    `json:"source_short_name"`
	CollectionRef   string    `json:"collection_ref"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	EntityCount     int64     `json:"entity_count"`
	FileCount       int64     `json:"file_count"`
	SyncJobs        []string  `json:"sync_jobs"`
}
