// Package syncerrors defines the error taxonomy of the sync engine. Errors
// fall into two recovery classes: entity-scoped errors that skip a single
// record and let the job continue, and job-scoped errors that fail the whole
// run. Callers classify with the Is* predicates; retries happen only at the
// lowest network layer.
package syncerrors

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitError reports that an org-scoped request limiter rejected a call.
type RateLimitError struct {
	Scope      string
	RetryAfter time.Duration
}

// Error implements the error interface
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for scope %s, retry after %s", e.Scope, e.RetryAfter)
}

// NewRateLimitError creates a new RateLimitError
func NewRateLimitError(scope string, retryAfter time.Duration) *RateLimitError {
	return &RateLimitError{Scope: scope, RetryAfter: retryAfter}
}

// IsRateLimit reports whether err is a RateLimitError or SourceRateLimitError
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	var srl *SourceRateLimitError
	return errors.As(err, &rl) || errors.As(err, &srl)
}

// RetryAfter extracts the retry-after hint from a rate limit error, or zero.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	var srl *SourceRateLimitError
	if errors.As(err, &srl) {
		return srl.RetryAfter
	}
	return 0
}

// SourceRateLimitError reports that a source-scoped call limiter rejected an
// outbound call to a SaaS API.
type SourceRateLimitError struct {
	Source     string
	RetryAfter time.Duration
}

// Error implements the error interface
func (e *SourceRateLimitError) Error() string {
	return fmt.Sprintf("source %s rate limit exceeded, retry after %s", e.Source, e.RetryAfter)
}

// NewSourceRateLimitError creates a new SourceRateLimitError
func NewSourceRateLimitError(source string, retryAfter time.Duration) *SourceRateLimitError {
	return &SourceRateLimitError{Source: source, RetryAfter: retryAfter}
}

// TokenRefreshError reports that an OAuth refresh was rejected by the
// provider. The connection must be re-authorized by the user.
type TokenRefreshError struct {
	ConnectionID string
	Cause        error
}

// Error implements the error interface
func (e *TokenRefreshError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("token refresh failed for connection %s: %v", e.ConnectionID, e.Cause)
	}
	return fmt.Sprintf("token refresh failed for connection %s", e.ConnectionID)
}

// Unwrap returns the underlying cause
func (e *TokenRefreshError) Unwrap() error { return e.Cause }

// NewTokenRefreshError creates a new TokenRefreshError
func NewTokenRefreshError(connectionID string, cause error) *TokenRefreshError {
	return &TokenRefreshError{ConnectionID: connectionID, Cause: cause}
}

// IsTokenRefresh reports whether err is a TokenRefreshError
func IsTokenRefresh(err error) bool {
	var tre *TokenRefreshError
	return errors.As(err, &tre)
}

// NotFoundError reports a missing domain resource (sync, job, connection,
// collection, slot).
type NotFoundError struct {
	Kind string
	ID   string
}

// Error implements the error interface
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// NewNotFoundError creates a new NotFoundError
func NewNotFoundError(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// IsNotFound reports whether err is a NotFoundError or StorageNotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	var snf *StorageNotFoundError
	return errors.As(err, &nf) || errors.As(err, &snf)
}

// StorageNotFoundError reports a read of an absent storage path.
type StorageNotFoundError struct {
	Path string
}

// Error implements the error interface
func (e *StorageNotFoundError) Error() string {
	return fmt.Sprintf("storage path not found: %s", e.Path)
}

// NewStorageNotFoundError creates a new StorageNotFoundError
func NewStorageNotFoundError(path string) *StorageNotFoundError {
	return &StorageNotFoundError{Path: path}
}

// StorageError reports any storage I/O failure other than a missing path.
type StorageError struct {
	Op    string
	Path  string
	Cause error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed for %s: %v", e.Op, e.Path, e.Cause)
}

// Unwrap returns the underlying cause
func (e *StorageError) Unwrap() error { return e.Cause }

// NewStorageError creates a new StorageError
func NewStorageError(op, path string, cause error) *StorageError {
	return &StorageError{Op: op, Path: path, Cause: cause}
}

// IsStorage reports whether err is a StorageError
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// EntityError reports a failure scoped to a single entity. The pipeline
// counts the entity as skipped and continues with the rest of the stream.
type EntityError struct {
	EntityID string
	Reason   string
	Cause    error
}

// Error implements the error interface
func (e *EntityError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("entity %s: %s: %v", e.EntityID, e.Reason, e.Cause)
	}
	return fmt.Sprintf("entity %s: %s", e.EntityID, e.Reason)
}

// Unwrap returns the underlying cause
func (e *EntityError) Unwrap() error { return e.Cause }

// NewEntityError creates a new EntityError
func NewEntityError(entityID, reason string, cause error) *EntityError {
	return &EntityError{EntityID: entityID, Reason: reason, Cause: cause}
}

// IsEntity reports whether err is an EntityError
func IsEntity(err error) bool {
	var ee *EntityError
	return errors.As(err, &ee)
}

// SyncFailureError reports an invariant violation or a fatal infrastructure
// error. It fails the whole job.
type SyncFailureError struct {
	Reason string
	Cause  error
}

// Error implements the error interface
func (e *SyncFailureError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("sync failure: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("sync failure: %s", e.Reason)
}

// Unwrap returns the underlying cause
func (e *SyncFailureError) Unwrap() error { return e.Cause }

// NewSyncFailureError creates a new SyncFailureError
func NewSyncFailureError(reason string, cause error) *SyncFailureError {
	return &SyncFailureError{Reason: reason, Cause: cause}
}

// IsSyncFailure reports whether err is a SyncFailureError
func IsSyncFailure(err error) bool {
	var sf *SyncFailureError
	return errors.As(err, &sf)
}

// InvalidStateError reports a violated precondition on a caller-facing
// operation (for example switching to a slot that is not SHADOW).
type InvalidStateError struct {
	Message string
}

// Error implements the error interface
func (e *InvalidStateError) Error() string { return e.Message }

// NewInvalidStateError creates a new InvalidStateError
func NewInvalidStateError(format string, args ...interface{}) *InvalidStateError {
	return &InvalidStateError{Message: fmt.Sprintf(format, args...)}
}

// IsInvalidState reports whether err is an InvalidStateError
func IsInvalidState(err error) bool {
	var is *InvalidStateError
	return errors.As(err, &is)
}
