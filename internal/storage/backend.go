// Package storage provides a uniform backend API for raw artifacts and
// manifests. Two implementations exist: a local filesystem backend and an
// Azure Blob backend. Reads of absent paths fail with StorageNotFoundError;
// every other I/O failure surfaces as StorageError. No retries happen at
// this layer.
package storage

import (
	"context"
	"fmt"

	"github.com/airweave/syncd/internal/config"
)

// Backend is the artifact store interface. Paths use forward slashes
// regardless of platform.
type Backend interface {
	// WriteJSON marshals v and writes it at path, replacing any previous
	// content.
	WriteJSON(ctx context.Context, path string, v any) error

	// ReadJSON reads path and unmarshals it into v.
	ReadJSON(ctx context.Context, path string, v any) error

	// WriteFile writes raw bytes at path.
	WriteFile(ctx context.Context, path string, data []byte) error

	// ReadFile returns the raw bytes at path.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// Exists reports whether path holds an object.
	Exists(ctx context.Context, path string) (bool, error)

	// Delete removes the object at path, or every object under the prefix
	// when path names a directory. Deleting an absent path is not an error.
	Delete(ctx context.Context, path string) error

	// ListFiles returns the object paths directly under prefix.
	ListFiles(ctx context.Context, prefix string) ([]string, error)

	// ListDirs returns the unique first path segments under prefix.
	ListDirs(ctx context.Context, prefix string) ([]string, error)
}

// NewBackend builds the backend selected by the configuration.
func NewBackend(cfg config.StorageConfig) (Backend, error) {
	switch cfg.Backend {
	case "local":
		return NewLocalBackend(cfg.BasePath)
	case "azure":
		return NewAzureBackend(cfg.AzureAccount, cfg.AzureContainer)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
