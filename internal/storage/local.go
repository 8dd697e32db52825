package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/airweave/syncd/internal/syncerrors"
)

// LocalBackend stores artifacts under a base directory on the local
// filesystem. Writes are atomic per file: content lands in a temp file that
// is renamed into place.
type LocalBackend struct {
	basePath string
}

// NewLocalBackend creates a local backend rooted at basePath.
func NewLocalBackend(basePath string) (*LocalBackend, error) {
	if basePath == "" {
		return nil, fmt.Errorf("storage base path is required")
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, syncerrors.NewStorageError("init", basePath, err)
	}
	return &LocalBackend{basePath: basePath}, nil
}

// WriteJSON marshals v and writes it at path
func (l *LocalBackend) WriteJSON(ctx context.Context, path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return syncerrors.NewStorageError("marshal", path, err)
	}
	return l.WriteFile(ctx, path, data)
}

// ReadJSON reads path and unmarshals it into v
func (l *LocalBackend) ReadJSON(ctx context.Context, path string, v any) error {
	data, err := l.ReadFile(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return syncerrors.NewStorageError("unmarshal", path, err)
	}
	return nil
}

// WriteFile writes raw bytes at path
func (l *LocalBackend) WriteFile(_ context.Context, path string, data []byte) error {
	full := l.resolve(path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return syncerrors.NewStorageError("mkdir", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".tmp-*")
	if err != nil {
		return syncerrors.NewStorageError("write", path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return syncerrors.NewStorageError("write", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return syncerrors.NewStorageError("write", path, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return syncerrors.NewStorageError("write", path, err)
	}
	return nil
}

// ReadFile returns the raw bytes at path
func (l *LocalBackend) ReadFile(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(l.resolve(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, syncerrors.NewStorageNotFoundError(path)
		}
		return nil, syncerrors.NewStorageError("read", path, err)
	}
	return data, nil
}

// Exists reports whether path holds a file
func (l *LocalBackend) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(l.resolve(path))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, syncerrors.NewStorageError("stat", path, err)
	}
	return true, nil
}

// Delete removes a file or a whole directory tree under path
func (l *LocalBackend) Delete(_ context.Context, path string) error {
	full := l.resolve(path)
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return syncerrors.NewStorageError("delete", path, err)
	}
	if info.IsDir() {
		if err := os.RemoveAll(full); err != nil {
			return syncerrors.NewStorageError("delete", path, err)
		}
		return nil
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return syncerrors.NewStorageError("delete", path, err)
	}
	return nil
}

// ListFiles returns the file paths directly under prefix
func (l *LocalBackend) ListFiles(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(l.resolve(prefix))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, syncerrors.NewStorageError("list", prefix, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		files = append(files, joinSlash(prefix, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// ListDirs returns the directory names directly under prefix
func (l *LocalBackend) ListDirs(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(l.resolve(prefix))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, syncerrors.NewStorageError("list", prefix, err)
	}

	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// resolve maps a forward-slash storage path onto the host filesystem.
func (l *LocalBackend) resolve(path string) string {
	clean := strings.TrimPrefix(strings.ReplaceAll(path, "\\", "/"), "/")
	return filepath.Join(l.basePath, filepath.FromSlash(clean))
}

func joinSlash(prefix, name string) string {
	prefix = strings.TrimSuffix(strings.ReplaceAll(prefix, "\\", "/"), "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
