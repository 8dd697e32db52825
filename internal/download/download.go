// Package download stages file-backed entity bodies on local disk for the
// converters. Every downloader is scoped to one sync job and owns the temp
// area {tmp}/processing/{sync_job_id}; the orchestrator removes the whole
// area on terminal cleanup.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/airweave/syncd/internal/httpclient"
	"github.com/airweave/syncd/internal/logger"
	"github.com/airweave/syncd/internal/syncerrors"
	"github.com/airweave/syncd/pkg/models"
)

// maxFileBytes rejects bodies the converters would choke on.
const maxFileBytes = 1 << 30

// supportedExtensions lists what the converter registry can turn into text.
// Code files bypass the list: the code chunker decides support by content.
var supportedExtensions = map[string]struct{}{
	".csv": {}, ".doc": {}, ".docx": {}, ".htm": {}, ".html": {}, ".json": {},
	".md": {}, ".pdf": {}, ".ppt": {}, ".pptx": {}, ".toml": {}, ".txt": {},
	".xls": {}, ".xlsx": {}, ".xml": {}, ".yaml": {}, ".yml": {},
	".png": {}, ".jpg": {}, ".jpeg": {}, ".webp": {},
}

// Downloader stages files for one sync job.
type Downloader struct {
	dir      string
	client   *httpclient.Client
	log      logger.Logger
	maxBytes int64
}

// NewDownloader creates a downloader rooted at {tempDir}/processing/{jobID}.
func NewDownloader(tempDir, jobID string, client *httpclient.Client) *Downloader {
	return &Downloader{
		dir:      filepath.Join(tempDir, "processing", jobID),
		client:   client,
		log:      logger.New("download"),
		maxBytes: maxFileBytes,
	}
}

// Dir returns the job's temp area.
func (d *Downloader) Dir() string { return d.dir }

// DownloadFromURL streams the entity's file body to the job temp area and
// sets LocalPath on success. Unsupported extensions, oversize bodies, and
// unreachable URLs surface as entity errors so the pipeline skips the entity
// instead of failing the sync. Partial files never survive a failure.
func (d *Downloader) DownloadFromURL(ctx context.Context, e *models.Entity) error {
	if e.File == nil || e.File.URL == "" {
		return syncerrors.NewEntityError(e.EntityID, "entity has no download URL", nil)
	}

	ext := entityExtension(e)
	if e.Kind != models.KindCodeFile {
		if _, ok := supportedExtensions[ext]; !ok {
			return syncerrors.NewEntityError(e.EntityID,
				fmt.Sprintf("unsupported file extension %q", ext), nil)
		}
	}

	if err := d.probeSize(ctx, e); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.File.URL, nil)
	if err != nil {
		return syncerrors.NewEntityError(e.EntityID, "invalid download URL", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return syncerrors.NewEntityError(e.EntityID, "download failed", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return syncerrors.NewEntityError(e.EntityID,
			fmt.Sprintf("download returned status %d", resp.StatusCode), nil)
	}

	path := d.target(e, ext)
	written, err := d.writeStream(path, resp.Body)
	if err != nil {
		return syncerrors.NewEntityError(e.EntityID, "failed to stage file", err)
	}

	e.File.LocalPath = path
	e.File.Size = written
	if e.File.MimeType == "" {
		e.File.MimeType = resp.Header.Get("Content-Type")
	}
	d.log.Debug("staged file",
		logger.String("entity_id", e.EntityID),
		logger.Int64("bytes", written))
	return nil
}

// SaveBytes stages an in-memory body under an explicit filename. The
// filename must carry a supported extension.
func (d *Downloader) SaveBytes(e *models.Entity, content []byte, filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := supportedExtensions[ext]; !ok {
		return syncerrors.NewEntityError(e.EntityID,
			fmt.Sprintf("unsupported file extension %q", ext), nil)
	}
	if int64(len(content)) > d.maxBytes {
		return syncerrors.NewEntityError(e.EntityID,
			fmt.Sprintf("file exceeds the %d byte limit", d.maxBytes), nil)
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create temp area: %w", err)
	}

	path := filepath.Join(d.dir, prefixedName(e.EntityID, sanitizeFilename(filename)))
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("failed to stage file: %w", err)
	}

	if e.File == nil {
		e.File = &models.FileAttrs{}
	}
	e.File.LocalPath = path
	e.File.Size = int64(len(content))
	return nil
}

// CleanupSyncDirectory removes the job's temp area. Best effort.
func (d *Downloader) CleanupSyncDirectory() {
	if err := os.RemoveAll(d.dir); err != nil {
		d.log.Warn("failed to remove job temp area",
			logger.String("dir", d.dir), logger.Error(err))
	}
}

// probeSize HEAD-requests the URL and rejects bodies the size cap excludes.
// Servers without HEAD support pass; the streaming cap still protects us.
func (d *Downloader) probeSize(ctx context.Context, e *models.Entity) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, e.File.URL, nil)
	if err != nil {
		return syncerrors.NewEntityError(e.EntityID, "invalid download URL", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		d.log.Debug("size probe failed, continuing",
			logger.String("entity_id", e.EntityID), logger.Error(err))
		return nil
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil
	}
	if resp.ContentLength > d.maxBytes {
		return syncerrors.NewEntityError(e.EntityID,
			fmt.Sprintf("file of %d bytes exceeds the %d byte limit", resp.ContentLength, d.maxBytes), nil)
	}
	return nil
}

// writeStream copies body to path, enforcing the size cap. The partial file
// is deleted on any failure.
func (d *Downloader) writeStream(path string, body io.Reader) (int64, error) {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create temp area: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}

	written, err := io.Copy(f, io.LimitReader(body, d.maxBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && written > d.maxBytes {
		err = fmt.Errorf("body exceeds the %d byte limit", d.maxBytes)
	}
	if err != nil {
		_ = os.Remove(path)
		return 0, err
	}
	return written, nil
}

// target picks a collision-free file path inside the temp area.
func (d *Downloader) target(e *models.Entity, ext string) string {
	name := e.Name
	if name == "" {
		name = "file"
	}
	if filepath.Ext(name) == "" && ext != "" {
		name += ext
	}
	return filepath.Join(d.dir, prefixedName(e.EntityID, sanitizeFilename(name)))
}

// prefixedName keys the filename by entity id so same-named entities never
// overwrite each other.
func prefixedName(entityID, name string) string {
	return fmt.Sprintf("%016x_%s", xxhash.Sum64String(entityID), name)
}

// entityExtension reads the extension from the entity name, falling back to
// the URL path.
func entityExtension(e *models.Entity) string {
	if ext := strings.ToLower(filepath.Ext(e.Name)); ext != "" {
		return ext
	}
	u, err := url.Parse(e.File.URL)
	if err != nil {
		return ""
	}
	return strings.ToLower(filepath.Ext(u.Path))
}

// sanitizeFilename keeps a conservative character set and caps the length.
func sanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if len(out) > 120 {
		ext := filepath.Ext(out)
		out = out[:120-len(ext)] + ext
	}
	return out
}
