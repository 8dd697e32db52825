// Package github crawls one repository through the GitHub REST API and emits
// the tree as directory and code-file entities. A crawl is atomic: the cursor
// only records the repository push timestamp once the whole tree was emitted,
// and an unchanged push timestamp skips the crawl entirely.
package github

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/airweave/syncd/internal/httpclient"
	"github.com/airweave/syncd/internal/logger"
	"github.com/airweave/syncd/internal/sources"
	"github.com/airweave/syncd/internal/syncerrors"
	"github.com/airweave/syncd/pkg/models"
)

const (
	defaultAPIBase = "https://api.github.com"
	defaultRawBase = "https://raw.githubusercontent.com"

	// maxBlobSize skips blobs the chunker would reject anyway.
	maxBlobSize = 1 << 20

	cursorKeyLastPush = "repo_last_push"
)

func init() {
	sources.Register(sources.Descriptor{
		Name:           "GitHub",
		ShortName:      "github",
		AuthType:       models.AuthOAuthToken,
		OAuthSemantics: models.OAuthNoRefresh,
		RateLimitLevel: models.RateLimitConnection,
		Labels:         []string{"code", "repository"},
		ConfigFields: []sources.ConfigField{
			{Name: "repo", Required: true, Description: "repository as owner/name"},
			{Name: "branch", Description: "branch to crawl, default branch when empty"},
		},
		New: NewSource,
	})

	models.RegisterFields("github_directory", map[string]models.FieldFlags{
		"path":      {Embeddable: true, IsName: true},
		"repo_name": {Embeddable: true},
	})
}

// Source is the GitHub driver for one connection.
type Source struct {
	client        *httpclient.Client
	forceFullSync bool
	log           logger.Logger

	owner  string
	repo   string
	branch string

	// overridable in tests
	apiBase string
	rawBase string
}

// NewSource constructs the driver from its registration deps. The connection
// config names the repository as owner/name and optionally pins a branch.
func NewSource(deps sources.Deps) (sources.Source, error) {
	full := deps.Connection.Config["repo"]
	owner, repo, ok := strings.Cut(full, "/")
	if !ok || owner == "" || repo == "" {
		return nil, syncerrors.NewSyncFailureError(
			fmt.Sprintf("github connection needs a repo config value of the form owner/name, got %q", full), nil)
	}
	return &Source{
		client: httpclient.New(httpclient.Options{
			Timeout:      60 * time.Second,
			ConnectionID: deps.Connection.ID,
			Tokens:       deps.Tokens,
			Gate:         deps.Gate,
			OnRequest:    deps.OnRequest,
		}),
		forceFullSync: deps.ForceFullSync,
		log:           logger.New("github"),
		owner:         owner,
		repo:          repo,
		branch:        deps.Connection.Config["branch"],
		apiBase:       defaultAPIBase,
		rawBase:       defaultRawBase,
	}, nil
}

type repoInfo struct {
	FullName      string    `json:"full_name"`
	DefaultBranch string    `json:"default_branch"`
	PushedAt      time.Time `json:"pushed_at"`
	Private       bool      `json:"private"`
}

func (s *Source) fetchRepo(ctx context.Context) (*repoInfo, error) {
	var info repoInfo
	u := fmt.Sprintf("%s/repos/%s/%s", s.apiBase, s.owner, s.repo)
	if err := s.client.GetJSON(ctx, u, &info); err != nil {
		return nil, fmt.Errorf("failed to fetch repository %s/%s: %w", s.owner, s.repo, err)
	}
	return &info, nil
}

// Validate confirms the token can read the configured repository.
func (s *Source) Validate(ctx context.Context) error {
	_, err := s.fetchRepo(ctx)
	return err
}

// Entities crawls the repository tree at the branch head. A crawl only runs
// when the repository was pushed to since the committed cursor; the cursor
// advances after the last entity of the tree was emitted because a partial
// tree cannot be resumed.
func (s *Source) Entities(ctx context.Context, stream *sources.EntityStream) error {
	info, err := s.fetchRepo(ctx)
	if err != nil {
		return err
	}

	cursor := stream.Cursor()
	if !s.forceFullSync {
		lastPush := cursor.GetTime(cursorKeyLastPush)
		if !lastPush.IsZero() && !info.PushedAt.After(lastPush) {
			s.log.Debug("repository unchanged since last crawl",
				logger.String("repo", info.FullName),
				logger.Time("pushed_at", info.PushedAt))
			return nil
		}
	}

	branch := s.branch
	if branch == "" {
		branch = info.DefaultBranch
	}
	commitSHA, err := s.branchHead(ctx, branch)
	if err != nil {
		return err
	}

	tree, err := s.fetchTree(ctx, commitSHA)
	if err != nil {
		return err
	}
	if tree.Truncated {
		s.log.Warn("repository tree truncated by the API, crawl is partial",
			logger.String("repo", info.FullName),
			logger.String("commit", commitSHA))
	}

	for i := range tree.Entries {
		entry := &tree.Entries[i]
		var e *models.Entity
		switch entry.Type {
		case "tree":
			e = s.directoryEntity(entry)
		case "blob":
			if skipBlob(entry) {
				continue
			}
			e = s.codeFileEntity(entry, commitSHA)
		default:
			continue
		}
		if err := stream.Emit(ctx, e); err != nil {
			return err
		}
	}

	cursor.SetTime(cursorKeyLastPush, info.PushedAt)
	stream.SetCursor(cursor)
	return nil
}

type branchInfo struct {
	Name   string `json:"name"`
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

func (s *Source) branchHead(ctx context.Context, branch string) (string, error) {
	var info branchInfo
	u := fmt.Sprintf("%s/repos/%s/%s/branches/%s", s.apiBase, s.owner, s.repo, url.PathEscape(branch))
	if err := s.client.GetJSON(ctx, u, &info); err != nil {
		return "", fmt.Errorf("failed to resolve branch %s: %w", branch, err)
	}
	if info.Commit.SHA == "" {
		return "", syncerrors.NewSyncFailureError(
			fmt.Sprintf("branch %s of %s/%s has no head commit", branch, s.owner, s.repo), nil)
	}
	return info.Commit.SHA, nil
}

type treeEntry struct {
	Path string `json:"path"`
	Type string `json:"type"` // blob | tree | commit
	SHA  string `json:"sha"`
	Size int64  `json:"size"`
}

type treeResponse struct {
	SHA       string      `json:"sha"`
	Entries   []treeEntry `json:"tree"`
	Truncated bool        `json:"truncated"`
}

func (s *Source) fetchTree(ctx context.Context, commitSHA string) (*treeResponse, error) {
	var tree treeResponse
	u := fmt.Sprintf("%s/repos/%s/%s/git/trees/%s?recursive=1", s.apiBase, s.owner, s.repo, commitSHA)
	if err := s.client.GetJSON(ctx, u, &tree); err != nil {
		return nil, fmt.Errorf("failed to fetch tree %s: %w", commitSHA, err)
	}
	return &tree, nil
}

func (s *Source) entityID(repoPath string) string {
	return fmt.Sprintf("%s/%s/%s", s.owner, s.repo, repoPath)
}

func (s *Source) directoryEntity(entry *treeEntry) *models.Entity {
	e := models.NewEntity(s.entityID(entry.Path), "github_directory", map[string]any{
		"path":      entry.Path,
		"repo_name": s.repo,
	})
	e.Name = path.Base(entry.Path)
	e.Breadcrumbs = s.breadcrumbs(entry.Path)
	return e
}

func (s *Source) codeFileEntity(entry *treeEntry, commitSHA string) *models.Entity {
	e := &models.Entity{
		EntityID: s.entityID(entry.Path),
		Kind:     models.KindCodeFile,
		Name:     path.Base(entry.Path),
		// The blob hash is the content identity: it stays put across
		// commits that do not touch this file, so unchanged files dedup
		// as KEEP even though the raw URL moves with the head commit.
		Properties: map[string]any{"blob_sha": entry.SHA},
		File: &models.FileAttrs{
			URL:  fmt.Sprintf("%s/%s/%s/%s/%s", s.rawBase, s.owner, s.repo, commitSHA, entry.Path),
			Size: entry.Size,
		},
		Code: &models.CodeAttrs{
			RepoOwner:  s.owner,
			RepoName:   s.repo,
			PathInRepo: entry.Path,
			CommitID:   commitSHA,
		},
		Breadcrumbs: s.breadcrumbs(entry.Path),
		Metadata:    models.SystemMetadata{EntityType: "github_code_file"},
	}
	return e
}

// breadcrumbs builds the ancestor chain of a tree path, repo root first.
func (s *Source) breadcrumbs(repoPath string) []models.Breadcrumb {
	crumbs := []models.Breadcrumb{{
		EntityID: fmt.Sprintf("%s/%s", s.owner, s.repo),
		Name:     s.repo,
		Type:     "github_repository",
	}}
	dir := path.Dir(repoPath)
	if dir == "." || dir == "/" {
		return crumbs
	}
	var prefix string
	for _, seg := range strings.Split(dir, "/") {
		if prefix == "" {
			prefix = seg
		} else {
			prefix = prefix + "/" + seg
		}
		crumbs = append(crumbs, models.Breadcrumb{
			EntityID: s.entityID(prefix),
			Name:     seg,
			Type:     "github_directory",
		})
	}
	return crumbs
}

// binaryExtensions lists suffixes that never reach the code chunker.
var binaryExtensions = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".ico": {}, ".bmp": {}, ".webp": {},
	".pdf": {}, ".zip": {}, ".tar": {}, ".gz": {}, ".bz2": {}, ".xz": {}, ".7z": {}, ".jar": {},
	".exe": {}, ".dll": {}, ".so": {}, ".dylib": {}, ".bin": {}, ".wasm": {},
	".woff": {}, ".woff2": {}, ".ttf": {}, ".eot": {}, ".otf": {},
	".mp3": {}, ".mp4": {}, ".avi": {}, ".mov": {}, ".webm": {}, ".flac": {}, ".ogg": {},
	".class": {}, ".pyc": {}, ".o": {}, ".a": {},
}

func skipBlob(entry *treeEntry) bool {
	if entry.Size > maxBlobSize {
		return true
	}
	_, binary := binaryExtensions[strings.ToLower(path.Ext(entry.Path))]
	return binary
}
