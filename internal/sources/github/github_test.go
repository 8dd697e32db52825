package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airweave/syncd/internal/httpclient"
	"github.com/airweave/syncd/internal/logger"
	"github.com/airweave/syncd/internal/sources"
	"github.com/airweave/syncd/pkg/models"
)

// fakeGitHub serves the repo, branch, and tree endpoints the driver touches.
type fakeGitHub struct {
	srv        *httptest.Server
	pushedAt   time.Time
	entries    []treeEntry
	treeCalls  int
	repoCalls  int
	headCommit string
}

func newFakeGitHub(t *testing.T) *fakeGitHub {
	t.Helper()
	f := &fakeGitHub{
		pushedAt:   time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		headCommit: "abc123",
		entries: []treeEntry{
			{Path: "src", Type: "tree", SHA: "t1"},
			{Path: "README.md", Type: "blob", SHA: "b1", Size: 120},
			{Path: "src/main.go", Type: "blob", SHA: "b2", Size: 400},
			{Path: "logo.png", Type: "blob", SHA: "b3", Size: 90},
			{Path: "dump.sql", Type: "blob", SHA: "b4", Size: 4 << 20},
		},
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/repos/acme/widgets", func(w http.ResponseWriter, _ *http.Request) {
		f.repoCalls++
		_ = json.NewEncoder(w).Encode(map[string]any{
			"full_name":      "acme/widgets",
			"default_branch": "main",
			"pushed_at":      f.pushedAt,
		})
	})
	mux.HandleFunc("/repos/acme/widgets/branches/main", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"name":   "main",
			"commit": map[string]string{"sha": f.headCommit},
		})
	})
	mux.HandleFunc("/repos/acme/widgets/git/trees/", func(w http.ResponseWriter, r *http.Request) {
		f.treeCalls++
		assert.Equal(t, "1", r.URL.Query().Get("recursive"))
		_ = json.NewEncoder(w).Encode(treeResponse{SHA: f.headCommit, Entries: f.entries})
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGitHub) source(forceFull bool) *Source {
	return &Source{
		client:        httpclient.New(httpclient.Options{Timeout: 5 * time.Second}),
		forceFullSync: forceFull,
		log:           logger.New("github"),
		owner:         "acme",
		repo:          "widgets",
		apiBase:       f.srv.URL,
		rawBase:       f.srv.URL + "/raw",
	}
}

func collect(t *testing.T, src *Source, cursor models.CursorData) ([]*models.Entity, models.CursorData, int64) {
	t.Helper()
	stream := sources.NewEntityStream(16, cursor)
	done := make(chan error, 1)
	go func() {
		defer stream.Close()
		done <- src.Entities(context.Background(), stream)
	}()

	var got []*models.Entity
	for e := range stream.Entities() {
		got = append(got, e)
	}
	require.NoError(t, <-done)
	return got, stream.Cursor(), stream.CursorVersion()
}

func TestNewSourceParsesRepoConfig(t *testing.T) {
	tests := []struct {
		name    string
		repo    string
		wantErr bool
	}{
		{name: "owner and name", repo: "acme/widgets"},
		{name: "missing separator", repo: "widgets", wantErr: true},
		{name: "missing owner", repo: "/widgets", wantErr: true},
		{name: "missing name", repo: "acme/", wantErr: true},
		{name: "empty", repo: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := NewSource(sources.Deps{Connection: &models.Connection{
				ID:     "conn-1",
				Config: map[string]string{"repo": tt.repo},
			}})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			gh := src.(*Source)
			assert.Equal(t, "acme", gh.owner)
			assert.Equal(t, "widgets", gh.repo)
		})
	}
}

func TestValidate(t *testing.T) {
	f := newFakeGitHub(t)
	require.NoError(t, f.source(false).Validate(context.Background()))

	src := f.source(false)
	src.repo = "missing"
	assert.Error(t, src.Validate(context.Background()))
}

func TestEntitiesCrawlsTree(t *testing.T) {
	f := newFakeGitHub(t)
	got, cursor, version := collect(t, f.source(false), nil)

	// the binary and oversize blobs are skipped
	require.Len(t, got, 3)

	dir := got[0]
	assert.Equal(t, "acme/widgets/src", dir.EntityID)
	assert.Equal(t, models.KindRecord, dir.Kind)
	assert.Equal(t, "github_directory", dir.Metadata.EntityType)
	assert.Equal(t, "src", dir.Name)
	require.Len(t, dir.Breadcrumbs, 1)
	assert.Equal(t, "acme/widgets", dir.Breadcrumbs[0].EntityID)

	readme := got[1]
	assert.Equal(t, "acme/widgets/README.md", readme.EntityID)
	assert.Equal(t, models.KindCodeFile, readme.Kind)
	assert.Equal(t, f.srv.URL+"/raw/acme/widgets/abc123/README.md", readme.File.URL)
	assert.Equal(t, int64(120), readme.File.Size)
	assert.Equal(t, "b1", readme.Properties["blob_sha"])

	mainGo := got[2]
	require.NotNil(t, mainGo.Code)
	assert.Equal(t, "acme", mainGo.Code.RepoOwner)
	assert.Equal(t, "widgets", mainGo.Code.RepoName)
	assert.Equal(t, "src/main.go", mainGo.Code.PathInRepo)
	assert.Equal(t, "abc123", mainGo.Code.CommitID)
	assert.Empty(t, mainGo.Code.Language, "language detection happens in the chunker")
	require.Len(t, mainGo.Breadcrumbs, 2)
	assert.Equal(t, "acme/widgets/src", mainGo.Breadcrumbs[1].EntityID)

	// the push timestamp lands in the cursor once the tree was emitted
	assert.Equal(t, int64(1), version)
	assert.True(t, cursor.GetTime(cursorKeyLastPush).Equal(f.pushedAt))
}

func TestEntitiesSkipsUnchangedRepo(t *testing.T) {
	f := newFakeGitHub(t)

	cursor := models.CursorData{}
	cursor.SetTime(cursorKeyLastPush, f.pushedAt)

	got, _, version := collect(t, f.source(false), cursor)
	assert.Empty(t, got)
	assert.Zero(t, version, "skipped crawls must not advance the cursor")
	assert.Equal(t, 0, f.treeCalls)
}

func TestEntitiesRecrawlsAfterPush(t *testing.T) {
	f := newFakeGitHub(t)

	cursor := models.CursorData{}
	cursor.SetTime(cursorKeyLastPush, f.pushedAt.Add(-time.Hour))

	got, next, _ := collect(t, f.source(false), cursor)
	assert.Len(t, got, 3)
	assert.Equal(t, 1, f.treeCalls)
	assert.True(t, next.GetTime(cursorKeyLastPush).Equal(f.pushedAt))
}

func TestEntitiesForceFullIgnoresCursor(t *testing.T) {
	f := newFakeGitHub(t)

	cursor := models.CursorData{}
	cursor.SetTime(cursorKeyLastPush, f.pushedAt)

	got, _, _ := collect(t, f.source(true), cursor)
	assert.Len(t, got, 3)
	assert.Equal(t, 1, f.treeCalls)
}

func TestSkipBlob(t *testing.T) {
	tests := []struct {
		name  string
		entry treeEntry
		want  bool
	}{
		{name: "source file", entry: treeEntry{Path: "pkg/a.go", Size: 10}, want: false},
		{name: "uppercase extension", entry: treeEntry{Path: "assets/LOGO.PNG", Size: 10}, want: true},
		{name: "archive", entry: treeEntry{Path: "vendor.tar.gz", Size: 10}, want: true},
		{name: "oversize", entry: treeEntry{Path: "big.go", Size: maxBlobSize + 1}, want: true},
		{name: "no extension", entry: treeEntry{Path: "Makefile", Size: 10}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, skipBlob(&tt.entry))
		})
	}
}

func TestBreadcrumbsNestedPath(t *testing.T) {
	f := newFakeGitHub(t)
	src := f.source(false)

	crumbs := src.breadcrumbs("a/b/c.go")
	require.Len(t, crumbs, 3)
	assert.Equal(t, "acme/widgets", crumbs[0].EntityID)
	assert.Equal(t, "acme/widgets/a", crumbs[1].EntityID)
	assert.Equal(t, "acme/widgets/a/b", crumbs[2].EntityID)
	assert.Equal(t, "b", crumbs[2].Name)
}
