// Package jira crawls Jira Cloud projects and issues through the Atlassian
// REST API. The OAuth token is exchanged for a cloud id on first use; all
// further calls go through the per-site gateway URL derived from it.
package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/airweave/syncd/internal/httpclient"
	"github.com/airweave/syncd/internal/logger"
	"github.com/airweave/syncd/internal/sources"
	"github.com/airweave/syncd/internal/syncerrors"
	"github.com/airweave/syncd/pkg/models"
)

const (
	accessibleResourcesURL = "https://api.atlassian.com/oauth/token/accessible-resources"
	defaultAPIBase         = "https://api.atlassian.com/ex/jira/%s"

	searchPageSize  = 100
	projectPageSize = 50

	// jiraTimeLayout matches Jira's issue timestamps.
	jiraTimeLayout = "2006-01-02T15:04:05.000-0700"
	// jqlTimeLayout is the minute-precision format JQL accepts.
	jqlTimeLayout = "2006/01/02 15:04"

	cursorKeyUpdated = "jira_updated"
)

func init() {
	sources.Register(sources.Descriptor{
		Name:           "Jira",
		ShortName:      "jira",
		AuthType:       models.AuthOAuthBrowser,
		OAuthSemantics: models.OAuthRotatingRefresh,
		RateLimitLevel: models.RateLimitConnection,
		Labels:         []string{"ticketing", "project-management"},
		New:            NewSource,
	})

	models.RegisterFields("jira_project", map[string]models.FieldFlags{
		"name":        {Embeddable: true, IsName: true},
		"key":         {Embeddable: true},
		"description": {Embeddable: true},
	})
	models.RegisterFields("jira_issue", map[string]models.FieldFlags{
		"summary":     {Embeddable: true, IsName: true},
		"description": {Embeddable: true},
		"status":      {Embeddable: true},
		"issue_type":  {Embeddable: true},
		"project_key": {},
		"created_at":  {IsCreatedAt: true},
		"updated_at":  {IsUpdatedAt: true},
	})
}

// Source is the Jira driver for one connection.
type Source struct {
	client        *httpclient.Client
	forceFullSync bool
	log           logger.Logger

	// resolved on first call
	cloudID string
	baseURL string

	// overridable in tests
	resourcesURL string
	apiBase      string
}

// NewSource constructs the driver from its registration deps.
func NewSource(deps sources.Deps) (sources.Source, error) {
	return &Source{
		client: httpclient.New(httpclient.Options{
			Timeout:      60 * time.Second,
			ConnectionID: deps.Connection.ID,
			Tokens:       deps.Tokens,
			Gate:         deps.Gate,
			OnRequest:    deps.OnRequest,
		}),
		forceFullSync: deps.ForceFullSync,
		log:           logger.New("jira"),
		resourcesURL:  accessibleResourcesURL,
		apiBase:       defaultAPIBase,
	}, nil
}

type accessibleResource struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Name string `json:"name"`
}

// ensureCloudID exchanges the OAuth token for the site's cloud id and
// derives the gateway base URL.
func (s *Source) ensureCloudID(ctx context.Context) error {
	if s.baseURL != "" {
		return nil
	}
	var resources []accessibleResource
	if err := s.client.GetJSON(ctx, s.resourcesURL, &resources); err != nil {
		return fmt.Errorf("failed to resolve accessible resources: %w", err)
	}
	if len(resources) == 0 {
		return syncerrors.NewSyncFailureError("connection has no accessible Jira sites", nil)
	}
	s.cloudID = resources[0].ID
	s.baseURL = fmt.Sprintf(s.apiBase, s.cloudID)
	s.log.Debug("resolved jira cloud id",
		logger.String("cloud_id", s.cloudID),
		logger.String("site", resources[0].Name))
	return nil
}

// Validate resolves the cloud id and confirms the token can read the
// current user.
func (s *Source) Validate(ctx context.Context) error {
	if err := s.ensureCloudID(ctx); err != nil {
		return err
	}
	var me struct {
		AccountID string `json:"accountId"`
	}
	if err := s.client.GetJSON(ctx, s.baseURL+"/rest/api/3/myself", &me); err != nil {
		return fmt.Errorf("failed to validate jira connection: %w", err)
	}
	return nil
}

// Entities emits every project, then the issues. Incremental runs restrict
// the JQL to issues updated since the committed cursor.
func (s *Source) Entities(ctx context.Context, stream *sources.EntityStream) error {
	if err := s.ensureCloudID(ctx); err != nil {
		return err
	}
	if err := s.emitProjects(ctx, stream); err != nil {
		return err
	}
	return s.emitIssues(ctx, stream)
}

type projectPage struct {
	Values []struct {
		ID          string `json:"id"`
		Key         string `json:"key"`
		Name        string `json:"name"`
		Description string `json:"description"`
	} `json:"values"`
	IsLast bool `json:"isLast"`
}

func (s *Source) emitProjects(ctx context.Context, stream *sources.EntityStream) error {
	startAt := 0
	for {
		u := fmt.Sprintf("%s/rest/api/3/project/search?startAt=%d&maxResults=%d",
			s.baseURL, startAt, projectPageSize)
		var page projectPage
		if err := s.client.GetJSON(ctx, u, &page); err != nil {
			return fmt.Errorf("failed to list projects: %w", err)
		}

		for _, p := range page.Values {
			e := models.NewEntity(p.Key, "jira_project", map[string]any{
				"name":        p.Name,
				"key":         p.Key,
				"description": p.Description,
			})
			e.Name = p.Name
			if err := stream.Emit(ctx, e); err != nil {
				return err
			}
		}

		startAt += len(page.Values)
		if page.IsLast || len(page.Values) == 0 {
			return nil
		}
	}
}

type searchPage struct {
	StartAt int     `json:"startAt"`
	Total   int     `json:"total"`
	Issues  []issue `json:"issues"`
}

type issue struct {
	ID     string      `json:"id"`
	Key    string      `json:"key"`
	Fields issueFields `json:"fields"`
}

type issueFields struct {
	Summary     string          `json:"summary"`
	Description json.RawMessage `json:"description"`
	Status      *named          `json:"status"`
	IssueType   *named          `json:"issuetype"`
	Project     *projectRef     `json:"project"`
	Created     string          `json:"created"`
	Updated     string          `json:"updated"`
}

type named struct {
	Name string `json:"name"`
}

type projectRef struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

func (s *Source) emitIssues(ctx context.Context, stream *sources.EntityStream) error {
	cursor := stream.Cursor()
	var since time.Time
	if !s.forceFullSync {
		since = cursor.GetTime(cursorKeyUpdated)
	}

	jql := "ORDER BY updated ASC"
	if !since.IsZero() {
		jql = fmt.Sprintf(`updated >= "%s" ORDER BY updated ASC`, since.UTC().Format(jqlTimeLayout))
	}

	startAt := 0
	maxSeen := since
	for {
		u := fmt.Sprintf("%s/rest/api/3/search?jql=%s&startAt=%d&maxResults=%d&fields=%s",
			s.baseURL, url.QueryEscape(jql), startAt, searchPageSize,
			url.QueryEscape("summary,description,status,issuetype,project,created,updated"))
		var page searchPage
		if err := s.client.GetJSON(ctx, u, &page); err != nil {
			return fmt.Errorf("failed to search issues: %w", err)
		}

		for i := range page.Issues {
			e, updated := issueEntity(&page.Issues[i])
			if err := stream.Emit(ctx, e); err != nil {
				return err
			}
			if updated.After(maxSeen) {
				maxSeen = updated
			}
		}

		// Checkpoint once the page is fully emitted so a resume never skips
		// issues inside it.
		if maxSeen.After(since) {
			cursor.SetTime(cursorKeyUpdated, maxSeen)
			stream.SetCursor(cursor)
		}

		startAt += len(page.Issues)
		if len(page.Issues) == 0 || startAt >= page.Total {
			return nil
		}
	}
}

func issueEntity(iss *issue) (*models.Entity, time.Time) {
	f := iss.Fields

	props := map[string]any{
		"summary":     f.Summary,
		"description": adfText(f.Description),
	}
	if f.Status != nil {
		props["status"] = f.Status.Name
	}
	if f.IssueType != nil {
		props["issue_type"] = f.IssueType.Name
	}

	e := models.NewEntity(iss.Key, "jira_issue", props)
	e.Name = f.Summary

	if created, err := time.Parse(jiraTimeLayout, f.Created); err == nil {
		e.CreatedAt = &created
		props["created_at"] = created.UTC().Format(time.RFC3339)
	}
	var updated time.Time
	if u, err := time.Parse(jiraTimeLayout, f.Updated); err == nil {
		updated = u
		e.UpdatedAt = &u
		props["updated_at"] = u.UTC().Format(time.RFC3339)
	}

	if f.Project != nil {
		props["project_key"] = f.Project.Key
		e.Breadcrumbs = []models.Breadcrumb{{
			EntityID: f.Project.Key,
			Name:     f.Project.Name,
			Type:     "jira_project",
		}}
	}
	return e, updated
}

type adfNode struct {
	Type    string    `json:"type"`
	Text    string    `json:"text"`
	Content []adfNode `json:"content"`
}

// adfText flattens an Atlassian Document Format tree into plain text.
// Legacy sites may still return a plain string.
func adfText(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	var node adfNode
	if err := json.Unmarshal(raw, &node); err != nil {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
		return ""
	}
	var b strings.Builder
	node.collect(&b)
	return strings.TrimSpace(b.String())
}

func (n adfNode) collect(b *strings.Builder) {
	if n.Text != "" {
		b.WriteString(n.Text)
	}
	for _, c := range n.Content {
		c.collect(b)
	}
	switch n.Type {
	case "paragraph", "heading", "listItem", "codeBlock":
		b.WriteString("\n")
	}
}
