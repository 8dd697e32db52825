// Package hubspot crawls HubSpot CRM objects through the v3 search API.
// Searches go over POST to sidestep URL-length limits, the full property
// schema per object type is fetched once and cached, and null or empty
// property values are stripped before an entity leaves the driver.
package hubspot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/airweave/syncd/internal/httpclient"
	"github.com/airweave/syncd/internal/logger"
	"github.com/airweave/syncd/internal/sources"
	"github.com/airweave/syncd/pkg/models"
)

const (
	defaultBaseURL = "https://api.hubapi.com"
	searchPageSize = 100

	cursorKeyWatermarks = "hubspot_watermarks"
)

// objectTypes lists the CRM collections crawled, in emit order.
var objectTypes = []string{"contacts", "companies", "deals", "tickets"}

var entityTypes = map[string]string{
	"contacts":  "hubspot_contact",
	"companies": "hubspot_company",
	"deals":     "hubspot_deal",
	"tickets":   "hubspot_ticket",
}

func init() {
	sources.Register(sources.Descriptor{
		Name:           "HubSpot",
		ShortName:      "hubspot",
		AuthType:       models.AuthOAuthBrowser,
		OAuthSemantics: models.OAuthWithRefresh,
		RateLimitLevel: models.RateLimitConnection,
		Labels:         []string{"crm", "sales"},
		New:            NewSource,
	})

	models.RegisterFields("hubspot_contact", map[string]models.FieldFlags{
		"firstname":        {Embeddable: true},
		"lastname":         {Embeddable: true},
		"email":            {Embeddable: true},
		"jobtitle":         {Embeddable: true},
		"company":          {Embeddable: true},
		"createdate":       {IsCreatedAt: true},
		"lastmodifieddate": {IsUpdatedAt: true},
	})
	models.RegisterFields("hubspot_company", map[string]models.FieldFlags{
		"name":        {Embeddable: true, IsName: true},
		"description": {Embeddable: true},
		"domain":      {Embeddable: true},
		"industry":    {Embeddable: true},
	})
	models.RegisterFields("hubspot_deal", map[string]models.FieldFlags{
		"dealname":    {Embeddable: true, IsName: true},
		"description": {Embeddable: true},
		"dealstage":   {Embeddable: true},
	})
	models.RegisterFields("hubspot_ticket", map[string]models.FieldFlags{
		"subject":           {Embeddable: true, IsName: true},
		"content":           {Embeddable: true},
		"hs_pipeline_stage": {},
	})
}

// Source is the HubSpot driver for one connection.
type Source struct {
	client        *httpclient.Client
	forceFullSync bool
	log           logger.Logger
	baseURL       string

	mu         sync.Mutex
	properties map[string][]string // object type -> schema property names
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
		log:           logger.New("hubspot"),
		baseURL:       defaultBaseURL,
		properties:    make(map[string][]string),
	}, nil
}

// Validate confirms the token can list contacts.
func (s *Source) Validate(ctx context.Context) error {
	var out struct {
		Results []any `json:"results"`
	}
	if err := s.client.GetJSON(ctx, s.baseURL+"/crm/v3/objects/contacts?limit=1", &out); err != nil {
		return fmt.Errorf("failed to validate hubspot connection: %w", err)
	}
	return nil
}

// Entities crawls each CRM object type. Incremental runs filter on the
// last-modified property, with a per-object-type watermark map in the
// cursor.
func (s *Source) Entities(ctx context.Context, stream *sources.EntityStream) error {
	cursor := stream.Cursor()
	watermarks := map[string]time.Time{}
	if !s.forceFullSync {
		if _, err := cursor.Get(cursorKeyWatermarks, &watermarks); err != nil {
			return fmt.Errorf("failed to read hubspot cursor: %w", err)
		}
	}

	for _, objectType := range objectTypes {
		if err := s.emitObjects(ctx, stream, cursor, watermarks, objectType); err != nil {
			return err
		}
	}
	return nil
}

type searchRequest struct {
	FilterGroups []filterGroup `json:"filterGroups,omitempty"`
	Sorts        []sortSpec    `json:"sorts"`
	Properties   []string      `json:"properties"`
	Limit        int           `json:"limit"`
	After        string        `json:"after,omitempty"`
}

type filterGroup struct {
	Filters []filter `json:"filters"`
}

type filter struct {
	PropertyName string `json:"propertyName"`
	Operator     string `json:"operator"`
	Value        string `json:"value"`
}

type sortSpec struct {
	PropertyName string `json:"propertyName"`
	Direction    string `json:"direction"`
}

type searchResponse struct {
	Total   int      `json:"total"`
	Results []object `json:"results"`
	Paging  *paging  `json:"paging"`
}

type object struct {
	ID         string         `json:"id"`
	Properties map[string]any `json:"properties"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

type paging struct {
	Next *struct {
		After string `json:"after"`
	} `json:"next"`
}

func (s *Source) emitObjects(ctx context.Context, stream *sources.EntityStream, cursor models.CursorData, watermarks map[string]time.Time, objectType string) error {
	props, err := s.schemaProperties(ctx, objectType)
	if err != nil {
		return err
	}

	since := watermarks[objectType]
	maxSeen := since
	after := ""

	for {
		req := searchRequest{
			Sorts: []sortSpec{{
				PropertyName: modifiedProperty(objectType),
				Direction:    "ASCENDING",
			}},
			Properties: props,
			Limit:      searchPageSize,
			After:      after,
		}
		if !since.IsZero() {
			req.FilterGroups = []filterGroup{{Filters: []filter{{
				PropertyName: modifiedProperty(objectType),
				Operator:     "GTE",
				Value:        strconv.FormatInt(since.UnixMilli(), 10),
			}}}}
		}

		var page searchResponse
		url := fmt.Sprintf("%s/crm/v3/objects/%s/search", s.baseURL, objectType)
		if err := s.client.PostJSON(ctx, url, req, &page); err != nil {
			return fmt.Errorf("failed to search %s: %w", objectType, err)
		}

		for i := range page.Results {
			e := objectEntity(objectType, &page.Results[i])
			if err := stream.Emit(ctx, e); err != nil {
				return err
			}
			if page.Results[i].UpdatedAt.After(maxSeen) {
				maxSeen = page.Results[i].UpdatedAt
			}
		}

		if maxSeen.After(since) {
			watermarks[objectType] = maxSeen
			if err := cursor.Set(cursorKeyWatermarks, watermarks); err != nil {
				return fmt.Errorf("failed to update hubspot cursor: %w", err)
			}
			stream.SetCursor(cursor)
		}

		if page.Paging == nil || page.Paging.Next == nil || page.Paging.Next.After == "" {
			return nil
		}
		after = page.Paging.Next.After
	}
}

// schemaProperties returns the full property-name list for an object type,
// fetched once per driver instance.
func (s *Source) schemaProperties(ctx context.Context, objectType string) ([]string, error) {
	s.mu.Lock()
	cached, ok := s.properties[objectType]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	var schema struct {
		Results []struct {
			Name string `json:"name"`
		} `json:"results"`
	}
	url := fmt.Sprintf("%s/crm/v3/properties/%s", s.baseURL, objectType)
	if err := s.client.GetJSON(ctx, url, &schema); err != nil {
		return nil, fmt.Errorf("failed to fetch %s property schema: %w", objectType, err)
	}

	names := make([]string, 0, len(schema.Results))
	for _, p := range schema.Results {
		names = append(names, p.Name)
	}

	s.mu.Lock()
	s.properties[objectType] = names
	s.mu.Unlock()
	return names, nil
}

// modifiedProperty names the last-modified property, which contacts spell
// differently from every other object type.
func modifiedProperty(objectType string) string {
	if objectType == "contacts" {
		return "lastmodifieddate"
	}
	return "hs_lastmodifieddate"
}

func objectEntity(objectType string, obj *object) *models.Entity {
	clean := make(map[string]any, len(obj.Properties))
	for k, v := range obj.Properties {
		if v == nil {
			continue
		}
		if str, ok := v.(string); ok && str == "" {
			continue
		}
		clean[k] = v
	}

	e := models.NewEntity(objectType+"/"+obj.ID, entityTypes[objectType], clean)
	e.Name = displayName(objectType, clean)
	created, updated := obj.CreatedAt, obj.UpdatedAt
	if !created.IsZero() {
		e.CreatedAt = &created
	}
	if !updated.IsZero() {
		e.UpdatedAt = &updated
	}
	return e
}

func displayName(objectType string, props map[string]any) string {
	get := func(key string) string {
		s, _ := props[key].(string)
		return s
	}
	switch objectType {
	case "contacts":
		name := strings.TrimSpace(get("firstname") + " " + get("lastname"))
		if name == "" {
			name = get("email")
		}
		return name
	case "companies":
		return get("name")
	case "deals":
		return get("dealname")
	case "tickets":
		return get("subject")
	}
	return ""
}
