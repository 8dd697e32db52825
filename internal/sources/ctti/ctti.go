// Package ctti crawls the public ClinicalTrials.gov v2 API. The API is
// keyless; the cursor keeps the highest NCT id observed so far and
// incremental runs emit only studies above it.
package ctti

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/airweave/syncd/internal/httpclient"
	"github.com/airweave/syncd/internal/logger"
	"github.com/airweave/syncd/internal/sources"
	"github.com/airweave/syncd/internal/syncerrors"
	"github.com/airweave/syncd/pkg/models"
)

const (
	defaultBaseURL = "https://clinicaltrials.gov/api/v2"

	pageSize = 100
	// defaultStudyLimit caps one crawl; the public registry holds
	// hundreds of thousands of studies.
	defaultStudyLimit = 10000

	cursorKeyLastNCT = "last_nct_id"

	postDateLayout = "2006-01-02"
)

func init() {
	sources.Register(sources.Descriptor{
		Name:           "Clinical Trials",
		ShortName:      "ctti",
		AuthType:       models.AuthNone,
		RateLimitLevel: models.RateLimitNone,
		Labels:         []string{"research", "public-data"},
		ConfigFields: []sources.ConfigField{
			{Name: "condition", Description: "narrow the crawl to one condition query"},
			{Name: "limit", Description: "max studies per crawl, 0 for unlimited"},
		},
		New: NewSource,
	})

	models.RegisterFields("ctti_study", map[string]models.FieldFlags{
		"title":          {Embeddable: true, IsName: true},
		"official_title": {Embeddable: true},
		"summary":        {Embeddable: true},
		"status":         {Embeddable: true},
		"conditions":     {Embeddable: true},
		"sponsor":        {Embeddable: true},
		"last_update":    {IsUpdatedAt: true},
	})
}

// Source is the ClinicalTrials.gov driver for one connection.
type Source struct {
	client        *httpclient.Client
	forceFullSync bool
	log           logger.Logger

	condition string
	limit     int

	// overridable in tests
	baseURL string
}

// NewSource constructs the driver. The connection config may narrow the
// crawl to a condition query and override the study limit.
func NewSource(deps sources.Deps) (sources.Source, error) {
	limit := defaultStudyLimit
	if raw := deps.Connection.Config["limit"]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, syncerrors.NewSyncFailureError(
				fmt.Sprintf("ctti connection has an invalid limit config value %q", raw), nil)
		}
		limit = n
	}
	return &Source{
		client: httpclient.New(httpclient.Options{
			Timeout:      60 * time.Second,
			ConnectionID: deps.Connection.ID,
			Gate:         deps.Gate,
			OnRequest:    deps.OnRequest,
		}),
		forceFullSync: deps.ForceFullSync,
		log:           logger.New("ctti"),
		condition:     deps.Connection.Config["condition"],
		limit:         limit,
		baseURL:       defaultBaseURL,
	}, nil
}

// Validate fetches a single study to confirm the API is reachable.
func (s *Source) Validate(ctx context.Context) error {
	var page studiesPage
	if err := s.client.GetJSON(ctx, s.studiesURL(1, ""), &page); err != nil {
		return fmt.Errorf("failed to reach clinicaltrials.gov: %w", err)
	}
	return nil
}

// Entities pages through the registry and emits studies above the committed
// NCT watermark. Pages arrive in registry order, not id order, so the
// watermark only commits once the crawl finished.
func (s *Source) Entities(ctx context.Context, stream *sources.EntityStream) error {
	cursor := stream.Cursor()
	watermark := ""
	if !s.forceFullSync {
		watermark = cursor.GetString(cursorKeyLastNCT)
	}

	maxSeen := watermark
	emitted := 0
	pageToken := ""
	for {
		var page studiesPage
		if err := s.client.GetJSON(ctx, s.studiesURL(pageSize, pageToken), &page); err != nil {
			return fmt.Errorf("failed to list studies: %w", err)
		}

		for i := range page.Studies {
			st := &page.Studies[i]
			id := st.Protocol.Identification.NCTID
			if id == "" {
				continue
			}
			if watermark != "" && id <= watermark {
				continue
			}
			if err := stream.Emit(ctx, studyEntity(st)); err != nil {
				return err
			}
			emitted++
			if id > maxSeen {
				maxSeen = id
			}
			if s.limit > 0 && emitted >= s.limit {
				break
			}
		}

		if page.NextPageToken == "" || (s.limit > 0 && emitted >= s.limit) {
			break
		}
		pageToken = page.NextPageToken
	}

	if maxSeen > watermark {
		cursor.SetString(cursorKeyLastNCT, maxSeen)
		stream.SetCursor(cursor)
	}
	s.log.Debug("study crawl finished",
		logger.Int("emitted", emitted),
		logger.String("watermark", maxSeen))
	return nil
}

func (s *Source) studiesURL(size int, pageToken string) string {
	q := url.Values{}
	q.Set("format", "json")
	q.Set("pageSize", strconv.Itoa(size))
	if s.condition != "" {
		q.Set("query.cond", s.condition)
	}
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	return s.baseURL + "/studies?" + q.Encode()
}

type studiesPage struct {
	Studies       []study `json:"studies"`
	NextPageToken string  `json:"nextPageToken"`
}

type study struct {
	Protocol protocolSection `json:"protocolSection"`
}

type protocolSection struct {
	Identification identificationModule `json:"identificationModule"`
	Status         statusModule         `json:"statusModule"`
	Description    descriptionModule    `json:"descriptionModule"`
	Conditions     conditionsModule     `json:"conditionsModule"`
	Sponsors       sponsorModule        `json:"sponsorCollaboratorsModule"`
}

type identificationModule struct {
	NCTID         string `json:"nctId"`
	BriefTitle    string `json:"briefTitle"`
	OfficialTitle string `json:"officialTitle"`
}

type statusModule struct {
	OverallStatus      string     `json:"overallStatus"`
	LastUpdatePostDate dateStruct `json:"lastUpdatePostDateStruct"`
}

type dateStruct struct {
	Date string `json:"date"`
}

type descriptionModule struct {
	BriefSummary string `json:"briefSummary"`
}

type conditionsModule struct {
	Conditions []string `json:"conditions"`
}

type sponsorModule struct {
	LeadSponsor struct {
		Name string `json:"name"`
	} `json:"leadSponsor"`
}

func studyEntity(st *study) *models.Entity {
	p := st.Protocol
	e := models.NewEntity(p.Identification.NCTID, "ctti_study", map[string]any{
		"title":          p.Identification.BriefTitle,
		"official_title": p.Identification.OfficialTitle,
		"summary":        p.Description.BriefSummary,
		"status":         p.Status.OverallStatus,
		"conditions":     strings.Join(p.Conditions.Conditions, ", "),
		"sponsor":        p.Sponsors.LeadSponsor.Name,
	})
	e.Name = p.Identification.BriefTitle
	if ts, err := time.Parse(postDateLayout, p.Status.LastUpdatePostDate.Date); err == nil {
		e.UpdatedAt = &ts
		e.Properties["last_update"] = ts.Format(postDateLayout)
	}
	return e
}
