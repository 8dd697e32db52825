// Package outlookmail crawls Outlook mailboxes through the Microsoft Graph
// delta API. Each folder keeps its own delta link in the cursor, so
// incremental runs receive only the messages that changed since the last
// committed crawl, including deletions.
package outlookmail

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/airweave/syncd/internal/httpclient"
	"github.com/airweave/syncd/internal/logger"
	"github.com/airweave/syncd/internal/sources"
	"github.com/airweave/syncd/pkg/models"
)

const (
	defaultBaseURL = "https://graph.microsoft.com/v1.0"

	folderPageSize  = 100
	messagePageSize = 50

	cursorKeyDeltaLinks = "folder_delta_links"

	messageSelect = "subject,bodyPreview,from,receivedDateTime,lastModifiedDateTime,hasAttachments,webLink"
)

func init() {
	sources.Register(sources.Descriptor{
		Name:               "Outlook Mail",
		ShortName:          "outlook_mail",
		AuthType:           models.AuthOAuthBrowser,
		OAuthSemantics:     models.OAuthWithRefresh,
		RateLimitLevel:     models.RateLimitConnection,
		SupportsContinuous: true,
		Labels:             []string{"email", "productivity"},
		New:                NewSource,
	})

	models.RegisterFields("outlook_folder", map[string]models.FieldFlags{
		"display_name": {Embeddable: true, IsName: true},
	})
	models.RegisterFields("outlook_message", map[string]models.FieldFlags{
		"subject":         {Embeddable: true, IsName: true},
		"body_preview":    {Embeddable: true},
		"from":            {Embeddable: true},
		"folder":          {Embeddable: true},
		"web_link":        {},
		"received_at":     {IsCreatedAt: true},
		"modified_at":     {IsUpdatedAt: true},
		"has_attachments": {},
	})
}

// Source is the Outlook Mail driver for one connection.
type Source struct {
	client        *httpclient.Client
	forceFullSync bool
	log           logger.Logger
	baseURL       string
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
		log:           logger.New("outlook_mail"),
		baseURL:       defaultBaseURL,
	}, nil
}

// Validate confirms the token can read the mailbox owner.
func (s *Source) Validate(ctx context.Context) error {
	var me struct {
		ID string `json:"id"`
	}
	if err := s.client.GetJSON(ctx, s.baseURL+"/me", &me); err != nil {
		return fmt.Errorf("failed to validate outlook connection: %w", err)
	}
	return nil
}

type folder struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type folderPage struct {
	Value    []folder `json:"value"`
	NextLink string   `json:"@odata.nextLink"`
}

type message struct {
	ID                   string `json:"id"`
	Subject              string `json:"subject"`
	BodyPreview          string `json:"bodyPreview"`
	ReceivedDateTime     string `json:"receivedDateTime"`
	LastModifiedDateTime string `json:"lastModifiedDateTime"`
	HasAttachments       bool   `json:"hasAttachments"`
	WebLink              string `json:"webLink"`
	From                 *struct {
		EmailAddress struct {
			Name    string `json:"name"`
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"from"`
	Removed *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`
}

type deltaPage struct {
	Value     []message `json:"value"`
	NextLink  string    `json:"@odata.nextLink"`
	DeltaLink string    `json:"@odata.deltaLink"`
}

type attachment struct {
	ODataType   string `json:"@odata.type"`
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

type attachmentPage struct {
	Value []attachment `json:"value"`
}

// Entities lists every folder, then walks each folder's message delta. A
// folder's delta link is committed to the cursor once its delta completes.
func (s *Source) Entities(ctx context.Context, stream *sources.EntityStream) error {
	cursor := stream.Cursor()
	deltaLinks := map[string]string{}
	if !s.forceFullSync {
		if _, err := cursor.Get(cursorKeyDeltaLinks, &deltaLinks); err != nil {
			return fmt.Errorf("failed to read outlook cursor: %w", err)
		}
	}

	folders, err := s.listFolders(ctx)
	if err != nil {
		return err
	}

	for _, f := range folders {
		e := models.NewEntity(f.ID, "outlook_folder", map[string]any{
			"display_name": f.DisplayName,
		})
		e.Name = f.DisplayName
		if err := stream.Emit(ctx, e); err != nil {
			return err
		}
	}

	for _, f := range folders {
		newDelta, err := s.emitFolderDelta(ctx, stream, f, deltaLinks[f.ID])
		if err != nil {
			return err
		}
		if newDelta != "" {
			deltaLinks[f.ID] = newDelta
			if err := cursor.Set(cursorKeyDeltaLinks, deltaLinks); err != nil {
				return fmt.Errorf("failed to update outlook cursor: %w", err)
			}
			stream.SetCursor(cursor)
		}
	}
	return nil
}

func (s *Source) listFolders(ctx context.Context) ([]folder, error) {
	var folders []folder
	next := fmt.Sprintf("%s/me/mailFolders?$top=%d", s.baseURL, folderPageSize)
	for next != "" {
		var page folderPage
		if err := s.client.GetJSON(ctx, next, &page); err != nil {
			return nil, fmt.Errorf("failed to list mail folders: %w", err)
		}
		folders = append(folders, page.Value...)
		next = page.NextLink
	}
	return folders, nil
}

// emitFolderDelta walks one folder's delta pages and returns the new delta
// link, or "" when the walk produced none.
func (s *Source) emitFolderDelta(ctx context.Context, stream *sources.EntityStream, f folder, deltaLink string) (string, error) {
	next := deltaLink
	if next == "" {
		next = fmt.Sprintf("%s/me/mailFolders/%s/messages/delta?$top=%d&$select=%s",
			s.baseURL, f.ID, messagePageSize, url.QueryEscape(messageSelect))
	}

	for {
		var page deltaPage
		if err := s.client.GetJSON(ctx, next, &page); err != nil {
			return "", fmt.Errorf("failed to walk delta for folder %s: %w", f.DisplayName, err)
		}

		for i := range page.Value {
			if err := s.emitMessage(ctx, stream, f, &page.Value[i]); err != nil {
				return "", err
			}
		}

		if page.NextLink != "" {
			next = page.NextLink
			continue
		}
		return page.DeltaLink, nil
	}
}

func (s *Source) emitMessage(ctx context.Context, stream *sources.EntityStream, f folder, m *message) error {
	if m.Removed != nil {
		return stream.Emit(ctx, models.NewDeletionEntity(m.ID, "outlook_message"))
	}

	props := map[string]any{
		"subject":         m.Subject,
		"body_preview":    m.BodyPreview,
		"folder":          f.DisplayName,
		"web_link":        m.WebLink,
		"has_attachments": m.HasAttachments,
	}
	if m.From != nil {
		from := m.From.EmailAddress.Name
		if from == "" {
			from = m.From.EmailAddress.Address
		}
		props["from"] = from
	}

	e := models.NewEntity(m.ID, "outlook_message", props)
	e.Name = m.Subject
	e.Breadcrumbs = []models.Breadcrumb{{EntityID: f.ID, Name: f.DisplayName, Type: "outlook_folder"}}

	if received, err := time.Parse(time.RFC3339, m.ReceivedDateTime); err == nil {
		e.CreatedAt = &received
		props["received_at"] = received.UTC().Format(time.RFC3339)
	}
	if modified, err := time.Parse(time.RFC3339, m.LastModifiedDateTime); err == nil {
		e.UpdatedAt = &modified
		props["modified_at"] = modified.UTC().Format(time.RFC3339)
	}

	if err := stream.Emit(ctx, e); err != nil {
		return err
	}

	if m.HasAttachments {
		return s.emitAttachments(ctx, stream, f, m)
	}
	return nil
}

func (s *Source) emitAttachments(ctx context.Context, stream *sources.EntityStream, f folder, m *message) error {
	var page attachmentPage
	u := fmt.Sprintf("%s/me/messages/%s/attachments?$select=id,name,contentType,size", s.baseURL, m.ID)
	if err := s.client.GetJSON(ctx, u, &page); err != nil {
		return fmt.Errorf("failed to list attachments for message %s: %w", m.ID, err)
	}

	for _, a := range page.Value {
		if a.ODataType != "" && a.ODataType != "#microsoft.graph.fileAttachment" {
			continue
		}
		contentURL := fmt.Sprintf("%s/me/messages/%s/attachments/%s/$value", s.baseURL, m.ID, a.ID)
		e := models.NewFileEntity(m.ID+"/"+a.ID, "outlook_attachment", a.Name, contentURL)
		e.File.MimeType = a.ContentType
		e.File.Size = a.Size
		e.Breadcrumbs = []models.Breadcrumb{
			{EntityID: f.ID, Name: f.DisplayName, Type: "outlook_folder"},
			{EntityID: m.ID, Name: m.Subject, Type: "outlook_message"},
		}
		if err := stream.Emit(ctx, e); err != nil {
			return err
		}
	}
	return nil
}
