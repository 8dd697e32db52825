package convert

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/airweave/syncd/internal/httpclient"
	"github.com/airweave/syncd/internal/logger"
)

const (
	defaultOCRBaseURL = "https://api.mistral.ai/v1"
	defaultOCRModel   = "mistral-ocr-latest"
)

// ocrExtensions lists the formats delegated to the OCR service.
var ocrExtensions = []string{".pdf", ".doc", ".docx", ".ppt", ".pptx", ".png", ".jpg", ".jpeg", ".webp"}

var ocrMimeTypes = map[string]string{
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
}

// OCRClient extracts text from documents and images through the Mistral OCR
// endpoint.
type OCRClient struct {
	client *httpclient.Client
	apiKey string
	model  string
	log    logger.Logger

	// overridable in tests
	baseURL string
}

// NewOCRClient builds the adapter. An empty key returns nil, which disables
// OCR-backed converters.
func NewOCRClient(apiKey string) *OCRClient {
	if apiKey == "" {
		return nil
	}
	return &OCRClient{
		client:  httpclient.New(httpclient.Options{Timeout: 120 * time.Second}),
		apiKey:  apiKey,
		model:   defaultOCRModel,
		log:     logger.New("ocr"),
		baseURL: defaultOCRBaseURL,
	}
}

type ocrDocument struct {
	Type        string `json:"type"`
	DocumentURL string `json:"document_url,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}

type ocrRequest struct {
	Model    string      `json:"model"`
	Document ocrDocument `json:"document"`
}

type ocrResponse struct {
	Pages []struct {
		Index    int    `json:"index"`
		Markdown string `json:"markdown"`
	} `json:"pages"`
}

// Extract uploads the file as a data URL and returns the concatenated page
// markdown.
func (o *OCRClient) Extract(ctx context.Context, path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	mime, ok := ocrMimeTypes[ext]
	if !ok {
		return "", fmt.Errorf("no OCR mime type for extension %q", ext)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	dataURL := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(content))
	doc := ocrDocument{Type: "document_url", DocumentURL: dataURL}
	if strings.HasPrefix(mime, "image/") {
		doc = ocrDocument{Type: "image_url", ImageURL: dataURL}
	}

	payload, err := json.Marshal(ocrRequest{Model: o.model, Document: doc})
	if err != nil {
		return "", fmt.Errorf("failed to encode OCR request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/ocr", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("OCR request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("OCR returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out ocrResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode OCR response: %w", err)
	}

	var b strings.Builder
	for _, page := range out.Pages {
		if page.Markdown == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(page.Markdown)
	}
	o.log.Debug("extracted document",
		logger.String("path", filepath.Base(path)),
		logger.Int("pages", len(out.Pages)))
	return b.String(), nil
}

// convertOCR adapts Extract to the converter table.
func (r *Registry) convertOCR(ctx context.Context, path string) (string, error) {
	if r.ocr == nil {
		return "", fmt.Errorf("OCR is not configured")
	}
	return r.ocr.Extract(ctx, path)
}
