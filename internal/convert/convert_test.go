package convert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/airweave/syncd/internal/syncerrors"
	"github.com/airweave/syncd/pkg/models"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func stagedEntity(path string) *models.Entity {
	e := models.NewFileEntity("ent-1", "test_file", filepath.Base(path), "https://example.com/f")
	e.File.LocalPath = path
	return e
}

func TestToTextHTML(t *testing.T) {
	path := writeFile(t, "page.html", `<html><body><h1>Quarterly Report</h1><p>Revenue <strong>up</strong>.</p></body></html>`)

	text, err := NewRegistry(nil).ToText(context.Background(), stagedEntity(path))
	require.NoError(t, err)
	assert.Contains(t, text, "# Quarterly Report")
	assert.Contains(t, text, "**up**")
}

func TestToTextCSV(t *testing.T) {
	path := writeFile(t, "data.csv", "region,revenue\nEMEA,1200\nAPAC,900\n")

	text, err := NewRegistry(nil).ToText(context.Background(), stagedEntity(path))
	require.NoError(t, err)
	assert.Contains(t, text, "| region | revenue |")
	assert.Contains(t, text, "| EMEA | 1200 |")
	assert.Contains(t, text, "| --- | --- |")
}

func TestToTextJSON(t *testing.T) {
	path := writeFile(t, "record.json", `{"b":1,"a":{"c":true}}`)

	text, err := NewRegistry(nil).ToText(context.Background(), stagedEntity(path))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(text, "```json\n"))
	assert.Contains(t, text, "  \"b\": 1")
}

func TestToTextInvalidJSON(t *testing.T) {
	path := writeFile(t, "broken.json", `{"a":`)

	_, err := NewRegistry(nil).ToText(context.Background(), stagedEntity(path))
	assert.True(t, syncerrors.IsEntity(err))
}

func TestToTextXML(t *testing.T) {
	path := writeFile(t, "feed.xml", `<items><item id="1">first</item></items>`)

	text, err := NewRegistry(nil).ToText(context.Background(), stagedEntity(path))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(text, "```xml\n"))
	assert.Contains(t, text, "first")
}

func TestToTextXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "book.xlsx")
	f := excelize.NewFile()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", "Region"))
	require.NoError(t, f.SetCellValue("Sheet1", "B1", "Revenue"))
	require.NoError(t, f.SetCellValue("Sheet1", "A2", "EMEA"))
	require.NoError(t, f.SetCellValue("Sheet1", "B2", 1200))
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	text, err := NewRegistry(nil).ToText(context.Background(), stagedEntity(path))
	require.NoError(t, err)
	assert.Contains(t, text, "## Sheet1")
	assert.Contains(t, text, "| Region | Revenue |")
	assert.Contains(t, text, "| EMEA | 1200 |")
}

func TestToTextPassthrough(t *testing.T) {
	path := writeFile(t, "notes.md", "# Notes\n\nplain body")

	text, err := NewRegistry(nil).ToText(context.Background(), stagedEntity(path))
	require.NoError(t, err)
	assert.Equal(t, "# Notes\n\nplain body", text)
}

func TestToTextUnknownExtension(t *testing.T) {
	path := writeFile(t, "blob.bin", "xxxx")

	_, err := NewRegistry(nil).ToText(context.Background(), stagedEntity(path))
	assert.True(t, syncerrors.IsEntity(err))
}

func TestToTextNoStagedFile(t *testing.T) {
	e := models.NewEntity("ent-1", "test_record", nil)
	_, err := NewRegistry(nil).ToText(context.Background(), e)
	assert.True(t, syncerrors.IsEntity(err))
}

func TestToTextOCRUnconfigured(t *testing.T) {
	path := writeFile(t, "scan.pdf", "%PDF-1.4 fake")

	_, err := NewRegistry(nil).ToText(context.Background(), stagedEntity(path))
	assert.True(t, syncerrors.IsEntity(err))
}

func newFakeOCR(t *testing.T) (*OCRClient, *[]ocrRequest) {
	t.Helper()
	var seen []ocrRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "/ocr", r.URL.Path)

		var req ocrRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		seen = append(seen, req)

		_, _ = w.Write([]byte(`{"pages":[{"index":0,"markdown":"# Page one"},{"index":1,"markdown":"Page two"}]}`))
	}))
	t.Cleanup(srv.Close)

	ocr := NewOCRClient("test-key")
	ocr.baseURL = srv.URL
	return ocr, &seen
}

func TestOCRExtractDocument(t *testing.T) {
	ocr, seen := newFakeOCR(t)
	path := writeFile(t, "scan.pdf", "%PDF-1.4 fake")

	text, err := ocr.Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "# Page one\n\nPage two", text)

	require.Len(t, *seen, 1)
	req := (*seen)[0]
	assert.Equal(t, defaultOCRModel, req.Model)
	assert.Equal(t, "document_url", req.Document.Type)
	assert.True(t, strings.HasPrefix(req.Document.DocumentURL, "data:application/pdf;base64,"))
}

func TestOCRExtractImage(t *testing.T) {
	ocr, seen := newFakeOCR(t)
	path := writeFile(t, "chart.png", "\x89PNG fake")

	_, err := ocr.Extract(context.Background(), path)
	require.NoError(t, err)

	require.Len(t, *seen, 1)
	req := (*seen)[0]
	assert.Equal(t, "image_url", req.Document.Type)
	assert.True(t, strings.HasPrefix(req.Document.ImageURL, "data:image/png;base64,"))
}

func TestRegistryDispatchesOCR(t *testing.T) {
	ocr, _ := newFakeOCR(t)
	path := writeFile(t, "deck.pptx", "fake deck")

	text, err := NewRegistry(ocr).ToText(context.Background(), stagedEntity(path))
	require.NoError(t, err)
	assert.Contains(t, text, "# Page one")
}

func TestNewOCRClientWithoutKey(t *testing.T) {
	assert.Nil(t, NewOCRClient(""))
}

func TestBuildTextual(t *testing.T) {
	models.RegisterFields("convert_test_record", map[string]models.FieldFlags{
		"title":   {Embeddable: true, IsName: true},
		"body":    {Embeddable: true},
		"status":  {Embeddable: true},
		"private": {},
	})

	e := models.NewEntity("ent-1", "convert_test_record", map[string]any{
		"title":   "Launch plan",
		"body":    "ship it",
		"status":  "",
		"private": "hidden",
	})

	text := BuildTextual(e)
	// embeddable fields only, sorted, empty values skipped
	assert.Equal(t, "body: ship it\ntitle: Launch plan", text)
}

func TestBuildTextualPolymorphic(t *testing.T) {
	e := &models.Entity{
		EntityID: "public.users:id=1",
		Kind:     models.KindPolymorphic,
		Properties: map[string]any{
			"id":    int64(1),
			"email": "a@example.com",
		},
		Metadata: models.SystemMetadata{EntityType: "public.users"},
	}

	text := BuildTextual(e)
	assert.Equal(t, "email: a@example.com\nid: 1", text)
}

func TestBuildTextualUnregisteredType(t *testing.T) {
	e := models.NewEntity("ent-1", "never_registered", map[string]any{"a": "b"})
	assert.Equal(t, "", BuildTextual(e))
}

func TestTableMarkdownRaggedRows(t *testing.T) {
	out := tableMarkdown([][]string{
		{"a", "b|c"},
		{"1"},
		{"2", "3", "4"},
	})
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "| a | b\\|c |  |", lines[0])
	assert.Equal(t, "| --- | --- | --- |", lines[1])
	assert.Equal(t, "| 1 |  |  |", lines[2])
	assert.Equal(t, "| 2 | 3 | 4 |", lines[3])
}
