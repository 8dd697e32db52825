// Package convert turns staged file bodies into text for the chunkers and
// builds the textual representation of record entities from their field
// metadata. Converters dispatch on file extension; document and image
// formats without a local parser go through the OCR adapter.
package convert

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/xuri/excelize/v2"

	"github.com/airweave/syncd/internal/logger"
	"github.com/airweave/syncd/internal/syncerrors"
	"github.com/airweave/syncd/pkg/models"
)

// converterFunc turns one staged file into text.
type converterFunc func(ctx context.Context, path string) (string, error)

// Registry dispatches staged files to converters by extension.
type Registry struct {
	converters map[string]converterFunc
	ocr        *OCRClient
	log        logger.Logger
}

// NewRegistry builds the converter table. A nil OCR client disables the
// document and image formats that need it.
func NewRegistry(ocr *OCRClient) *Registry {
	r := &Registry{
		ocr: ocr,
		log: logger.New("convert"),
	}
	r.converters = map[string]converterFunc{
		".html": convertHTML,
		".htm":  convertHTML,
		".xlsx": convertXLSX,
		".xlsm": convertXLSX,
		".csv":  convertCSV,
		".json": convertJSON,
		".xml":  convertXML,
		".txt":  convertPassthrough,
		".md":   convertPassthrough,
		".yaml": convertPassthrough,
		".yml":  convertPassthrough,
		".toml": convertPassthrough,
	}
	for _, ext := range ocrExtensions {
		r.converters[ext] = r.convertOCR
	}
	return r
}

// ToText converts the entity's staged file into text. Unsupported and broken
// files surface as entity errors so the pipeline skips the entity.
func (r *Registry) ToText(ctx context.Context, e *models.Entity) (string, error) {
	if e.File == nil || e.File.LocalPath == "" {
		return "", syncerrors.NewEntityError(e.EntityID, "entity has no staged file", nil)
	}
	ext := strings.ToLower(filepath.Ext(e.File.LocalPath))
	conv, ok := r.converters[ext]
	if !ok {
		return "", syncerrors.NewEntityError(e.EntityID,
			fmt.Sprintf("no converter for extension %q", ext), nil)
	}
	text, err := conv(ctx, e.File.LocalPath)
	if err != nil {
		if syncerrors.IsEntity(err) {
			return "", err
		}
		return "", syncerrors.NewEntityError(e.EntityID, "conversion failed", err)
	}
	return text, nil
}

func convertPassthrough(_ context.Context, path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

func convertHTML(_ context.Context, path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	out, err := md.NewConverter("", true, nil).ConvertString(string(content))
	if err != nil {
		return "", fmt.Errorf("failed to convert html: %w", err)
	}
	return out, nil
}

func convertJSON(_ context.Context, path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, content, "", "  "); err != nil {
		return "", fmt.Errorf("invalid json: %w", err)
	}
	return "```json\n" + pretty.String() + "\n```", nil
}

// convertXML pretty-prints well-formed documents and falls back to the raw
// body otherwise.
func convertXML(_ context.Context, path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	pretty, err := indentXML(content)
	if err != nil {
		pretty = string(content)
	}
	return "```xml\n" + pretty + "\n```", nil
}

func indentXML(content []byte) (string, error) {
	var out bytes.Buffer
	dec := xml.NewDecoder(bytes.NewReader(content))
	enc := xml.NewEncoder(&out)
	enc.Indent("", "  ")
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		if err := enc.EncodeToken(tok); err != nil {
			return "", err
		}
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return out.String(), nil
}

func convertCSV(_ context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return "", fmt.Errorf("invalid csv: %w", err)
	}
	return tableMarkdown(rows), nil
}

func convertXLSX(_ context.Context, path string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("failed to read sheet %s: %w", sheet, err)
		}
		if len(rows) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("## " + sheet + "\n\n")
		b.WriteString(tableMarkdown(rows))
	}
	return b.String(), nil
}

// tableMarkdown renders rows as a markdown table, first row as header.
func tableMarkdown(rows [][]string) string {
	if len(rows) == 0 {
		return ""
	}
	width := 0
	for _, row := range rows {
		if len(row) > width {
			width = len(row)
		}
	}

	var b strings.Builder
	writeRow := func(row []string) {
		b.WriteString("|")
		for i := 0; i < width; i++ {
			cell := ""
			if i < len(row) {
				cell = strings.ReplaceAll(row[i], "|", "\\|")
			}
			b.WriteString(" " + cell + " |")
		}
		b.WriteString("\n")
	}

	writeRow(rows[0])
	b.WriteString("|")
	for i := 0; i < width; i++ {
		b.WriteString(" --- |")
	}
	b.WriteString("\n")
	for _, row := range rows[1:] {
		writeRow(row)
	}
	return strings.TrimRight(b.String(), "\n")
}

// BuildTextual renders a record entity as text for embedding: one line per
// embeddable field in stable order, prefixed with the field name.
// Polymorphic rows have no registered schema, so every property is included.
func BuildTextual(e *models.Entity) string {
	var fields []string
	if e.Kind == models.KindPolymorphic {
		for name := range e.Properties {
			fields = append(fields, name)
		}
		sort.Strings(fields)
	} else {
		fields = models.EmbeddableFields(e.Metadata.EntityType)
	}

	var b strings.Builder
	for _, name := range fields {
		val, ok := e.Properties[name]
		if !ok || val == nil {
			continue
		}
		text := strings.TrimSpace(fmt.Sprintf("%v", val))
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(name + ": " + text)
	}
	return b.String()
}
