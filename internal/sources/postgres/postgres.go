// Package postgres crawls PostgreSQL tables and emits every row as a
// polymorphic entity. Tables are discovered from information_schema unless
// the connection names them; incremental runs filter each table on its
// timestamp watermark column and the cursor keeps one watermark per table.
package postgres

import (
	"context"
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/airweave/syncd/internal/logger"
	"github.com/airweave/syncd/internal/sources"
	"github.com/airweave/syncd/internal/syncerrors"
	"github.com/airweave/syncd/pkg/models"
)

const cursorKeyWatermarks = "table_watermarks"

// watermarkColumns is the preference order for the incremental filter column.
var watermarkColumns = []string{"updated_at", "modified_at", "created_at"}

func init() {
	sources.Register(sources.Descriptor{
		Name:           "PostgreSQL",
		ShortName:      "postgres",
		AuthType:       models.AuthNone,
		RateLimitLevel: models.RateLimitNone,
		Labels:         []string{"database"},
		ConfigFields: []sources.ConfigField{
			{Name: "dsn", Required: true, Description: "connection string"},
			{Name: "tables", Description: "comma-separated schema.table list, empty or * for all"},
		},
		New: NewSource,
	})
}

// tableRef names one table to crawl.
type tableRef struct {
	Schema string
	Name   string
}

func (t tableRef) key() string { return t.Schema + "." + t.Name }

func (t tableRef) qualified() string {
	return quoteIdent(t.Schema) + "." + quoteIdent(t.Name)
}

// Source is the PostgreSQL driver for one connection.
type Source struct {
	dsn           string
	tables        []tableRef
	forceFullSync bool
	log           logger.Logger

	pool *pgxpool.Pool
}

// NewSource constructs the driver. The connection config carries the DSN and
// an optional comma-separated table list; an empty list or "*" discovers all
// base tables in the public schema.
func NewSource(deps sources.Deps) (sources.Source, error) {
	dsn := deps.Connection.Config["dsn"]
	if dsn == "" {
		return nil, syncerrors.NewSyncFailureError("postgres connection needs a dsn config value", nil)
	}
	return &Source{
		dsn:           dsn,
		tables:        parseTables(deps.Connection.Config["tables"]),
		forceFullSync: deps.ForceFullSync,
		log:           logger.New("postgres"),
	}, nil
}

func (s *Source) connect(ctx context.Context) error {
	if s.pool != nil {
		return nil
	}
	pool, err := pgxpool.New(ctx, s.dsn)
	if err != nil {
		return fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("failed to reach postgres: %w", err)
	}
	s.pool = pool
	return nil
}

// Close releases the connection pool.
func (s *Source) Close() error {
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

// Validate opens the pool and pings the server.
func (s *Source) Validate(ctx context.Context) error {
	return s.connect(ctx)
}

// Entities crawls each configured table. A table checkpoint lands on the
// stream after its last row was emitted, so a resumed job re-reads at most
// one table.
func (s *Source) Entities(ctx context.Context, stream *sources.EntityStream) error {
	if err := s.connect(ctx); err != nil {
		return err
	}

	tables := s.tables
	if len(tables) == 0 {
		var err error
		if tables, err = s.discoverTables(ctx); err != nil {
			return err
		}
	}

	cursor := stream.Cursor()
	watermarks := map[string]time.Time{}
	if !s.forceFullSync {
		if _, err := cursor.Get(cursorKeyWatermarks, &watermarks); err != nil {
			return fmt.Errorf("failed to read table watermarks: %w", err)
		}
	}

	for _, t := range tables {
		info, err := s.tableInfo(ctx, t)
		if err != nil {
			return err
		}
		if len(info.pk) == 0 {
			s.log.Warn("skipping table without a primary key", logger.String("table", t.key()))
			continue
		}

		wmCol := pickWatermarkColumn(info.columnTypes)
		maxSeen, err := s.emitRows(ctx, stream, t, info.pk, wmCol, watermarks[t.key()])
		if err != nil {
			return err
		}
		if maxSeen.After(watermarks[t.key()]) {
			watermarks[t.key()] = maxSeen
			if err := cursor.Set(cursorKeyWatermarks, watermarks); err != nil {
				return err
			}
			stream.SetCursor(cursor)
		}
	}
	return nil
}

func (s *Source) discoverTables(ctx context.Context) ([]tableRef, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT table_schema, table_name
		FROM information_schema.tables
		WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
		ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to discover tables: %w", err)
	}
	defer rows.Close()

	var tables []tableRef
	for rows.Next() {
		var t tableRef
		if err := rows.Scan(&t.Schema, &t.Name); err != nil {
			return nil, fmt.Errorf("failed to scan table row: %w", err)
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

type tableInfo struct {
	pk          []string
	columnTypes map[string]string
}

func (s *Source) tableInfo(ctx context.Context, t tableRef) (*tableInfo, error) {
	info := &tableInfo{columnTypes: map[string]string{}}

	rows, err := s.pool.Query(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, t.Schema, t.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", t.key(), err)
	}
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan column row: %w", err)
		}
		info.columnTypes[name] = dataType
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx, `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = $1 AND tc.table_name = $2
		ORDER BY kcu.ordinal_position`, t.Schema, t.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to read primary key of %s: %w", t.key(), err)
	}
	defer rows.Close()
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, fmt.Errorf("failed to scan primary key row: %w", err)
		}
		info.pk = append(info.pk, col)
	}
	return info, rows.Err()
}

func (s *Source) emitRows(ctx context.Context, stream *sources.EntityStream, t tableRef, pk []string, wmCol string, since time.Time) (time.Time, error) {
	sql := "SELECT * FROM " + t.qualified()
	var args []any
	if wmCol != "" {
		if !since.IsZero() {
			sql += fmt.Sprintf(" WHERE %s > $1", quoteIdent(wmCol))
			args = append(args, since)
		}
		sql += fmt.Sprintf(" ORDER BY %s ASC", quoteIdent(wmCol))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read rows of %s: %w", t.key(), err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	maxSeen := since
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return maxSeen, fmt.Errorf("failed to decode row of %s: %w", t.key(), err)
		}
		props := make(map[string]any, len(fields))
		for i := range fields {
			props[fields[i].Name] = normalizeValue(vals[i])
		}
		if err := stream.Emit(ctx, rowEntity(t, pk, props)); err != nil {
			return maxSeen, err
		}
		if wmCol != "" {
			if ts, ok := props[wmCol].(time.Time); ok && ts.After(maxSeen) {
				maxSeen = ts
			}
		}
	}
	return maxSeen, rows.Err()
}

// rowEntity turns one decoded row into a polymorphic entity with a
// primary-key derived id.
func rowEntity(t tableRef, pk []string, props map[string]any) *models.Entity {
	parts := make([]string, len(pk))
	for i, col := range pk {
		parts[i] = fmt.Sprintf("%s=%v", col, props[col])
	}
	pkPart := strings.Join(parts, ",")

	e := &models.Entity{
		EntityID:   fmt.Sprintf("%s:%s", t.key(), pkPart),
		Kind:       models.KindPolymorphic,
		Name:       fmt.Sprintf("%s %s", t.Name, pkPart),
		Properties: props,
		Table: &models.TableAttrs{
			TableName:         t.Name,
			SchemaName:        t.Schema,
			PrimaryKeyColumns: append([]string{}, pk...),
		},
		Metadata: models.SystemMetadata{EntityType: t.key()},
	}
	if ts, ok := props["created_at"].(time.Time); ok {
		e.CreatedAt = &ts
	}
	if ts, ok := props["updated_at"].(time.Time); ok {
		e.UpdatedAt = &ts
	}
	return e
}

// normalizeValue maps pgx-native values onto JSON-friendly ones. Timestamps
// stay as time.Time so the watermark scan can read them back.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case [16]byte:
		return uuid.UUID(val).String()
	case driver.Valuer:
		if out, err := val.Value(); err == nil {
			return out
		}
		return v
	default:
		return v
	}
}

// parseTables splits the configured table list; entries without a schema
// default to public. Empty and "*" mean discover.
func parseTables(cfg string) []tableRef {
	cfg = strings.TrimSpace(cfg)
	if cfg == "" || cfg == "*" {
		return nil
	}
	var tables []tableRef
	for _, entry := range strings.Split(cfg, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		schema, name, ok := strings.Cut(entry, ".")
		if !ok {
			schema, name = "public", entry
		}
		tables = append(tables, tableRef{Schema: schema, Name: name})
	}
	return tables
}

func pickWatermarkColumn(columnTypes map[string]string) string {
	for _, cand := range watermarkColumns {
		if dt, ok := columnTypes[cand]; ok && strings.HasPrefix(dt, "timestamp") {
			return cand
		}
	}
	return ""
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
