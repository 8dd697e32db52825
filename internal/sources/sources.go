// Package sources defines the driver contract for external systems and the
// registry drivers join at init time. A driver crawls one SaaS API, database,
// or public dataset and emits entities into a bounded stream; pagination and
// incremental state never escape the driver.
package sources

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/airweave/syncd/internal/httpclient"
	"github.com/airweave/syncd/internal/syncerrors"
	"github.com/airweave/syncd/pkg/models"
)

// Source crawls one external system.
type Source interface {
	// Validate checks that the connection's credentials and configuration
	// reach the source.
	Validate(ctx context.Context) error

	// Entities crawls the source and emits entities into the stream. In
	// incremental mode the driver reads its committed cursor from the stream
	// and advances it at yield points.
	Entities(ctx context.Context, stream *EntityStream) error
}

// Deps carries everything a driver needs to talk to its system. The
// committed cursor travels on the EntityStream, not here.
type Deps struct {
	Connection    *models.Connection
	Tokens        httpclient.TokenProvider
	Gate          httpclient.Gate
	ForceFullSync bool

	// OnRequest is invoked once per outbound API call the driver makes.
	// Drivers pass it through to their HTTP client.
	OnRequest func()
}

// ConfigField documents one connection-config key a driver reads. Required
// fields are checked before the driver is constructed; value formats stay the
// driver's business.
type ConfigField struct {
	Name        string
	Required    bool
	Description string
}

// Descriptor declares a driver's registration metadata.
type Descriptor struct {
	Name               string
	ShortName          string
	AuthType           models.AuthType
	OAuthSemantics     models.OAuthSemantics
	RateLimitLevel     models.RateLimitScope
	SupportsContinuous bool
	Labels             []string
	ConfigFields       []ConfigField
	New                func(deps Deps) (Source, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Descriptor)
)

// Register adds a driver descriptor to the registry. Drivers call it from
// init; registering the same short name twice panics.
func Register(d Descriptor) {
	if d.ShortName == "" || d.New == nil {
		panic("sources: descriptor needs a short name and a constructor")
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[d.ShortName]; dup {
		panic("sources: driver registered twice: " + d.ShortName)
	}
	registry[d.ShortName] = d
}

// Get returns the descriptor for a short name.
func Get(shortName string) (Descriptor, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	d, ok := registry[shortName]
	return d, ok
}

// List returns all registered descriptors sorted by short name.
func List() []Descriptor {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]Descriptor, 0, len(registry))
	for _, d := range registry {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShortName < out[j].ShortName })
	return out
}

// New instantiates the driver registered under shortName after checking that
// the connection carries every required config field.
func New(shortName string, deps Deps) (Source, error) {
	d, ok := Get(shortName)
	if !ok {
		return nil, syncerrors.NewNotFoundError("source", shortName)
	}
	var cfg map[string]string
	if deps.Connection != nil {
		cfg = deps.Connection.Config
	}
	for _, f := range d.ConfigFields {
		if f.Required && cfg[f.Name] == "" {
			return nil, syncerrors.NewInvalidStateError(
				"connection for source %s is missing required config field %q", shortName, f.Name)
		}
	}
	src, err := d.New(deps)
	if err != nil {
		return nil, fmt.Errorf("failed to construct %s driver: %w", shortName, err)
	}
	return src, nil
}

// RateLimitLevelFor reports the scope a registered source declares, or
// RateLimitNone for unknown sources. Satisfies the limiter's level lookup.
func RateLimitLevelFor(shortName string) models.RateLimitScope {
	d, ok := Get(shortName)
	if !ok || d.RateLimitLevel == "" {
		return models.RateLimitNone
	}
	return d.RateLimitLevel
}

// EntityStream is the bounded conduit between a driver and the pipeline. The
// driver side emits entities and commits cursor checkpoints; the pipeline
// side receives until the channel closes.
type EntityStream struct {
	ch chan *models.Entity

	mu            sync.Mutex
	cursor        models.CursorData
	cursorVersion int64
}

// NewEntityStream creates a stream with the given buffer depth, seeded with
// the sync's committed cursor.
func NewEntityStream(depth int, cursor models.CursorData) *EntityStream {
	if depth <= 0 {
		depth = 1
	}
	if cursor == nil {
		cursor = models.CursorData{}
	}
	return &EntityStream{
		ch:     make(chan *models.Entity, depth),
		cursor: cursor.Clone(),
	}
}

// Emit sends one entity downstream, blocking while the pipeline is saturated.
func (s *EntityStream) Emit(ctx context.Context, e *models.Entity) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.ch <- e:
		return nil
	}
}

// Close marks the stream complete. The driver calls it exactly once after
// the crawl finishes.
func (s *EntityStream) Close() {
	close(s.ch)
}

// Entities returns the receive side of the stream.
func (s *EntityStream) Entities() <-chan *models.Entity {
	return s.ch
}

// Cursor returns a copy of the last committed cursor.
func (s *EntityStream) Cursor() models.CursorData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor.Clone()
}

// SetCursor commits a new cursor checkpoint. Drivers call it after the
// entities covered by the checkpoint have been emitted, so a resume from
// this cursor never skips records.
func (s *EntityStream) SetCursor(c models.CursorData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = c.Clone()
	s.cursorVersion++
}

// CursorVersion increases on every commit; the orchestrator uses it to skip
// redundant persistence.
func (s *EntityStream) CursorVersion() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursorVersion
}
