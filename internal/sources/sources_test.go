package sources

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airweave/syncd/internal/syncerrors"
	"github.com/airweave/syncd/pkg/models"
)

type nopSource struct{}

func (nopSource) Validate(context.Context) error                { return nil }
func (nopSource) Entities(context.Context, *EntityStream) error { return nil }

func TestRegistryRoundTrip(t *testing.T) {
	Register(Descriptor{
		Name:           "Test Source",
		ShortName:      "test_source",
		AuthType:       models.AuthAPIKeyHeader,
		RateLimitLevel: models.RateLimitOrg,
		New:            func(Deps) (Source, error) { return nopSource{}, nil },
	})

	d, ok := Get("test_source")
	require.True(t, ok)
	assert.Equal(t, "Test Source", d.Name)

	src, err := New("test_source", Deps{})
	require.NoError(t, err)
	assert.NotNil(t, src)

	assert.Equal(t, models.RateLimitOrg, RateLimitLevelFor("test_source"))
	assert.Equal(t, models.RateLimitNone, RateLimitLevelFor("unregistered"))

	found := false
	for _, desc := range List() {
		if desc.ShortName == "test_source" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestNewUnknownSourceIsNotFound(t *testing.T) {
	_, err := New("nope", Deps{})
	require.Error(t, err)
	assert.True(t, syncerrors.IsNotFound(err))
}

func TestNewEnforcesRequiredConfigFields(t *testing.T) {
	Register(Descriptor{
		ShortName: "cfg_source",
		ConfigFields: []ConfigField{
			{Name: "endpoint", Required: true},
			{Name: "region"},
		},
		New: func(Deps) (Source, error) { return nopSource{}, nil },
	})

	_, err := New("cfg_source", Deps{Connection: &models.Connection{}})
	require.Error(t, err)
	assert.True(t, syncerrors.IsInvalidState(err))
	assert.Contains(t, err.Error(), "endpoint")

	src, err := New("cfg_source", Deps{Connection: &models.Connection{
		Config: map[string]string{"endpoint": "https://example.test"},
	}})
	require.NoError(t, err)
	assert.NotNil(t, src)
}

func TestRegisterDuplicatePanics(t *testing.T) {
	Register(Descriptor{
		ShortName: "dup_source",
		New:       func(Deps) (Source, error) { return nopSource{}, nil },
	})
	assert.Panics(t, func() {
		Register(Descriptor{
			ShortName: "dup_source",
			New:       func(Deps) (Source, error) { return nopSource{}, nil },
		})
	})
}

func TestEntityStreamEmitAndClose(t *testing.T) {
	stream := NewEntityStream(2, nil)
	ctx := context.Background()

	require.NoError(t, stream.Emit(ctx, models.NewEntity("a", "t", nil)))
	require.NoError(t, stream.Emit(ctx, models.NewEntity("b", "t", nil)))
	stream.Close()

	var ids []string
	for e := range stream.Entities() {
		ids = append(ids, e.EntityID)
	}
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestEntityStreamEmitHonorsCancellation(t *testing.T) {
	stream := NewEntityStream(1, nil)
	ctx, cancel := context.WithCancel(context.Background())

	// Fill the buffer so the next emit blocks.
	require.NoError(t, stream.Emit(ctx, models.NewEntity("a", "t", nil)))

	done := make(chan error, 1)
	go func() {
		done <- stream.Emit(ctx, models.NewEntity("b", "t", nil))
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("emit did not unblock on cancellation")
	}
}

func TestEntityStreamCursorCheckpoints(t *testing.T) {
	seed := models.CursorData{}
	seed.SetString("updated", "2024-01-01T00:00:00Z")
	stream := NewEntityStream(1, seed)

	assert.Equal(t, int64(0), stream.CursorVersion())
	assert.Equal(t, "2024-01-01T00:00:00Z", stream.Cursor().GetString("updated"))

	next := stream.Cursor()
	next.SetString("updated", "2024-06-01T00:00:00Z")
	stream.SetCursor(next)

	assert.Equal(t, int64(1), stream.CursorVersion())
	assert.Equal(t, "2024-06-01T00:00:00Z", stream.Cursor().GetString("updated"))

	// The committed cursor is a copy; later mutation of next is invisible.
	next.SetString("updated", "mutated")
	assert.Equal(t, "2024-06-01T00:00:00Z", stream.Cursor().GetString("updated"))
}
