package idmap

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/provisioner/internal/metadata"
)

type failingBackend struct {
	loads int
	saves int
}

func (b *failingBackend) Load(context.Context) ([]Entry, error) {
	b.loads++
	return nil, errors.New("backend down")
}

func (b *failingBackend) Save(context.Context, []Entry) error {
	b.saves++
	return errors.New("backend down")
}

func fixedClock() func() time.Time {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return ts }
}

func TestCacheRecordWritesThrough(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	cache := New(Options{Backend: backend, Now: fixedClock()})

	cache.Record(ctx, metadata.Combination, "cmbForeign1", "cmbLocal001")

	id, ok := cache.Lookup(ctx, metadata.Combination, "cmbForeign1")
	require.True(t, ok)
	assert.Equal(t, "cmbLocal001", id)

	stored, err := backend.Load(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, Entry{
		ResourceType: metadata.Combination,
		ForeignID:    "cmbForeign1",
		LocalID:      "cmbLocal001",
		DiscoveredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}, stored[0])
}

func TestCacheLookupIsScopedByType(t *testing.T) {
	ctx := context.Background()
	cache := New(Options{})
	cache.Record(ctx, metadata.Grouping, "sharedId001", "grpLocal001")

	_, ok := cache.Lookup(ctx, metadata.Combination, "sharedId001")
	assert.False(t, ok)
	_, ok = cache.Lookup(ctx, metadata.Grouping, "")
	assert.False(t, ok)
}

func TestCacheIgnoresIdentityAndEmptyMappings(t *testing.T) {
	ctx := context.Background()
	cache := New(Options{})
	cache.Record(ctx, metadata.Option, "optSame0001", "optSame0001")
	cache.Record(ctx, metadata.Option, "", "optLocal001")
	cache.Record(ctx, metadata.Option, "optForeign1", "")
	assert.Equal(t, 0, cache.Len(ctx))
}

func TestCacheRecordKeepsExistingMapping(t *testing.T) {
	ctx := context.Background()
	cache := New(Options{})
	cache.Record(ctx, metadata.Combination, "cmbForeign1", "cmbLocal001")
	cache.Record(ctx, metadata.Combination, "cmbForeign1", "cmbLocal002")

	id, ok := cache.Lookup(ctx, metadata.Combination, "cmbForeign1")
	require.True(t, ok)
	assert.Equal(t, "cmbLocal001", id)
	assert.Equal(t, 1, cache.Len(ctx))
}

func TestCacheSupersedeReplacesMapping(t *testing.T) {
	ctx := context.Background()
	cache := New(Options{})
	cache.Record(ctx, metadata.Combination, "cmbForeign1", "cmbLocal001")
	cache.Supersede(ctx, metadata.Combination, "cmbForeign1", "cmbLocal002")

	id, ok := cache.Lookup(ctx, metadata.Combination, "cmbForeign1")
	require.True(t, ok)
	assert.Equal(t, "cmbLocal002", id)
	assert.Equal(t, 1, cache.Len(ctx))
}

func TestCacheLoadsLazilyFromFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "idmap.json")

	first := New(Options{Backend: NewFileBackend(path), Now: fixedClock()})
	first.Record(ctx, metadata.MeasurableItem, "itmForeign1", "itmLocal001")
	first.Record(ctx, metadata.Collection, "colForeign1", "colLocal001")

	second := New(Options{Backend: NewFileBackend(path)})
	id, ok := second.Lookup(ctx, metadata.Collection, "colForeign1")
	require.True(t, ok)
	assert.Equal(t, "colLocal001", id)
	assert.Equal(t, 2, second.Len(ctx))
}

func TestCacheDeferredPersist(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	cache := New(Options{Backend: backend, Deferred: true})
	cache.Record(ctx, metadata.Option, "optForeign1", "optLocal001")

	stored, err := backend.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, stored)

	require.NoError(t, cache.Persist(ctx))
	stored, err = backend.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestCacheBackendFailuresAreSwallowed(t *testing.T) {
	ctx := context.Background()
	backend := &failingBackend{}
	cache := New(Options{Backend: backend})

	_, ok := cache.Lookup(ctx, metadata.Option, "optForeign1")
	assert.False(t, ok)
	cache.Record(ctx, metadata.Option, "optForeign1", "optLocal001")

	id, ok := cache.Lookup(ctx, metadata.Option, "optForeign1")
	require.True(t, ok)
	assert.Equal(t, "optLocal001", id)
	assert.Equal(t, 1, backend.loads)
	assert.Equal(t, 1, backend.saves)
	assert.Error(t, cache.Persist(ctx))
}

func TestCacheClearEmptiesBackend(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	cache := New(Options{Backend: backend})
	cache.Record(ctx, metadata.Option, "optForeign1", "optLocal001")

	require.NoError(t, cache.Clear(ctx))
	assert.Equal(t, 0, cache.Len(ctx))
	stored, err := backend.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestCacheEntriesSorted(t *testing.T) {
	ctx := context.Background()
	cache := New(Options{})
	cache.Record(ctx, metadata.Option, "optB0000001", "optLocal002")
	cache.Record(ctx, metadata.Collection, "colA0000001", "colLocal001")
	cache.Record(ctx, metadata.Option, "optA0000001", "optLocal001")

	entries := cache.Entries(ctx)
	require.Len(t, entries, 3)
	assert.Equal(t, metadata.Collection, entries[0].ResourceType)
	assert.Equal(t, "optA0000001", entries[1].ForeignID)
	assert.Equal(t, "optB0000001", entries[2].ForeignID)
}
