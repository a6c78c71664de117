package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwellwise/dwellwise/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "cache_test.db")
	s, err := New(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func entry(subject string, at time.Time, labels ...string) models.CacheEntry {
	e := models.CacheEntry{SubjectID: subject, CachedAt: at, Status: models.StatusValid}
	for _, l := range labels {
		e.Actions = append(e.Actions, models.RecommendedAction{ID: l, Label: l, Command: "run " + l, Kind: models.ActionArtifact})
	}
	return e
}

func TestInsertAndLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Insert(ctx, entry("buyer-1", now, "comps"), now.Add(time.Hour)))
	require.NoError(t, s.Insert(ctx, entry("buyer-2", now, "budget"), now.Add(time.Hour)))

	got, err := s.LoadValid(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "buyer-1", got[0].SubjectID)
	assert.Equal(t, "comps", got[0].Actions[0].Label)
	assert.Equal(t, models.ActionArtifact, got[0].Actions[0].Kind)
	assert.True(t, got[0].CachedAt.Equal(now))
}

func TestLoadSkipsExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Insert(ctx, entry("buyer-1", now, "comps"), now.Add(time.Hour)))

	got, err := s.LoadValid(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)

	_, ok, err := s.LoadSubject(ctx, "buyer-1", now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDuplicateValidRowsResolveToNewest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Two valid rows, as left behind when a writer dies between the
	// mark-stale and insert statements.
	require.NoError(t, s.Insert(ctx, entry("buyer-1", now, "old"), now.Add(time.Hour)))
	require.NoError(t, s.Insert(ctx, entry("buyer-1", now.Add(10*time.Minute), "new"), now.Add(70*time.Minute)))

	got, err := s.LoadValid(ctx, now.Add(15*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].Actions[0].Label)

	one, ok, err := s.LoadSubject(ctx, "buyer-1", now.Add(15*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", one.Actions[0].Label)
}

func TestMarkStaleThenInsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Insert(ctx, entry("buyer-1", now, "old"), now.Add(time.Hour)))
	require.NoError(t, s.MarkStale(ctx, "buyer-1"))

	got, err := s.LoadValid(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.Replace(ctx, entry("buyer-1", now, "new"), now.Add(time.Hour)))
	require.NoError(t, s.Replace(ctx, entry("buyer-1", now.Add(time.Second), "newer"), now.Add(time.Hour)))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Entries)
	assert.Equal(t, int64(2), stats.Stale)

	got, err = s.LoadValid(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "newer", got[0].Actions[0].Label)
}

func TestClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Insert(ctx, entry("buyer-1", now, "a"), now.Add(time.Hour)))
	require.NoError(t, s.Insert(ctx, entry("buyer-2", now, "b"), now.Add(time.Hour)))
	require.NoError(t, s.MarkStale(ctx, "buyer-2"))

	require.NoError(t, s.Clear(ctx, true))
	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Entries)

	require.NoError(t, s.Clear(ctx, false))
	stats, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Entries)
}
