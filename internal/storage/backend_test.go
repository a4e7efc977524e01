package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vouchersync/internal/common"
	"vouchersync/internal/daterange"
)

func day(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	require.NoError(t, err)
	return ts
}

func rng(t *testing.T, from, to string) daterange.Range {
	return daterange.Range{Start: day(t, from), End: day(t, to)}
}

// Both backends must satisfy the same contract, so every test here runs
// against both.
func forEachBackend(t *testing.T, fn func(t *testing.T, b Backend)) {
	t.Run("file", func(t *testing.T) {
		b, err := NewFileBackend(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { _ = b.Close() })
		fn(t, b)
	})
	t.Run("sqlite", func(t *testing.T) {
		b, err := NewSQLiteBackend(context.Background(), ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = b.Close() })
		fn(t, b)
	})
}

func TestBackend_PutGetRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		r := rng(t, "2024-01-01", "2024-01-02")
		meta := Meta{
			BaseKey:   "sales_l1_c1_vouchers",
			Range:     &r,
			CreatedAt: time.Date(2024, 2, 1, 10, 30, 0, 0, time.UTC),
			TTLDays:   30,
		}
		require.NoError(t, b.Put(ctx, "sales_l1_c1_vouchers_20240101_20240102", []byte("blob-1"), meta))

		e, err := b.Get(ctx, "sales_l1_c1_vouchers_20240101_20240102")
		require.NoError(t, err)
		assert.Equal(t, []byte("blob-1"), e.Blob)
		assert.Equal(t, meta.BaseKey, e.Meta.BaseKey)
		assert.Equal(t, meta.TTLDays, e.Meta.TTLDays)
		require.NotNil(t, e.Meta.Range)
		assert.Equal(t, r, *e.Meta.Range)
		assert.True(t, e.Meta.CreatedAt.Equal(meta.CreatedAt))
	})
}

func TestBackend_PutReplaces(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		meta := Meta{BaseKey: "k", CreatedAt: time.Now().UTC().Truncate(time.Second)}
		require.NoError(t, b.Put(ctx, "k", []byte("v1"), meta))
		require.NoError(t, b.Put(ctx, "k", []byte("v2"), meta))

		e, err := b.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), e.Blob)
	})
}

func TestBackend_GetMissing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		_, err := b.Get(context.Background(), "nope")
		assert.ErrorIs(t, err, common.ErrNotFound)
	})
}

func TestBackend_DeleteIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		meta := Meta{BaseKey: "k", CreatedAt: time.Now().UTC().Truncate(time.Second)}
		require.NoError(t, b.Put(ctx, "k", []byte("v"), meta))
		require.NoError(t, b.Delete(ctx, "k"))
		require.NoError(t, b.Delete(ctx, "k"))

		_, err := b.Get(ctx, "k")
		assert.ErrorIs(t, err, common.ErrNotFound)
	})
}

func TestBackend_DeletePrefix(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		meta := Meta{BaseKey: "k", CreatedAt: time.Now().UTC().Truncate(time.Second)}
		require.NoError(t, b.Put(ctx, "sales_l1_c1_a", []byte("v"), meta))
		require.NoError(t, b.Put(ctx, "sales_l1_c1_b", []byte("v"), meta))
		require.NoError(t, b.Put(ctx, "sales_l1_c2_a", []byte("v"), meta))

		require.NoError(t, b.DeletePrefix(ctx, "sales_l1_c1_"))

		_, err := b.Get(ctx, "sales_l1_c1_a")
		assert.ErrorIs(t, err, common.ErrNotFound)
		_, err = b.Get(ctx, "sales_l1_c1_b")
		assert.ErrorIs(t, err, common.ErrNotFound)
		_, err = b.Get(ctx, "sales_l1_c2_a")
		assert.NoError(t, err)
	})
}

func TestBackend_FindOverlapping(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		base := "sales_l1_c1_vouchers"
		created := time.Now().UTC().Truncate(time.Second)

		put := func(key string, r daterange.Range) {
			require.NoError(t, b.Put(ctx, key, []byte(key), Meta{BaseKey: base, Range: &r, CreatedAt: created}))
		}
		put("e1", rng(t, "2024-01-01", "2024-01-05"))
		put("e2", rng(t, "2024-01-10", "2024-01-15"))
		put("e3", rng(t, "2024-02-01", "2024-02-05"))
		// same key space, different base key: must not match
		require.NoError(t, b.Put(ctx, "other", []byte("x"),
			Meta{BaseKey: "sales_l1_c2_vouchers", Range: ptr(rng(t, "2024-01-01", "2024-01-31")), CreatedAt: created}))
		// no range: must not match
		require.NoError(t, b.Put(ctx, "norange", []byte("x"), Meta{BaseKey: base, CreatedAt: created}))

		got, err := b.FindOverlapping(ctx, base, rng(t, "2024-01-04", "2024-01-12"))
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "e1", got[0].Key)
		assert.Equal(t, "e2", got[1].Key)
	})
}

func TestBackend_DeleteExpired(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		old := time.Now().UTC().Add(-40 * 24 * time.Hour).Truncate(time.Second)
		fresh := time.Now().UTC().Truncate(time.Second)

		require.NoError(t, b.Put(ctx, "old", []byte("v"), Meta{BaseKey: "k", CreatedAt: old, TTLDays: 30}))
		require.NoError(t, b.Put(ctx, "fresh", []byte("v"), Meta{BaseKey: "k", CreatedAt: fresh, TTLDays: 30}))
		require.NoError(t, b.Put(ctx, "eternal", []byte("v"), Meta{BaseKey: "k", CreatedAt: old, TTLDays: 0}))

		n, err := b.DeleteExpired(ctx, time.Now().UTC())
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = b.Get(ctx, "old")
		assert.ErrorIs(t, err, common.ErrNotFound)
		_, err = b.Get(ctx, "fresh")
		assert.NoError(t, err)
		_, err = b.Get(ctx, "eternal")
		assert.NoError(t, err)
	})
}

func TestFileBackend_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b, err := NewFileBackend(dir)
	require.NoError(t, err)
	r := rng(t, "2024-01-01", "2024-01-02")
	meta := Meta{BaseKey: "base", Range: &r, CreatedAt: time.Now().UTC().Truncate(time.Second), TTLDays: 30}
	require.NoError(t, b.Put(ctx, "k", []byte("v"), meta))
	require.NoError(t, b.Close())

	b2, err := NewFileBackend(dir)
	require.NoError(t, err)
	e, err := b2.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), e.Blob)
	require.NotNil(t, e.Meta.Range)
	assert.Equal(t, r, *e.Meta.Range)
}

func TestProbeFileBackend(t *testing.T) {
	assert.NoError(t, ProbeFileBackend(t.TempDir()))
}

func ptr[T any](v T) *T { return &v }
