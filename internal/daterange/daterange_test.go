package daterange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(s string) time.Time {
	t, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	if err != nil {
		panic(err)
	}
	return t
}

func rng(from, to string) Range {
	return Range{Start: day(from), End: day(to)}
}

func TestNew_SwapsInvertedEndpoints(t *testing.T) {
	r := New(day("2024-02-10"), day("2024-02-01"))
	assert.Equal(t, rng("2024-02-01", "2024-02-10"), r)
}

func TestParse_Wire(t *testing.T) {
	r, err := Parse("20240101", "20240110")
	require.NoError(t, err)
	assert.Equal(t, rng("2024-01-01", "2024-01-10"), r)

	from, to := r.Format()
	assert.Equal(t, "20240101", from)
	assert.Equal(t, "20240110", to)

	_, err = Parse("2024-01-01", "20240110")
	assert.Error(t, err)
}

func TestOverlaps(t *testing.T) {
	tests := []struct {
		name string
		a, b Range
		want bool
	}{
		{"disjoint", rng("2024-01-01", "2024-01-02"), rng("2024-01-04", "2024-01-05"), false},
		{"adjacent days do not overlap", rng("2024-01-01", "2024-01-02"), rng("2024-01-03", "2024-01-05"), false},
		{"shared single day", rng("2024-01-01", "2024-01-03"), rng("2024-01-03", "2024-01-05"), true},
		{"contained", rng("2024-01-01", "2024-01-10"), rng("2024-01-03", "2024-01-05"), true},
		{"identical", rng("2024-01-01", "2024-01-03"), rng("2024-01-01", "2024-01-03"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Overlaps(tt.a, tt.b))
			assert.Equal(t, tt.want, Overlaps(tt.b, tt.a))
		})
	}
}

func TestGaps(t *testing.T) {
	requested := rng("2024-01-01", "2024-01-10")

	got := Gaps(requested, []Range{rng("2024-01-03", "2024-01-05")})
	require.Len(t, got, 2)
	assert.Equal(t, rng("2024-01-01", "2024-01-02"), got[0])
	assert.Equal(t, rng("2024-01-06", "2024-01-10"), got[1])
}

func TestGaps_NoCachedRanges(t *testing.T) {
	requested := rng("2024-01-01", "2024-01-10")
	got := Gaps(requested, nil)
	require.Len(t, got, 1)
	assert.Equal(t, requested, got[0])
}

func TestGaps_FullyCovered(t *testing.T) {
	requested := rng("2024-01-03", "2024-01-05")
	got := Gaps(requested, []Range{rng("2024-01-01", "2024-01-10")})
	assert.Empty(t, got)
}

func TestGaps_UnsortedOverlappingCache(t *testing.T) {
	requested := rng("2024-01-01", "2024-01-31")
	cached := []Range{
		rng("2024-01-20", "2024-01-25"),
		rng("2024-01-02", "2024-01-05"),
		rng("2024-01-04", "2024-01-08"),
	}
	got := Gaps(requested, cached)
	require.Len(t, got, 3)
	assert.Equal(t, rng("2024-01-01", "2024-01-01"), got[0])
	assert.Equal(t, rng("2024-01-09", "2024-01-19"), got[1])
	assert.Equal(t, rng("2024-01-26", "2024-01-31"), got[2])
}

func TestGaps_CacheOutsideRequested(t *testing.T) {
	requested := rng("2024-02-01", "2024-02-10")
	got := Gaps(requested, []Range{rng("2023-01-01", "2023-12-31")})
	require.Len(t, got, 1)
	assert.Equal(t, requested, got[0])
}

func TestMerge_CoalescesAdjacent(t *testing.T) {
	got := Merge([]Range{rng("2024-01-01", "2024-01-02"), rng("2024-01-03", "2024-01-05")})
	require.Len(t, got, 1)
	assert.Equal(t, rng("2024-01-01", "2024-01-05"), got[0])
}

func TestMerge_KeepsDisjoint(t *testing.T) {
	got := Merge([]Range{
		rng("2024-01-10", "2024-01-12"),
		rng("2024-01-01", "2024-01-02"),
	})
	require.Len(t, got, 2)
	assert.Equal(t, rng("2024-01-01", "2024-01-02"), got[0])
	assert.Equal(t, rng("2024-01-10", "2024-01-12"), got[1])
}

func TestMerge_ContainedRange(t *testing.T) {
	got := Merge([]Range{
		rng("2024-01-01", "2024-01-31"),
		rng("2024-01-10", "2024-01-12"),
	})
	require.Len(t, got, 1)
	assert.Equal(t, rng("2024-01-01", "2024-01-31"), got[0])
}

func TestChunks(t *testing.T) {
	got := Chunks(rng("2024-01-01", "2024-01-07"), 2)
	require.Len(t, got, 4)
	assert.Equal(t, rng("2024-01-01", "2024-01-02"), got[0])
	assert.Equal(t, rng("2024-01-03", "2024-01-04"), got[1])
	assert.Equal(t, rng("2024-01-05", "2024-01-06"), got[2])
	assert.Equal(t, rng("2024-01-07", "2024-01-07"), got[3])
}

func TestChunks_SingleDay(t *testing.T) {
	got := Chunks(rng("2024-01-01", "2024-01-01"), 2)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Days())
}

func TestDays(t *testing.T) {
	assert.Equal(t, 1, rng("2024-01-01", "2024-01-01").Days())
	assert.Equal(t, 10, rng("2024-01-01", "2024-01-10").Days())
}
