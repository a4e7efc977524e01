// Package daterange implements pure calendar-date range algebra used to
// decide which spans of the voucher history are already cached and which
// still have to be fetched. Ranges are inclusive on both ends and carry
// whole-day granularity; nothing in this package touches storage or network.
package daterange

import (
	"fmt"
	"sort"
	"time"
)

// Wire is the date layout used by the remote endpoint.
const Wire = "20060102"

// Range is an inclusive span of calendar days.
type Range struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// New returns a normalized range. Start and end are truncated to days;
// an inverted pair is swapped so the result is always non-negative length.
func New(start, end time.Time) Range {
	s, e := Day(start), Day(end)
	if e.Before(s) {
		s, e = e, s
	}
	return Range{Start: s, End: e}
}

// Parse builds a range from two YYYYMMDD strings.
func Parse(from, to string) (Range, error) {
	s, err := time.ParseInLocation(Wire, from, time.UTC)
	if err != nil {
		return Range{}, fmt.Errorf("parse from date %q: %w", from, err)
	}
	e, err := time.ParseInLocation(Wire, to, time.UTC)
	if err != nil {
		return Range{}, fmt.Errorf("parse to date %q: %w", to, err)
	}
	return New(s, e), nil
}

// Format returns the range endpoints in wire format.
func (r Range) Format() (from, to string) {
	return r.Start.Format(Wire), r.End.Format(Wire)
}

// Days returns the number of calendar days the range covers (inclusive).
func (r Range) Days() int {
	return int(r.End.Sub(r.Start).Hours()/24) + 1
}

func (r Range) String() string {
	return r.Start.Format("2006-01-02") + ".." + r.End.Format("2006-01-02")
}

// Contains reports whether day t falls inside the range.
func (r Range) Contains(t time.Time) bool {
	d := Day(t)
	return !d.Before(r.Start) && !d.After(r.End)
}

// Overlaps reports whether a and b share at least one day.
func Overlaps(a, b Range) bool {
	return !a.Start.After(b.End) && !b.Start.After(a.End)
}

// adjacent reports whether a ends the day before b starts.
func adjacent(a, b Range) bool {
	return a.End.AddDate(0, 0, 1).Equal(b.Start)
}

// Merge sorts the given ranges and coalesces every pair that overlaps or is
// adjacent (end of one is the day before the start of the next). The input
// slice is not modified.
func Merge(ranges []Range) []Range {
	if len(ranges) == 0 {
		return nil
	}
	sorted := make([]Range, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	out := []Range{sorted[0]}
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if Overlaps(*last, r) || adjacent(*last, r) {
			if r.End.After(last.End) {
				last.End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// Gaps returns the sub-ranges of requested not covered by any cached range,
// including the segment before the first cached range and after the last.
// Cached ranges may overlap each other and arrive in any order.
func Gaps(requested Range, cached []Range) []Range {
	covered := Merge(cached)

	var gaps []Range
	cursor := requested.Start
	for _, c := range covered {
		if c.End.Before(requested.Start) || c.Start.After(requested.End) {
			continue
		}
		if c.Start.After(cursor) {
			gaps = append(gaps, Range{Start: cursor, End: c.Start.AddDate(0, 0, -1)})
		}
		next := c.End.AddDate(0, 0, 1)
		if next.After(cursor) {
			cursor = next
		}
	}
	if !cursor.After(requested.End) {
		gaps = append(gaps, Range{Start: cursor, End: requested.End})
	}
	return gaps
}

// Chunks splits r into consecutive windows of at most days calendar days,
// in ascending order. days must be positive.
func Chunks(r Range, days int) []Range {
	if days <= 0 {
		days = 1
	}
	var out []Range
	for start := r.Start; !start.After(r.End); start = start.AddDate(0, 0, days) {
		end := start.AddDate(0, 0, days-1)
		if end.After(r.End) {
			end = r.End
		}
		out = append(out, Range{Start: start, End: end})
	}
	return out
}
