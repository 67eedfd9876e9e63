package groundwater

import (
	"fmt"
	"iter"
	"time"
)

// InvalidRangeError is returned when a date range cannot be split.
type InvalidRangeError struct {
	Start     time.Time
	End       time.Time
	ChunkDays int
}

func (e *InvalidRangeError) Error() string {
	if e.ChunkDays <= 0 {
		return fmt.Sprintf("invalid range: chunk size must be positive, got %d days", e.ChunkDays)
	}
	return fmt.Sprintf("invalid range: start %s is after end %s",
		e.Start.Format(DateLayout), e.End.Format(DateLayout))
}

// Chunks splits [start, end] into consecutive spans of at most chunkDays
// calendar days. Only the dates of start and end are used. The returned
// sequence can be ranged over any number of times.
func Chunks(start, end time.Time, chunkDays int) (iter.Seq[Span], error) {
	start, end = truncateDay(start), truncateDay(end)
	if chunkDays <= 0 || start.After(end) {
		return nil, &InvalidRangeError{Start: start, End: end, ChunkDays: chunkDays}
	}

	return func(yield func(Span) bool) {
		for cur := start; !cur.After(end); {
			segEnd := cur.AddDate(0, 0, chunkDays-1)
			if segEnd.After(end) {
				segEnd = end
			}
			if !yield(Span{Start: cur, End: segEnd}) {
				return
			}
			cur = segEnd.AddDate(0, 0, 1)
		}
	}, nil
}

// ParseDate parses a YYYYMMDD date in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
