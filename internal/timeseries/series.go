package timeseries

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// TimeLayout is the textual form of timestamps in exported tables and audits.
const TimeLayout = "2006-01-02 15:04:05"

// DedupPolicy decides which row survives when two rows share a timestamp.
type DedupPolicy int

const (
	// KeepLast keeps the last occurrence in input order.
	KeepLast DedupPolicy = iota
	// KeepFirst keeps the first occurrence in input order.
	KeepFirst
)

// ParseDedupPolicy maps "first"/"last" (case-insensitive) to a policy. Empty means KeepLast.
func ParseDedupPolicy(s string) (DedupPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "last":
		return KeepLast, nil
	case "first":
		return KeepFirst, nil
	default:
		return KeepLast, fmt.Errorf("unknown dedup policy %q", s)
	}
}

func (p DedupPolicy) String() string {
	if p == KeepFirst {
		return "first"
	}
	return "last"
}

// Row is a single timestamped measurement.
type Row struct {
	Timestamp time.Time
	Value     float64
}

// Series is the measurements of one feature for one sensor, unique by
// timestamp and sorted ascending.
type Series struct {
	Name string
	Rows []Row
}

// Len returns the number of rows.
func (s Series) Len() int { return len(s.Rows) }

// NewSeries builds a Series from rows in encounter order, resolving
// timestamp collisions with policy and sorting the result.
func NewSeries(name string, rows []Row, policy DedupPolicy) Series {
	idx := make(map[int64]int, len(rows))
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		key := r.Timestamp.UnixNano()
		if i, ok := idx[key]; ok {
			if policy == KeepLast {
				out[i] = r
			}
			continue
		}
		idx[key] = len(out)
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return Series{Name: name, Rows: out}
}

// Table returns the series as a single-column table.
func (s Series) Table() *Table {
	t := &Table{Columns: []string{s.Name}, Records: make([]Record, 0, len(s.Rows))}
	for _, r := range s.Rows {
		v := r.Value
		t.Records = append(t.Records, Record{Timestamp: r.Timestamp, Values: []*float64{&v}})
	}
	return t
}
