// Package consolidate merges per-site wide tables into one analysis table.
//
// Inner joins keep only timestamps every site reported and account for what
// each site lost in an AuditRecord. Outer joins keep the union and produce no
// audit.
package consolidate

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/i474232898/groundwater-aggregation/internal/common"
	"github.com/i474232898/groundwater-aggregation/internal/metrics"
	"github.com/i474232898/groundwater-aggregation/internal/timeseries"
)

// DefaultSampleLimit caps the sample lists of an AuditRecord.
const DefaultSampleLimit = 10

var errNoSites = errors.New("consolidate: no site tables")

// SiteTable is one site's feature-merged table.
type SiteTable struct {
	Site  string
	Table *timeseries.Table
}

// Options controls a consolidation.
type Options struct {
	// Group labels metrics and errors.
	Group string

	// Columns are the feature columns every site table must carry. When
	// empty, each site contributes all of its columns.
	Columns []string

	// Dedup resolves duplicate timestamps inside a site table before joining.
	Dedup timeseries.DedupPolicy

	SampleLimit int
}

// AuditRecord is the per-site bookkeeping of an inner join.
type AuditRecord struct {
	Site                 string   `json:"site"`
	RowsOriginal         int      `json:"rowsOriginal"`
	DuplicateCount       int      `json:"duplicatesByTimestamp"`
	DuplicateSamples     []string `json:"duplicateTimestampsSamples"`
	UniqueTimestampCount int      `json:"uniqueTsCount"`
	DroppedCount         int      `json:"droppedCountForInner"`
	DroppedPct           float64  `json:"droppedPctOfUnique"`
	DroppedExamples      []string `json:"droppedExamples"`
	IntersectionCount    int      `json:"intersectionCount"`
}

// Result is the product of an inner join.
type Result struct {
	Table *timeseries.Table
	Audit []AuditRecord
}

// ColumnName is the name a site's feature column takes in a consolidated table.
func ColumnName(feature, site string) string {
	return feature + "_" + site
}

// InnerJoin keeps the timestamps present in every site table, left-joining
// each site's renamed columns onto that intersection.
func InnerJoin(sites []SiteTable, opts Options) (*Result, error) {
	prepared, err := prepare(sites, opts)
	if err != nil {
		return nil, err
	}
	limit := opts.SampleLimit
	if limit <= 0 {
		limit = DefaultSampleLimit
	}

	audits := make([]AuditRecord, len(prepared))
	sets := make([]map[int64]time.Time, len(prepared))
	for i, st := range prepared {
		audits[i], sets[i] = auditSite(st, limit)
	}

	shared := intersect(sets)
	keys := sortedTimes(shared)

	for i := range audits {
		var dropped []time.Time
		for k, ts := range sets[i] {
			if _, ok := shared[k]; !ok {
				dropped = append(dropped, ts)
			}
		}
		sort.Slice(dropped, func(a, b int) bool { return dropped[a].Before(dropped[b]) })

		a := &audits[i]
		a.DroppedCount = len(dropped)
		if a.UniqueTimestampCount > 0 {
			a.DroppedPct = round4(100 * float64(len(dropped)) / float64(a.UniqueTimestampCount))
		}
		a.DroppedExamples = formatTimes(common.Head(dropped, limit))
		a.IntersectionCount = len(keys)
		metrics.DroppedTimestampsTotal.WithLabelValues(opts.Group, a.Site).Add(float64(len(dropped)))
	}

	out := &timeseries.Table{Records: make([]timeseries.Record, len(keys))}
	for i, ts := range keys {
		out.Records[i] = timeseries.Record{Timestamp: ts}
	}
	for _, st := range prepared {
		tbl := st.Table.Dedupe(opts.Dedup)
		out.Columns = append(out.Columns, renamed(tbl, st.Site).Columns...)

		byTS := make(map[int64][]*float64, tbl.Len())
		for _, r := range tbl.Records {
			byTS[r.Timestamp.UnixNano()] = r.Values
		}
		for i := range out.Records {
			vals := byTS[out.Records[i].Timestamp.UnixNano()]
			out.Records[i].Values = append(out.Records[i].Values, vals...)
		}
	}

	return &Result{Table: out, Audit: audits}, nil
}

// OuterJoin accumulates every site's renamed columns on the union of
// timestamps. No audit is produced.
func OuterJoin(sites []SiteTable, opts Options) (*timeseries.Table, error) {
	prepared, err := prepare(sites, opts)
	if err != nil {
		return nil, err
	}
	tables := make([]*timeseries.Table, len(prepared))
	for i, st := range prepared {
		tables[i] = renamed(st.Table.Dedupe(opts.Dedup), st.Site)
	}
	out, err := timeseries.OuterJoin(tables...)
	if err != nil {
		return nil, fmt.Errorf("consolidate %s: %w", opts.Group, err)
	}
	return out, nil
}

// prepare checks required columns and narrows each table to them.
func prepare(sites []SiteTable, opts Options) ([]SiteTable, error) {
	if len(sites) == 0 {
		return nil, errNoSites
	}
	out := make([]SiteTable, len(sites))
	for i, st := range sites {
		if st.Table == nil {
			return nil, &timeseries.SchemaMismatchError{Table: st.Site, Missing: opts.Columns}
		}
		tbl := st.Table
		if len(opts.Columns) > 0 {
			sel, err := tbl.Select(st.Site, opts.Columns...)
			if err != nil {
				return nil, err
			}
			tbl = sel
		}
		out[i] = SiteTable{Site: st.Site, Table: tbl}
	}
	return out, nil
}

// auditSite counts duplicates and collects the site's unique timestamps.
func auditSite(st SiteTable, limit int) (AuditRecord, map[int64]time.Time) {
	counts := make(map[int64]int, st.Table.Len())
	set := make(map[int64]time.Time, st.Table.Len())
	for _, r := range st.Table.Records {
		k := r.Timestamp.UnixNano()
		counts[k]++
		set[k] = r.Timestamp
	}

	var dups []time.Time
	for _, r := range st.Table.Records {
		if counts[r.Timestamp.UnixNano()] > 1 {
			dups = append(dups, r.Timestamp)
		}
	}
	sort.SliceStable(dups, func(a, b int) bool { return dups[a].Before(dups[b]) })

	return AuditRecord{
		Site:                 st.Site,
		RowsOriginal:         st.Table.Len(),
		DuplicateCount:       len(dups),
		DuplicateSamples:     formatTimes(common.Head(dups, limit)),
		UniqueTimestampCount: len(set),
	}, set
}

func intersect(sets []map[int64]time.Time) map[int64]time.Time {
	out := make(map[int64]time.Time, len(sets[0]))
	for k, ts := range sets[0] {
		out[k] = ts
	}
	for _, s := range sets[1:] {
		for k := range out {
			if _, ok := s[k]; !ok {
				delete(out, k)
			}
		}
	}
	return out
}

func renamed(tbl *timeseries.Table, site string) *timeseries.Table {
	return tbl.Rename(func(c string) string { return ColumnName(c, site) })
}

func sortedTimes(set map[int64]time.Time) []time.Time {
	out := make([]time.Time, 0, len(set))
	for _, ts := range set {
		out = append(out, ts)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Before(out[b]) })
	return out
}

func formatTimes(ts []time.Time) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Format(timeseries.TimeLayout)
	}
	return out
}

func round4(f float64) float64 {
	return math.Round(f*1e4) / 1e4
}
