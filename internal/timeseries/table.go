package timeseries

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Record is one row of a wide table. Values are aligned with Table.Columns;
// a nil entry means the value is absent.
type Record struct {
	Timestamp time.Time
	Values    []*float64
}

// Table is a wide time-indexed table with one column per measurement.
// Tables returned by this package are unique by timestamp and sorted ascending
// unless documented otherwise, and are never modified after being returned.
type Table struct {
	Columns []string
	Records []Record
}

// SchemaMismatchError reports columns required by a join or derivation that a
// table does not carry.
type SchemaMismatchError struct {
	Table   string
	Missing []string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("table %q is missing required columns: %s", e.Table, strings.Join(e.Missing, ", "))
}

// Len returns the number of records.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Records)
}

// Column returns the index of the named column.
func (t *Table) Column(name string) (int, bool) {
	for i, c := range t.Columns {
		if c == name {
			return i, true
		}
	}
	return -1, false
}

// Require fails with a SchemaMismatchError naming every absent column.
func (t *Table) Require(label string, names ...string) error {
	var missing []string
	for _, n := range names {
		if _, ok := t.Column(n); !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return &SchemaMismatchError{Table: label, Missing: missing}
	}
	return nil
}

// Select returns a new table carrying only the named columns, in that order.
func (t *Table) Select(label string, names ...string) (*Table, error) {
	if err := t.Require(label, names...); err != nil {
		return nil, err
	}
	idx := make([]int, len(names))
	for i, n := range names {
		idx[i], _ = t.Column(n)
	}
	out := &Table{Columns: append([]string(nil), names...), Records: make([]Record, len(t.Records))}
	for i, r := range t.Records {
		vals := make([]*float64, len(idx))
		for j, k := range idx {
			vals[j] = r.Values[k]
		}
		out.Records[i] = Record{Timestamp: r.Timestamp, Values: vals}
	}
	return out, nil
}

// Rename returns a copy of the table with every column name passed through fn.
// Records are shared with the receiver.
func (t *Table) Rename(fn func(string) string) *Table {
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = fn(c)
	}
	return &Table{Columns: cols, Records: t.Records}
}

// Reorder returns a copy of the table whose leading columns are the named ones
// it carries, in the given order, followed by the rest in their current order.
// Names the table lacks are ignored.
func (t *Table) Reorder(names ...string) *Table {
	idx := make([]int, 0, len(t.Columns))
	placed := make(map[int]bool, len(t.Columns))
	for _, n := range names {
		if i, ok := t.Column(n); ok && !placed[i] {
			placed[i] = true
			idx = append(idx, i)
		}
	}
	for i := range t.Columns {
		if !placed[i] {
			idx = append(idx, i)
		}
	}

	out := &Table{Columns: make([]string, len(idx)), Records: make([]Record, len(t.Records))}
	for j, k := range idx {
		out.Columns[j] = t.Columns[k]
	}
	for i, r := range t.Records {
		vals := make([]*float64, len(idx))
		for j, k := range idx {
			vals[j] = r.Values[k]
		}
		out.Records[i] = Record{Timestamp: r.Timestamp, Values: vals}
	}
	return out
}

// Timestamps returns the record timestamps in table order.
func (t *Table) Timestamps() []time.Time {
	out := make([]time.Time, len(t.Records))
	for i, r := range t.Records {
		out[i] = r.Timestamp
	}
	return out
}

// Between returns the records with from <= timestamp <= to. A zero bound is open.
func (t *Table) Between(from, to time.Time) *Table {
	out := &Table{Columns: t.Columns}
	for _, r := range t.Records {
		if !from.IsZero() && r.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && r.Timestamp.After(to) {
			continue
		}
		out.Records = append(out.Records, r)
	}
	return out
}

// Dedupe returns a sorted copy of the table with one record per timestamp,
// chosen by policy over the current record order.
func (t *Table) Dedupe(policy DedupPolicy) *Table {
	idx := make(map[int64]int, len(t.Records))
	recs := make([]Record, 0, len(t.Records))
	for _, r := range t.Records {
		key := r.Timestamp.UnixNano()
		if i, ok := idx[key]; ok {
			if policy == KeepLast {
				recs[i] = r
			}
			continue
		}
		idx[key] = len(recs)
		recs = append(recs, r)
	}
	sortRecords(recs)
	return &Table{Columns: t.Columns, Records: recs}
}

// OuterJoin joins tables on timestamp, keeping the union of timestamps and
// leaving values absent where a table had no record. Column names must be
// disjoint across inputs.
func OuterJoin(tables ...*Table) (*Table, error) {
	out := &Table{}
	offsets := make([]int, len(tables))
	seen := make(map[string]bool)
	for i, t := range tables {
		offsets[i] = len(out.Columns)
		for _, c := range t.Columns {
			if seen[c] {
				return nil, fmt.Errorf("outer join: duplicate column %q", c)
			}
			seen[c] = true
			out.Columns = append(out.Columns, c)
		}
	}

	width := len(out.Columns)
	index := make(map[int64]int)
	for i, t := range tables {
		for _, r := range t.Records {
			key := r.Timestamp.UnixNano()
			pos, ok := index[key]
			if !ok {
				pos = len(out.Records)
				index[key] = pos
				out.Records = append(out.Records, Record{Timestamp: r.Timestamp, Values: make([]*float64, width)})
			}
			copy(out.Records[pos].Values[offsets[i]:], r.Values)
		}
	}
	sortRecords(out.Records)
	return out, nil
}

// Concat stacks tables that describe the same columns (or subsets of them),
// then resolves timestamp collisions with policy. The column order is the
// order of first appearance across inputs. Nil tables are skipped; the result
// is nil when every input is nil.
func Concat(policy DedupPolicy, tables ...*Table) *Table {
	var cols []string
	pos := make(map[string]int)
	found := false
	for _, t := range tables {
		if t == nil {
			continue
		}
		found = true
		for _, c := range t.Columns {
			if _, ok := pos[c]; !ok {
				pos[c] = len(cols)
				cols = append(cols, c)
			}
		}
	}
	if !found {
		return nil
	}

	stacked := &Table{Columns: cols}
	for _, t := range tables {
		if t == nil {
			continue
		}
		for _, r := range t.Records {
			vals := make([]*float64, len(cols))
			for j, c := range t.Columns {
				vals[pos[c]] = r.Values[j]
			}
			stacked.Records = append(stacked.Records, Record{Timestamp: r.Timestamp, Values: vals})
		}
	}
	return stacked.Dedupe(policy)
}

func sortRecords(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Timestamp.Before(recs[j].Timestamp) })
}
