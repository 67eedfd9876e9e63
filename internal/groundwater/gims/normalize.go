package gims

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/i474232898/groundwater-aggregation/internal/metrics"
	"github.com/i474232898/groundwater-aggregation/internal/timeseries"
)

// KeyCandidates lists, in priority order, the record keys that may carry the
// timestamp and the value. The first candidate present in the first record
// wins for the whole response.
type KeyCandidates struct {
	Timestamp []string `yaml:"timestamp" json:"timestamp"`
	Value     []string `yaml:"value" json:"value"`
}

// DefaultKeyCandidates returns the key names seen on the chart endpoints.
func DefaultKeyCandidates() KeyCandidates {
	return KeyCandidates{
		Timestamp: []string{"n", "date", "dt", "timestamp"},
		Value:     []string{"c", "value", "val", "v"},
	}
}

// SchemaMismatch is returned when the records of a response carry none of the
// candidate timestamp or value keys.
type SchemaMismatch struct {
	Feature string
	Keys    []string
}

func (e *SchemaMismatch) Error() string {
	return fmt.Sprintf("%s: unexpected keys %v", e.Feature, e.Keys)
}

// timestampLayouts are tried in order; layouts without a zone are read in the
// normalizer's location.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"2006/01/02 15:04",
	"2006/01/02",
	"2006.01.02 15:04",
	"2006.01.02",
	"20060102150405",
	"200601021504",
	"2006010215",
	"20060102",
}

// Normalizer turns a decoded chart response into a Series.
type Normalizer struct {
	Keys     KeyCandidates
	Location *time.Location
	Dedup    timeseries.DedupPolicy
}

// NewNormalizer returns a Normalizer reading zone-less timestamps in loc (UTC
// when nil) and reporting every timestamp in loc. Empty candidate lists fall back to DefaultKeyCandidates.
func NewNormalizer(keys KeyCandidates, loc *time.Location, dedup timeseries.DedupPolicy) *Normalizer {
	if len(keys.Timestamp) == 0 || len(keys.Value) == 0 {
		def := DefaultKeyCandidates()
		if len(keys.Timestamp) == 0 {
			keys.Timestamp = def.Timestamp
		}
		if len(keys.Value) == 0 {
			keys.Value = def.Value
		}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Normalizer{Keys: keys, Location: loc, Dedup: dedup}
}

// Normalize extracts the records of body and returns them as a Series named
// column. Records whose timestamp or value cannot be coerced are dropped. An
// empty or unusable body yields an empty series and no error; a body whose
// records carry no candidate keys yields *SchemaMismatch.
func (n *Normalizer) Normalize(body []byte, column string) (timeseries.Series, error) {
	records := extractRecords(body)
	if len(records) == 0 {
		return timeseries.Series{Name: column}, nil
	}

	sample, ok := decodeObject(records[0])
	if !ok {
		metrics.SchemaMismatchesTotal.WithLabelValues(column).Inc()
		return timeseries.Series{Name: column}, &SchemaMismatch{Feature: column}
	}
	tsKey := firstPresent(sample, n.Keys.Timestamp)
	valKey := firstPresent(sample, n.Keys.Value)
	if tsKey == "" || valKey == "" {
		metrics.SchemaMismatchesTotal.WithLabelValues(column).Inc()
		return timeseries.Series{Name: column}, &SchemaMismatch{Feature: column, Keys: sortedKeys(sample)}
	}

	rows := make([]timeseries.Row, 0, len(records))
	for _, raw := range records {
		rec, ok := decodeObject(raw)
		if !ok {
			continue
		}
		ts, ok := n.parseTimestamp(rec[tsKey])
		if !ok {
			continue
		}
		v, ok := parseValue(rec[valKey])
		if !ok {
			continue
		}
		rows = append(rows, timeseries.Row{Timestamp: ts, Value: v})
	}

	series := timeseries.NewSeries(column, rows, n.Dedup)
	metrics.RowsNormalizedTotal.WithLabelValues(column).Add(float64(series.Len()))
	return series, nil
}

// extractRecords returns the record list of a response: either the top-level
// array, or the first non-empty array value of a top-level object in document
// order. Anything else yields nil.
func extractRecords(body []byte) []json.RawMessage {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil
	}

	switch body[0] {
	case '[':
		var arr []json.RawMessage
		if err := json.Unmarshal(body, &arr); err != nil {
			return nil
		}
		return arr
	case '{':
		dec := json.NewDecoder(bytes.NewReader(body))
		if _, err := dec.Token(); err != nil {
			return nil
		}
		for dec.More() {
			if _, err := dec.Token(); err != nil {
				return nil
			}
			var raw json.RawMessage
			if err := dec.Decode(&raw); err != nil {
				return nil
			}
			raw = bytes.TrimSpace(raw)
			if len(raw) == 0 || raw[0] != '[' {
				continue
			}
			var arr []json.RawMessage
			if err := json.Unmarshal(raw, &arr); err == nil && len(arr) > 0 {
				return arr
			}
		}
	}
	return nil
}

func decodeObject(raw json.RawMessage) (map[string]any, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

func firstPresent(rec map[string]any, candidates []string) string {
	for _, k := range candidates {
		if _, ok := rec[k]; ok {
			return k
		}
	}
	return ""
}

func sortedKeys(rec map[string]any) []string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (n *Normalizer) parseTimestamp(v any) (time.Time, bool) {
	var s string
	switch x := v.(type) {
	case string:
		s = strings.TrimSpace(x)
	case json.Number:
		s = x.String()
	default:
		return time.Time{}, false
	}
	if s == "" {
		return time.Time{}, false
	}

	for _, layout := range timestampLayouts {
		// Layouts with an explicit offset keep their instant but are
		// reported in n.Location like every other timestamp.
		if t, err := time.ParseInLocation(layout, s, n.Location); err == nil {
			return t.In(n.Location), true
		}
	}

	// Epoch seconds or milliseconds.
	if epoch, err := strconv.ParseInt(s, 10, 64); err == nil && epoch > 0 {
		if epoch >= 1e12 {
			return time.UnixMilli(epoch).In(n.Location), true
		}
		return time.Unix(epoch, 0).In(n.Location), true
	}
	return time.Time{}, false
}

func parseValue(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
