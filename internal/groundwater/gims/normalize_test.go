package gims

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/i474232898/groundwater-aggregation/internal/timeseries"
)

func newTestNormalizer() *Normalizer {
	return NewNormalizer(DefaultKeyCandidates(), time.UTC, timeseries.KeepLast)
}

func TestNormalizeWrappedRecords(t *testing.T) {
	series, err := newTestNormalizer().Normalize([]byte(`{"data": [{"n":"20210101","c":"12.5"}]}`), "Water_Level")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if series.Len() != 1 {
		t.Fatalf("expected 1 row, got %d", series.Len())
	}
	row := series.Rows[0]
	if !row.Timestamp.Equal(time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)) || row.Value != 12.5 {
		t.Fatalf("unexpected row %+v", row)
	}
	if series.Name != "Water_Level" {
		t.Fatalf("unexpected series name %q", series.Name)
	}
}

func TestNormalizeUsesFirstNonEmptyListInDocumentOrder(t *testing.T) {
	body := `{"status":"ok","empty":[],"z":[{"date":"2021-01-02 10:00","value":1}],"a":[{"date":"2021-01-03","value":2}]}`
	series, err := newTestNormalizer().Normalize([]byte(body), "EC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if series.Len() != 1 || series.Rows[0].Value != 1 {
		t.Fatalf("expected the 'z' records, got %+v", series.Rows)
	}
	if want := time.Date(2021, 1, 2, 10, 0, 0, 0, time.UTC); !series.Rows[0].Timestamp.Equal(want) {
		t.Fatalf("unexpected timestamp %v", series.Rows[0].Timestamp)
	}
}

func TestNormalizeKeyPrecedence(t *testing.T) {
	// "n" outranks "timestamp" and "c" outranks "value".
	body := `[{"timestamp":"2000-01-01","n":"20210105","value":"1","c":"2"}]`
	series, err := newTestNormalizer().Normalize([]byte(body), "EC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if series.Rows[0].Value != 2 || series.Rows[0].Timestamp.Year() != 2021 {
		t.Fatalf("wrong keys selected: %+v", series.Rows[0])
	}
}

func TestNormalizeCountsAndSorts(t *testing.T) {
	var recs []map[string]string
	for d := 10; d >= 1; d-- {
		recs = append(recs, map[string]string{"n": fmt.Sprintf("202101%02d", d), "c": fmt.Sprintf("%d.0", d)})
	}
	body, _ := json.Marshal(recs)

	series, err := newTestNormalizer().Normalize(body, "Water_Temp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if series.Len() != 10 {
		t.Fatalf("expected 10 rows, got %d", series.Len())
	}
	for i := 1; i < series.Len(); i++ {
		if !series.Rows[i-1].Timestamp.Before(series.Rows[i].Timestamp) {
			t.Fatalf("rows not strictly ascending at %d", i)
		}
	}
}

func TestNormalizeDropsUncoercibleRows(t *testing.T) {
	body := `[
		{"n":"20210101","c":"1.0"},
		{"n":"","c":"2.0"},
		{"n":"not a date","c":"3.0"},
		{"n":"20210104","c":""},
		{"n":"20210105","c":null},
		{"n":"20210106","c":4},
		"garbage"
	]`
	series, err := newTestNormalizer().Normalize([]byte(body), "EC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if series.Len() != 2 {
		t.Fatalf("expected 2 rows, got %d: %+v", series.Len(), series.Rows)
	}
}

func TestNormalizeDedupPolicy(t *testing.T) {
	body := []byte(`[{"n":"20210101","c":"1"},{"n":"20210101","c":"2"}]`)

	last, _ := newTestNormalizer().Normalize(body, "EC")
	if last.Len() != 1 || last.Rows[0].Value != 2 {
		t.Fatalf("keep-last: %+v", last.Rows)
	}

	first, _ := NewNormalizer(DefaultKeyCandidates(), time.UTC, timeseries.KeepFirst).Normalize(body, "EC")
	if first.Len() != 1 || first.Rows[0].Value != 1 {
		t.Fatalf("keep-first: %+v", first.Rows)
	}
}

func TestNormalizeSchemaMismatch(t *testing.T) {
	_, err := newTestNormalizer().Normalize([]byte(`[{"when":"20210101","reading":"1"}]`), "pH")

	var sm *SchemaMismatch
	if !errors.As(err, &sm) {
		t.Fatalf("expected SchemaMismatch, got %v", err)
	}
	if sm.Feature != "pH" || len(sm.Keys) != 2 || sm.Keys[0] != "reading" {
		t.Fatalf("unexpected mismatch details %+v", sm)
	}
}

func TestNormalizeEmptyAndUnusableBodies(t *testing.T) {
	for _, body := range []string{``, `[]`, `{}`, `{"data":[]}`, `"text"`, `42`, `null`} {
		series, err := newTestNormalizer().Normalize([]byte(body), "EC")
		if err != nil {
			t.Errorf("%q: unexpected error %v", body, err)
		}
		if series.Len() != 0 {
			t.Errorf("%q: expected no rows, got %d", body, series.Len())
		}
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	n := newTestNormalizer()
	first, err := n.Normalize([]byte(`[{"n":"202101011300","c":"1.25"},{"n":"202101010900","c":"0.5"},{"n":"202101011300","c":"7"}]`), "EC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var recs []map[string]any
	for _, r := range first.Rows {
		recs = append(recs, map[string]any{"timestamp": r.Timestamp.Format(time.RFC3339Nano), "value": r.Value})
	}
	body, _ := json.Marshal(recs)

	second, err := n.Normalize(body, "EC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Len() != first.Len() {
		t.Fatalf("row count changed: %d -> %d", first.Len(), second.Len())
	}
	for i := range first.Rows {
		if !first.Rows[i].Timestamp.Equal(second.Rows[i].Timestamp) || first.Rows[i].Value != second.Rows[i].Value {
			t.Fatalf("row %d changed: %+v -> %+v", i, first.Rows[i], second.Rows[i])
		}
	}
}

func TestNormalizeReadsZonelessTimestampsInLocation(t *testing.T) {
	kst := time.FixedZone("KST", 9*60*60)
	n := NewNormalizer(KeyCandidates{}, kst, timeseries.KeepLast)

	series, err := n.Normalize([]byte(`[{"dt":"2021-01-01 09:00:00","v":"3"}]`), "EC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC); !series.Rows[0].Timestamp.Equal(want) {
		t.Fatalf("expected %v, got %v", want, series.Rows[0].Timestamp.UTC())
	}
}

func TestNormalizeConvertsOffsetTimestampsToLocation(t *testing.T) {
	kst := time.FixedZone("KST", 9*60*60)
	n := NewNormalizer(KeyCandidates{}, kst, timeseries.KeepLast)

	series, err := n.Normalize([]byte(`[{"n":"2021-01-01T00:00:00Z","c":"1"}]`), "EC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := series.Rows[0].Timestamp
	if got.Location() != kst {
		t.Fatalf("expected timestamp in %v, got %v", kst, got.Location())
	}
	if got.Format(timeseries.TimeLayout) != "2021-01-01 09:00:00" {
		t.Fatalf("unexpected clock time %s", got.Format(timeseries.TimeLayout))
	}
}
