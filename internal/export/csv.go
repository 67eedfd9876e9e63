// Package export writes tables and audits as UTF-8 CSV with a byte-order mark
// and reads previously written tables back.
package export

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/i474232898/groundwater-aggregation/internal/common"
	"github.com/i474232898/groundwater-aggregation/internal/consolidate"
	"github.com/i474232898/groundwater-aggregation/internal/timeseries"
)

// TimestampHeader is the name of the first column of every exported table.
const TimestampHeader = "timestamp"

var bom = []byte{0xEF, 0xBB, 0xBF}

var auditHeader = []string{
	"site",
	"rows_original",
	"duplicates_by_timestamp",
	"duplicate_timestamps_samples",
	"unique_ts_count",
	"dropped_count_for_inner",
	"dropped_pct_of_unique",
	"dropped_examples",
	"intersection_count",
}

var errEmptyFile = errors.New("export: empty csv")

// WriteTable writes tbl with a leading timestamp column. Absent values are
// empty cells.
func WriteTable(w io.Writer, tbl *timeseries.Table) error {
	if _, err := w.Write(bom); err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(append([]string{TimestampHeader}, tbl.Columns...)); err != nil {
		return err
	}
	row := make([]string, len(tbl.Columns)+1)
	for _, r := range tbl.Records {
		row[0] = r.Timestamp.Format(timeseries.TimeLayout)
		for i, v := range r.Values {
			row[i+1] = formatValue(v)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteAudit writes one line per site of an inner join.
func WriteAudit(w io.Writer, audit []consolidate.AuditRecord) error {
	if _, err := w.Write(bom); err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(auditHeader); err != nil {
		return err
	}
	for _, a := range audit {
		err := cw.Write([]string{
			a.Site,
			strconv.Itoa(a.RowsOriginal),
			strconv.Itoa(a.DuplicateCount),
			common.PyList(a.DuplicateSamples),
			strconv.Itoa(a.UniqueTimestampCount),
			strconv.Itoa(a.DroppedCount),
			strconv.FormatFloat(a.DroppedPct, 'f', -1, 64),
			common.PyList(a.DroppedExamples),
			strconv.Itoa(a.IntersectionCount),
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadTable parses a table written by WriteTable. Timestamps are read in loc.
func ReadTable(r io.Reader, loc *time.Location) (*timeseries.Table, error) {
	if loc == nil {
		loc = time.UTC
	}
	br := bufio.NewReader(r)
	if head, err := br.Peek(len(bom)); err == nil && bytes.Equal(head, bom) {
		_, _ = br.Discard(len(bom))
	}

	cr := csv.NewReader(br)
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errEmptyFile
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) == 0 || strings.TrimSpace(header[0]) != TimestampHeader {
		return nil, fmt.Errorf("first column must be %q, got %v", TimestampHeader, header)
	}

	tbl := &timeseries.Table{Columns: header[1:]}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		ts, err := time.ParseInLocation(timeseries.TimeLayout, rec[0], loc)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		vals := make([]*float64, len(tbl.Columns))
		for i, cell := range rec[1:] {
			if cell == "" {
				continue
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d column %s: %w", line, tbl.Columns[i], err)
			}
			vals[i] = &v
		}
		tbl.Records = append(tbl.Records, timeseries.Record{Timestamp: ts, Values: vals})
	}
	return tbl, nil
}

func formatValue(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
