package export

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/i474232898/groundwater-aggregation/internal/consolidate"
	"github.com/i474232898/groundwater-aggregation/internal/groundwater"
	"github.com/i474232898/groundwater-aggregation/internal/timeseries"
)

// Sink receives a copy of every file written in a run.
type Sink interface {
	Upload(ctx context.Context, runID, name string, data []byte) error
}

// Writer writes run outputs under Dir and mirrors them to an optional Sink.
type Writer struct {
	Dir  string
	Sink Sink
}

// NewWriter returns a Writer rooted at dir. sink may be nil.
func NewWriter(dir string, sink Sink) *Writer {
	return &Writer{Dir: dir, Sink: sink}
}

// SiteFileName names the per-site table of a collection run.
func SiteFileName(site groundwater.Site, span groundwater.Span) string {
	return fmt.Sprintf("gw_%s_%s_%s_%s_%s.csv",
		site.Name, site.Role, site.Code,
		span.Start.Format(groundwater.DateLayout), span.End.Format(groundwater.DateLayout))
}

// InnerMergeFileName names the consolidated table of an inner-join group.
func InnerMergeFileName(group string) string { return group + "_inner_merge.csv" }

// AuditFileName names the audit of an inner-join group.
func AuditFileName(group string) string { return group + "_merge_audit.csv" }

// OuterMergeFileName names the consolidated table of an outer-join group.
func OuterMergeFileName(group string) string { return group + "_outer_merge.csv" }

// DerivedFileName names the table with depth and EC25 columns.
func DerivedFileName(group string) string { return group + "_with_depth_ec25.csv" }

// Table writes tbl to name and returns the full path.
func (w *Writer) Table(ctx context.Context, runID, name string, tbl *timeseries.Table) (string, error) {
	var buf bytes.Buffer
	if err := WriteTable(&buf, tbl); err != nil {
		return "", fmt.Errorf("encode %s: %w", name, err)
	}
	return w.save(ctx, runID, name, buf.Bytes())
}

// Audit writes an audit to name and returns the full path.
func (w *Writer) Audit(ctx context.Context, runID, name string, audit []consolidate.AuditRecord) (string, error) {
	var buf bytes.Buffer
	if err := WriteAudit(&buf, audit); err != nil {
		return "", fmt.Errorf("encode %s: %w", name, err)
	}
	return w.save(ctx, runID, name, buf.Bytes())
}

// ReadTable loads a table previously written under Dir.
func (w *Writer) ReadTable(name string, loc *time.Location) (*timeseries.Table, error) {
	f, err := os.Open(filepath.Join(w.Dir, name))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tbl, err := ReadTable(f, loc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return tbl, nil
}

func (w *Writer) save(ctx context.Context, runID, name string, data []byte) (string, error) {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(w.Dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}

	if w.Sink != nil {
		if err := w.Sink.Upload(ctx, runID, name, data); err != nil {
			// The local file is the product of record; a failed upload is not fatal.
			log.Printf("WARN: upload %s failed: %v", name, err)
		}
	}
	return path, nil
}
