// Package pipeline runs one acquisition: every configured site is collected
// over the run span and written out, then every merge group is consolidated
// (and derived, when configured) from the collected tables.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/i474232898/groundwater-aggregation/internal/config"
	"github.com/i474232898/groundwater-aggregation/internal/export"
	"github.com/i474232898/groundwater-aggregation/internal/groundwater"
	"github.com/i474232898/groundwater-aggregation/internal/metrics"
	"github.com/i474232898/groundwater-aggregation/internal/store"
	"github.com/i474232898/groundwater-aggregation/internal/timeseries"
)

// Collector produces one site's table over a date range.
type Collector interface {
	CollectSite(ctx context.Context, site groundwater.Site, from, to time.Time) (*timeseries.Table, error)
}

// Results receives the tables of a run. *store.MemoryStore implements it.
type Results interface {
	SaveSite(res store.SiteResult)
	SaveMerge(res store.MergeResult)
}

// SiteOutcome reports what a run did for one site.
type SiteOutcome struct {
	Site    string
	Rows    int
	Path    string
	Skipped bool
}

// Summary reports a finished run.
type Summary struct {
	RunID   string
	Sites   []SiteOutcome
	Outputs []string
}

// Runner executes acquisition runs. It is safe to call Run from one goroutine
// at a time.
type Runner struct {
	collector Collector
	cfg       *config.RunConfig
	writer    *export.Writer
	results   Results
	newID     func() string
	now       func() time.Time
}

// NewRunner creates a Runner. results may be nil.
func NewRunner(collector Collector, cfg *config.RunConfig, writer *export.Writer, results Results) *Runner {
	return &Runner{
		collector: collector,
		cfg:       cfg,
		writer:    writer,
		results:   results,
		newID:     uuid.NewString,
		now:       time.Now,
	}
}

// Run collects every site and consolidates every merge group.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	return r.execute(ctx, "collect", r.collectSite)
}

// MergeOnly consolidates merge groups from site tables written by an earlier
// run over the same span, without contacting the upstream service.
func (r *Runner) MergeOnly(ctx context.Context) (*Summary, error) {
	return r.execute(ctx, "merge-only", r.loadSite)
}

type siteSource func(ctx context.Context, runID string, site groundwater.Site) (*timeseries.Table, string, error)

func (r *Runner) execute(ctx context.Context, mode string, source siteSource) (*Summary, error) {
	start := r.now()
	sum := &Summary{RunID: r.newID()}
	log.Printf("INFO: run %s (%s) [RANGE] %s (%s)", sum.RunID, mode, r.cfg.Span, r.cfg.Location)

	tables, err := r.runSites(ctx, sum, source)
	if err == nil {
		err = r.runMerges(ctx, sum, tables)
	}

	metrics.RunDurationSeconds.Observe(r.now().Sub(start).Seconds())
	if err != nil {
		metrics.RunsTotal.WithLabelValues("failure").Inc()
		return sum, fmt.Errorf("run %s: %w", sum.RunID, err)
	}
	metrics.RunsTotal.WithLabelValues("success").Inc()
	log.Printf("INFO: run %s complete: %d outputs", sum.RunID, len(sum.Outputs))
	return sum, nil
}

// runSites returns the tables of the sites that produced data, keyed by name.
func (r *Runner) runSites(ctx context.Context, sum *Summary, source siteSource) (map[string]*timeseries.Table, error) {
	tables := make(map[string]*timeseries.Table, len(r.cfg.Sites))
	for _, site := range r.cfg.Sites {
		log.Printf("INFO: ===== %s (%s) %s/%s =====", site.Name, site.Code, site.Role, site.Type)

		tbl, path, err := source(ctx, sum.RunID, site)
		if errors.Is(err, groundwater.ErrNoData) {
			log.Printf("[SKIP] %s: no data", site.Name)
			sum.Sites = append(sum.Sites, SiteOutcome{Site: site.Name, Skipped: true})
			continue
		}
		if err != nil {
			return nil, err
		}

		sum.Sites = append(sum.Sites, SiteOutcome{Site: site.Name, Rows: tbl.Len(), Path: path})
		if path != "" {
			sum.Outputs = append(sum.Outputs, path)
		}
		if r.results != nil {
			r.results.SaveSite(store.SiteResult{
				RunID:       sum.RunID,
				CollectedAt: r.now(),
				Site:        site,
				Span:        r.cfg.Span,
				Table:       tbl,
			})
		}
		tables[site.Name] = tbl
	}
	return tables, nil
}

func (r *Runner) collectSite(ctx context.Context, runID string, site groundwater.Site) (*timeseries.Table, string, error) {
	tbl, err := r.collector.CollectSite(ctx, site, r.cfg.Span.Start, r.cfg.Span.End)
	if err != nil {
		return nil, "", err
	}
	path, err := r.writer.Table(ctx, runID, export.SiteFileName(site, r.cfg.Span), tbl)
	if err != nil {
		return nil, "", err
	}
	log.Printf("[SAVE] %s rows=%d", path, tbl.Len())
	return tbl, path, nil
}

func (r *Runner) loadSite(_ context.Context, _ string, site groundwater.Site) (*timeseries.Table, string, error) {
	tbl, err := r.writer.ReadTable(export.SiteFileName(site, r.cfg.Span), r.cfg.Location)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", fmt.Errorf("%w: no site file for %s", groundwater.ErrNoData, site.Name)
	}
	if err != nil {
		return nil, "", err
	}
	if tbl.Len() == 0 {
		return nil, "", fmt.Errorf("%w: empty site file for %s", groundwater.ErrNoData, site.Name)
	}
	return tbl.Dedupe(r.cfg.DedupPolicy), "", nil
}
