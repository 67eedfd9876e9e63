package pipeline

import (
	"context"
	"fmt"
	"log"

	"github.com/i474232898/groundwater-aggregation/internal/config"
	"github.com/i474232898/groundwater-aggregation/internal/consolidate"
	"github.com/i474232898/groundwater-aggregation/internal/derive"
	"github.com/i474232898/groundwater-aggregation/internal/export"
	"github.com/i474232898/groundwater-aggregation/internal/store"
	"github.com/i474232898/groundwater-aggregation/internal/timeseries"
)

func (r *Runner) runMerges(ctx context.Context, sum *Summary, tables map[string]*timeseries.Table) error {
	for _, group := range r.cfg.Merges {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.merge(ctx, sum, group, tables); err != nil {
			return fmt.Errorf("merge group %s: %w", group.Name, err)
		}
	}
	return nil
}

// merge consolidates one group. A member site without a table is a missing
// input and fails the group.
func (r *Runner) merge(ctx context.Context, sum *Summary, group config.MergeGroup, tables map[string]*timeseries.Table) error {
	inputs := make([]consolidate.SiteTable, len(group.Sites))
	for i, name := range group.Sites {
		inputs[i] = consolidate.SiteTable{Site: name, Table: tables[name]}
	}
	opts := consolidate.Options{
		Group:   group.Name,
		Columns: group.Columns,
		Dedup:   r.cfg.DedupPolicy,
	}
	res := store.MergeResult{
		RunID:       sum.RunID,
		CollectedAt: r.now(),
		Group:       group.Name,
		Mode:        group.Mode,
	}

	switch group.Mode {
	case config.MergeInner:
		out, err := consolidate.InnerJoin(inputs, opts)
		if err != nil {
			return err
		}
		res.Table, res.Audit = out.Table, out.Audit
		if err := r.write(ctx, sum, export.InnerMergeFileName(group.Name), out.Table); err != nil {
			return err
		}
		path, err := r.writer.Audit(ctx, sum.RunID, export.AuditFileName(group.Name), out.Audit)
		if err != nil {
			return err
		}
		sum.Outputs = append(sum.Outputs, path)
		log.Printf("[SAVE] %s", path)
		log.Printf("INFO: %s: common timestamps %d", group.Name, out.Table.Len())

	case config.MergeOuter:
		out, err := consolidate.OuterJoin(inputs, opts)
		if err != nil {
			return err
		}
		res.Table = out
		if err := r.write(ctx, sum, export.OuterMergeFileName(group.Name), out); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown merge mode %q", group.Mode)
	}

	if group.Derive != nil {
		sites := make([]derive.Site, len(group.Sites))
		for i, name := range group.Sites {
			site, _ := r.cfg.Site(name)
			sites[i] = derive.Site{Name: name, GroundElevM: site.GroundElevM}
		}
		alpha := derive.DefaultAlpha
		if group.Derive.Alpha != nil {
			alpha = *group.Derive.Alpha
		}
		derived, err := derive.DepthAndEC25(res.Table, sites, alpha)
		if err != nil {
			return err
		}
		res.Derived = derived
		if err := r.write(ctx, sum, export.DerivedFileName(group.Name), derived); err != nil {
			return err
		}
	}

	if r.results != nil {
		r.results.SaveMerge(res)
	}
	return nil
}

func (r *Runner) write(ctx context.Context, sum *Summary, name string, tbl *timeseries.Table) error {
	path, err := r.writer.Table(ctx, sum.RunID, name, tbl)
	if err != nil {
		return err
	}
	sum.Outputs = append(sum.Outputs, path)
	log.Printf("[SAVE] %s rows=%d", path, tbl.Len())
	return nil
}
