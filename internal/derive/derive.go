// Package derive adds physical quantities computed from consolidated columns.
package derive

import (
	"fmt"

	"github.com/i474232898/groundwater-aggregation/internal/consolidate"
	"github.com/i474232898/groundwater-aggregation/internal/timeseries"
)

// DefaultAlpha is the EC temperature compensation coefficient per degree C.
const DefaultAlpha = 0.019

// Feature column names the derivations read.
const (
	LevelFeature = "Water_Level"
	TempFeature  = "Water_Temp"
	ECFeature    = "EC"
)

// Site is one site's input to a derivation.
type Site struct {
	Name        string
	GroundElevM *float64
}

// DepthColumn names the depth-to-water column of a site.
func DepthColumn(site string) string { return "Depth_" + site + "_m" }

// EC25Column names the temperature-compensated conductivity column of a site.
func EC25Column(site string) string { return "EC25_" + site }

// DepthAndEC25 returns a copy of tbl with Depth_<site>_m and EC25_<site>
// appended for every site. Absent inputs give absent outputs. A missing column
// or elevation is an error.
func DepthAndEC25(tbl *timeseries.Table, sites []Site, alpha float64) (*timeseries.Table, error) {
	if tbl == nil {
		return nil, fmt.Errorf("derive: nil table")
	}
	if alpha < 0 {
		return nil, fmt.Errorf("derive: negative alpha %v", alpha)
	}

	type plan struct {
		elev           float64
		level, ec, tmp int
	}
	plans := make([]plan, len(sites))
	var missing []string
	for i, s := range sites {
		if s.GroundElevM == nil {
			return nil, fmt.Errorf("derive: site %s has no ground elevation", s.Name)
		}
		p := plan{elev: *s.GroundElevM}
		var ok bool
		for _, c := range []struct {
			idx  *int
			name string
		}{
			{&p.level, consolidate.ColumnName(LevelFeature, s.Name)},
			{&p.ec, consolidate.ColumnName(ECFeature, s.Name)},
			{&p.tmp, consolidate.ColumnName(TempFeature, s.Name)},
		} {
			if *c.idx, ok = tbl.Column(c.name); !ok {
				missing = append(missing, c.name)
			}
		}
		plans[i] = p
	}
	if len(missing) > 0 {
		return nil, &timeseries.SchemaMismatchError{Table: "derivation input", Missing: missing}
	}

	out := &timeseries.Table{Columns: append([]string(nil), tbl.Columns...)}
	for _, s := range sites {
		out.Columns = append(out.Columns, DepthColumn(s.Name))
	}
	for _, s := range sites {
		out.Columns = append(out.Columns, EC25Column(s.Name))
	}

	out.Records = make([]timeseries.Record, len(tbl.Records))
	for i, r := range tbl.Records {
		vals := make([]*float64, 0, len(out.Columns))
		vals = append(vals, r.Values...)
		for _, p := range plans {
			vals = append(vals, depth(p.elev, r.Values[p.level]))
		}
		for _, p := range plans {
			vals = append(vals, ec25(r.Values[p.ec], r.Values[p.tmp], alpha))
		}
		out.Records[i] = timeseries.Record{Timestamp: r.Timestamp, Values: vals}
	}
	return out, nil
}

func depth(elev float64, level *float64) *float64 {
	if level == nil {
		return nil
	}
	v := elev - *level
	return &v
}

func ec25(ec, temp *float64, alpha float64) *float64 {
	if ec == nil || temp == nil {
		return nil
	}
	denom := 1 + alpha*(*temp-25)
	if denom == 0 {
		return nil
	}
	v := *ec / denom
	return &v
}
