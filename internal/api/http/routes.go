package httpapi

import (
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/i474232898/groundwater-aggregation/internal/groundwater"
	"github.com/i474232898/groundwater-aggregation/internal/store"
	"github.com/i474232898/groundwater-aggregation/internal/timeseries"
)

var validate = validator.New()

// Results is the read side of the result store.
type Results interface {
	Sites() []store.SiteResult
	SiteRange(name string, from, to time.Time) (*timeseries.Table, error)
	LatestMerge(group string) (store.MergeResult, error)
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, results Results, loc *time.Location) {
	if loc == nil {
		loc = time.UTC
	}
	v1 := app.Group("/api/v1")

	v1.Get("/sites", func(c *fiber.Ctx) error {
		sites := results.Sites()
		out := make([]siteView, 0, len(sites))
		for _, res := range sites {
			out = append(out, newSiteView(res))
		}
		return c.JSON(fiber.Map{"sites": out})
	})

	v1.Get("/sites/:name/series", func(c *fiber.Ctx) error {
		var req seriesQuery
		if err := req.bind(c, loc); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		tbl, err := results.SiteRange(req.Site, req.From, req.To)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "no series for requested site and range")
			}
			return fiber.NewError(fiber.StatusInternalServerError, "failed to read series")
		}

		return c.JSON(fiber.Map{
			"site":   req.Site,
			"from":   req.From,
			"to":     req.To,
			"series": newTableView(tbl),
		})
	})

	v1.Get("/merges/:name", func(c *fiber.Ctx) error {
		res, err := results.LatestMerge(c.Params("name"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "no result for requested merge group")
			}
			return fiber.NewError(fiber.StatusInternalServerError, "failed to read merge result")
		}

		body := fiber.Map{
			"group":       res.Group,
			"mode":        res.Mode,
			"runId":       res.RunID,
			"collectedAt": res.CollectedAt,
			"table":       newTableView(res.Table),
		}
		if len(res.Audit) > 0 {
			body["audit"] = res.Audit
		}
		if res.Derived != nil {
			body["derived"] = newTableView(res.Derived)
		}
		return c.JSON(body)
	})
}

// RegisterMetrics exposes the Prometheus registry on /metrics.
func RegisterMetrics(app *fiber.App) {
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}

type siteView struct {
	Site        groundwater.Site `json:"site"`
	RunID       string           `json:"runId"`
	CollectedAt time.Time        `json:"collectedAt"`
	Span        string           `json:"span"`
	Rows        int              `json:"rows"`
	First       string           `json:"first,omitempty"`
	Last        string           `json:"last,omitempty"`
	Columns     []string         `json:"columns"`
}

func newSiteView(res store.SiteResult) siteView {
	v := siteView{
		Site:        res.Site,
		RunID:       res.RunID,
		CollectedAt: res.CollectedAt,
		Span:        res.Span.String(),
		Rows:        res.Table.Len(),
	}
	if res.Table != nil {
		v.Columns = res.Table.Columns
	}
	if n := res.Table.Len(); n > 0 {
		v.First = res.Table.Records[0].Timestamp.Format(timeseries.TimeLayout)
		v.Last = res.Table.Records[n-1].Timestamp.Format(timeseries.TimeLayout)
	}
	return v
}

type rowView struct {
	Timestamp string     `json:"timestamp"`
	Values    []*float64 `json:"values"`
}

type tableView struct {
	Columns []string  `json:"columns"`
	Rows    []rowView `json:"rows"`
}

func newTableView(tbl *timeseries.Table) tableView {
	v := tableView{Rows: make([]rowView, 0, tbl.Len())}
	if tbl == nil {
		return v
	}
	v.Columns = tbl.Columns
	for _, r := range tbl.Records {
		v.Rows = append(v.Rows, rowView{Timestamp: r.Timestamp.Format(timeseries.TimeLayout), Values: r.Values})
	}
	return v
}

// seriesQuery holds path and query parameters for the series endpoint. Either
// bound may be omitted.
type seriesQuery struct {
	Site string `validate:"required"`
	From time.Time
	To   time.Time `validate:"omitempty,gtefield=From"`
}

func (q *seriesQuery) bind(c *fiber.Ctx, loc *time.Location) error {
	q.Site = c.Params("name")

	if s := c.Query("from"); s != "" {
		from, err := parseTime(s, loc)
		if err != nil {
			return err
		}
		q.From = from
	}
	if s := c.Query("to"); s != "" {
		to, err := parseTime(s, loc)
		if err != nil {
			return err
		}
		// A calendar date covers the whole day.
		if len(s) == len(groundwater.DateLayout) && to.Equal(truncateDay(to)) {
			to = to.AddDate(0, 0, 1).Add(-time.Nanosecond)
		}
		q.To = to
	}
	return nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// parseTime accepts RFC3339, unix seconds, or a YYYYMMDD calendar date in loc.
func parseTime(s string, loc *time.Location) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	if len(s) == len(groundwater.DateLayout) {
		if ts, err := time.ParseInLocation(groundwater.DateLayout, s, loc); err == nil {
			return ts, nil
		}
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, errors.New("invalid time format; use RFC3339, YYYYMMDD or unix seconds")
}
