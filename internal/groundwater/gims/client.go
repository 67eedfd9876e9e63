package gims

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/i474232898/groundwater-aggregation/internal/groundwater"
	"github.com/i474232898/groundwater-aggregation/internal/metrics"
	"github.com/i474232898/groundwater-aggregation/internal/timeseries"
)

// Getter performs one resilient GET and returns a JSON body.
type Getter interface {
	Get(ctx context.Context, target string, params url.Values) ([]byte, error)
}

// PayloadCache stores raw bodies of completed chunks.
type PayloadCache interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, body []byte) error
}

// Client implements the groundwater.Provider interface for the GIMS
// real-time chart endpoints.
type Client struct {
	name       string
	baseURL    string
	getter     Getter
	normalizer *Normalizer
	cache      PayloadCache
	now        func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithCache serves and stores bodies of chunks that ended before today.
func WithCache(cache PayloadCache) Option {
	return func(c *Client) { c.cache = cache }
}

// WithClock overrides the clock used to decide whether a chunk is complete.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func NewClient(baseURL string, getter Getter, normalizer *Normalizer, opts ...Option) *Client {
	c := &Client{
		name:       "gims",
		baseURL:    strings.TrimRight(baseURL, "/") + "/",
		getter:     getter,
		normalizer: normalizer,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string {
	return c.name
}

// FetchFeature requests one feature for one sensor and span from one endpoint
// and normalizes the response.
func (c *Client) FetchFeature(ctx context.Context, req groundwater.FeatureRequest) (timeseries.Series, error) {
	target := c.baseURL + strings.TrimLeft(req.Endpoint, "/")
	params := url.Values{}
	params.Set(sensorParam, req.SensorCode)
	params.Set("fdate", req.Span.Start.Format(groundwater.DateLayout))
	params.Set("edate", req.Span.End.Format(groundwater.DateLayout))
	params.Set("type", "json")

	key := cacheKey(req)
	cacheable := c.cache != nil && c.completed(req.Span)

	var body []byte
	if cacheable {
		cached, ok, err := c.cache.Get(key)
		if err != nil {
			log.Printf("WARN: chunk cache read %s: %v", key, err)
		}
		if ok {
			metrics.FetchAttemptsTotal.WithLabelValues(target, "cached").Inc()
			body = cached
		}
	}

	if body == nil {
		fetched, err := c.getter.Get(ctx, target, params)
		if err != nil {
			return timeseries.Series{}, err
		}
		body = fetched
	}

	series, err := c.normalizer.Normalize(body, req.Feature)
	if err != nil {
		return timeseries.Series{}, err
	}

	if cacheable && series.Len() > 0 {
		if err := c.cache.Put(key, body); err != nil {
			log.Printf("WARN: chunk cache write %s: %v", key, err)
		}
	}
	return series, nil
}

// completed reports whether span ended before the current day in the
// normalizer's location.
func (c *Client) completed(span groundwater.Span) bool {
	now := c.now().In(c.normalizer.Location)
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, c.normalizer.Location)
	return span.End.Before(today)
}

func cacheKey(req groundwater.FeatureRequest) string {
	return fmt.Sprintf("%s|%s|%s", req.Endpoint, req.SensorCode, req.Span)
}
