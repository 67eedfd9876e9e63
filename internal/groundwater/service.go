package groundwater

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/i474232898/groundwater-aggregation/internal/metrics"
	"github.com/i474232898/groundwater-aggregation/internal/timeseries"
)

var (
	// ErrNoData is returned when a chunk or a whole site produced no rows.
	ErrNoData = errors.New("no data")

	// ErrFeatureUnavailable is returned when every candidate endpoint of a
	// feature failed or returned nothing for a chunk.
	ErrFeatureUnavailable = errors.New("feature unavailable")
)

// Options controls how a Service splits and merges a site's history.
type Options struct {
	ChunkDays int
	Dedup     timeseries.DedupPolicy

	// Pause is slept between feature requests of one chunk.
	Pause time.Duration
}

// Service collects per-site wide tables from a Provider.
type Service struct {
	provider Provider
	features []Feature
	opts     Options
}

// NewService creates a new Service. Features are fetched in the given order.
func NewService(provider Provider, features []Feature, opts Options) *Service {
	return &Service{
		provider: provider,
		features: features,
		opts:     opts,
	}
}

// ResolveFeature tries each endpoint of feature in order and returns the first
// non-empty series.
func (s *Service) ResolveFeature(ctx context.Context, feature Feature, sensorCode string, span Span) (timeseries.Series, error) {
	for _, ep := range feature.Endpoints {
		if err := ctx.Err(); err != nil {
			return timeseries.Series{}, err
		}

		series, err := s.provider.FetchFeature(ctx, FeatureRequest{
			Feature:    feature.Name,
			Endpoint:   ep,
			SensorCode: sensorCode,
			Span:       span,
		})
		if err != nil {
			log.Printf("[%s] %s %s via %s/%s: %v", feature.Name, sensorCode, span, s.provider.Name(), ep, err)
			continue
		}
		if series.Len() == 0 {
			log.Printf("[%s] %s %s via %s/%s: no data", feature.Name, sensorCode, span, s.provider.Name(), ep)
			continue
		}

		log.Printf("[OK] %s:%s %s via %s/%s rows=%d", feature.Name, sensorCode, span, s.provider.Name(), ep, series.Len())
		return series, nil
	}

	metrics.FeaturesUnavailableTotal.WithLabelValues(feature.Name).Inc()
	log.Printf("[MISS] %s:%s %s", feature.Name, sensorCode, span)
	return timeseries.Series{}, fmt.Errorf("%w: %s for %s %s", ErrFeatureUnavailable, feature.Name, sensorCode, span)
}

// AssembleChunk fetches every configured feature of a site for one span and
// outer-joins them on timestamp. It returns ErrNoData when no feature resolved.
func (s *Service) AssembleChunk(ctx context.Context, site Site, span Span) (*timeseries.Table, error) {
	var tables []*timeseries.Table

	for i, f := range s.features {
		if i > 0 && s.opts.Pause > 0 {
			if err := sleepWithContext(ctx, s.opts.Pause); err != nil {
				return nil, err
			}
		}

		series, err := s.ResolveFeature(ctx, f, site.Code, span)
		if err != nil {
			if errors.Is(err, ErrFeatureUnavailable) {
				continue
			}
			return nil, err
		}
		tables = append(tables, series.Table())
	}

	switch len(tables) {
	case 0:
		return nil, fmt.Errorf("%w: %s %s", ErrNoData, site.Code, span)
	case 1:
		return tables[0], nil
	}

	merged, err := timeseries.OuterJoin(tables...)
	if err != nil {
		return nil, fmt.Errorf("assemble %s %s: %w", site.Code, span, err)
	}
	return merged.Dedupe(s.opts.Dedup), nil
}

// ReduceChunks concatenates per-chunk tables, resolves timestamp collisions
// with policy and sorts the result. Nil chunks are skipped.
func ReduceChunks(policy timeseries.DedupPolicy, chunks []*timeseries.Table) (*timeseries.Table, error) {
	out := timeseries.Concat(policy, chunks...)
	if out.Len() == 0 {
		return nil, ErrNoData
	}
	return out, nil
}

// CollectSite fetches a site's full history over [from, to] chunk by chunk and
// reduces the chunks into one table. Chunks without data are skipped. Columns
// follow the configured feature order whichever chunk first carried them.
func (s *Service) CollectSite(ctx context.Context, site Site, from, to time.Time) (*timeseries.Table, error) {
	chunks, err := Chunks(from, to, s.opts.ChunkDays)
	if err != nil {
		return nil, err
	}

	var parts []*timeseries.Table
	for span := range chunks {
		tbl, err := s.AssembleChunk(ctx, site, span)
		if err != nil {
			if errors.Is(err, ErrNoData) {
				continue
			}
			return nil, err
		}
		parts = append(parts, tbl)
	}

	out, err := ReduceChunks(s.opts.Dedup, parts)
	if err != nil {
		return nil, fmt.Errorf("site %s (%s): %w", site.Name, site.Code, err)
	}
	return out.Reorder(s.featureNames()...), nil
}

func (s *Service) featureNames() []string {
	names := make([]string, len(s.features))
	for i, f := range s.features {
		names[i] = f.Name
	}
	return names
}

// sleepWithContext waits for d or returns early when ctx is done.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
