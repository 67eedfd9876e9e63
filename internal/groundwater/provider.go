package groundwater

import (
	"context"

	"github.com/i474232898/groundwater-aggregation/internal/timeseries"
)

// FeatureRequest identifies one feature fetch against one candidate endpoint.
type FeatureRequest struct {
	Feature    string
	Endpoint   string
	SensorCode string
	Span       Span
}

// Provider abstracts a groundwater data source (e.g. the GIMS chart endpoints).
// An error or an empty series both mean the endpoint had nothing usable.
type Provider interface {
	Name() string
	FetchFeature(ctx context.Context, req FeatureRequest) (timeseries.Series, error)
}
