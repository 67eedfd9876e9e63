package gims

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/i474232898/groundwater-aggregation/internal/groundwater"
	"github.com/i474232898/groundwater-aggregation/internal/timeseries"
)

type mapCache struct {
	data map[string][]byte
	puts int
}

func (m *mapCache) Get(key string) ([]byte, bool, error) {
	b, ok := m.data[key]
	return b, ok, nil
}

func (m *mapCache) Put(key string, body []byte) error {
	m.puts++
	m.data[key] = body
	return nil
}

func TestClientFetchFeature(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/selectRealTimeChart1.do" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		want := url.Values{"gennum": {"777748"}, "fdate": {"20210101"}, "edate": {"20210130"}, "type": {"json"}}
		for k := range want {
			if q.Get(k) != want.Get(k) {
				t.Errorf("query %s = %q, want %q", k, q.Get(k), want.Get(k))
			}
		}
		_, _ = w.Write([]byte(`{"data":[{"n":"20210101","c":"12.5"},{"n":"20210102","c":"12.7"}]}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, newTestFetcher(t, 1), newTestNormalizer())
	series, err := client.FetchFeature(context.Background(), groundwater.FeatureRequest{
		Feature:    "Water_Level",
		Endpoint:   "selectRealTimeChart1.do",
		SensorCode: "777748",
		Span: groundwater.Span{
			Start: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2021, 1, 30, 0, 0, 0, 0, time.UTC),
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if series.Len() != 2 || series.Name != "Water_Level" {
		t.Fatalf("unexpected series %+v", series)
	}
}

func TestClientCachesCompletedChunksOnly(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte(`[{"n":"20210101","c":"1"}]`))
	}))
	defer srv.Close()

	cache := &mapCache{data: map[string][]byte{}}
	now := time.Date(2021, 2, 1, 12, 0, 0, 0, time.UTC)
	client := NewClient(srv.URL+"/", newTestFetcher(t, 1), newTestNormalizer(),
		WithCache(cache), WithClock(func() time.Time { return now }))

	closed := groundwater.FeatureRequest{
		Feature: "EC", Endpoint: "e.do", SensorCode: "1",
		Span: groundwater.Span{Start: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2021, 1, 31, 0, 0, 0, 0, time.UTC)},
	}
	open := closed
	open.Span = groundwater.Span{Start: time.Date(2021, 2, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2021, 2, 1, 0, 0, 0, 0, time.UTC)}

	for i := 0; i < 2; i++ {
		if _, err := client.FetchFeature(context.Background(), closed); err != nil {
			t.Fatalf("closed chunk: %v", err)
		}
		if _, err := client.FetchFeature(context.Background(), open); err != nil {
			t.Fatalf("open chunk: %v", err)
		}
	}

	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Fatalf("expected 3 upstream requests (1 closed + 2 open), got %d", got)
	}
	if cache.puts != 1 {
		t.Fatalf("expected 1 cache write, got %d", cache.puts)
	}
}

func TestClientPropagatesFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, newTestFetcher(t, 2), NewNormalizer(KeyCandidates{}, nil, timeseries.KeepLast))
	_, err := client.FetchFeature(context.Background(), groundwater.FeatureRequest{Feature: "EC", Endpoint: "e.do", SensorCode: "1"})
	if _, ok := err.(*FetchFailed); !ok {
		t.Fatalf("expected *FetchFailed, got %T %v", err, err)
	}
}

// TestCollectSiteContinuesPastFailedChunk runs the splitter, resolver and
// reducer against a server that keeps failing the first chunk.
func TestCollectSiteContinuesPastFailedChunk(t *testing.T) {
	var failed int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("fdate") == "20210101" {
			atomic.AddInt32(&failed, 1)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[{"n":"20210201","c":"4.5"},{"n":"20210202","c":"4.6"}]`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, newTestFetcher(t, 5), newTestNormalizer())
	svc := groundwater.NewService(client,
		[]groundwater.Feature{{Name: "Water_Level", Endpoints: []string{"selectRealTimeChart1.do"}}},
		groundwater.Options{ChunkDays: 31, Dedup: timeseries.KeepLast})

	tbl, err := svc.CollectSite(context.Background(),
		groundwater.Site{Name: "Sinchon", Code: "777748"},
		time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2021, 2, 28, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tbl.Len() != 2 {
		t.Fatalf("expected 2 rows from the second chunk, got %d", tbl.Len())
	}
	if got := atomic.LoadInt32(&failed); got != 5 {
		t.Fatalf("expected 5 attempts on the failing chunk, got %d", got)
	}
}

// TestCollectSiteUnaffectedByFailingSensorOnSameEndpoint collects a site
// whose sensor always fails until its circuit opens, then a healthy site on
// the same endpoint.
func TestCollectSiteUnaffectedByFailingSensorOnSameEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("gennum") == "111" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[{"n":"20210105","c":"7.1"},{"n":"20210210","c":"7.3"}]`))
	}))
	defer srv.Close()

	fetcher, err := NewFetcher(FetcherConfig{
		Client:           &http.Client{},
		Backoff:          BackoffConfig{MaxAttempts: 5, InitialInterval: time.Millisecond},
		BreakerThreshold: 10,
	})
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	svc := groundwater.NewService(NewClient(srv.URL, fetcher, newTestNormalizer()),
		[]groundwater.Feature{{Name: "Water_Level", Endpoints: []string{"c1.do"}}},
		groundwater.Options{ChunkDays: 30, Dedup: timeseries.KeepLast})

	from := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)

	if _, err := svc.CollectSite(context.Background(), groundwater.Site{Name: "A", Code: "111"}, from, to); !errors.Is(err, groundwater.ErrNoData) {
		t.Fatalf("expected no data for the failing site, got %v", err)
	}

	tbl, err := svc.CollectSite(context.Background(), groundwater.Site{Name: "B", Code: "222"}, from, to)
	if err != nil {
		t.Fatalf("healthy site: unexpected error: %v", err)
	}
	if tbl.Len() != 2 {
		t.Fatalf("expected 2 rows for the healthy site, got %d", tbl.Len())
	}
}
