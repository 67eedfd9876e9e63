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
)

func newTestFetcher(t *testing.T, attempts int) *Fetcher {
	t.Helper()
	f, err := NewFetcher(FetcherConfig{
		Client:  &http.Client{},
		Timeout: 2 * time.Second,
		Backoff: BackoffConfig{
			MaxAttempts:     attempts,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
		},
		Headers:          map[string]string{"X-Requested-With": "XMLHttpRequest"},
		BreakerThreshold: 100,
	})
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	return f
}

// TestGetExhaustsRetriesOn503 verifies that a persistently unavailable
// endpoint is tried exactly MaxAttempts times and reported as FetchFailed.
func TestGetExhaustsRetriesOn503(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := newTestFetcher(t, 5)
	body, err := f.Get(context.Background(), srv.URL+"/selectRealTimeChart1.do", url.Values{"gennum": {"777748"}})
	if body != nil {
		t.Fatalf("expected no body, got %q", body)
	}

	var ff *FetchFailed
	if !errors.As(err, &ff) {
		t.Fatalf("expected FetchFailed, got %v", err)
	}
	if ff.Kind != FailureStatus || ff.Status != http.StatusServiceUnavailable || ff.Attempts != 5 {
		t.Fatalf("unexpected failure %+v", ff)
	}
	if got := atomic.LoadInt32(&hits); got != 5 {
		t.Fatalf("expected 5 requests, got %d", got)
	}
}

func TestGetRecoversAfterTransientFailure(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if r.Header.Get("X-Requested-With") != "XMLHttpRequest" {
			t.Errorf("missing configured header")
		}
		if r.URL.Query().Get("gennum") != "777748" {
			t.Errorf("unexpected query %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"n":"20210101","c":"1.5"}]`))
	}))
	defer srv.Close()

	f := newTestFetcher(t, 5)
	body, err := f.Get(context.Background(), srv.URL+"/x.do", url.Values{"gennum": {"777748"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != `[{"n":"20210101","c":"1.5"}]` {
		t.Fatalf("unexpected body %q", body)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Fatalf("expected 3 requests, got %d", got)
	}
}

func TestGetInvalidBodyIsNotRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "text/html; charset=UTF-8")
		_, _ = w.Write([]byte("<html><body>session expired</body></html>"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, 5)
	_, err := f.Get(context.Background(), srv.URL+"/x.do", nil)

	var ff *FetchFailed
	if !errors.As(err, &ff) || ff.Kind != FailureInvalidBody {
		t.Fatalf("expected invalid body failure, got %v", err)
	}
	if ff.Reason != "invalid body" || ff.ContentType != "text/html; charset=UTF-8" {
		t.Fatalf("unexpected failure details %+v", ff)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("expected a single request, got %d", got)
	}
}

func TestGetNonRetryableStatusFailsFast(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newTestFetcher(t, 5)
	_, err := f.Get(context.Background(), srv.URL+"/missing.do", nil)

	var ff *FetchFailed
	if !errors.As(err, &ff) || ff.Status != http.StatusNotFound {
		t.Fatalf("expected 404 failure, got %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("expected a single request, got %d", got)
	}
}

func TestGetTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := srv.URL + "/x.do"
	srv.Close()

	f := newTestFetcher(t, 2)
	_, err := f.Get(context.Background(), target, nil)

	var ff *FetchFailed
	if !errors.As(err, &ff) || ff.Kind != FailureTransport || ff.Attempts != 2 {
		t.Fatalf("expected transport failure after 2 attempts, got %v", err)
	}
}

func TestGetOpensCircuitAfterThreshold(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f, err := NewFetcher(FetcherConfig{
		Client:           &http.Client{},
		Backoff:          BackoffConfig{MaxAttempts: 2, InitialInterval: time.Millisecond},
		BreakerThreshold: 3,
	})
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}

	target := srv.URL + "/x.do"
	_, _ = f.Get(context.Background(), target, nil) // 2 failures
	_, _ = f.Get(context.Background(), target, nil) // 3rd failure trips the breaker

	_, err = f.Get(context.Background(), target, nil)
	var ff *FetchFailed
	if !errors.As(err, &ff) || ff.Kind != FailureCircuitOpen {
		t.Fatalf("expected open circuit, got %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Fatalf("expected 3 requests before the circuit opened, got %d", got)
	}
}

func TestBackoffDelay(t *testing.T) {
	cfg := BackoffConfig{InitialInterval: 500 * time.Millisecond, MaxInterval: 3 * time.Second}
	want := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}
	for i, w := range want {
		if got := backoffDelay(cfg, i+1); got != w {
			t.Errorf("attempt %d: got %s, want %s", i+1, got, w)
		}
	}
}

func TestNewFetcherRejectsBadConfig(t *testing.T) {
	if _, err := NewFetcher(FetcherConfig{Backoff: BackoffConfig{MaxAttempts: 1}}); err == nil {
		t.Fatalf("expected error without http client")
	}
	if _, err := NewFetcher(FetcherConfig{Client: &http.Client{}}); err == nil {
		t.Fatalf("expected error for zero attempts")
	}
}

func TestGetScopesCircuitToSensor(t *testing.T) {
	var healthy int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("gennum") == "111" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		atomic.AddInt32(&healthy, 1)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	f, err := NewFetcher(FetcherConfig{
		Client:           &http.Client{},
		Backoff:          BackoffConfig{MaxAttempts: 2, InitialInterval: time.Millisecond},
		BreakerThreshold: 3,
	})
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}

	target := srv.URL + "/c1.do"
	failing := url.Values{"gennum": {"111"}}
	_, _ = f.Get(context.Background(), target, failing)
	_, _ = f.Get(context.Background(), target, failing)

	_, err = f.Get(context.Background(), target, failing)
	var ff *FetchFailed
	if !errors.As(err, &ff) || ff.Kind != FailureCircuitOpen {
		t.Fatalf("expected open circuit for the failing sensor, got %v", err)
	}

	if _, err := f.Get(context.Background(), target, url.Values{"gennum": {"222"}}); err != nil {
		t.Fatalf("healthy sensor: unexpected error: %v", err)
	}
	if got := atomic.LoadInt32(&healthy); got != 1 {
		t.Fatalf("expected the healthy sensor to reach the server once, got %d", got)
	}
}
