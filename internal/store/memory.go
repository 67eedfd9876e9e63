package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/i474232898/groundwater-aggregation/internal/consolidate"
	"github.com/i474232898/groundwater-aggregation/internal/groundwater"
	"github.com/i474232898/groundwater-aggregation/internal/timeseries"
)

var (
	// ErrNotFound is returned when no run has produced data for a site or group.
	ErrNotFound = errors.New("no stored result")
)

// SiteResult is one site's collected table from one run.
type SiteResult struct {
	RunID       string
	CollectedAt time.Time
	Site        groundwater.Site
	Span        groundwater.Span
	Table       *timeseries.Table
}

// MergeResult is one merge group's output from one run. Audit is empty for
// outer joins; Derived is nil when the group has no derivation.
type MergeResult struct {
	RunID       string
	CollectedAt time.Time
	Group       string
	Mode        string
	Table       *timeseries.Table
	Audit       []consolidate.AuditRecord
	Derived     *timeseries.Table
}

// history holds results in save order, oldest first.
type history[T any] struct {
	items []T
}

func (h *history[T]) push(v T, max int) {
	h.items = append(h.items, v)
	if max > 0 && len(h.items) > max {
		h.items = h.items[len(h.items)-max:]
	}
}

func (h *history[T]) latest() (T, bool) {
	var zero T
	if h == nil || len(h.items) == 0 {
		return zero, false
	}
	return h.items[len(h.items)-1], true
}

// MemoryStore is a concurrency-safe in-memory store of run results. Stored
// tables are treated as immutable.
type MemoryStore struct {
	mu sync.RWMutex

	sites  map[string]*history[SiteResult]
	merges map[string]*history[MergeResult]

	// max number of runs kept per site or group
	maxHistory int
}

// NewMemoryStore creates a new MemoryStore.
// If maxHistory is <= 0, it is treated as unlimited.
func NewMemoryStore(maxHistory int) *MemoryStore {
	return &MemoryStore{
		sites:      make(map[string]*history[SiteResult]),
		merges:     make(map[string]*history[MergeResult]),
		maxHistory: maxHistory,
	}
}

// SaveSite records a site's table and enforces retention.
func (s *MemoryStore) SaveSite(res SiteResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.sites[res.Site.Name]
	if !ok {
		h = &history[SiteResult]{}
		s.sites[res.Site.Name] = h
	}
	h.push(res, s.maxHistory)
}

// LatestSite returns the most recent result for a site.
func (s *MemoryStore) LatestSite(name string) (SiteResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, ok := s.sites[name].latest()
	if !ok {
		return SiteResult{}, ErrNotFound
	}
	return res, nil
}

// SiteRange returns the records of a site's latest table between from and to
// (inclusive). A zero bound is open.
func (s *MemoryStore) SiteRange(name string, from, to time.Time) (*timeseries.Table, error) {
	res, err := s.LatestSite(name)
	if err != nil {
		return nil, err
	}
	out := res.Table.Between(from, to)
	if out.Len() == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// Sites returns the latest result of every site, ordered by name.
func (s *MemoryStore) Sites() []SiteResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SiteResult, 0, len(s.sites))
	for _, h := range s.sites {
		if res, ok := h.latest(); ok {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Site.Name < out[j].Site.Name })
	return out
}

// SaveMerge records a merge group's output and enforces retention.
func (s *MemoryStore) SaveMerge(res MergeResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.merges[res.Group]
	if !ok {
		h = &history[MergeResult]{}
		s.merges[res.Group] = h
	}
	h.push(res, s.maxHistory)
}

// LatestMerge returns the most recent output of a merge group.
func (s *MemoryStore) LatestMerge(group string) (MergeResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, ok := s.merges[group].latest()
	if !ok {
		return MergeResult{}, ErrNotFound
	}
	return res, nil
}
