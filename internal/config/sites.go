package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/i474232898/groundwater-aggregation/internal/groundwater"
	"github.com/i474232898/groundwater-aggregation/internal/groundwater/gims"
	"github.com/i474232898/groundwater-aggregation/internal/timeseries"
)

// Merge modes.
const (
	MergeInner = "inner"
	MergeOuter = "outer"
)

const (
	defaultTimezone  = "Asia/Seoul"
	defaultChunkDays = 365
)

var validate = validator.New()

// KeysConfig overrides the timestamp/value key candidates of the normalizer.
type KeysConfig struct {
	Timestamp []string `yaml:"timestamp" validate:"omitempty,dive,required"`
	Value     []string `yaml:"value" validate:"omitempty,dive,required"`
}

// DeriveConfig enables depth and EC25 columns for a merge group. A nil Alpha
// uses derive.DefaultAlpha; zero disables temperature compensation.
type DeriveConfig struct {
	Alpha *float64 `yaml:"alpha" validate:"omitempty,gte=0"`
}

// MergeGroup consolidates a set of sites into one table.
type MergeGroup struct {
	Name    string        `yaml:"name" validate:"required"`
	Mode    string        `yaml:"mode" validate:"required,oneof=inner outer"`
	Sites   []string      `yaml:"sites" validate:"required,min=1,dive,required"`
	Columns []string      `yaml:"columns" validate:"omitempty,dive,required"`
	Derive  *DeriveConfig `yaml:"derive"`
}

// RunConfig holds the static parameters of an acquisition run.
type RunConfig struct {
	BaseURL   string            `yaml:"base_url" validate:"required,url"`
	Headers   map[string]string `yaml:"headers"`
	Timezone  string            `yaml:"timezone"`
	StartDate string            `yaml:"start_date" validate:"required,len=8,numeric"`
	EndDate   string            `yaml:"end_date" validate:"omitempty,len=8,numeric"`
	ChunkDays int               `yaml:"chunk_days" validate:"gte=0"`
	Dedup     string            `yaml:"dedup" validate:"omitempty,oneof=first last"`

	// Pause is slept between the feature requests of one chunk.
	Pause time.Duration `yaml:"pause"`

	Keys     KeysConfig            `yaml:"keys"`
	Features []groundwater.Feature `yaml:"features" validate:"required,min=1,dive"`
	Sites    []groundwater.Site    `yaml:"sites" validate:"required,min=1,dive"`
	Merges   []MergeGroup          `yaml:"merges" validate:"dive"`

	// Resolved by LoadRun.
	Location    *time.Location         `yaml:"-"`
	Span        groundwater.Span       `yaml:"-"`
	DedupPolicy timeseries.DedupPolicy `yaml:"-"`
}

// LoadRun reads and validates a sites file. An empty end date resolves to the
// day before now in the configured timezone.
func LoadRun(path string, now time.Time) (*RunConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sites file: %w", err)
	}
	return ParseRun(raw, now)
}

// ParseRun is LoadRun over an in-memory document.
func ParseRun(raw []byte, now time.Time) (*RunConfig, error) {
	var rc RunConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&rc); err != nil {
		return nil, fmt.Errorf("parse sites file: %w", err)
	}

	if rc.Timezone == "" {
		rc.Timezone = defaultTimezone
	}
	if rc.ChunkDays == 0 {
		rc.ChunkDays = defaultChunkDays
	}
	if err := validate.Struct(rc); err != nil {
		return nil, fmt.Errorf("invalid sites file: %w", err)
	}
	if err := rc.checkReferences(); err != nil {
		return nil, fmt.Errorf("invalid sites file: %w", err)
	}

	if rc.Location, err = time.LoadLocation(rc.Timezone); err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", rc.Timezone, err)
	}
	if rc.DedupPolicy, err = timeseries.ParseDedupPolicy(rc.Dedup); err != nil {
		return nil, err
	}

	start, err := groundwater.ParseDate(rc.StartDate, rc.Location)
	if err != nil {
		return nil, fmt.Errorf("invalid start_date: %w", err)
	}
	var end time.Time
	if rc.EndDate == "" {
		local := now.In(rc.Location)
		end = time.Date(local.Year(), local.Month(), local.Day()-1, 0, 0, 0, 0, rc.Location)
	} else if end, err = groundwater.ParseDate(rc.EndDate, rc.Location); err != nil {
		return nil, fmt.Errorf("invalid end_date: %w", err)
	}
	rc.Span = groundwater.Span{Start: start, End: end}

	return &rc, nil
}

// KeyCandidates returns the normalizer keys, falling back to the defaults for
// any list left empty.
func (rc *RunConfig) KeyCandidates() gims.KeyCandidates {
	keys := gims.DefaultKeyCandidates()
	if len(rc.Keys.Timestamp) > 0 {
		keys.Timestamp = rc.Keys.Timestamp
	}
	if len(rc.Keys.Value) > 0 {
		keys.Value = rc.Keys.Value
	}
	return keys
}

// Site looks a site up by name.
func (rc *RunConfig) Site(name string) (groundwater.Site, bool) {
	for _, s := range rc.Sites {
		if s.Name == name {
			return s, true
		}
	}
	return groundwater.Site{}, false
}

func (rc *RunConfig) checkReferences() error {
	var errs []error

	names := make(map[string]bool, len(rc.Sites))
	for _, s := range rc.Sites {
		if names[s.Name] {
			errs = append(errs, fmt.Errorf("duplicate site name %q", s.Name))
		}
		names[s.Name] = true
	}

	features := make(map[string]bool, len(rc.Features))
	for _, f := range rc.Features {
		if features[f.Name] {
			errs = append(errs, fmt.Errorf("duplicate feature %q", f.Name))
		}
		features[f.Name] = true
	}

	groups := make(map[string]bool, len(rc.Merges))
	for _, m := range rc.Merges {
		if groups[m.Name] {
			errs = append(errs, fmt.Errorf("duplicate merge group %q", m.Name))
		}
		groups[m.Name] = true
		for _, s := range m.Sites {
			if !names[s] {
				errs = append(errs, fmt.Errorf("merge group %q references unknown site %q", m.Name, s))
			}
		}
		for _, c := range m.Columns {
			if !features[c] {
				errs = append(errs, fmt.Errorf("merge group %q requires unknown feature %q", m.Name, c))
			}
		}
	}
	return errors.Join(errs...)
}
