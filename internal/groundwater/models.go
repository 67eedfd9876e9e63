package groundwater

import (
	"fmt"
	"time"
)

// DateLayout is the upstream calendar date format (fdate/edate).
const DateLayout = "20060102"

// Site is a monitoring well identified by its upstream code (gennum).
type Site struct {
	Name    string `yaml:"name" json:"name" validate:"required"`
	Code    string `yaml:"code" json:"code" validate:"required,numeric"`
	Address string `yaml:"address" json:"address,omitempty"`
	Type    string `yaml:"type" json:"type,omitempty"`
	Role    string `yaml:"role" json:"role,omitempty"`

	// GroundElevM is the ground surface elevation in m AMSL, sampled from a DEM
	// outside this service. Only needed for depth derivation.
	GroundElevM *float64 `yaml:"ground_elev_m" json:"groundElevM,omitempty"`
}

// Feature is a measurement type and the endpoints that may serve it, in
// the order they should be tried.
type Feature struct {
	Name      string   `yaml:"name" json:"name" validate:"required"`
	Endpoints []string `yaml:"endpoints" json:"endpoints" validate:"required,min=1,dive,required"`
}

// Span is an inclusive calendar date interval.
type Span struct {
	Start time.Time
	End   time.Time
}

// Days returns the number of calendar days covered by the span.
func (s Span) Days() int {
	return int(s.End.Sub(s.Start).Hours()/24+0.5) + 1
}

func (s Span) String() string {
	return fmt.Sprintf("%s~%s", s.Start.Format(DateLayout), s.End.Format(DateLayout))
}
