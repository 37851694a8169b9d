package investigate

import (
	"errors"
	"fmt"
	"time"

	"github.com/yairfalse/triage/internal/metrics"
	"github.com/yairfalse/triage/pkg/report"
)

// ErrInvalidOptions is wrapped by every OptionsError.
var ErrInvalidOptions = errors.New("invalid investigation options")

// OptionsError names the option that was rejected.
type OptionsError struct {
	Field  string
	Reason string
}

func (e *OptionsError) Error() string {
	return fmt.Sprintf("invalid options: %s: %s", e.Field, e.Reason)
}

func (e *OptionsError) Unwrap() error {
	return ErrInvalidOptions
}

// Options tune one investigation.
type Options struct {
	// IncludeMetrics and IncludeEvents default to true when nil.
	IncludeMetrics *bool `json:"include_metrics,omitempty"`
	IncludeEvents  *bool `json:"include_events,omitempty"`
	// TimeRange overrides every default lookback window.
	TimeRange *report.TimeRange `json:"time_range,omitempty"`
	// LookbackHours replaces the default lookbacks when no TimeRange is
	// given. Zero keeps the defaults.
	LookbackHours int `json:"lookback_hours,omitempty"`
	// Region applies to database identifiers that carry no region.
	Region string `json:"region,omitempty"`
}

func (o Options) metrics() bool {
	return o.IncludeMetrics == nil || *o.IncludeMetrics
}

func (o Options) events() bool {
	return o.IncludeEvents == nil || *o.IncludeEvents
}

// Validate checks o for a request naming count identifiers.
func (o Options) Validate(count, maxIdentifiers int) error {
	if r := o.TimeRange; r != nil {
		if r.Start.IsZero() || r.End.IsZero() {
			return &OptionsError{Field: "time_range", Reason: "start and end are both required"}
		}
		if !r.Start.Before(r.End) {
			return &OptionsError{Field: "time_range", Reason: fmt.Sprintf("start %s is not before end %s", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))}
		}
	}
	if o.LookbackHours != 0 && (o.LookbackHours < metrics.MinLookbackHours || o.LookbackHours > metrics.MaxLookbackHours) {
		return &OptionsError{Field: "lookback_hours", Reason: fmt.Sprintf("must be between %d and %d (got %d)", metrics.MinLookbackHours, metrics.MaxLookbackHours, o.LookbackHours)}
	}
	if maxIdentifiers > 0 && count > maxIdentifiers {
		return &OptionsError{Field: "identifiers", Reason: fmt.Sprintf("at most %d allowed (got %d)", maxIdentifiers, count)}
	}
	return nil
}

// ParseTimeRange builds a range from RFC 3339 strings. Both empty means no
// range.
func ParseTimeRange(start, end string) (*report.TimeRange, error) {
	if start == "" && end == "" {
		return nil, nil
	}
	if start == "" || end == "" {
		return nil, &OptionsError{Field: "time_range", Reason: "start and end are both required"}
	}
	s, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return nil, &OptionsError{Field: "time_range.start", Reason: err.Error()}
	}
	e, err := time.Parse(time.RFC3339, end)
	if err != nil {
		return nil, &OptionsError{Field: "time_range.end", Reason: err.Error()}
	}
	return &report.TimeRange{Start: s.UTC(), End: e.UTC()}, nil
}

// Bool returns a pointer to b, for the optional Options flags.
func Bool(b bool) *bool {
	return &b
}
