package report

// Summary aggregates counts across all results of a run.
type Summary struct {
	TotalRequested int `json:"total_requested"`
	Found          int `json:"found"`
	NotFound       int `json:"not_found"`
	Failed         int `json:"failed"`
	WithMetrics    int `json:"with_metrics"`
	WithEvents     int `json:"with_events"`
	TotalErrors    int `json:"total_errors"`
}

// Summarize folds over results. runErrors are errors not attributable to a
// single result (for example cluster members that could not be described).
// It is the only way a Summary is produced.
func Summarize(results []*Result, runErrors []string) Summary {
	s := Summary{TotalErrors: len(runErrors)}
	for _, r := range results {
		if r == nil {
			continue
		}
		s.TotalRequested++
		switch r.Lookup {
		case LookupFound:
			s.Found++
		case LookupNotFound:
			s.NotFound++
		default:
			s.Failed++
		}
		if r.HasMetrics() {
			s.WithMetrics++
		}
		if len(r.Events) > 0 {
			s.WithEvents++
		}
		s.TotalErrors += len(r.Errors)
	}
	return s
}
