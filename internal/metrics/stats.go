package metrics

import (
	"time"

	"github.com/yairfalse/triage/pkg/report"
)

// Sample is one timestamped value of a series.
type Sample struct {
	Timestamp time.Time
	Value     float64
}

// Pair is a utilized reading matched with the reserved capacity at the
// same instant.
type Pair struct {
	Timestamp time.Time
	Utilized  float64
	Reserved  float64
}

// Align matches utilized samples to reserved samples by timestamp. When a
// timestamp has no reserved sample the first available reserved sample is
// used instead. This assumes reserved capacity is stable over the window,
// which holds unless the task definition changed mid-window. With no
// reserved samples at all nothing can be paired.
func Align(utilized, reserved []Sample) []Pair {
	if len(reserved) == 0 {
		return nil
	}
	byTime := make(map[int64]float64, len(reserved))
	for _, s := range reserved {
		byTime[s.Timestamp.UnixNano()] = s.Value
	}
	fallback := reserved[0].Value

	pairs := make([]Pair, 0, len(utilized))
	for _, u := range utilized {
		r, ok := byTime[u.Timestamp.UnixNano()]
		if !ok {
			r = fallback
		}
		pairs = append(pairs, Pair{Timestamp: u.Timestamp, Utilized: u.Value, Reserved: r})
	}
	return pairs
}

// Utilization converts each pair to a percentage of reserved capacity.
// Pairs with no reserved capacity are skipped rather than reported as zero.
func Utilization(pairs []Pair) []float64 {
	out := make([]float64, 0, len(pairs))
	for _, p := range pairs {
		if p.Reserved <= 0 {
			continue
		}
		out = append(out, p.Utilized/p.Reserved*100)
	}
	return out
}

// Summarize computes min, avg and max. An empty input yields a measure
// with zero samples and no statistics.
func Summarize(values []float64) report.Measure {
	if len(values) == 0 {
		return report.Measure{}
	}
	lo, hi, sum := values[0], values[0], 0.0
	for _, v := range values {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
		sum += v
	}
	avg := clamp(sum/float64(len(values)), lo, hi)
	return report.Measure{Samples: len(values), Min: &lo, Avg: &avg, Max: &hi}
}

// Values strips timestamps.
func Values(samples []Sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Value
	}
	return out
}

// PairTimes returns the timestamps of pairs that carry reserved capacity.
func PairTimes(pairs []Pair) []time.Time {
	out := make([]time.Time, 0, len(pairs))
	for _, p := range pairs {
		if p.Reserved > 0 {
			out = append(out, p.Timestamp)
		}
	}
	return out
}

// SampleTimes returns the timestamps of samples.
func SampleTimes(samples []Sample) []time.Time {
	out := make([]time.Time, len(samples))
	for i, s := range samples {
		out[i] = s.Timestamp
	}
	return out
}

// Observed returns the earliest and latest timestamp, or nils when empty.
func Observed(times ...[]time.Time) (first, last *time.Time) {
	for _, ts := range times {
		for _, t := range ts {
			if first == nil || t.Before(*first) {
				first = &t
			}
			if last == nil || t.After(*last) {
				last = &t
			}
		}
	}
	return first, last
}

// floating point summation can land a hair outside [lo, hi]
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
