package probestat

import (
	"math"
	"sort"
	"time"
)

// Summary is a basic statistics snapshot over a probe window.
type Summary struct {
	Count      int
	From       time.Time
	To         time.Time
	HealthyPct float64
	AvgRTTMs   float64
	P95RTTMs   float64
	MinRTTMs   float64
	MaxRTTMs   float64
}

// Summarize computes summary statistics for samples in a time window. RTT
// figures cover healthy samples only; a failed probe has no round trip.
func Summarize(items []Sample, since time.Time) Summary {
	filtered := make([]Sample, 0, len(items))
	for _, s := range items {
		if s.Timestamp.After(since) || s.Timestamp.Equal(since) {
			filtered = append(filtered, s)
		}
	}

	if len(filtered) == 0 {
		return Summary{Count: 0}
	}

	values := make([]float64, 0, len(filtered))
	var sumRTT float64
	healthy := 0
	minRTT := math.MaxFloat64
	maxRTT := 0.0
	from := filtered[0].Timestamp
	to := filtered[0].Timestamp

	for _, s := range filtered {
		if s.Timestamp.Before(from) {
			from = s.Timestamp
		}
		if s.Timestamp.After(to) {
			to = s.Timestamp
		}
		if !s.Healthy {
			continue
		}
		healthy++
		values = append(values, s.RTTMs)
		sumRTT += s.RTTMs
		if s.RTTMs < minRTT {
			minRTT = s.RTTMs
		}
		if s.RTTMs > maxRTT {
			maxRTT = s.RTTMs
		}
	}

	out := Summary{
		Count:      len(filtered),
		From:       from,
		To:         to,
		HealthyPct: 100 * float64(healthy) / float64(len(filtered)),
	}
	if healthy > 0 {
		sort.Float64s(values)
		out.AvgRTTMs = sumRTT / float64(healthy)
		out.P95RTTMs = percentile(values, 0.95)
		out.MinRTTMs = minRTT
		out.MaxRTTMs = maxRTT
	}
	return out
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}
