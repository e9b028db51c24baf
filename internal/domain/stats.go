package domain

import (
	"math"
	"sort"
)

// Summarize reduces a value series (one value per ensemble member) to
// ensemble statistics. NaN entries are no-data samples and are skipped.
// Returns ok=false when the series holds no valid sample; callers must
// then omit the record entirely rather than emit a NaN row.
func Summarize(values []float64) (EnsembleStats, bool) {
	valid := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			valid = append(valid, v)
		}
	}
	if len(valid) == 0 {
		return EnsembleStats{}, false
	}
	sort.Float64s(valid)

	var sum float64
	for _, v := range valid {
		sum += v
	}
	mean := sum / float64(len(valid))

	var sqDiff float64
	for _, v := range valid {
		d := v - mean
		sqDiff += d * d
	}

	return EnsembleStats{
		Mean:   mean,
		Median: quantileSorted(valid, 0.5),
		StdDev: math.Sqrt(sqDiff / float64(len(valid))),
		Min:    valid[0],
		Max:    valid[len(valid)-1],
		Q1:     quantileSorted(valid, 0.25),
		Q3:     quantileSorted(valid, 0.75),
	}, true
}

// quantileSorted computes quantile q of a sorted slice using linear
// interpolation between closest ranks, matching the reducer the curve
// fitting subsystem uses for its baselines.
func quantileSorted(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// Round returns the stats with every column rounded to the given number
// of decimal places. The loader rounds to 2 so repeated runs produce
// byte-identical rows.
func (s EnsembleStats) Round(decimals int) EnsembleStats {
	f := math.Pow10(decimals)
	r := func(v float64) float64 { return math.Round(v*f) / f }
	return EnsembleStats{
		Mean:   r(s.Mean),
		Median: r(s.Median),
		StdDev: r(s.StdDev),
		Min:    r(s.Min),
		Max:    r(s.Max),
		Q1:     r(s.Q1),
		Q3:     r(s.Q3),
	}
}
