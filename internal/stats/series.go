package stats

import (
	"math"
	"sort"
	"time"
)

// Streaks returns the current and longest runs of consecutive calendar days in dates.
// dates must be distinct days sorted ascending. The current streak only counts when the
// most recent active day is yesterday or later.
func Streaks(dates []time.Time, today time.Time) (current, longest int) {
	if len(dates) == 0 {
		return 0, 0
	}

	run := 1
	longest = 1
	for i := 1; i < len(dates); i++ {
		if consecutive(dates[i-1], dates[i]) {
			run++
		} else {
			run = 1
		}
		if run > longest {
			longest = run
		}
	}

	last := dates[len(dates)-1]
	if last.Before(today.AddDate(0, 0, -1)) {
		return 0, longest
	}

	current = 1
	for i := len(dates) - 1; i > 0 && consecutive(dates[i-1], dates[i]); i-- {
		current++
	}
	return current, longest
}

func consecutive(prev, next time.Time) bool {
	return prev.AddDate(0, 0, 1).Equal(next)
}

// Rolling returns the trailing mean of values over window points.
// The window is clipped at the start of the series rather than padded with zeros.
func Rolling(values []float64, window int) []float64 {
	out := make([]float64, len(values))
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= window {
			sum -= values[i-window]
		}
		n := i + 1
		if n > window {
			n = window
		}
		out[i] = sum / float64(n)
	}
	return out
}

// PercentChange compares current against previous. A zero baseline yields 100 when current
// is positive and 0 otherwise.
func PercentChange(current, previous float64) float64 {
	if previous == 0 {
		if current > 0 {
			return 100
		}
		return 0
	}
	return (current - previous) / previous * 100
}

// GrowthRate fits r in mean(second half) = mean(first half) * e^(r * n/2), splitting the series
// by index. A zero first-half mean yields 0. It returns nil for an empty series and when the
// second-half mean is zero while the first is not.
func GrowthRate(values []float64) *float64 {
	n := len(values)
	if n == 0 {
		return nil
	}
	zero := 0.0
	if n < 2 {
		return &zero
	}

	half := n / 2
	first := mean(values[:half])
	second := mean(values[half:])
	if first == 0 {
		return &zero
	}
	if second == 0 {
		return nil
	}

	r := math.Log(second/first) / (float64(n) / 2)
	return &r
}

// Quantile returns the q-th quantile of values using linear interpolation between closest ranks.
func Quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// mondayFirst maps time.Weekday to its position in a Monday-first week.
func mondayFirst(d time.Weekday) int {
	return (int(d) + 6) % 7
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
