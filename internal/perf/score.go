// Package perf measures page load performance and converts the timings into
// a 0-100 score.
package perf

import (
	"math"

	"github.com/JakeFAU/site-audit/internal/audit"
)

// threshold describes where a metric stops being good and where it becomes poor, in milliseconds.
type threshold struct {
	good   float64
	poor   float64
	weight float64
}

// budgets lists ttfb, fcp, dcl and load in that order.
type budgets [4]threshold

var (
	desktopBudgets = budgets{
		{good: 800, poor: 1800, weight: 0.2},
		{good: 1800, poor: 3000, weight: 0.35},
		{good: 2000, poor: 4000, weight: 0.15},
		{good: 2500, poor: 6000, weight: 0.3},
	}
	// Mobile budgets are looser to account for throttled radios and slower CPUs.
	mobileBudgets = budgets{
		{good: 1000, poor: 2400, weight: 0.2},
		{good: 2500, poor: 4500, weight: 0.35},
		{good: 3000, poor: 6000, weight: 0.15},
		{good: 4000, poor: 9000, weight: 0.3},
	}
)

// Score converts timings to a 0-100 score. Each metric scores 1 at or below
// its good budget, 0 at or above its poor budget and linearly in between.
// Metrics that were not captured (zero) are left out and the remaining
// weights are renormalized. With no metrics at all the score is 0.
func Score(m audit.PerformanceMetrics, mobile bool) int {
	table := desktopBudgets
	if mobile {
		table = mobileBudgets
	}
	values := [4]int64{m.TTFBMs, m.FirstContentfulPaintMs, m.DOMContentLoadedMs, m.LoadMs}

	var weighted, total float64
	for i, value := range values {
		if value <= 0 {
			continue
		}
		weighted += table[i].weight * metricScore(float64(value), table[i])
		total += table[i].weight
	}
	if total == 0 {
		return 0
	}
	return int(math.Floor(100*weighted/total + 0.5))
}

func metricScore(v float64, th threshold) float64 {
	switch {
	case v <= th.good:
		return 1
	case v >= th.poor:
		return 0
	default:
		return 1 - (v-th.good)/(th.poor-th.good)
	}
}
