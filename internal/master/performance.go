package master

import (
	"math"
	"time"
)

// DefaultAlpha weighs the latest measurement and the previous estimate equally.
const DefaultAlpha = 0.5

// minElapsed stands in for a zero or negative elapsed time so a measurement stays finite.
const minElapsed = time.Millisecond

// Recalibrate blends a measured throughput of units/elapsed into the old estimate:
// alpha*measured + (1-alpha)*old. The result is never negative or NaN.
func Recalibrate(old float64, units int, elapsed time.Duration, alpha float64) float64 {
	return RecalibrateShare(old, units, elapsed, 1, alpha)
}

// RecalibrateShare is Recalibrate for a role that accounts for share of a throughput
// measured over a whole system.
func RecalibrateShare(old float64, units int, elapsed time.Duration, share, alpha float64) float64 {
	if units < 0 {
		units = 0
	}
	if elapsed <= 0 {
		elapsed = minElapsed
	}
	measured := float64(units) / elapsed.Seconds()
	return blend(old, measured*sanitizePerformance(share), alpha)
}

// RecalibrateTimeout treats a timed out assignment as zero throughput: (1-alpha)*old.
func RecalibrateTimeout(old, alpha float64) float64 {
	return blend(old, 0, alpha)
}

func blend(old, measured, alpha float64) float64 {
	alpha = clampAlpha(alpha)
	old = sanitizePerformance(old)
	measured = sanitizePerformance(measured)
	return sanitizePerformance(alpha*measured + (1-alpha)*old)
}

func clampAlpha(alpha float64) float64 {
	switch {
	case math.IsNaN(alpha) || alpha <= 0:
		return DefaultAlpha
	case alpha > 1:
		return 1
	default:
		return alpha
	}
}

func sanitizePerformance(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if math.IsInf(v, 1) {
		return math.MaxFloat64
	}
	return v
}
