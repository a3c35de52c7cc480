// Package numeric normalizes scores and strengths. Nothing here returns an
// error: NaN and infinities collapse to 0 and ranges are clamped inline.
package numeric

import (
	"math"
	"time"
)

// Sanitize replaces NaN and ±Inf with 0
func Sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// Clamp sanitizes v and bounds it to [lo, hi]
func Clamp(v, lo, hi float64) float64 {
	v = Sanitize(v)
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Clamp01 sanitizes v and bounds it to [0, 1]
func Clamp01(v float64) float64 {
	return Clamp(v, 0, 1)
}

// Valid reports whether v is finite and non-negative
func Valid(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

// Recency returns 1/(1 + age/tau). Negative ages (clock skew) count as zero.
func Recency(age, tau time.Duration) float64 {
	if tau <= 0 {
		return 0
	}
	if age < 0 {
		age = 0
	}
	return Clamp01(1 / (1 + age.Seconds()/tau.Seconds()))
}

// Saturate maps a count onto [0,1], reaching 1 at limit
func Saturate(count, limit int) float64 {
	if limit <= 0 || count <= 0 {
		return 0
	}
	if count >= limit {
		return 1
	}
	return float64(count) / float64(limit)
}
