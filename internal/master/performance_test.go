package master

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecalibrate(t *testing.T) {
	tests := []struct {
		name    string
		old     float64
		units   int
		elapsed time.Duration
		alpha   float64
		want    float64
	}{
		{"blends measurement", 1, 4, time.Second, 0.5, 2.5},
		{"alpha one takes measurement", 1, 30, 2 * time.Second, 1, 15},
		{"no units halves", 8, 0, time.Second, 0.5, 4},
		{"zero elapsed uses a millisecond", 0, 1, 0, 1, 1000},
		{"negative units count as zero", 2, -5, time.Second, 0.5, 1},
		{"invalid alpha falls back", 2, 4, time.Second, -1, 3},
		{"alpha above one is clamped", 2, 4, time.Second, 7, 4},
		{"negative old is sanitized", -10, 2, time.Second, 0.5, 1},
		{"NaN old is sanitized", math.NaN(), 2, time.Second, 0.5, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Recalibrate(tt.old, tt.units, tt.elapsed, tt.alpha), 1e-9)
		})
	}
}

func TestRecalibrateConverges(t *testing.T) {
	perf := 1.0
	for range 40 {
		perf = Recalibrate(perf, 50, time.Second, DefaultAlpha)
	}
	assert.InDelta(t, 50, perf, 1e-6)
}

func TestRecalibrateTimeout(t *testing.T) {
	assert.InDelta(t, 2, RecalibrateTimeout(4, 0.5), 1e-9)
	assert.InDelta(t, 3, RecalibrateTimeout(4, 0.25), 1e-9)
	assert.Zero(t, RecalibrateTimeout(4, 1))
	assert.Zero(t, RecalibrateTimeout(0, 0.5))

	perf := 10.0
	for range 5 {
		next := RecalibrateTimeout(perf, DefaultAlpha)
		assert.Less(t, next, perf)
		perf = next
	}
}

func TestRecalibrateNeverNegativeOrNaN(t *testing.T) {
	values := []float64{0, -1, math.NaN(), math.Inf(1), 1e308}
	for _, v := range values {
		got := Recalibrate(v, 1, time.Millisecond, 0.5)
		assert.False(t, math.IsNaN(got))
		assert.GreaterOrEqual(t, got, 0.0)
	}
}

func TestRecalibrateShare(t *testing.T) {
	assert.InDelta(t, Recalibrate(2, 10, time.Second, 0.5), RecalibrateShare(2, 10, time.Second, 1, 0.5), 1e-9)
	// a quarter of 8 units/s blended with 2
	assert.InDelta(t, 2, RecalibrateShare(2, 8, time.Second, 0.25, 0.5), 1e-9)
	assert.InDelta(t, 1, RecalibrateShare(2, 8, time.Second, 0, 0.5), 1e-9)
	assert.InDelta(t, 1, RecalibrateShare(2, 8, time.Second, math.NaN(), 0.5), 1e-9)
}
