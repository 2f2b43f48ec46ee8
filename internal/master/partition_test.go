package master

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sum(shares []int) int {
	total := 0
	for _, s := range shares {
		total += s
	}
	return total
}

func TestPartition(t *testing.T) {
	tests := []struct {
		name    string
		total   int
		weights []float64
		want    []int
	}{
		{"proportional with remainder", 10, []float64{1, 2, 1}, []int{3, 5, 2}},
		{"exact split", 12, []float64{1, 2, 3}, []int{2, 4, 6}},
		{"ties favor earlier role", 2, []float64{1, 1, 1}, []int{1, 1, 0}},
		{"single weight", 7, []float64{0.3}, []int{7}},
		{"zero weight gets nothing", 9, []float64{0, 1, 2}, []int{0, 3, 6}},
		{"all zero is uniform", 7, []float64{0, 0, 0}, []int{3, 2, 2}},
		{"non-finite counts as zero", 4, []float64{math.NaN(), math.Inf(1), -3, 1}, []int{0, 0, 0, 4}},
		{"no units", 0, []float64{1, 2}, []int{0, 0}},
		{"tiny weights", 5, []float64{1e-12, 1e-12}, []int{3, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Partition(tt.total, tt.weights)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.total, sum(got))
		})
	}
}

func TestPartitionErrors(t *testing.T) {
	_, err := Partition(10, nil)
	assert.ErrorIs(t, err, ErrNoCapacity)

	_, err = Partition(-1, []float64{1})
	assert.ErrorIs(t, err, ErrInvalidWorkload)
}

func TestPartitionSumsToTotal(t *testing.T) {
	weights := []float64{0.1, 3.3, 7.77, 1e-3, 42, 0.5, 1.0 / 3}
	for total := 0; total <= 500; total += 7 {
		shares, err := Partition(total, weights)
		require.NoError(t, err)
		assert.Equal(t, total, sum(shares), "total %d", total)
		for i, s := range shares {
			assert.GreaterOrEqual(t, s, 0, "index %d", i)
		}
	}
}

// assertMonotone checks that a strictly heavier weight never gets fewer units.
func assertMonotone(t *testing.T, total int, weights []float64, shares []int) {
	t.Helper()
	for i := range weights {
		for j := range weights {
			if weights[i] > weights[j] {
				assert.GreaterOrEqual(t, shares[i], shares[j], "total %d weights %v index %d vs %d", total, weights, i, j)
			}
		}
	}
}

func TestPartitionMonotone(t *testing.T) {
	weights := []float64{1, 2.5, 4, 4}
	for total := 1; total <= 200; total++ {
		shares, err := Partition(total, weights)
		require.NoError(t, err)
		assertMonotone(t, total, weights, shares)
		// equal weights differ by at most one unit, the earlier one first
		assert.Contains(t, []int{0, 1}, shares[2]-shares[3])
	}
}

func TestPartitionNearEqualWeights(t *testing.T) {
	shares, err := Partition(1, []float64{1, 1 + 1e-12})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, shares)

	shares, err = Partition(3, []float64{2 + 1e-10, 2, 2 + 2e-10, 2})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 1, 0}, shares)

	rng := rand.New(rand.NewSource(7))
	for n := 0; n < 500; n++ {
		base := 0.5 + rng.Float64()*10
		weights := make([]float64, 2+rng.Intn(6))
		for i := range weights {
			weights[i] = base + float64(rng.Intn(5))*1e-11
		}
		total := rng.Intn(50)
		shares, err := Partition(total, weights)
		require.NoError(t, err)
		assert.Equal(t, total, sum(shares))
		assertMonotone(t, total, weights, shares)
	}
}

func TestPartitionWithinOneOfQuota(t *testing.T) {
	weights := []float64{5, 1, 1, 3}
	total := 101
	shares, err := Partition(total, weights)
	require.NoError(t, err)
	for i, w := range weights {
		quota := float64(total) * w / 10
		assert.InDelta(t, quota, float64(shares[i]), 1, "index %d", i)
	}
}
