package master

import (
	"fmt"
	"math"
	"sort"
)

// fractionEpsilon treats fractional remainders this close as equal.
const fractionEpsilon = 1e-9

// Partition splits total work units across weights with the largest-remainder method.
//
// Each index first gets floor(total*w/Σw). The units left over go one at a time to
// the largest fractional remainders. Remainders that are equal up to rounding favor
// the heavier weight, and equal weights favor the lower index, which is the earlier
// registered role. The shares always sum to total. Negative and non-finite
// weights count as zero, and when every weight is zero the units are spread evenly.
func Partition(total int, weights []float64) ([]int, error) {
	if len(weights) == 0 {
		return nil, ErrNoCapacity
	}
	if total < 0 {
		return nil, fmt.Errorf("%w: %d units", ErrInvalidWorkload, total)
	}

	w := make([]float64, len(weights))
	var sum float64
	for i, v := range weights {
		if v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v) {
			w[i] = v
			sum += v
		}
	}
	if sum == 0 || math.IsInf(sum, 0) {
		for i := range w {
			w[i] = 1
		}
		sum = float64(len(w))
	}

	shares := make([]int, len(w))
	fractions := make([]float64, len(w))
	assigned := 0
	for i, v := range w {
		quota := float64(total) * v / sum
		floor := math.Floor(quota)
		shares[i] = int(floor)
		fractions[i] = quota - floor
		assigned += shares[i]
	}

	// rounding can push a floor over the quota sum; take the excess back from the smallest remainders
	for assigned > total {
		idx := -1
		for i := range shares {
			if shares[i] > 0 && (idx == -1 || fractions[i] < fractions[idx] ||
				(fractions[i] == fractions[idx] && w[i] <= w[idx])) {
				idx = i
			}
		}
		shares[idx]--
		fractions[idx]++
		assigned--
	}

	remainder := total - assigned
	if remainder == 0 {
		return shares, nil
	}

	order := make([]int, 0, len(w))
	for i, v := range w {
		if v > 0 {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		i, j := order[a], order[b]
		if fa, fb := fractions[i], fractions[j]; math.Abs(fa-fb) > fractionEpsilon {
			return fa > fb
		}
		if w[i] != w[j] {
			return w[i] > w[j]
		}
		return i < j
	})

	for k := 0; remainder > 0; k++ {
		shares[order[k%len(order)]]++
		remainder--
	}
	return shares, nil
}
