package stats

import (
	"math"
	"math/rand/v2"
	"time"
)

const (
	// DefaultTrials is the number of random relabelings drawn per test
	DefaultTrials = 1000

	// MinGroupSize is the smallest group for which a p-value is computed;
	// smaller groups cannot reject the null hypothesis.
	MinGroupSize = 5
)

// PermutationTester runs a two-sample permutation test on the difference of means
type PermutationTester struct {
	Trials int
	rng    *rand.Rand
}

// NewPermutationTester creates a tester seeded from seed. Equal seeds give
// equal p-values for equal inputs.
func NewPermutationTester(trials int, seed uint64) *PermutationTester {
	if trials <= 0 {
		trials = DefaultTrials
	}
	return &PermutationTester{
		Trials: trials,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// NewRandomPermutationTester creates a tester seeded from the clock
func NewRandomPermutationTester(trials int) *PermutationTester {
	return NewPermutationTester(trials, uint64(time.Now().UnixNano()))
}

// PValue returns the fraction of random partitions of the pooled values whose
// absolute mean difference is at least the observed one. Degenerate inputs
// return 1.0.
func (p *PermutationTester) PValue(a, b []float64) float64 {
	if len(a) < MinGroupSize || len(b) < MinGroupSize {
		return 1.0
	}

	observed := math.Abs(Mean(a) - Mean(b))

	pooled := make([]float64, 0, len(a)+len(b))
	pooled = append(pooled, a...)
	pooled = append(pooled, b...)

	total := 0.0
	for _, x := range pooled {
		total += x
	}

	na, nb := float64(len(a)), float64(len(b))
	// Relative tolerance so identical groups count every tie as extreme.
	eps := 1e-9 * math.Max(1, math.Abs(observed))

	count := 0
	for i := 0; i < p.Trials; i++ {
		// Partial Fisher-Yates: the first len(a) slots form a uniform
		// random subset drawn without replacement.
		sumA := 0.0
		for j := 0; j < len(a); j++ {
			k := j + p.rng.IntN(len(pooled)-j)
			pooled[j], pooled[k] = pooled[k], pooled[j]
			sumA += pooled[j]
		}
		diff := math.Abs(sumA/na - (total-sumA)/nb)
		if diff >= observed-eps {
			count++
		}
	}

	return float64(count) / float64(p.Trials)
}
