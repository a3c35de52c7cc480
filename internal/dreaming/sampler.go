package dreaming

import (
	"math"
	"sync"

	"github.com/vthunder/conscience/internal/numeric"
	"github.com/vthunder/conscience/internal/types"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// PriorityFloor keeps zero-reward experiences sampleable
const PriorityFloor = 0.1

// Strategy selects how the exploit branch picks an experience
type Strategy string

const (
	// Proportional picks with probability proportional to priority
	Proportional Strategy = "proportional"
	// Greedy picks the highest remaining priority
	Greedy Strategy = "greedy"
)

// Priority is |reward| + PriorityFloor
func Priority(e *types.Experience) float64 {
	return numeric.Sanitize(math.Abs(e.RewardValue())) + PriorityFloor
}

// Epsilon returns max(min, eps0 × decay^calls)
func Epsilon(eps0, min, decay float64, calls int) float64 {
	eps := numeric.Clamp01(eps0) * math.Pow(numeric.Clamp01(decay), float64(calls))
	return numeric.Clamp01(math.Max(numeric.Clamp01(min), numeric.Sanitize(eps)))
}

// Pick is one sampled buffer index
type Pick struct {
	Index    int
	Explored bool // chosen uniformly rather than by priority
}

// Sampler draws epsilon-greedy batches without replacement
type Sampler struct {
	mu       sync.Mutex
	rng      *rand.Rand
	strategy Strategy
}

// NewSampler creates a sampler seeded with seed
func NewSampler(strategy Strategy, seed uint64) *Sampler {
	if strategy != Greedy {
		strategy = Proportional
	}
	return &Sampler{
		rng:      rand.New(rand.NewSource(seed)),
		strategy: strategy,
	}
}

// Strategy returns the exploit strategy in use
func (s *Sampler) Strategy() Strategy {
	return s.strategy
}

// Sample draws up to n distinct indices into priorities. Each draw explores
// (uniform over the remaining items) with probability epsilon and exploits
// otherwise.
func (s *Sampler) Sample(priorities []float64, n int, epsilon float64) []Pick {
	if n > len(priorities) {
		n = len(priorities)
	}
	if n <= 0 {
		return nil
	}
	epsilon = numeric.Clamp01(epsilon)

	s.mu.Lock()
	defer s.mu.Unlock()

	weights := make([]float64, len(priorities))
	for i, p := range priorities {
		weights[i] = numeric.Sanitize(math.Max(p, 0))
	}
	var weighted sampleuv.Weighted
	if s.strategy == Proportional {
		weighted = sampleuv.NewWeighted(append([]float64(nil), weights...), s.rng)
	}

	taken := make([]bool, len(priorities))
	left := len(priorities)
	picks := make([]Pick, 0, n)
	for len(picks) < n {
		var idx int
		explored := s.rng.Float64() < epsilon
		if explored {
			idx = nthRemaining(taken, s.rng.Intn(left))
		} else {
			idx = -1
			if s.strategy == Proportional {
				if i, ok := weighted.Take(); ok {
					idx = i
				}
			}
			if idx < 0 || taken[idx] {
				idx = highestRemaining(weights, taken)
			}
		}
		taken[idx] = true
		left--
		if s.strategy == Proportional {
			weighted.Reweight(idx, 0)
		}
		picks = append(picks, Pick{Index: idx, Explored: explored})
	}
	return picks
}

func nthRemaining(taken []bool, n int) int {
	for i, t := range taken {
		if t {
			continue
		}
		if n == 0 {
			return i
		}
		n--
	}
	return -1
}

// highestRemaining returns the untaken index with the largest weight
// (first on ties)
func highestRemaining(weights []float64, taken []bool) int {
	best := -1
	for i, w := range weights {
		if taken[i] {
			continue
		}
		if best < 0 || w > weights[best] {
			best = i
		}
	}
	return best
}
