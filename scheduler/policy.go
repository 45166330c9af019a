package scheduler

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
)

// Policy picks an engine from the loads of the eligible candidates and
// returns its index. Candidates are listed least recently used first.
// loads is never empty.
type Policy func(r *rand.Rand, loads []int) int

// Policy names.
const (
	PolicyLRU         = "lru"
	PolicyPlainRandom = "plainrandom"
	PolicyTwoBin      = "twobin"
	PolicyWeighted    = "weighted"
	PolicyLeastLoad   = "leastload"
)

var (
	policyMu sync.RWMutex
	policies = map[string]Policy{
		PolicyLRU:         LRU,
		PolicyPlainRandom: PlainRandom,
		PolicyTwoBin:      TwoBin,
		PolicyWeighted:    Weighted,
		PolicyLeastLoad:   LeastLoad,
	}
)

// RegisterPolicy adds or replaces a named policy.
func RegisterPolicy(name string, p Policy) {
	policyMu.Lock()
	defer policyMu.Unlock()
	policies[strings.ToLower(name)] = p
}

// LookupPolicy returns the policy registered under name.
func LookupPolicy(name string) (Policy, error) {
	policyMu.RLock()
	defer policyMu.RUnlock()
	p, ok := policies[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown scheduling policy %q (have %s)", name, strings.Join(policyNames(), ", "))
	}
	return p, nil
}

// Policies lists registered policy names, sorted.
func Policies() []string {
	policyMu.RLock()
	defer policyMu.RUnlock()
	return policyNames()
}

func policyNames() []string {
	names := make([]string, 0, len(policies))
	for n := range policies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LRU always picks the least recently used candidate.
func LRU(_ *rand.Rand, loads []int) int {
	return 0
}

// PlainRandom picks uniformly at random.
func PlainRandom(r *rand.Rand, loads []int) int {
	return r.Intn(len(loads))
}

// TwoBin samples two candidates and keeps the less loaded one. On a tie
// the less recently used wins.
func TwoBin(r *rand.Rand, loads []int) int {
	a, b := r.Intn(len(loads)), r.Intn(len(loads))
	if loads[b] < loads[a] || (loads[b] == loads[a] && b < a) {
		return b
	}
	return a
}

// Weighted samples two candidates with probability inversely proportional
// to load and keeps the less loaded one.
func Weighted(r *rand.Rand, loads []int) int {
	const eps = 1e-6
	sums := make([]float64, len(loads))
	weights := make([]float64, len(loads))
	total := 0.0
	for i, l := range loads {
		weights[i] = 1 / (eps + float64(l))
		total += weights[i]
		sums[i] = total
	}
	pick := func() int {
		x := r.Float64() * total
		i := sort.SearchFloat64s(sums, x)
		if i >= len(sums) {
			i = len(sums) - 1
		}
		return i
	}
	a, b := pick(), pick()
	if weights[b] > weights[a] {
		return b
	}
	return a
}

// LeastLoad picks the first candidate with the lowest load.
func LeastLoad(_ *rand.Rand, loads []int) int {
	best := 0
	for i, l := range loads {
		if l < loads[best] {
			best = i
		}
	}
	return best
}
