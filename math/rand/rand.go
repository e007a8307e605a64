package rand

import (
	"math/rand"

	"github.com/seehuhn/mt19937"
)

func NewMt19937(seed int64) *rand.Rand {
	mt := mt19937.New()
	mt.Seed(seed)
	return rand.New(mt)
}

// PermPrefix returns the first min(k, n) entries of a uniform permutation of [0, n).
func PermPrefix(n, k int, rng *rand.Rand) []int {
	perm := rng.Perm(n)
	if k < n {
		perm = perm[:k]
	}
	return perm
}
