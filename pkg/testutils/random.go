package testutils

import (
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"os"
	"strconv"
	"testing"
	"time"
)

// Seed is the root of every test's random stream. It's printed once so a failing run can be
// replayed with TEST_SEED.
var Seed uint64 //nolint:gochecknoglobals // shared by all tests of a binary

func init() { //nolint:gochecknoinits // the seed must be fixed before any test runs
	Seed = uint64(time.Now().UnixNano()) //nolint:gosec // it's ok
	if envSeed := os.Getenv("TEST_SEED"); envSeed != "" {
		if parsed, err := strconv.ParseUint(envSeed, 0, 64); err == nil {
			Seed = parsed
		}
	}
	fmt.Printf("to reproduce: TEST_SEED=0x%x\n", Seed) //nolint:forbidigo // just for testing
}

// NewRand returns a generator for t. The stream depends on Seed and the test name, so a test
// replays identically whatever other tests run in parallel with it.
func NewRand(t *testing.T) *rand.Rand {
	t.Helper()
	h := fnv.New64a()
	_, _ = h.Write([]byte(t.Name()))
	return rand.New(rand.NewPCG(Seed, h.Sum64())) //nolint:gosec // weak RNG is fine for tests
}

// RandMapKey returns a random key of a non-empty map.
func RandMapKey[K comparable, V any](r *rand.Rand, m map[K]V) K {
	idx := r.IntN(len(m))
	for k := range m {
		if idx == 0 {
			return k
		}
		idx--
	}
	panic("unreachable")
}

// OpWeight is one operation of a model-based test and its relative weight.
type OpWeight[T comparable] struct {
	Op     T
	Weight int
}

// OpWeights is an ordered table of operations. Ops are told apart by identity, so several ops may
// share a weight.
type OpWeights[T comparable] []OpWeight[T]

// RandOpWeights gives every op a random weight in [1, 100], so each run explores a different mix.
func RandOpWeights[T comparable](r *rand.Rand, ops []T) OpWeights[T] {
	weights := make(OpWeights[T], len(ops))
	for i, op := range ops {
		weights[i] = OpWeight[T]{Op: op, Weight: 1 + r.IntN(100)}
	}
	return weights
}

// RandWeightedOp picks an op with probability proportional to its weight. Ops with a zero weight
// are never picked.
func RandWeightedOp[T comparable](r *rand.Rand, weights OpWeights[T]) T {
	var total int
	for _, w := range weights {
		total += w.Weight
	}

	pick := r.IntN(total)
	for _, w := range weights {
		if pick < w.Weight {
			return w.Op
		}
		pick -= w.Weight
	}
	panic("unreachable")
}
