package train

import (
	"math/rand"
	"sync"
)

// The process-wide random source. All components that need randomness (weight
// initialization, dataset shuffling) draw from RNG() explicitly instead of
// relying on ambient global state, so a single seed makes the whole run
// reproducible.
var (
	rngMu      sync.Mutex
	processRNG *rand.Rand
)

// InitDeterminism seeds every random-number source of the process from a single
// seed. Call it once at process entry, before constructing models or datasets.
func InitDeterminism(seed int64) {
	rngMu.Lock()
	defer rngMu.Unlock()
	processRNG = rand.New(rand.NewSource(seed))
}

// RNG returns the process random source initialized by InitDeterminism. If
// InitDeterminism was never called, it initializes with seed 0.
func RNG() *rand.Rand {
	rngMu.Lock()
	defer rngMu.Unlock()
	if processRNG == nil {
		processRNG = rand.New(rand.NewSource(0))
	}
	return processRNG
}
