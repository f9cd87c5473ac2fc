package testutil

import (
	"fmt"
	"sync"
)

// FixedStimulusGenerator generates sequential stimulus IDs.
//
// This enables deterministic test execution and golden snapshot
// comparison: the same scenario with the same FixedStimulusGenerator
// produces byte-identical story logs.
//
// Unlike the production UUIDv7 generator, IDs take the form
// "<prefix>-<n>" with n counting up from 1 across all prefixes.
//
// Thread-safety: safe for concurrent use via internal mutex.
type FixedStimulusGenerator struct {
	mu sync.Mutex
	n  int
}

// NewFixedStimulusGenerator creates a generator starting at 1.
func NewFixedStimulusGenerator() *FixedStimulusGenerator {
	return &FixedStimulusGenerator{}
}

// Generate returns the next sequential stimulus ID.
//
// Implements worker.StimulusGenerator.
func (g *FixedStimulusGenerator) Generate(prefix string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", prefix, g.n)
}

// Reset restarts the counter. After Reset the next Generate returns
// "<prefix>-1" again, so a scenario can be re-run with identical IDs.
func (g *FixedStimulusGenerator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}
