package testutil

import (
	"fmt"
	"sync"
)

// SeqIDGenerator produces request ids "prefix-000001", "prefix-000002",
// and so on. Scenario runs and golden traces need ids that are stable
// across runs, which UUIDv7 ids are not.
//
// Unlike engine.FixedGenerator it never exhausts, so a scenario does not
// have to know in advance how many requests it submits.
//
// Thread-safety: safe for concurrent use via internal mutex.
type SeqIDGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int64
}

// NewSeqIDGenerator creates a generator with the given id prefix. An
// empty prefix defaults to "req".
func NewSeqIDGenerator(prefix string) *SeqIDGenerator {
	if prefix == "" {
		prefix = "req"
	}
	return &SeqIDGenerator{prefix: prefix}
}

// Generate returns the next id in sequence.
//
// Implements engine.IDGenerator.
func (g *SeqIDGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%06d", g.prefix, g.n)
}

// Reset restarts the sequence at 1.
func (g *SeqIDGenerator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}
