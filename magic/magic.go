// Package magic implements the 32-bit magic-number generator used for PPP
// loopback detection (spec.md section 4.1). It mirrors the teacher's
// approach in ppp/session.go's negotiate() of seeding math/rand from the
// current time, generalized into a small reusable, process-wide singleton.
package magic

import (
	"encoding/binary"
	"math/rand"
	"sync"
	"time"
)

// Generator produces magic numbers and can be periodically re-seeded to
// make the sequence harder to predict, per spec.md section 4.1.
type Generator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

var (
	shared     *Generator
	sharedOnce sync.Once
)

// Shared returns the process-wide Generator, constructing it on first use.
// Initialization is idempotent, as required by spec.md section 4.1.
func Shared() *Generator {
	sharedOnce.Do(func() {
		shared = New()
	})
	return shared
}

// New constructs a Generator seeded from the current time. Exported mainly
// so tests can construct independent instances.
func New() *Generator {
	return &Generator{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Number returns a fresh pseudo-random 32-bit value.
func (g *Generator) Number() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rnd.Uint32()
}

// Randomize mixes a coarse-resolution time source into the generator's
// internal state. Per spec.md section 4.1 this is called on every inbound
// packet to make the sequence harder to reverse-engineer.
func (g *Generator) Randomize() {
	g.mu.Lock()
	defer g.mu.Unlock()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(time.Now().UnixNano()))
	seedMix := int64(binary.LittleEndian.Uint64(buf[:])) ^ g.rnd.Int63()
	g.rnd = rand.New(rand.NewSource(seedMix))
}
