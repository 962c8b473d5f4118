package tcb

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
)

// Generator hands out initial sequence numbers and header compression
// context ids. One generator is shared by every connection of a stack; the
// Timer task advances both counters by a random step on each tick.
type Generator struct {
	mu  sync.Mutex
	rnd *rand.Rand
	isn seqnum.Value
	cid uint16
}

// NewGenerator seeds both counters from seed.
func NewGenerator(seed int64) *Generator {
	g := &Generator{}
	g.Reseed(seed)
	return g
}

// NewTimeGenerator seeds from the wall clock.
func NewTimeGenerator() *Generator {
	return NewGenerator(time.Now().UnixNano())
}

// Reseed restarts both counters from seed.
func (g *Generator) Reseed(seed int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rnd = rand.New(rand.NewSource(seed))
	g.isn = seqnum.Value(g.rnd.Uint32())
	g.cid = uint16(g.rnd.Uint32())
}

// ISN returns the next initial sequence number. Successive calls never
// return the same value.
func (g *Generator) ISN() seqnum.Value {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := g.isn
	g.isn = g.isn.Add(seqnum.Size(1 + g.rnd.Intn(1<<16)))
	return v
}

// ContextID returns the next header compression context id.
func (g *Generator) ContextID() uint16 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cid++
	return g.cid
}

// Tick advances both counters by a random step.
func (g *Generator) Tick() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.isn = g.isn.Add(seqnum.Size(g.rnd.Intn(1 << 8)))
	g.cid += uint16(g.rnd.Intn(1 << 4))
}
