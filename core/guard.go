package core

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type guardKey struct {
	token    common.Address
	strategy string
}

// Guard allows one in-flight buy per (token, strategy)
type Guard struct {
	mu       sync.Mutex
	inFlight map[guardKey]struct{}
}

func NewGuard() *Guard {
	return &Guard{inFlight: make(map[guardKey]struct{})}
}

// TryAcquire claims the slot; false means another path already holds it
func (g *Guard) TryAcquire(token common.Address, strategyID string) bool {
	k := guardKey{token, strategyID}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.inFlight[k]; busy {
		return false
	}
	g.inFlight[k] = struct{}{}
	return true
}

// Release frees the slot
func (g *Guard) Release(token common.Address, strategyID string) {
	g.mu.Lock()
	delete(g.inFlight, guardKey{token, strategyID})
	g.mu.Unlock()
}

// Held reports whether the slot is taken
func (g *Guard) Held(token common.Address, strategyID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.inFlight[guardKey{token, strategyID}]
	return ok
}

// Len returns the number of in-flight slots
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inFlight)
}
