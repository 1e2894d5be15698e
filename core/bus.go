package core

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BUS - Typed fan-out with explicit back-pressure
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every subscriber owns a bounded queue with the bus policy unless it asked
// for its own. When the queue is full:
//   Block      → Publish waits for room (or for Close)
//   DropOldest → the oldest queued item is discarded to make room
//
// Delivery order per subscriber is publish order.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Policy decides what Publish does when a subscriber queue is full
type Policy int

const (
	Block Policy = iota
	DropOldest
)

func (p Policy) String() string {
	if p == DropOldest {
		return "drop_oldest"
	}
	return "block"
}

// ParsePolicy maps a config string to a policy
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "block":
		return Block, nil
	case "drop_oldest", "drop-oldest":
		return DropOldest, nil
	}
	return Block, fmt.Errorf("unknown bus policy %q", s)
}

type subscriber[T any] struct {
	name   string
	ch     chan T
	policy Policy
	// mu serialises drop-oldest evictions with sends to this queue
	mu sync.Mutex
}

// Bus delivers every published value to every subscriber
type Bus[T any] struct {
	name   string
	policy Policy

	mu     sync.RWMutex
	subs   []*subscriber[T]
	closed bool
	done   chan struct{}
	once   sync.Once

	published atomic.Int64
	dropped   atomic.Int64
	// OnDrop is called for every value evicted under DropOldest
	OnDrop func(bus, subscriber string)
}

// NewBus creates a bus with the given overflow policy
func NewBus[T any](name string, policy Policy) *Bus[T] {
	return &Bus[T]{
		name:   name,
		policy: policy,
		done:   make(chan struct{}),
	}
}

// Subscribe registers a consumer with a queue of size values. The channel is
// closed by Close.
func (b *Bus[T]) Subscribe(name string, size int) <-chan T {
	return b.SubscribeWith(name, size, b.policy)
}

// SubscribeWith registers a consumer whose queue overflows by policy instead
// of the bus default
func (b *Bus[T]) SubscribeWith(name string, size int, policy Policy) <-chan T {
	if size < 1 {
		size = 1
	}
	s := &subscriber[T]{name: name, ch: make(chan T, size), policy: policy}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s.ch
	}
	b.subs = append(b.subs, s)
	log.Debug().Str("bus", b.name).Str("subscriber", name).Int("queue", size).Str("policy", policy.String()).Msg("Bus subscriber added")
	return s.ch
}

// Publish delivers v to every subscriber according to the policy. Publishing
// after Close is a no-op.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for _, s := range b.subs {
		if s.policy == DropOldest {
			b.offer(s, v)
			continue
		}
		select {
		case s.ch <- v:
		case <-b.done:
			return
		}
	}
}

// TryPublish delivers v without ever waiting. A Block subscriber whose queue
// is full misses v; the number of such subscribers is returned.
func (b *Bus[T]) TryPublish(v T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}
	b.published.Add(1)
	missed := 0
	for _, s := range b.subs {
		if s.policy == DropOldest {
			b.offer(s, v)
			continue
		}
		select {
		case s.ch <- v:
		default:
			missed++
		}
	}
	return missed
}

func (b *Bus[T]) offer(s *subscriber[T], v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		select {
		case s.ch <- v:
			return
		default:
		}
		select {
		case <-s.ch:
			b.dropped.Add(1)
			if b.OnDrop != nil {
				b.OnDrop(b.name, s.name)
			}
		default:
		}
	}
}

// Close stops delivery and closes every subscriber channel. Blocked
// publishers are released.
func (b *Bus[T]) Close() {
	b.once.Do(func() {
		close(b.done)

		b.mu.Lock()
		defer b.mu.Unlock()
		b.closed = true
		for _, s := range b.subs {
			close(s.ch)
		}
	})
}

// Published returns the number of accepted Publish calls
func (b *Bus[T]) Published() int64 { return b.published.Load() }

// Dropped returns the number of values evicted under DropOldest
func (b *Bus[T]) Dropped() int64 { return b.dropped.Load() }
