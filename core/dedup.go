package core

import (
	"container/list"
	"sync"
)

// Dedup remembers the most recent keys up to a fixed capacity; the oldest
// key is forgotten first
type Dedup struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	keys  map[string]*list.Element
}

// NewDedup creates a set holding at most capacity keys
func NewDedup(capacity int) *Dedup {
	if capacity < 1 {
		capacity = 1
	}
	return &Dedup{
		cap:   capacity,
		order: list.New(),
		keys:  make(map[string]*list.Element, capacity),
	}
}

// Seen records key and reports whether it was already present
func (d *Dedup) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.keys[key]; ok {
		return true
	}
	d.keys[key] = d.order.PushBack(key)
	for d.order.Len() > d.cap {
		oldest := d.order.Front()
		d.order.Remove(oldest)
		delete(d.keys, oldest.Value.(string))
	}
	return false
}

// Forget removes key so a later event with it is processed again
func (d *Dedup) Forget(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if el, ok := d.keys[key]; ok {
		d.order.Remove(el)
		delete(d.keys, key)
	}
}

// Len returns the number of remembered keys
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}
