package selfmetric

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Tracker counts named events without a shared mutex: one *atomic.Uint64
// per key, stored in a sync.Map so increments on different keys never
// contend.
type Tracker struct {
	counts sync.Map // string -> *atomic.Uint64
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Increment adds one to the counter named key. Empty keys are ignored.
func (t *Tracker) Increment(key string) {
	if strings.TrimSpace(key) == "" {
		return
	}
	if v, ok := t.counts.Load(key); ok {
		v.(*atomic.Uint64).Add(1)
		return
	}
	counter := &atomic.Uint64{}
	actual, loaded := t.counts.LoadOrStore(key, counter)
	if loaded {
		actual.(*atomic.Uint64).Add(1)
		return
	}
	counter.Add(1)
}

// Get returns the current count for key.
func (t *Tracker) Get(key string) uint64 {
	if v, ok := t.counts.Load(key); ok {
		return v.(*atomic.Uint64).Load()
	}
	return 0
}

// Snapshot returns a copy of every counter.
func (t *Tracker) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	t.counts.Range(func(key, value any) bool {
		out[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return out
}
