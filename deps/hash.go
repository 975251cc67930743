package deps

import (
	"sync"

	"github.com/RuhanDev/dash/gptr"
)

// bucket is the per-(segment,offset) chain: at most one outstanding
// producer plus any readers that have accumulated since it (spec §4.5
// "IN ... concurrent INs do not chain to each other").
type bucket struct {
	producer *Entry
	readers  []*Entry
}

// Hash is one parent task's dependency hash (spec §2 "Dependency hash
// | per-parent hash of outstanding accesses keyed by (segment,offset)").
// It owns its own lock; the engine never takes a lock wider than one
// parent's Hash, which is what spec §4.5's "Concurrency" note means by
// "no global lock" — buckets of different parents never contend.
//
// dtors accumulates destructors attached to entries owned by this
// hash (currently only COPYIN_OUT's pool-return) for release at true
// retirement rather than at the owning entry's own release: the
// parent cannot retire (Engine.Retire) until every one of its
// children, including both the COPYIN_OUT producer and the consumer
// it binds to, has finished, so deferring to retirement is the
// earliest point a destructor can run without a consumer racing it.
type Hash struct {
	mu      sync.Mutex
	buckets map[gptr.Key]*bucket
	dtors   []func()
}

func newHash() *Hash {
	return &Hash{buckets: make(map[gptr.Key]*bucket)}
}

func (h *Hash) bucketFor(k gptr.Key) *bucket {
	b := h.buckets[k]
	if b == nil {
		b = &bucket{}
		h.buckets[k] = b
	}
	return b
}

// addDtor attaches a destructor to run when this hash retires.
func (h *Hash) addDtor(f func()) {
	h.mu.Lock()
	h.dtors = append(h.dtors, f)
	h.mu.Unlock()
}

// takeDtors detaches and returns every destructor queued on this hash,
// so the caller can run them outside h.mu.
func (h *Hash) takeDtors() []func() {
	h.mu.Lock()
	d := h.dtors
	h.dtors = nil
	h.mu.Unlock()
	return d
}
