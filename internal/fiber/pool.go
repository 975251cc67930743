package fiber

import (
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Pool is one worker thread's free list of parked fibers (spec §4.1
// "Free list is thread-local. Cross-thread release is permitted; release
// always returns to the owner's list"). It is bounded: beyond
// capacity, the least-recently-parked fiber is dropped and its
// goroutine is allowed to exit, rather than growing an unbounded
// number of idle goroutines.
type Pool struct {
	owner int
	cache *lru.Cache[uint64, *Fiber]
	seq   atomic.Uint64

	mu sync.Mutex

	// taking is set (under mu) while Get removes the fiber it is about
	// to hand out, so the eviction callback that Remove fires does not
	// kill that fiber's goroutine.
	taking bool
}

// NewPool creates a free list for worker id owner with room for up to
// capacity parked fibers (spec §6 "task stack size" sizing feeds this
// indirectly: more memory budget per context => more contexts worth
// keeping warm).
func NewPool(owner, capacity int) *Pool {
	if capacity <= 0 {
		capacity = 32
	}
	p := &Pool{owner: owner}
	c, err := lru.NewWithEvict[uint64, *Fiber](capacity, func(_ uint64, f *Fiber) {
		if !p.taking {
			f.evicted()
		}
	})
	if err != nil {
		// lru.New only errors on capacity<=0, which we've already
		// guarded against above; treat as a FATAL invariant.
		panic(err)
	}
	p.cache = c
	return p
}

// Get pops a parked fiber if one is available, else creates a fresh
// one (spec §4.1 "allocated lazily on first invocation" for the very
// first use; afterward this is the reuse path).
func (p *Pool) Get() *Fiber {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := p.cache.Keys()
	if len(keys) > 0 {
		key := keys[len(keys)-1]
		f, ok := p.cache.Peek(key)
		if ok {
			p.taking = true
			p.cache.Remove(key)
			p.taking = false
			return f
		}
	}
	return New(p.owner)
}

// Put parks f back onto this pool's free list, regardless of which
// thread is calling (spec §4.1 "Cross-thread release is permitted").
func (p *Pool) Put(f *Fiber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := p.seq.Add(1)
	p.cache.Add(key, f)
}

// Len reports how many fibers are currently parked.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache.Len()
}

// Kill terminates every fiber currently parked in the pool and empties
// it, used at Runtime shutdown. Purge runs the eviction callback once
// per parked fiber, and that callback is what kills each one.
func (p *Pool) Kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Purge()
}

// evicted is called when the LRU cache drops a fiber, either for being
// over capacity or because Kill purges the pool; its trampoline
// goroutine, if one was ever started, is terminated rather than left
// parked forever.
func (f *Fiber) evicted() {
	f.Kill()
}
