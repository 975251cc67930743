package queue

import (
	"sync/atomic"

	"github.com/RuhanDev/dash/task"
)

// hotEntry is what a HotSlot atomically swaps; it carries the task's
// Instance stamp alongside the pointer so a stale CAS (the free-list
// reuse race named as an open question in spec §9) is rejected even
// though no code path today constructs two live tasks at the same
// address concurrently.
type hotEntry struct {
	instance uint64
	t        *task.Task
}

// HotSlot is a single-writer/single-stealer lock-free handoff cell
// used by the scheduler's "hot slots" (spec §4.6): a small array of
// these per worker gives low-latency handoff for a just-released
// successor before falling back to the shared NUMA-local queue.
type HotSlot struct {
	v atomic.Pointer[hotEntry]
}

// TryPut installs t if the slot is empty. Reports whether it
// succeeded; callers fall through to the global queue on failure
// (spec §4.6 "Queue full (hot slots): enqueue falls through to global
// queue; no task is dropped").
func (s *HotSlot) TryPut(t *task.Task) bool {
	entry := &hotEntry{instance: t.Instance, t: t}
	return s.v.CompareAndSwap(nil, entry)
}

// TryTake removes and returns the slot's task if present, verifying
// the instance stamp still matches what was stored (defends against a
// stale pointer surviving a free-list reuse, per spec §9's retained
// "instance" mechanism).
func (s *HotSlot) TryTake() *task.Task {
	cur := s.v.Load()
	if cur == nil {
		return nil
	}
	if !s.v.CompareAndSwap(cur, nil) {
		return nil
	}
	if cur.t.Instance != cur.instance {
		// the task was reused under us between load and CAS; treat as
		// empty rather than handing back a stale task.
		return nil
	}
	return cur.t
}

// Empty reports whether the slot currently holds nothing, without
// taking ownership.
func (s *HotSlot) Empty() bool {
	return s.v.Load() == nil
}

// HotSlots is the fixed-size array of hot slots a worker owns (spec
// §4.6 "fixed-size array of hot slots (default 4)").
type HotSlots struct {
	slots []HotSlot
}

// NewHotSlots allocates n hot slots (spec §6 default 4).
func NewHotSlots(n int) *HotSlots {
	return &HotSlots{slots: make([]HotSlot, n)}
}

// TryPut tries every slot in order until one accepts t.
func (h *HotSlots) TryPut(t *task.Task) bool {
	for i := range h.slots {
		if h.slots[i].TryPut(t) {
			return true
		}
	}
	return false
}

// TryTakeFront takes from the first occupied slot, scanning
// front-to-back (spec §4.6 stealing order "(b) own hot slots (front)").
func (h *HotSlots) TryTakeFront() *task.Task {
	for i := range h.slots {
		if t := h.slots[i].TryTake(); t != nil {
			return t
		}
	}
	return nil
}

// TryTakeBack takes from the first occupied slot, scanning
// back-to-front (spec §4.6 stealing order "(c) ... victim's hot slots
// (back)").
func (h *HotSlots) TryTakeBack() *task.Task {
	for i := len(h.slots) - 1; i >= 0; i-- {
		if t := h.slots[i].TryTake(); t != nil {
			return t
		}
	}
	return nil
}
