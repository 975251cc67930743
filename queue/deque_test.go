package queue

import (
	"testing"

	"github.com/RuhanDev/dash/task"
)

func newT(prio task.Priority) *task.Task {
	t := task.New(func(task.Yielder, interface{}) error { return nil }, nil)
	t.Prio = prio
	return t
}

func TestPushPopLIFOWithinClass(t *testing.T) {
	var q Deque
	a := newT(task.PriorityDefault)
	b := newT(task.PriorityDefault)
	q.Push(a)
	q.Push(b)

	// Push = front; Pop = front => LIFO within a class by default.
	if got := q.Pop(); got != b {
		t.Fatalf("expected b first (LIFO from front), got %v", got)
	}
	if got := q.Pop(); got != a {
		t.Fatalf("expected a second, got %v", got)
	}
}

func TestHighDrainsBeforeLow(t *testing.T) {
	var q Deque
	lo := newT(task.PriorityLow)
	hi := newT(task.PriorityHigh)
	q.Push(lo)
	q.Push(hi)

	if got := q.Pop(); got != hi {
		t.Fatal("expected high priority task to drain first")
	}
	if got := q.Pop(); got != lo {
		t.Fatal("expected low priority task second")
	}
}

func TestPopBackIsStealEnd(t *testing.T) {
	var q Deque
	a := newT(task.PriorityDefault)
	b := newT(task.PriorityDefault)
	q.Push(a) // front
	q.Push(b) // front, a now at back

	if got := q.PopBack(); got != a {
		t.Fatalf("expected a (pushed first, now at back), got %v", got)
	}
}

func TestRemoveAndLen(t *testing.T) {
	var q Deque
	a := newT(task.PriorityDefault)
	b := newT(task.PriorityDefault)
	q.Push(a)
	q.Push(b)

	if !q.Remove(a) {
		t.Fatal("expected to find and remove a")
	}
	if q.Len() != 1 {
		t.Fatalf("expected len 1, got %d", q.Len())
	}
	if q.Remove(a) {
		t.Fatal("a should no longer be present")
	}
}

func TestMoveSplicesWholeQueue(t *testing.T) {
	var src, dst Deque
	a := newT(task.PriorityHigh)
	b := newT(task.PriorityLow)
	src.Push(a)
	src.Push(b)

	dst.Move(&src)
	if src.Len() != 0 {
		t.Fatalf("expected src empty after move, got %d", src.Len())
	}
	if dst.Len() != 2 {
		t.Fatalf("expected dst len 2, got %d", dst.Len())
	}
}

func TestFilterRunnableRemovesNonRunnable(t *testing.T) {
	var q Deque
	runnable := newT(task.PriorityDefault)
	deferred := newT(task.PriorityDefault)
	deferred.Phase = task.Phase(5)
	q.Push(runnable)
	q.Push(deferred)

	removed := q.FilterRunnable(func(t *task.Task) bool {
		return t.Phase == task.AnyPhase
	})
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 remaining, got %d", q.Len())
	}
}

func TestHotSlotRoundTrip(t *testing.T) {
	var slot HotSlot
	tk := newT(task.PriorityDefault)
	if !slot.TryPut(tk) {
		t.Fatal("expected put into empty slot to succeed")
	}
	if slot.TryPut(newT(task.PriorityDefault)) {
		t.Fatal("expected second put into occupied slot to fail")
	}
	got := slot.TryTake()
	if got != tk {
		t.Fatal("expected to take back the same task")
	}
	if !slot.Empty() {
		t.Fatal("expected slot empty after take")
	}
}

func TestHotSlotRejectsStaleInstance(t *testing.T) {
	var slot HotSlot
	tk := newT(task.PriorityDefault)
	slot.TryPut(tk)
	tk.Instance++ // simulate free-list reuse changing the stamp
	if got := slot.TryTake(); got != nil {
		t.Fatal("expected stale instance to be rejected")
	}
}
