// Package queue implements the two-priority intrusive task deque from
// spec §4.2: push/pop operate on the front (high priority drained
// before low), steal uses popback on the back to reduce contention
// with local pop, and insert-at-position / whole-queue splice are
// supported for the scheduler's requeue-with-delay and worker-disable
// paths.
//
// Deque exposes both a locked API (safe for concurrent callers, one
// mutex per queue, matching Scheduler.workersLk's plain sync.Mutex use
// in the teacher) and an Unsafe() escape hatch for composing
// higher-level atomic sequences while already holding an outer lock,
// per spec §4.2 "Locked and unsafe variants".
package queue

import (
	"sync"

	"github.com/RuhanDev/dash/task"
)

// list is a doubly linked intrusive list built on task.Task's
// Next/Prev fields. A task is a member of at most one list at a time
// (spec §3 invariant).
type list struct {
	head, tail *task.Task
	length     int
}

func (l *list) pushFront(t *task.Task) {
	t.Prev = nil
	t.Next = l.head
	if l.head != nil {
		l.head.Prev = t
	}
	l.head = t
	if l.tail == nil {
		l.tail = t
	}
	l.length++
}

func (l *list) pushBack(t *task.Task) {
	t.Next = nil
	t.Prev = l.tail
	if l.tail != nil {
		l.tail.Next = t
	}
	l.tail = t
	if l.head == nil {
		l.head = t
	}
	l.length++
}

func (l *list) popFront() *task.Task {
	t := l.head
	if t == nil {
		return nil
	}
	l.unlink(t)
	return t
}

func (l *list) popBack() *task.Task {
	t := l.tail
	if t == nil {
		return nil
	}
	l.unlink(t)
	return t
}

// insertAt inserts t so that it becomes the element at index pos
// counted from the front (0 = front, i.e. same as pushFront).
func (l *list) insertAt(pos int, t *task.Task) {
	if pos <= 0 || l.head == nil {
		l.pushFront(t)
		return
	}
	cur := l.head
	for i := 0; i < pos-1 && cur.Next != nil; i++ {
		cur = cur.Next
	}
	after := cur.Next
	t.Prev = cur
	t.Next = after
	cur.Next = t
	if after != nil {
		after.Prev = t
	} else {
		l.tail = t
	}
	l.length++
}

func (l *list) unlink(t *task.Task) {
	if t.Prev != nil {
		t.Prev.Next = t.Next
	} else {
		l.head = t.Next
	}
	if t.Next != nil {
		t.Next.Prev = t.Prev
	} else {
		l.tail = t.Prev
	}
	t.Next, t.Prev = nil, nil
	l.length--
}

// remove unlinks t if it is a member of l; reports whether it was
// found.
func (l *list) remove(t *task.Task) bool {
	cur := l.head
	for cur != nil {
		if cur == t {
			l.unlink(t)
			return true
		}
		cur = cur.Next
	}
	return false
}

// appendAll splices other onto the back of l and empties other,
// matching the "move" whole-queue splice from spec §4.2.
func (l *list) appendAll(other *list) {
	if other.head == nil {
		return
	}
	if l.tail == nil {
		l.head = other.head
	} else {
		l.tail.Next = other.head
		other.head.Prev = l.tail
	}
	l.tail = other.tail
	l.length += other.length
	other.head, other.tail, other.length = nil, nil, 0
}

// Deque is the unsafe, un-synchronized two-priority queue; its methods
// assume the caller already holds whatever lock protects it (see
// Locked for a self-synchronizing wrapper).
type Deque struct {
	high, low list
}

func (q *Deque) classOf(t *task.Task) *list {
	if t.Prio == task.PriorityHigh {
		return &q.high
	}
	return &q.low
}

// Push inserts t at the front of its priority class (spec §4.2 "push
// (front)").
func (q *Deque) Push(t *task.Task) {
	q.classOf(t).pushFront(t)
}

// PushBack inserts t at the back of its priority class (spec §4.2
// "pushback (back)").
func (q *Deque) PushBack(t *task.Task) {
	q.classOf(t).pushBack(t)
}

// Pop removes from the front, draining high priority before low (spec
// §4.2 "pop (front, high-first)").
func (q *Deque) Pop() *task.Task {
	if t := q.high.popFront(); t != nil {
		return t
	}
	return q.low.popFront()
}

// PopBack removes from the back, high priority first; this is the
// operation stealers use (spec §4.2 "steal uses popback").
func (q *Deque) PopBack() *task.Task {
	if t := q.high.popBack(); t != nil {
		return t
	}
	return q.low.popBack()
}

// Insert inserts t at position pos within its priority class, counted
// from the front (spec §4.2 "insert(pos)"). This backs the scheduler's
// yield(delay) requeue placement for positive delay values.
func (q *Deque) Insert(pos int, t *task.Task) {
	q.classOf(t).insertAt(pos, t)
}

// Remove removes t from whichever class it is currently queued in;
// reports whether it was found. Used when a scheduling request is
// cancelled out from under the queue (spec §6 RemoveRequest analog).
func (q *Deque) Remove(t *task.Task) bool {
	if q.high.remove(t) {
		return true
	}
	return q.low.remove(t)
}

// Move splices all of src's entries onto the back of q, class by
// class, and empties src (spec §4.2 "move(dst,src) (splice whole
// queue)"). Used when a disabled worker's window contents are
// returned to the shared queue.
func (q *Deque) Move(src *Deque) {
	q.high.appendAll(&src.high)
	q.low.appendAll(&src.low)
}

// Len reports the total number of queued tasks across both priority
// classes.
func (q *Deque) Len() int {
	return q.high.length + q.low.length
}

// LenHigh/LenLow report the per-class depth, used by the scheduler's
// idle/steal heuristics and by metrics.
func (q *Deque) LenHigh() int { return q.high.length }
func (q *Deque) LenLow() int  { return q.low.length }

// FilterRunnable removes every queued task for which keep returns
// false (e.g. tasks whose phase is not yet runnable, per spec §4.4's
// DELAYED withholding). It returns the count removed, not the removed
// tasks, resolving spec §9's open question about
// task_deque_filter_runnable's unclear return semantics.
func (q *Deque) FilterRunnable(keep func(*task.Task) bool) int {
	removed := 0
	for _, l := range []*list{&q.high, &q.low} {
		removedHere := 0
		var keepHead, keepTail *task.Task
		cur := l.head
		for cur != nil {
			next := cur.Next
			cur.Next, cur.Prev = nil, nil
			if keep(cur) {
				cur.Prev = keepTail
				if keepTail != nil {
					keepTail.Next = cur
				} else {
					keepHead = cur
				}
				keepTail = cur
			} else {
				removedHere++
			}
			cur = next
		}
		l.head, l.tail = keepHead, keepTail
		l.length -= removedHere
		removed += removedHere
	}
	return removed
}

// Locked wraps a Deque with a mutex, matching Scheduler.workersLk's
// plain sync.Mutex-guarded access pattern in the teacher.
type Locked struct {
	mu sync.Mutex
	q  Deque
}

// Unsafe returns the underlying Deque without locking, for composing
// atomic sequences while the caller already holds Lock()/Unlock().
func (l *Locked) Unsafe() *Deque { return &l.q }

func (l *Locked) Lock()   { l.mu.Lock() }
func (l *Locked) Unlock() { l.mu.Unlock() }

func (l *Locked) Push(t *task.Task) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.q.Push(t)
}

func (l *Locked) PushBack(t *task.Task) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.q.PushBack(t)
}

func (l *Locked) Pop() *task.Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.q.Pop()
}

func (l *Locked) PopBack() *task.Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.q.PopBack()
}

func (l *Locked) Insert(pos int, t *task.Task) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.q.Insert(pos, t)
}

func (l *Locked) Remove(t *task.Task) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.q.Remove(t)
}

func (l *Locked) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.q.Len()
}
