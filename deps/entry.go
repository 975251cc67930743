package deps

import (
	"sync"

	"github.com/RuhanDev/dash/gptr"
	"github.com/RuhanDev/dash/task"
)

// edge is one successor link out of an entry's dep_list (spec §4.5
// "Release: ... its dep_list is walked; each successor's counter is
// decremented"). It carries the binding kind alongside the task; it
// has no phase, since DELAYED_IN release gating is evaluated per task
// through Task.DelayedUntil rather than per edge.
type edge struct {
	t    *task.Task
	kind Kind
}

// Entry is the dephash entry from spec §3:
// {type, phase, gptr, task, dtor, next_in_task, dep_list, next_in_bucket}.
// next_in_task and next_in_bucket are realized as plain slice/map
// membership in Hash rather than intrusive pointers (Design Notes §9:
// "pointer-linked intrusive lists across threads -> arena + index").
// dtor is not a field here: a destructor attached to an entry must
// outlive that entry's own release (the entry's producer finishing
// says nothing about whether the consumer it is bound to has actually
// run yet), so it is queued on the owning Hash and fires at retirement
// instead (see Hash.addDtor / Engine.Retire).
type Entry struct {
	Kind  Kind
	Phase task.Phase
	GPtr  gptr.Ptr
	Task  *task.Task

	mu         sync.Mutex
	finished   bool
	successors []edge
}

// addSuccessor appends a successor edge if this entry has not already
// finished; returns false if the entry already finished, meaning the
// caller must treat the dependency as already satisfied rather than
// linking to it (spec §4.5 predecessor/successor linking races against
// the predecessor's own completion).
func (e *Entry) addSuccessor(t *task.Task, kind Kind) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished {
		return false
	}
	e.successors = append(e.successors, edge{t: t, kind: kind})
	return true
}

// release marks the entry finished and snapshots its dep_list (spec
// §4.5 "Destructors attached to owned dephash entries run at
// retirement" — retirement is the owning parent's, handled separately
// by Engine.Retire, not this entry's own release).
func (e *Entry) release() []edge {
	e.mu.Lock()
	succ := e.successors
	e.successors = nil
	e.finished = true
	e.mu.Unlock()
	return succ
}

// entryHandle adapts an Entry into the task.DepHandle capability a
// Task's DepsOwned list stores, deferring the actual release logic to
// the owning Engine (which has access to the enqueue/phase machinery
// an Entry deliberately does not import, to avoid a cycle).
type entryHandle struct {
	e   *Entry
	eng *Engine
}

func (h *entryHandle) Release() { h.eng.releaseEntry(h.e) }

var _ task.DepHandle = (*entryHandle)(nil)
