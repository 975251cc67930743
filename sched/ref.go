package sched

import (
	"github.com/RuhanDev/dash/deps"
	"github.com/RuhanDev/dash/task"
)

// Ref is the weak claim spec §3/§6 names HAS_REF: create_task returns
// one only when the caller set that flag, and the task is kept alive
// past FINISHED until the ref is waited on or freed.
type Ref struct {
	rt *Runtime
	t  *task.Task
}

// Wait blocks until the referenced task reaches a terminal state, then
// destroys it (spec §6 taskref_wait).
func (r *Ref) Wait() error {
	r.t.Lock()
	for {
		switch r.t.StateLocked() {
		case task.StateFinished, task.StateCancelled:
			r.t.Unlock()
			r.rt.destroyTask(r.t)
			return nil
		}
		r.t.Cond().Wait()
	}
}

// Test reports whether the referenced task has reached a terminal
// state without blocking (spec §6 taskref_test), including DESTROYED
// after a Wait; it does not destroy the task, since the caller may
// still want to Wait/observe it.
func (r *Ref) Test() bool {
	switch r.t.State() {
	case task.StateFinished, task.StateCancelled, task.StateDestroyed:
		return true
	default:
		return false
	}
}

// Free releases the ref without waiting: if the task has already
// reached a terminal state it is destroyed now, otherwise destruction
// is left to whichever worker completes it (spec §6 taskref_free). A
// task that a Wait already destroyed is left alone.
func (r *Ref) Free() {
	r.t.Lock()
	switch r.t.StateLocked() {
	case task.StateFinished, task.StateCancelled:
		r.t.Unlock()
		r.rt.destroyTask(r.t)
		return
	case task.StateDestroyed:
	default:
		// Cleared under the same lock completeTask takes to capture
		// has_ref, so the completing worker destroys the task.
		r.t.Flags &^= task.FlagHasRef
	}
	r.t.Unlock()
}

// Task exposes the underlying task record, e.g. to pass as a parent to
// a further CreateTask call.
func (r *Ref) Task() *task.Task { return r.t }

// Spawn creates a child of the task currently running on y, the
// Yielder the task body was itself invoked with. This is the
// in-body counterpart to CreateTask: it uses y.Owner() as the
// allocation-locality hint instead of externalOwner.
func (rt *Runtime) Spawn(y task.Yielder, parent *task.Task, fn task.Fn, data interface{}, descs []deps.Descriptor, prio task.Priority, flags task.Flags) (*Ref, error) {
	return rt.CreateTask(parent, y.Owner(), fn, data, descs, prio, flags)
}
