// Package wait implements the side list from spec §4.9: tasks whose
// completion is gated on an external handle (a copy-in transfer or a
// remote transport round) instead of the ordinary dependency-release
// path. Grounded on the teacher's workTracker (storage/sealer/
// worker_tracked.go): a mutex-guarded map of in-flight call records,
// generalized from "sealing RPC call done" to "transport or copy-in
// handle done".
package wait

import (
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/RuhanDev/dash/task"
)

var log = logging.Logger("wait")

// Handle is the external-completion capability a detached task is
// gated on (spec §3 wait_handle, §4.8/§4.9).
type Handle = task.WaitHandle

type entry struct {
	t *task.Task
	h Handle
}

// List holds every task currently DETACHED on an external handle. It
// is drained by the transport poller (spec §4.9 "The list is drained
// by the transport poller: when a task's handle completes, the task
// is marked FINISHED and its successors released as in §4.5").
type List struct {
	mu      sync.Mutex
	entries map[string]entry

	// onComplete runs the scheduler's normal completion sequence
	// (release successors, decrement parent, free context) once a
	// handle resolves. Supplied by the sched package at construction
	// so this package never imports it.
	onComplete func(t *task.Task)
}

// New creates a side list that invokes onComplete for each task whose
// handle resolves.
func New(onComplete func(t *task.Task)) *List {
	return &List{entries: make(map[string]entry), onComplete: onComplete}
}

// Add parks t on the side list gated on h, transitioning it to
// DETACHED (spec §3 state machine).
func (l *List) Add(t *task.Task, h Handle) {
	t.SetWaitHandle(h)
	t.SetState(task.StateDetached)
	l.mu.Lock()
	l.entries[t.ID.String()] = entry{t: t, h: h}
	l.mu.Unlock()
	log.Debugw("task detached on external handle", "task", t.ID)
}

// Poll scans the side list for satisfied handles and completes them.
// Returns the number completed this call.
func (l *List) Poll() int {
	l.mu.Lock()
	var done []entry
	for id, e := range l.entries {
		if e.h.Done() {
			done = append(done, e)
			delete(l.entries, id)
		}
	}
	l.mu.Unlock()

	for _, e := range done {
		e.t.SetWaitHandle(nil)
		l.onComplete(e.t)
	}
	return len(done)
}

// Len reports how many tasks are currently parked.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// DrainBlocking polls at the given interval until the side list is
// empty or stop fires. Used by task_complete's local-drain phase so a
// detached copy-in doesn't strand a blocking wait forever.
func (l *List) DrainBlocking(stop <-chan struct{}, interval time.Duration) {
	for {
		l.Poll()
		if l.Len() == 0 {
			return
		}
		select {
		case <-stop:
			return
		case <-time.After(interval):
		}
	}
}
