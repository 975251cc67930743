// Package task defines the scheduling unit (spec §3) shared by the
// queue, dephash, scheduler, and transport packages. The fields mirror
// spec §3 exactly; behavior that touches other subsystems (enqueue,
// fiber invocation, dependency release) lives in those packages to
// avoid import cycles — this package only owns the data and the
// state-machine transition checks.
package task

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/RuhanDev/dash/gptr"
)

// ErrDetached is the sentinel a task body returns to tell the
// scheduler it has parked itself on the wait side list (spec §4.8/4.9)
// rather than finished normally; completion is deferred to whoever
// resolves the handle it registered.
var ErrDetached = errors.New("task: detached pending external handle")

// State is one of the lifecycle states from spec §3. Transitions are
// monotonic except SUSPENDED<->QUEUED and the RUNNING->BLOCKED->RUNNING
// cycle (spec §3 invariants), plus DEFERRED->QUEUED, DETACHED->RUNNING
// and ->DESTROYED from any state (see validTransition).
type State int32

const (
	StateNascent State = iota
	StateCreated
	StateQueued
	StateDeferred
	StateRunning
	StateSuspended
	StateBlocked
	StateFinished
	StateCancelled
	StateDetached
	StateDummy
	StateRoot
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateNascent:
		return "NASCENT"
	case StateCreated:
		return "CREATED"
	case StateQueued:
		return "QUEUED"
	case StateDeferred:
		return "DEFERRED"
	case StateRunning:
		return "RUNNING"
	case StateSuspended:
		return "SUSPENDED"
	case StateBlocked:
		return "BLOCKED"
	case StateFinished:
		return "FINISHED"
	case StateCancelled:
		return "CANCELLED"
	case StateDetached:
		return "DETACHED"
	case StateDummy:
		return "DUMMY"
	case StateRoot:
		return "ROOT"
	case StateDestroyed:
		return "DESTROYED"
	default:
		return "UNKNOWN"
	}
}

// Flags is the bitset named in spec §3.
type Flags uint32

const (
	FlagHasRef Flags = 1 << iota
	FlagInline
	FlagImmediate
	FlagDataAllocated
	FlagIsCommTask
	FlagNoYield
)

// Priority is one of the three real priority classes plus the two
// pseudo values from spec §3. PARENT is resolved at creation time to
// the creator's class. INLINE is not resolved: a task created with it
// is queued like any other, and the queue package files every
// non-High priority in its low class.
type Priority int8

const (
	PriorityHigh    Priority = 2
	PriorityDefault Priority = 1
	PriorityLow     Priority = 0

	PriorityParent Priority = -1
	PriorityInline Priority = -2
)

// Phase is a process-local phase index (phase package) or the
// always-runnable sentinel AnyPhase.
type Phase int64

const AnyPhase Phase = -1

// Yielder is the capability a running task body uses to cooperatively
// suspend (spec §4.6 yield/suspend). It is the Go-idiomatic stand-in
// for the C runtime's implicit "current fiber" thread-local: rather
// than reach for a goroutine-local lookup (which Go deliberately has
// no API for, per Design Notes §9's guidance to pass per-thread state
// explicitly), it is handed to the task body as an explicit argument,
// the same way context.Context is threaded through blocking calls.
type Yielder interface {
	// Yield suspends the calling task. delay selects requeue
	// placement on resume: 0=front, negative=back, positive=insert
	// after that many positions (spec §4.6). Illegal to call from an
	// INLINE task; returns ErrInval in that case.
	Yield(delay int) error
	// Cancelled is the cooperative cancellation query (spec §4.6,
	// §5 "Cancellation & timeout"). The Yielders the scheduler hands
	// out (fiber and INLINE/NO_YIELD) always report false; a pending
	// cancellation reaches a fiber-backed task only through Yield.
	Cancelled() bool
	// Owner returns the worker id this invocation is currently running
	// on. This is the Go realization of Design Notes §9's
	// current_thread() accessor: rather than a goroutine-local lookup
	// (which Go deliberately has no API for), a running task's own
	// thread identity is handed to it explicitly through the
	// capability it already receives to suspend itself.
	Owner() int
}

// Fn is a task body. data is the caller-supplied argument blob; y is
// this invocation's suspension capability (for INLINE and NO_YIELD
// tasks, a Yielder whose Yield only returns an error, since they may
// not yield).
type Fn func(y Yielder, data interface{}) error

// DepHandle is the opaque per-task-creation handle the deps package
// attaches; the fields it needs are threaded through here rather than
// importing the deps package, to avoid a task<->deps import cycle.
type DepHandle interface {
	// Release walks this entry's dep_list and enqueues any successor
	// whose counters reach zero, as in spec §4.5 "Release".
	Release()
}

// WaitHandle is the opaque external-completion handle a DETACHED task
// parked on the wait side list is waiting on (spec §3 wait_handle,
// §4.8/§4.9).
type WaitHandle interface {
	// Done reports whether the underlying transport/copy-in operation
	// has completed.
	Done() bool
}

// Task is the scheduling unit described in spec §3.
type Task struct {
	ID uuid.UUID

	Fn   Fn
	Data interface{}

	Parent *Task

	state State
	mu    sync.Mutex // guards state + deps_owned + transitions triple (spec §5 "Shared resources")
	cond  *sync.Cond // broadcast on every state change; backs taskref_wait

	Flags Flags
	Prio  Priority
	Phase Phase

	// UnresolvedDeps and UnresolvedRemoteDeps are decremented by the
	// deps package as predecessors finish; the task is enqueued when
	// both reach zero and its phase is runnable.
	UnresolvedDeps       int32
	UnresolvedRemoteDeps int32

	NumChildren int32 // atomic

	// Instance defeats the ABA problem on task reuse from the free
	// list (spec §3, kept per Design Notes §9).
	Instance uint64

	DepsOwned []DepHandle

	// DelayedUntil is the highest phase named by any DELAYED_IN
	// dependency bound to this task; the task is not runnable until
	// the phase tracker's watermark reaches it, independent of its own
	// Phase (spec §4.5 "DELAYED_IN is withheld from release until the
	// target phase is runnable"). AnyPhase (the default) imposes no
	// gate.
	DelayedUntil Phase

	waitHandle atomic.Pointer[WaitHandle]

	Owner int // worker id that allocated this task, for mempool return

	Next, Prev *Task // intrusive queue membership

	// GPtr is set on internal COPYIN_OUT producer tasks so the deps
	// engine can route their destination buffer's dephash key; it is
	// the zero value for ordinary user tasks.
	GPtr gptr.Ptr

	// fiberCtx holds the *fiber.Fiber the scheduler installs on first
	// invocation; kept as interface{} here to avoid an import cycle
	// (sched/internal fiber imports task, not the other way around). See
	// (*Task).FiberCtx / SetFiberCtx.
	fiberCtx atomic.Pointer[interface{}]
}

// New creates a task in the NASCENT state, matching spec §3's implicit
// "allocated but not yet linked into dependencies" state. The creating
// package (sched.CreateTask, copyin.SpawnCopyin) transitions it to
// CREATED.
func New(fn Fn, data interface{}) *Task {
	t := &Task{
		ID:           uuid.New(),
		Fn:           fn,
		Data:         data,
		state:        StateNascent,
		Prio:         PriorityDefault,
		Phase:        AnyPhase,
		DelayedUntil: AnyPhase,
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Cond exposes the per-task condition variable used to wait for a
// terminal state (spec §6 taskref_wait). Callers must hold Lock().
func (t *Task) Cond() *sync.Cond { return t.cond }

// State returns the task's current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// validTransition enforces spec §3's monotonic-except rule.
func validTransition(from, to State) bool {
	if from == to {
		return false
	}
	switch {
	case from == StateSuspended && to == StateQueued:
		return true
	case from == StateQueued && to == StateSuspended:
		return true
	case from == StateRunning && to == StateBlocked:
		return true
	case from == StateBlocked && to == StateRunning:
		return true
	case from == StateDeferred && to == StateQueued:
		// DEFERRED sits ahead of QUEUED in the enum (it also covers
		// phase-gated holds discovered after a task would otherwise
		// have queued), so release from a phase/dependency hold is a
		// second named exception to the forward-only rule.
		return true
	case from == StateDetached && to == StateRunning:
		// A detached task whose external handle has resolved re-enters
		// RUNNING to run the normal completion sequence to FINISHED.
		return true
	case to == StateDestroyed:
		return true // terminal from any state
	case from == StateFinished, from == StateCancelled, from == StateDestroyed:
		return false // terminal states (besides ->DESTROYED above)
	default:
		// forward-only progression through the remaining states
		return to > from
	}
}

// SetState performs a checked transition, matching spec §3's
// "transitions are monotonic except ..." invariant. It panics on an
// illegal transition: state-machine corruption is a FATAL assertion
// per spec §7, not a recoverable error.
func (t *Task) SetState(to State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !validTransition(t.state, to) {
		panic("task: illegal state transition " + t.state.String() + " -> " + to.String())
	}
	t.state = to
	t.cond.Broadcast()
}

// Lock/Unlock expose the per-task spinlock-equivalent mutex so the
// scheduler and deps packages can perform the atomic
// {state:=FINISHED, capture has_ref, release dep_list} triple required
// by spec §5.
func (t *Task) Lock()   { t.mu.Lock() }
func (t *Task) Unlock() { t.mu.Unlock() }

// StateLocked reads state without acquiring the lock; callers must
// already hold it via Lock().
func (t *Task) StateLocked() State { return t.state }

// SetStateLocked performs the same check as SetState without
// re-acquiring the lock; callers must already hold it.
func (t *Task) SetStateLocked(to State) {
	if !validTransition(t.state, to) {
		panic("task: illegal state transition " + t.state.String() + " -> " + to.String())
	}
	t.state = to
	t.cond.Broadcast()
}

// HasRef reports whether the user holds a weak claim on this task
// (spec §3 ownership: HAS_REF).
func (t *Task) HasRef() bool { return t.Flags&FlagHasRef != 0 }

// AddChild/RemoveChild maintain the atomic num_children counter (spec
// §3).
func (t *Task) AddChild()    { atomic.AddInt32(&t.NumChildren, 1) }
func (t *Task) RemoveChild() int32 {
	return atomic.AddInt32(&t.NumChildren, -1)
}
func (t *Task) ChildCount() int32 { return atomic.LoadInt32(&t.NumChildren) }

// Runnable reports whether both local and remote dependency counters
// have reached zero (spec §3 invariant: unresolved_*==0 iff runnable).
func (t *Task) Runnable() bool {
	return atomic.LoadInt32(&t.UnresolvedDeps) == 0 && atomic.LoadInt32(&t.UnresolvedRemoteDeps) == 0
}

// DecrDeps decrements the local dependency counter and reports whether
// it (and the remote counter) are now both zero.
func (t *Task) DecrDeps() bool {
	atomic.AddInt32(&t.UnresolvedDeps, -1)
	return t.Runnable()
}

// DecrRemoteDeps decrements the remote dependency counter and reports
// whether it (and the local counter) are now both zero.
func (t *Task) DecrRemoteDeps() bool {
	atomic.AddInt32(&t.UnresolvedRemoteDeps, -1)
	return t.Runnable()
}

// IncrRemoteDeps increments the remote dependency counter, used by the
// deps package when a dependency's gptr is not local to this unit
// (spec §4.5 "Remote fan-out").
func (t *Task) IncrRemoteDeps() {
	atomic.AddInt32(&t.UnresolvedRemoteDeps, 1)
}

// SetWaitHandle/GetWaitHandle implement spec §3's wait_handle field:
// wait.List sets it when it parks the task DETACHED on an external
// transport or copy-in handle, and clears it once that handle is done.
func (t *Task) SetWaitHandle(h WaitHandle) {
	if h == nil {
		t.waitHandle.Store(nil)
		return
	}
	t.waitHandle.Store(&h)
}
func (t *Task) GetWaitHandle() WaitHandle {
	v := t.waitHandle.Load()
	if v == nil {
		return nil
	}
	return *v
}

// SetFiberCtx/FiberCtx let the fiber package attach/retrieve the
// lazily-built context pair without task importing fiber.
func (t *Task) SetFiberCtx(ctx interface{}) { t.fiberCtx.Store(&ctx) }
func (t *Task) FiberCtx() interface{} {
	v := t.fiberCtx.Load()
	if v == nil {
		return nil
	}
	return *v
}

// Reinit re-initializes a task popped off a free list for reuse,
// bumping Instance per spec §4.3 ("preserved across reuse and
// incremented on each (re)initialization").
func (t *Task) Reinit(fn Fn, data interface{}, owner int) {
	if t.cond == nil {
		t.cond = sync.NewCond(&t.mu)
	}
	t.Fn = fn
	t.Data = data
	t.Parent = nil
	t.state = StateNascent
	t.Flags = 0
	t.Prio = PriorityDefault
	t.Phase = AnyPhase
	t.UnresolvedDeps = 0
	t.UnresolvedRemoteDeps = 0
	t.NumChildren = 0
	t.DepsOwned = t.DepsOwned[:0]
	t.DelayedUntil = AnyPhase
	t.waitHandle.Store(nil)
	t.Owner = owner
	t.Next, t.Prev = nil, nil
	t.GPtr = gptr.Ptr{}
	t.fiberCtx.Store(nil)
	t.Instance++
	t.ID = uuid.New()
}
