// Package fiber realizes the context manager from spec §4.1 on top of
// goroutines instead of ucontext/setjmp-longjmp, per Design Notes §9:
// "Model as a first-class stack segment + register image resource with
// explicit create/swap/release; ownership is thread-bound even when
// released by another thread."
//
// A Fiber is a goroutine parked on a pair of rendezvous channels. Entry
// (ctx_create + first ctx_swap) spawns the goroutine and hands it its
// job; ctx_swap thereafter is a channel send/receive pair; ctx_release
// parks the goroutine (rather than letting it exit) onto the owning
// thread's free list so it can be reused, mirroring the teacher's
// thread-bound stack reuse.
package fiber

import (
	"github.com/RuhanDev/dash/task"
)

// Job is the (fn, arg) pair a fiber runs, matching the context header
// the C trampoline reads on first entry (spec §4.1).
type Job struct {
	Fn   task.Fn
	Data interface{}
}

// Result is what a fiber reports back across a swap: either it
// suspended (Suspended==true, Delay carries the yield(delay) request)
// or it finished (Err carries the task body's return value).
type Result struct {
	Suspended bool
	Delay     int
	Err       error
	Cancelled bool
}

// resumeMsg is sent into a fiber to wake it, either with a fresh job
// (first entry) or an empty resume (continuing after a yield).
type resumeMsg struct {
	job        *Job
	cancelled  bool
}

// Fiber is one reusable goroutine-backed context. It is not safe for
// concurrent Start/Resume calls: only the worker that currently "owns"
// the fiber (has it checked out of the free list) may swap into it.
type Fiber struct {
	owner int

	resume  chan resumeMsg
	suspend chan Result

	// suspendDepth is the best-effort sentinel from spec §4.1's
	// "stack overflow detection is best-effort via sentinel words",
	// reinterpreted for a goroutine-backed fiber (which has no fixed
	// stack for a guard page to protect) as a counter of how many
	// times this fiber has suspended without finishing; an
	// unreasonably deep count likely indicates a task that never
	// yields back cleanly, which is the failure this component can
	// actually detect on a growable Go stack.
	suspendDepth int

	running bool
	kill    chan struct{}
}

const suspendDepthSentinel = 1 << 20

// New creates a fiber owned by worker id owner. It does not start the
// underlying goroutine; that happens lazily on the first Start, per
// spec §4.1 "allocated lazily on first invocation".
func New(owner int) *Fiber {
	return &Fiber{
		owner:   owner,
		resume:  make(chan resumeMsg),
		suspend: make(chan Result),
		kill:    make(chan struct{}),
	}
}

// Kill terminates the fiber's trampoline goroutine if one was ever
// started. It must only be called while the fiber is parked (not
// mid-task), which is the state the pool evicts fibers from.
func (f *Fiber) Kill() {
	if f.running {
		close(f.kill)
	}
}

// Owner returns the worker id this fiber's goroutine is bound to (spec
// §4.1: "ownership is thread-bound even when released by another
// thread").
func (f *Fiber) Owner() int { return f.owner }

// yielder adapts a running fiber into the task.Yielder capability
// handed to the task body.
type yielder struct {
	f *Fiber
}

func (y *yielder) Yield(delay int) error {
	res := y.f.suspendSelf(delay)
	if res.cancelled {
		panic(cancelSentinel{})
	}
	return nil
}

func (y *yielder) Owner() int {
	return y.f.Owner()
}

func (y *yielder) Cancelled() bool {
	// A running fiber only learns about cancellation by attempting to
	// yield; between yields it runs to completion on its own thread,
	// per spec §5 "Suspension points" — there is no separate poll
	// path, so Cancelled here reports false and callers rely on
	// Yield's panic-based unwind for the actual check.
	return false
}

// suspendSelf is called from inside the fiber's own goroutine. It
// sends a Suspended result to whoever is waiting in Start or Resume,
// then blocks
// until resumed.
func (f *Fiber) suspendSelf(delay int) resumeMsg {
	f.suspendDepth++
	if f.suspendDepth > suspendDepthSentinel {
		panic("fiber: suspend-depth sentinel exceeded, likely a task that never completes")
	}
	f.suspend <- Result{Suspended: true, Delay: delay}
	return <-f.resume
}

// cancelSentinel is the value the fiber body panics with (and its
// runner recovers) to unwind out of the running task body the same
// way the C runtime's setjmp/longjmp cancellation unwinds to the fiber
// trampoline (spec §4.6 "Cancellation", Design Notes §9).
type cancelSentinel struct{}

// Start begins running job on this fiber's goroutine for the first
// time and blocks until the fiber either yields or finishes.
func (f *Fiber) Start(job Job) Result {
	if !f.running {
		f.running = true
		go f.loop()
	}
	f.resume <- resumeMsg{job: &job}
	return <-f.suspend
}

// Resume continues a previously-suspended fiber and blocks until it
// yields again or finishes. cancelled, when true, is delivered to the
// fiber's next Yield call as a request to unwind (spec §4.6
// "Cancellation").
func (f *Fiber) Resume(cancelled bool) Result {
	f.resume <- resumeMsg{cancelled: cancelled}
	return <-f.suspend
}

// loop is the fiber's trampoline: it repeatedly accepts a job, runs it
// to completion (recovering a cancellation unwind), reports the
// result, and waits for the next job — this is what lets the
// underlying goroutine be reused across many tasks instead of exiting
// after one, matching the teacher's page-aligned stack reuse pool.
func (f *Fiber) loop() {
	for {
		var msg resumeMsg
		select {
		case msg = <-f.resume:
		case <-f.kill:
			return
		}
		if msg.job == nil {
			// Resume() called while no job is in progress (the
			// previous one already finished): nothing to do but report
			// immediate completion.
			f.suspend <- Result{}
			continue
		}
		f.suspendDepth = 0
		result := f.runJob(*msg.job)
		f.suspend <- result
	}
}

func (f *Fiber) runJob(job Job) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(cancelSentinel); ok {
				result = Result{Cancelled: true}
				return
			}
			panic(r)
		}
	}()

	err := job.Fn(&yielder{f: f}, job.Data)
	return Result{Err: err}
}
