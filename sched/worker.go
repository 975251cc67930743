package sched

import (
	"context"
	"errors"
	"runtime"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/tag"

	"github.com/RuhanDev/dash/config"
	"github.com/RuhanDev/dash/internal/fiber"
	"github.com/RuhanDev/dash/metrics"
	"github.com/RuhanDev/dash/queue"
	"github.com/RuhanDev/dash/status"
	"github.com/RuhanDev/dash/task"
	"github.com/RuhanDev/dash/taskpool"
)

// worker runs on its own goroutine and owns one set of hot slots and
// one fiber pool. Helper workers constructed on the fly (for
// IMMEDIATE dispatch, detached-task completion, and implicit waits
// called from outside the worker pool) reuse the same type with
// hotSlots sized to zero so they fall straight through to stealing;
// they leave pool nil since task allocation always goes through
// Runtime.CreateTask, never through a worker directly.
type worker struct {
	id   int
	node int
	rt   *Runtime

	pool      *taskpool.Pool
	hotSlots  *queue.HotSlots
	fiberPool *fiber.Pool

	lastVictim *worker
	nextTask   *task.Task
	current    *task.Task

	stealRR int
}

func (w *worker) run() {
	defer w.rt.wg.Done()
	for {
		t := w.findTask()
		if t == nil {
			var ok bool
			t, ok = w.idleWait()
			if !ok {
				return
			}
			if t == nil {
				continue
			}
		}
		w.runOne(t)
	}
}

// runOne applies the between-tasks cancellation check (spec §4.6
// "Cancellation": "a cancellation request sets a flag that workers
// check between tasks") before actually executing t.
func (w *worker) runOne(t *task.Task) {
	if w.rt.cancelling.Load() {
		w.cancelQueued(t)
		return
	}
	w.execute(t)
}

// cancelQueued handles a task a worker picked up while a cancellation
// request is already in flight. A task that was never started has no
// fiber to unwind and is cancelled outright; one that previously
// suspended (delay==0's next_task hand-off can deliver such a task
// here) still has a goroutine parked in suspendSelf, so it must be
// driven through a real Resume(true) to unwind it via the cancel
// panic before its fiber is safe to return to the pool — putting a
// merely-suspended fiber back without resuming it would leave a
// future reuse sending a fresh job into a goroutine still waiting on
// the OLD job's Yield call.
func (w *worker) cancelQueued(t *task.Task) {
	t.SetState(task.StateRunning)
	w.current = t
	if fb, ok := t.FiberCtx().(*fiber.Fiber); ok {
		fb.Resume(true)
	}
	w.finishRun(t, nil, true)
}

// findTask implements spec §4.6's seven-step steal order:
// (a) thread-local next_task hand-off, (b) own hot slots front,
// (c) last victim's hot slots back, (d) round-robin same-node victims'
// hot slots back, (e) same-node global queue, (f) other-node global
// queues, (g) round-robin cross-node victims' hot slots back.
func (w *worker) findTask() *task.Task {
	if t := w.nextTask; t != nil {
		w.nextTask = nil
		return t
	}
	if w.hotSlots != nil {
		if t := w.hotSlots.TryTakeFront(); t != nil {
			return t
		}
	}
	if w.lastVictim != nil {
		stats.Record(w.rt.metricsCtx, metrics.StealAttempts.M(1))
		if t := w.lastVictim.hotSlots.TryTakeBack(); t != nil {
			stats.Record(w.rt.metricsCtx, metrics.StealSuccesses.M(1))
			return t
		}
	}
	for _, v := range w.sameNodeVictims() {
		stats.Record(w.rt.metricsCtx, metrics.StealAttempts.M(1))
		if t := v.hotSlots.TryTakeBack(); t != nil {
			stats.Record(w.rt.metricsCtx, metrics.StealSuccesses.M(1))
			w.lastVictim = v
			return t
		}
	}
	if w.node >= 0 && w.node < len(w.rt.numaQueues) {
		if t := w.rt.numaQueues[w.node].Pop(); t != nil {
			return t
		}
	}
	for _, q := range w.otherNodeQueues() {
		if t := q.PopBack(); t != nil {
			return t
		}
	}
	for _, v := range w.crossNodeVictims() {
		stats.Record(w.rt.metricsCtx, metrics.StealAttempts.M(1))
		if t := v.hotSlots.TryTakeBack(); t != nil {
			stats.Record(w.rt.metricsCtx, metrics.StealSuccesses.M(1))
			return t
		}
	}
	return nil
}

func (w *worker) sameNodeVictims() []*worker {
	var out []*worker
	for _, v := range w.rt.workers {
		if v != w && v.node == w.node {
			out = append(out, v)
		}
	}
	return rotate(out, w.nextRR(len(out)))
}

func (w *worker) crossNodeVictims() []*worker {
	var out []*worker
	for _, v := range w.rt.workers {
		if v.node != w.node {
			out = append(out, v)
		}
	}
	return rotate(out, w.nextRR(len(out)))
}

func (w *worker) otherNodeQueues() []*queue.Locked {
	var out []*queue.Locked
	for i, q := range w.rt.numaQueues {
		if i != w.node {
			out = append(out, q)
		}
	}
	return out
}

func (w *worker) nextRR(n int) int {
	if n == 0 {
		return 0
	}
	w.stealRR = (w.stealRR + 1) % n
	return w.stealRR
}

func rotate(s []*worker, by int) []*worker {
	if len(s) == 0 {
		return s
	}
	by = by % len(s)
	return append(append([]*worker{}, s[by:]...), s[:by]...)
}

// idleWait implements spec §4.6's idle policy: a short grace period of
// spins (giving a just-released hand-off a chance to land) followed by
// POLL/USLEEP/WAIT per config.Threading.IdlePolicy. Idle workers also
// opportunistically drive the transport and side-list poller, since
// spec §4.9 describes the side list as "drained by the transport
// poller" without naming a dedicated thread for it.
func (w *worker) idleWait() (*task.Task, bool) {
	if w.rt.transport != nil {
		_ = w.rt.transport.Process(context.Background())
	}
	w.rt.waitList.Poll()

	for i := 0; i < graceSpins; i++ {
		select {
		case <-w.rt.closing:
			return nil, false
		default:
		}
		if t := w.findTask(); t != nil {
			return t, true
		}
		runtime.Gosched()
	}

	switch w.rt.cfg.Threading.IdlePolicy {
	case config.IdleUsleep:
		select {
		case <-time.After(time.Duration(w.rt.cfg.Threading.IdleSleep)):
		case <-w.rt.closing:
			return nil, false
		}
	case config.IdleWait:
		w.rt.idleMu.Lock()
		w.rt.idleCond[w.node].Wait()
		w.rt.idleMu.Unlock()
	default: // IdlePoll: fall straight back to the run loop
	}

	select {
	case <-w.rt.closing:
		return nil, false
	default:
	}
	return nil, true
}

// execute runs t to completion or suspension. INLINE and NO_YIELD
// tasks run directly on this goroutine with no fiber (they are still
// queued like any other task before reaching here); every other task
// runs on a fiber so it may yield.
func (w *worker) execute(t *task.Task) {
	t.SetState(task.StateRunning)
	w.current = t
	stop := metrics.Timer(w.rt.metricsCtx, metrics.TaskRunDuration)

	if t.Flags&(task.FlagInline|task.FlagNoYield) != 0 {
		err := t.Fn(inlineYielder{owner: w.id}, t.Data)
		stop()
		w.finishRun(t, err, false)
		return
	}

	var res fiber.Result
	if fb, ok := t.FiberCtx().(*fiber.Fiber); ok {
		res = fb.Resume(w.rt.cancelling.Load())
	} else {
		fb := w.fiberPool.Get()
		t.SetFiberCtx(fb)
		res = fb.Start(fiber.Job{Fn: t.Fn, Data: t.Data})
	}

	switch {
	case res.Cancelled:
		stop()
		w.finishRun(t, nil, true)
	case res.Suspended:
		// Not terminal: execute() re-times from scratch on the next
		// Resume, so the suspended interval itself goes unmeasured.
		w.handleSuspend(t, res.Delay)
	default:
		stop()
		w.finishRun(t, res.Err, false)
	}
}

// handleSuspend implements yield(delay)'s requeue placement (spec
// §4.6): delay==0 hands the task straight back to this worker via
// next_task (the fastest path, named first in the steal order);
// nonzero delay releases it through the shared queue. Either way the
// task passes SUSPENDED->QUEUED here, so the RUNNING transition made
// when it is next executed is a legal one.
func (w *worker) handleSuspend(t *task.Task, delay int) {
	t.SetState(task.StateSuspended)
	t.SetState(task.StateQueued)
	if delay == 0 {
		w.nextTask = t
		return
	}
	w.rt.requeue(t, delay)
}

// finishRun handles a fiber/inline invocation's outcome. A detached
// transfer (copyin/transport parking the task on the wait side list)
// leaves state and bookkeeping to whoever resolves that handle;
// everything else runs spec §4.6's completion sequence.
func (w *worker) finishRun(t *task.Task, err error, cancelled bool) {
	if !cancelled && errors.Is(err, task.ErrDetached) {
		w.current = nil
		return
	}
	if cancelled {
		t.SetState(task.StateCancelled)
	} else if t.ChildCount() > 0 {
		// Spec §4.6 Completion: "the worker checks outstanding
		// num_children and, if nonzero and not cancelling, performs an
		// implicit wait" — this is automatic on every fiber return, not
		// just the explicit task_complete() entry point, so a task that
		// Spawn()ed children of its own and returned without an explicit
		// wait doesn't release its successors (or get destroyed) out
		// from under them.
		w.implicitWait(t)
	}
	w.completeTask(t, cancelled)
}

// implicitWait spins this worker through other runnable work while t
// still has outstanding children, per spec §4.6 "Completion: ... if
// nonzero and not cancelling, performs an implicit wait." It is also
// how task_complete's root-task drain and a non-root task_complete
// call are realized, since both are just "wait for num_children==0"
// from whatever goroutine called in.
func (w *worker) implicitWait(t *task.Task) {
	for t.ChildCount() > 0 {
		if w.rt.cancelling.Load() {
			return
		}
		if sub := w.findTask(); sub != nil {
			w.runOne(sub)
			continue
		}
		if w.rt.transport != nil {
			_ = w.rt.transport.Process(context.Background())
		}
		w.rt.waitList.Poll()
		select {
		case <-w.rt.closing:
			return
		default:
		}
		runtime.Gosched()
	}
}

// completeTask implements spec §4.6's completion sequence: release
// local successors, transition to FINISHED under the task's own lock
// (atomic with the has_ref capture), free the fiber context, and
// either destroy the task or leave it for taskref_wait/Free. A
// cancelled task still releases its successors, together with the
// rest of the bookkeeping (phase, dephash retirement, parent
// decrement), so that nothing waiting on them hangs forever; since the
// cancellation flag stays set, runOne diverts each released successor
// to CANCELLED instead of running its body (spec §4.6 "Cancellation":
// "no successor of a cancelled task executes").
func (w *worker) completeTask(t *task.Task, cancelled bool) {
	t.Lock()
	hasRef := t.HasRef()
	if t.StateLocked() != task.StateCancelled {
		t.SetStateLocked(task.StateFinished)
	}
	deps := t.DepsOwned
	t.Unlock()

	outcome := "ok"
	if cancelled {
		outcome = "cancelled"
	}
	ctx, _ := tag.New(w.rt.metricsCtx, tag.Upsert(metrics.Outcome, outcome))
	stats.Record(ctx, metrics.TasksCompleted.M(1))

	for _, d := range deps {
		d.Release()
	}

	w.rt.phase.TakeTask(t.Phase)
	w.rt.deps.Retire(t)

	if fb, ok := t.FiberCtx().(*fiber.Fiber); ok {
		w.fiberPool.Put(fb)
		t.SetFiberCtx(nil)
	}

	w.current = nil

	if parent := t.Parent; parent != nil {
		parent.RemoveChild()
	}

	if hasRef {
		return
	}
	w.rt.destroyTask(t)
}

// destroyTask transitions t to DESTROYED and returns it to its
// owner's free list (spec §4.3 "release always returns to the owner's
// free list").
func (rt *Runtime) destroyTask(t *task.Task) {
	t.Lock()
	if t.StateLocked() != task.StateDestroyed {
		t.SetStateLocked(task.StateDestroyed)
	}
	t.Unlock()
	rt.pools.Release(t)
}

// inlineYielder is handed to INLINE/NO_YIELD task bodies, which spec
// §4.6 forbids from suspending (queue.HotSlots/fiber are never
// involved for them).
type inlineYielder struct{ owner int }

func (y inlineYielder) Yield(int) error {
	return illegalInlineYield
}
func (y inlineYielder) Cancelled() bool { return false }
func (y inlineYielder) Owner() int      { return y.owner }

var illegalInlineYield = status.Invalid("task: yield is illegal from an INLINE or NO_YIELD task")
