// Package sched implements the scheduler core from spec §4.6: a
// Runtime owns a pool of worker goroutines, a NUMA-grouped set of
// global queues, and the hot-slot/steal machinery that moves a
// dependency-resolved task onto a worker with minimal latency. It
// implements deps.Enqueuer so the dependency engine can hand back a
// runnable task without importing this package.
//
// Grounded on storage/sealer/sched.go almost directly: the
// channel-driven runSched select loop (schedule/workerChange/info
// channels) becomes this package's per-worker goroutine loop plus a
// shared closing/closed channel pair; WorkerHandle/ActiveResources
// accounting becomes taskpool.Registry + queue.HotSlots; Close's
// closing/closed channel idiom is kept verbatim. sched_post.go's
// watch() heartbeat/cond-variable shutdown pattern grounds the WAIT
// idle policy's condition variable.
package sched

import (
	"context"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/RuhanDev/dash/config"
	"github.com/RuhanDev/dash/deps"
	"github.com/RuhanDev/dash/gptr"
	"github.com/RuhanDev/dash/internal/fiber"
	"github.com/RuhanDev/dash/metrics"
	"github.com/RuhanDev/dash/phase"
	"github.com/RuhanDev/dash/queue"
	"github.com/RuhanDev/dash/status"
	"github.com/RuhanDev/dash/task"
	"github.com/RuhanDev/dash/taskpool"
	"github.com/RuhanDev/dash/wait"
)

var log = logging.Logger("sched")

// externalOwner is the reserved pool/worker id attributed to tasks
// created from outside any worker goroutine (the initial root task,
// or any other caller reaching CreateTask directly instead of
// through a running task's Yielder). It is never assigned to a real
// worker.
const externalOwner = -1

// hotSlotsPerWorker is spec §6's documented default.
const hotSlotsPerWorker = 4

// graceSpins is how many times an idle worker retries findTask before
// dropping into its configured idle policy, giving a just-released
// successor a chance to land in a hot slot before paying a sleep's
// latency.
const graceSpins = 64

// TransportPoller is the subset of the transport package's surface
// the scheduler drives without importing it: opportunistic progress
// from idle workers, a phase-matching round for task_complete's first
// step, and the blocking quiescing round for its last (spec §4.6,
// §4.7).
type TransportPoller interface {
	Process(ctx context.Context) error
	PhaseRound(ctx context.Context, p task.Phase) error
	ProcessBlocking(ctx context.Context) error
}

// Runtime is the scheduler core: one per process, owning every
// worker, queue, and the dependency engine that feeds them.
type Runtime struct {
	cfg  *config.Config
	unit gptr.UnitID

	phase    *phase.Tracker
	deps     *deps.Engine
	pools    *taskpool.Registry
	waitList *wait.List

	workers    []*worker
	numaQueues []*queue.Locked
	nodeOf     []int // worker id -> numa node index

	scratchFibers *fiber.Pool // backs externalOwner + helper-worker fiber use

	root *task.Task

	transport TransportPoller

	// metricsCtx carries this unit's tag.Key once, so the hot steal/
	// execute paths record against it without re-tagging a context
	// per call.
	metricsCtx context.Context

	cancelling atomic.Bool

	utilitySeq atomic.Int32

	idleMu   sync.Mutex
	idleCond []*sync.Cond // one per numa node, for IdleWait

	closing chan struct{}
	closed  chan struct{}
	wg      sync.WaitGroup

	started bool
}

// New builds a Runtime for local unit id unit, wiring the phase
// tracker and dependency engine together but not yet starting any
// worker goroutines (see Start).
func New(cfg *config.Config, unit gptr.UnitID) *Runtime {
	if cfg == nil {
		cfg = config.Default()
	}
	count := cfg.Threading.Count
	if count <= 0 {
		count = runtime.NumCPU()
	}

	rt := &Runtime{
		cfg:           cfg,
		unit:          unit,
		phase:         phase.New(),
		pools:         taskpool.NewRegistry(),
		scratchFibers: fiber.NewPool(externalOwner, 8),
		closing:       make(chan struct{}),
		closed:        make(chan struct{}),
	}
	rt.metricsCtx = metrics.WithUnit(context.Background(), strconv.FormatUint(uint64(unit), 10))

	nodes := numaNodeCount(cfg, count)
	rt.numaQueues = make([]*queue.Locked, nodes)
	for i := range rt.numaQueues {
		rt.numaQueues[i] = &queue.Locked{}
	}
	rt.idleCond = make([]*sync.Cond, nodes)
	for i := range rt.idleCond {
		rt.idleCond[i] = sync.NewCond(&rt.idleMu)
	}
	rt.deps = deps.New(unit, rt.phase, rt)
	rt.waitList = wait.New(rt.completeDetached)

	rt.workers = make([]*worker, count)
	rt.nodeOf = make([]int, count)
	for i := 0; i < count; i++ {
		node := i % nodes
		rt.nodeOf[i] = node
		pool := taskpool.New(i, 0)
		rt.pools.Register(pool)
		rt.workers[i] = &worker{
			id:        i,
			node:      node,
			rt:        rt,
			pool:      pool,
			hotSlots:  queue.NewHotSlots(hotSlotsPerWorker),
			fiberPool: fiber.NewPool(i, cfg.Tasking.StackSize/8192), // spec §6: stack size sizes the context free-list capacity
		}
	}

	return rt
}

// SetTransport wires the transport poller in, breaking the
// sched<->transport initialization cycle (the transport is built from
// the Runtime's phase tracker and wired to its engine via SetEngine;
// the Runtime needs the transport to drive task_complete's
// phase/quiescing rounds).
func (rt *Runtime) SetTransport(t TransportPoller) { rt.transport = t }

// Deps exposes the dependency engine so the transport and copyin
// packages can wire themselves into it (SetRemote, SetCopyinSpawner).
func (rt *Runtime) Deps() *deps.Engine { return rt.deps }

// Phase exposes the phase tracker for the frontend's phase_advance /
// phase_set_runnable surface (spec §4.4, §6).
func (rt *Runtime) Phase() *phase.Tracker { return rt.phase }

// WaitList exposes the side list so the copyin/transport packages can
// park DETACHed tasks on it.
func (rt *Runtime) WaitList() *wait.List { return rt.waitList }

// Start launches every worker's goroutine, matching the teacher's
// runSched/Schedule lifecycle of "construct, then run". It does not
// require a root task: CreateRoot may be called before or after Start.
func (rt *Runtime) Start() {
	if rt.started {
		return
	}
	rt.started = true
	log.Infow("starting scheduler", "workers", len(rt.workers), "numaNodes", len(rt.numaQueues))
	for _, w := range rt.workers {
		rt.wg.Add(1)
		go w.run()
	}
}

// Close requests every worker to stop after its current task and
// blocks until they have, following storage/sealer/sched.go's
// closing/closed channel pair.
func (rt *Runtime) Close() error {
	select {
	case <-rt.closing:
		<-rt.closed
		return nil
	default:
	}
	log.Infow("closing scheduler")
	close(rt.closing)
	rt.idleMu.Lock()
	for _, c := range rt.idleCond {
		c.Broadcast()
	}
	rt.idleMu.Unlock()
	rt.wg.Wait()
	for _, w := range rt.workers {
		w.fiberPool.Kill()
	}
	close(rt.closed)
	return nil
}

// UtilityFn is the body a utility thread runs (spec §6
// "utility_thread(fn, data) (spawns a non-participating worker pinned
// differently)"). closing is signalled when the Runtime starts
// closing, so a polling-loop fn knows when to return; data is passed
// through unchanged, same as the C signature's void*.
type UtilityFn func(closing <-chan struct{}, data interface{})

// SpawnUtilityThread implements spec §6's utility_thread(fn, data):
// a goroutine pinned outside the regular worker pool that runs
// fn(data) and exits, grounded on dart_tasking_pthreads.c's
// utility_thread_main (pthread_create, invoke fn(data), thread
// exits). It never touches a NUMA queue or hot slot, so findTask's
// steal order never surfaces it and it never competes with the pool
// for scheduler work (spec §5 thread model: "thread 1 polls the
// transport when idle; additional utility threads may be spawned
// off-pool for transport polling only"). Close blocks until every
// spawned utility thread has returned, so a long-running fn must
// watch closing and return promptly.
func (rt *Runtime) SpawnUtilityThread(fn UtilityFn, data interface{}) {
	id := -(int(rt.utilitySeq.Add(1)) + 1)
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		log.Debugw("utility thread starting", "id", id)
		fn(rt.closing, data)
		log.Debugw("utility thread exiting", "id", id)
	}()
}

// TransportPollFn builds the UtilityFn a caller typically hands
// SpawnUtilityThread: a loop that does nothing but drive
// transport.Process at interval until closing fires, which is the
// "for transport polling only" utility thread spec §5 names as the
// additional-off-pool case beyond thread 1's own opportunistic idle
// polling.
func (rt *Runtime) TransportPollFn(interval time.Duration) UtilityFn {
	return func(closing <-chan struct{}, _ interface{}) {
		if rt.transport == nil {
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-closing:
				return
			case <-ticker.C:
				if err := rt.transport.Process(context.Background()); err != nil {
					log.Warnw("utility thread transport poll failed", "err", err)
				}
			}
		}
	}
}

// CreateRoot creates the ROOT task (spec §3 "one ROOT task exists per
// Runtime") that every user-visible create_task call attaches to as an
// eventual ancestor via task_complete's root/non-root distinction
// (spec §4.6).
func (rt *Runtime) CreateRoot(fn task.Fn, data interface{}) *task.Task {
	pool := rt.pools.PoolFor(externalOwner)
	if pool == nil {
		pool = taskpool.New(externalOwner, 0)
		rt.pools.Register(pool)
	}
	t := pool.Get(fn, data)
	t.Prio = task.PriorityDefault
	t.Phase = rt.phase.PhaseForChild(false)
	t.SetState(task.StateCreated)
	t.SetState(task.StateRoot)
	rt.root = t
	return t
}

// Root returns the Runtime's root task.
func (rt *Runtime) Root() *task.Task { return rt.root }

// CreateTask implements spec §6 create_task: allocate, classify every
// dependency descriptor, and either enqueue immediately (zero
// outstanding deps) or park pending release. owner identifies the
// calling context for task-record allocation locality (the Go
// realization of current_thread(), per task.Yielder.Owner's doc);
// callers outside any worker pass externalOwner here directly, while
// task bodies go through Spawn, which supplies y.Owner().
func (rt *Runtime) CreateTask(parent *task.Task, owner int, fn task.Fn, data interface{}, descs []deps.Descriptor, prio task.Priority, flags task.Flags) (*Ref, error) {
	if parent == nil {
		return nil, status.Invalid("create_task: parent must not be nil (use CreateRoot for the root task)")
	}

	pool := rt.pools.PoolFor(owner)
	if pool == nil {
		pool = rt.pools.PoolFor(externalOwner)
	}
	t := pool.Get(fn, data)
	t.Parent = parent
	t.Prio = resolvePriority(prio, parent)
	t.Flags = flags
	t.Phase = rt.phase.PhaseForChild(parent == rt.root)

	parent.AddChild()
	t.SetState(task.StateCreated)

	if err := rt.deps.ClassifyAll(parent, t, descs); err != nil {
		parent.RemoveChild()
		rt.pools.Release(t)
		log.Debugw("create_task: descriptor classification failed, rolled back", "err", err)
		return nil, xerrors.Errorf("create_task: %w", err)
	}

	if flags&task.FlagHasRef == 0 {
		return nil, nil
	}
	return &Ref{rt: rt, t: t}, nil
}

// resolvePriority resolves the PARENT pseudo-priority to the
// creator's real class; any other value passes through unchanged
// (spec §3 "PARENT copies the creator's class").
func resolvePriority(prio task.Priority, parent *task.Task) task.Priority {
	if prio == task.PriorityParent {
		return parent.Prio
	}
	return prio
}

// Enqueue implements deps.Enqueuer. It performs the
// CREATED/DEFERRED->QUEUED transition the deps and copyin packages
// deliberately leave to the scheduler (so only one place ever makes
// that call), then applies spec §4.6's enqueue policy.
func (rt *Runtime) Enqueue(t *task.Task) {
	switch t.State() {
	case task.StateCreated, task.StateDeferred:
		t.SetState(task.StateQueued)
	}

	if t.Flags&task.FlagImmediate != 0 {
		rt.runImmediate(t)
		return
	}
	rt.place(t)
}

// runImmediate executes t synchronously on the calling goroutine
// rather than scheduling it, per spec §4.6 enqueue policy step 1: "If
// the task is IMMEDIATE, invoke it inline on the releasing thread."
// This can be any goroutine that triggered a dependency release (a
// worker finishing a predecessor, or the copy-in/transport side list)
// so it borrows the scratch fiber pool rather than a specific
// worker's. It goes through runOne, so a pending cancellation diverts
// the task to CANCELLED here just as it would on a worker.
func (rt *Runtime) runImmediate(t *task.Task) {
	h := &worker{id: externalOwner, node: 0, rt: rt, fiberPool: rt.scratchFibers, hotSlots: queue.NewHotSlots(0)}
	h.runOne(t)
}

// place implements enqueue policy steps 2-3: try a same-node worker's
// hot slot first, falling back to that NUMA node's global queue, then
// wake a sleeper (spec §4.6, §4.2 "Queue full (hot slots): enqueue
// falls through to global queue; no task is dropped").
func (rt *Runtime) place(t *task.Task) {
	node := rt.numaNodeFor(t)
	if w := rt.anyWorkerOnNode(node); w != nil && w.hotSlots.TryPut(t) {
		rt.wakeOne(node)
		return
	}
	rt.numaQueues[node].Push(t)
	rt.recordQueueDepth(node)
	rt.wakeOne(node)
}

// recordQueueDepth reports a NUMA node's current global-queue depth,
// the gauge the dashboard-facing TaskQueueDepthView tracks.
func (rt *Runtime) recordQueueDepth(node int) {
	ctx, _ := tag.New(rt.metricsCtx, tag.Upsert(metrics.NumaNode, strconv.Itoa(node)))
	stats.Record(ctx, metrics.TaskQueueDepth.M(int64(rt.numaQueues[node].Len())))
}

// requeue implements yield(delay)'s non-zero-delay placement (spec
// §4.6): negative goes to the back, positive inserts after that many
// positions within the task's priority class.
func (rt *Runtime) requeue(t *task.Task, delay int) {
	node := rt.numaNodeFor(t)
	q := rt.numaQueues[node]
	if delay < 0 {
		q.PushBack(t)
	} else {
		q.Insert(delay, t)
	}
	rt.recordQueueDepth(node)
	rt.wakeOne(node)
}

func (rt *Runtime) numaNodeFor(t *task.Task) int {
	if t.Owner >= 0 && t.Owner < len(rt.nodeOf) {
		return rt.nodeOf[t.Owner]
	}
	return 0
}

func (rt *Runtime) anyWorkerOnNode(node int) *worker {
	for _, w := range rt.workers {
		if w.node == node {
			return w
		}
	}
	return nil
}

func (rt *Runtime) wakeOne(node int) {
	if rt.cfg.Threading.IdlePolicy == config.IdleWait {
		rt.idleMu.Lock()
		rt.idleCond[node].Signal()
		rt.idleMu.Unlock()
	}
}

// completeDetached is the wait.List's onComplete hook: a DETACHED
// task's external handle has resolved, so it runs the normal
// completion sequence on the calling goroutine (the transport
// poller's or an idle worker's), exactly as spec §4.9 describes: "the
// task is marked FINISHED and its successors released as in §4.5".
func (rt *Runtime) completeDetached(t *task.Task) {
	h := &worker{id: externalOwner, node: 0, rt: rt, fiberPool: rt.scratchFibers, hotSlots: queue.NewHotSlots(0)}
	t.SetState(task.StateRunning)
	h.finishRun(t, nil, false)
}

// Cancel sets the cooperative cancellation flag (spec §4.6
// "Cancellation": "a cancellation request sets a flag that workers
// check between tasks"). Already-running fibers observe it on their
// next Yield; queued tasks are diverted to CANCELLED the next time a
// worker would otherwise have run them.
func (rt *Runtime) Cancel() {
	log.Infow("cancellation requested")
	rt.cancelling.Store(true)
}

// Cancelling reports whether a cancellation request is in flight.
func (rt *Runtime) Cancelling() bool { return rt.cancelling.Load() }

// TaskComplete implements spec §4.6's task_complete: for a non-root
// task this is a local implicit wait for its own children; for the
// root task it additionally drives a phase-matching transport round
// before draining, then resets phase state and (unless localOnly)
// drives the blocking quiescing round.
func (rt *Runtime) TaskComplete(t *task.Task, localOnly bool) error {
	if t != rt.root {
		h := &worker{id: externalOwner, node: 0, rt: rt, fiberPool: rt.scratchFibers, hotSlots: queue.NewHotSlots(0)}
		h.implicitWait(t)
		return nil
	}

	if rt.transport != nil && !localOnly {
		if err := rt.transport.PhaseRound(context.Background(), rt.phase.Current()); err != nil {
			return xerrors.Errorf("task_complete: phase round: %w", err)
		}
	}
	rt.deps.ReleaseDeferred(rt.phase.Runnable())

	h := &worker{id: externalOwner, node: 0, rt: rt, fiberPool: rt.scratchFibers, hotSlots: queue.NewHotSlots(0)}
	h.implicitWait(t)

	rt.waitList.DrainBlocking(rt.closing, time.Millisecond)
	rt.phase.Reset()

	if !localOnly && rt.transport != nil {
		if err := rt.transport.ProcessBlocking(context.Background()); err != nil {
			return xerrors.Errorf("task_complete: quiescing round: %w", err)
		}
	}
	return nil
}

// PhaseAdvance implements spec §4.4/§6 phase_advance: bump the phase
// tracker and release any task that was only deferred on the old
// watermark.
func (rt *Runtime) PhaseAdvance() task.Phase {
	p := rt.phase.Advance()
	rt.phase.SetRunnable(p)
	rt.deps.ReleaseDeferred(p)
	return p
}
