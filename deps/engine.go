package deps

import (
	"context"
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/RuhanDev/dash/gptr"
	"github.com/RuhanDev/dash/phase"
	"github.com/RuhanDev/dash/status"
	"github.com/RuhanDev/dash/task"
)

var log = logging.Logger("deps")

// Enqueuer is how the engine hands a newly-runnable task back to the
// scheduler, without importing the sched package (spec §4.5 "Release:
// ... it is enqueued when it reaches zero").
type Enqueuer interface {
	Enqueue(t *task.Task)
}

// RemoteLinker sends a remote in-dep request for a dependency whose
// gptr addresses another unit (spec §4.5 "Remote fan-out"). The
// transport package implements this and, on confirmation from the
// peer, calls Engine.ResolveRemote to release the local task.
type RemoteLinker interface {
	RequestIn(ctx context.Context, t *task.Task, desc Descriptor) error
}

// CopyinSpawner materializes a COPYIN/COPYIN_R descriptor into a
// prefetch task with a COPYIN_OUT producer entry already bound in the
// engine (spec §4.5 "COPYIN(gptr,size,dest?) creates an internal
// prefetch task..."). The copyin package implements this; the engine
// only calls back through the interface to avoid importing it (copyin
// already imports deps for Kind/Descriptor/Engine.Produce).
type CopyinSpawner interface {
	SpawnCopyin(parent *task.Task, desc Descriptor) (*task.Task, error)
}

// Engine is the dependency engine described in spec §4.5/§2. One
// Engine serves an entire Runtime; its per-parent Hash sharding is
// what keeps concurrent children of different parents from
// contending (spec §4.5 "Concurrency").
type Engine struct {
	unit gptr.UnitID

	phase    *phase.Tracker
	enqueuer Enqueuer
	remote   RemoteLinker
	spawner  CopyinSpawner

	hashesMu sync.Mutex
	hashes   map[uuid.UUID]*Hash

	deferredMu sync.Mutex
	deferred   []*task.Task
}

// New creates an engine for the given local unit id. remote and
// spawner may be nil (single-unit / no-COPYIN configurations); a nil
// remote makes any cross-unit dependency fail with ErrOther, and a nil
// spawner makes any COPYIN/COPYIN_R descriptor fail with ErrInval.
func New(unit gptr.UnitID, tracker *phase.Tracker, enq Enqueuer) *Engine {
	return &Engine{
		unit:     unit,
		phase:    tracker,
		enqueuer: enq,
		hashes:   make(map[uuid.UUID]*Hash),
	}
}

// SetRemote wires the transport's remote-dependency handler in after
// construction, breaking the sched<->transport initialization cycle
// (the transport needs a *Runtime to open streams; the engine needs
// the transport to fan out).
func (eng *Engine) SetRemote(r RemoteLinker) { eng.remote = r }

// SetCopyinSpawner wires the copy-in manager in after construction,
// for the same reason as SetRemote.
func (eng *Engine) SetCopyinSpawner(s CopyinSpawner) { eng.spawner = s }

func (eng *Engine) hashFor(parent *task.Task) *Hash {
	eng.hashesMu.Lock()
	defer eng.hashesMu.Unlock()
	h := eng.hashes[parent.ID]
	if h == nil {
		h = newHash()
		eng.hashes[parent.ID] = h
	}
	return h
}

// Retire drops parent's dependency hash once parent has finished and
// has no outstanding children, so its buckets can be garbage
// collected (spec doesn't name an explicit teardown call, but a
// per-parent hash that outlives its parent forever would leak; this is
// the natural place to release it, matching phase.Tracker.TakeTask's
// symmetric bookkeeping style). It also runs every destructor queued
// on that hash (spec §4.5 "Destructors attached to owned dephash
// entries run at retirement"): by the time parent reaches FINISHED,
// the worker's implicit wait (spec §4.6) has already driven every one
// of parent's children — including both a COPYIN_OUT producer and the
// consumer bound to it — to completion, so it is now safe to return
// pooled buffers those destructors hold.
func (eng *Engine) Retire(parent *task.Task) {
	eng.hashesMu.Lock()
	h, ok := eng.hashes[parent.ID]
	if ok {
		delete(eng.hashes, parent.ID)
	}
	eng.hashesMu.Unlock()
	if !ok {
		return
	}
	for _, dtor := range h.takeDtors() {
		dtor()
	}
}

// ClassifyAll applies every descriptor to child in creation order
// (spec §4.5 "Rules (applied in creation order within a parent)"),
// then enqueues child immediately if it turned out to have zero
// outstanding dependencies (spec §8 "Zero dependencies: task is
// enqueued immediately").
func (eng *Engine) ClassifyAll(parent, child *task.Task, descs []Descriptor) error {
	if eng.phase != nil {
		eng.phase.AddTask(child.Phase)
	}
	for _, d := range descs {
		if err := eng.classify(parent, child, d); err != nil {
			return err
		}
	}
	eng.tryEnqueue(child)
	return nil
}

func (eng *Engine) classify(parent, child *task.Task, desc Descriptor) error {
	if desc.Type != KindDirect && !desc.GPtr.Local(eng.unit) {
		return eng.remoteFanout(child, desc)
	}

	switch desc.Type {
	case KindDirect:
		return nil
	case KindCopyin, KindCopyinR:
		if eng.spawner == nil {
			return status.Invalid("COPYIN requested but no copy-in manager is configured")
		}
		if _, err := eng.spawner.SpawnCopyin(parent, desc); err != nil {
			return xerrors.Errorf("spawning copy-in prefetch: %w", err)
		}
		return eng.linkConsumer(parent, child, Descriptor{Type: KindIn, Phase: desc.Phase, GPtr: desc.GPtr})
	case KindIn, KindDelayedIn:
		return eng.linkConsumer(parent, child, desc)
	case KindOut, KindInout, KindCopyinOut:
		return eng.Produce(parent, child, desc)
	default:
		return status.Invalid("unrecognized dependency kind %v", desc.Type)
	}
}

// linkConsumer implements the IN/DELAYED_IN rule (spec §4.5): link to
// the latest producer (RAW) if any, then record this access as an
// outstanding reader. Concurrent readers never chain to each other.
func (eng *Engine) linkConsumer(parent, child *task.Task, desc Descriptor) error {
	h := eng.hashFor(parent)
	h.mu.Lock()
	defer h.mu.Unlock()

	b := h.bucketFor(desc.GPtr.Key())
	e := &Entry{Kind: desc.Type, Phase: desc.Phase, GPtr: desc.GPtr, Task: child}

	if desc.Type == KindDelayedIn && (child.DelayedUntil == task.AnyPhase || desc.Phase > child.DelayedUntil) {
		child.DelayedUntil = desc.Phase
	}

	if b.producer != nil && b.producer.addSuccessor(child, desc.Type) {
		child.UnresolvedDeps++
	}
	b.readers = append(b.readers, e)
	child.DepsOwned = append(child.DepsOwned, &entryHandle{e: e, eng: eng})
	return nil
}

// Produce implements the OUT/INOUT/COPYIN_OUT rule (spec §4.5): every
// outstanding reader becomes a WAR predecessor, the prior producer (if
// any) becomes a WAW predecessor, and this access supplants both.
// Exported so the copy-in manager can register a COPYIN_OUT entry for
// its prefetch task in the same bucket the declaring IN will bind to.
func (eng *Engine) Produce(parent, child *task.Task, desc Descriptor) error {
	h := eng.hashFor(parent)
	h.mu.Lock()
	defer h.mu.Unlock()

	b := h.bucketFor(desc.GPtr.Key())

	for _, r := range b.readers {
		if r.addSuccessor(child, desc.Type) {
			child.UnresolvedDeps++
		}
	}
	b.readers = b.readers[:0]

	if b.producer != nil && b.producer.addSuccessor(child, desc.Type) {
		child.UnresolvedDeps++
	}

	e := &Entry{Kind: desc.Type, Phase: desc.Phase, GPtr: desc.GPtr, Task: child}
	if desc.Type == KindCopyinOut {
		if dtor := copyinDtorFor(child, desc); dtor != nil {
			// Queued on the hash, not the entry: this producer entry's
			// own release only means the prefetch task finished, not
			// that the IN-declaring consumer it is bound to has read
			// the buffer yet. Engine.Retire runs this only once parent
			// (and therefore both the prefetch task and the consumer,
			// both parent's children) has completed. h.mu is already
			// held here, so the queue is appended to directly rather
			// than through addDtor, which takes h.mu itself.
			h.dtors = append(h.dtors, dtor)
		}
	}
	b.producer = e
	child.DepsOwned = append(child.DepsOwned, &entryHandle{e: e, eng: eng})
	return nil
}

// copyinDtorHook lets the copyin package attach a pool-return
// destructor to a COPYIN_OUT entry without deps importing copyin;
// copyin registers itself via SetCopyinDtorHook at wiring time.
var copyinDtorHook func(t *task.Task, desc Descriptor) func()

// SetCopyinDtorHook installs the destructor factory the copyin package
// uses to return pool-allocated destination buffers at retirement
// (spec §4.5 "attaches a destructor that returns the buffer on dephash
// retirement").
func SetCopyinDtorHook(f func(t *task.Task, desc Descriptor) func()) { copyinDtorHook = f }

func copyinDtorFor(t *task.Task, desc Descriptor) func() {
	if copyinDtorHook == nil {
		return nil
	}
	return copyinDtorHook(t, desc)
}

func (eng *Engine) remoteFanout(child *task.Task, desc Descriptor) error {
	if eng.remote == nil {
		return status.Other("remote dependency on unit %d requested but no transport is configured", desc.GPtr.Unit)
	}
	child.IncrRemoteDeps()
	if err := eng.remote.RequestIn(context.Background(), child, desc); err != nil {
		return xerrors.Errorf("requesting remote dependency: %w", err)
	}
	return nil
}

// ResolveRemote is called by the transport when a remote peer confirms
// ordering for a previously fanned-out dependency (spec §4.5 "The
// local task increments unresolved_remote_deps and is not enqueued
// until the remote peer confirms ordering").
func (eng *Engine) ResolveRemote(t *task.Task) {
	if t.DecrRemoteDeps() {
		eng.tryEnqueue(t)
	}
}

// releaseEntry is called by entryHandle.Release when a task that owns
// this entry finishes (spec §4.5 "Release"). It walks the entry's
// dep_list, decrementing and (when possible) enqueuing each successor.
func (eng *Engine) releaseEntry(e *Entry) {
	for _, s := range e.release() {
		eng.resolveLocal(s)
	}
}

// resolveLocal decrements the successor's dependency counter; the
// DELAYED_IN phase gate (if any) is evaluated uniformly in tryEnqueue
// via DelayedUntil, regardless of which edge triggered the decrement.
func (eng *Engine) resolveLocal(ed edge) {
	if ed.t.DecrDeps() {
		eng.tryEnqueue(ed.t)
	}
}

// tryEnqueue enqueues t if both its dependency counters are zero and
// its phase (and any DELAYED_IN gate) is runnable; otherwise it parks
// t on the deferred list for release by ReleaseDeferred (spec §4.4
// "Dependencies marked DELAYED are held until P_rw advances past their
// phase").
func (eng *Engine) tryEnqueue(t *task.Task) {
	if !t.Runnable() {
		return
	}
	if eng.phaseGated(t) {
		eng.deferTask(t)
		return
	}
	eng.enqueuer.Enqueue(t)
}

func (eng *Engine) phaseGated(t *task.Task) bool {
	if eng.phase == nil {
		return false
	}
	if !eng.phase.IsRunnable(t.Phase) {
		return true
	}
	return !eng.phase.IsRunnable(t.DelayedUntil)
}

func (eng *Engine) deferTask(t *task.Task) {
	switch t.State() {
	case task.StateNascent, task.StateCreated:
		t.SetState(task.StateDeferred)
	}
	eng.deferredMu.Lock()
	eng.deferred = append(eng.deferred, t)
	eng.deferredMu.Unlock()
}

// ReleaseDeferred enqueues every deferred task whose phase gate is now
// satisfied up to upTo (spec §4.4 phase_set_runnable: "makes all tasks
// created at phase <= P runnable without touching later-phase tasks").
// Called by the scheduler after advancing the phase tracker's
// watermark.
func (eng *Engine) ReleaseDeferred(upTo task.Phase) int {
	eng.deferredMu.Lock()
	var keep, ready []*task.Task
	for _, t := range eng.deferred {
		if (t.Phase == task.AnyPhase || t.Phase <= upTo) && (t.DelayedUntil == task.AnyPhase || t.DelayedUntil <= upTo) {
			ready = append(ready, t)
		} else {
			keep = append(keep, t)
		}
	}
	eng.deferred = keep
	eng.deferredMu.Unlock()

	for _, t := range ready {
		eng.enqueuer.Enqueue(t)
	}
	if len(ready) > 0 {
		log.Debugw("released phase-deferred tasks", "count", len(ready), "upTo", upTo)
	}
	return len(ready)
}

// DeferredCount reports how many tasks are currently held on the
// deferred list, for metrics/diagnostics.
func (eng *Engine) DeferredCount() int {
	eng.deferredMu.Lock()
	defer eng.deferredMu.Unlock()
	return len(eng.deferred)
}
