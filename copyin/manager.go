// Package copyin implements the prefetch tasks from spec §4.8: a
// COPYIN/COPYIN_R dependency is materialized into an internal task
// with a COPYIN_OUT producer entry that the declaring task's IN binds
// to, realized by either a one-sided GET or a two-sided SENDRECV
// exchange per config, with BLOCK/DETACH/DETACH_INLINE/YIELD wait
// disciplines for the underlying transfer handle.
//
// No pack example implements a prefetch task (sealing has no copy-in
// concept); the size-classed destination buffer pool is grounded on
// go-buffer-pool's size-class-internal allocator (blockstore/badger/
// blockstore.go's `pool.Get(size)`/`pool.GlobalPool` usage) and the
// bounded-admission pattern is grounded on ActiveResources'
// CanHandleRequest-style gating (storage/sealer/sched_resources.go),
// adapted from CPU/memory accounting to outstanding-prefetch counting.
package copyin

import (
	"context"
	"time"

	bpool "github.com/libp2p/go-buffer-pool"
	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/sync/semaphore"
	"golang.org/x/xerrors"

	"github.com/RuhanDev/dash/config"
	"github.com/RuhanDev/dash/deps"
	"github.com/RuhanDev/dash/gptr"
	"github.com/RuhanDev/dash/metrics"
	"github.com/RuhanDev/dash/task"
	"github.com/RuhanDev/dash/wait"
)

var log = logging.Logger("copyin")

// Handle is the transfer completion capability spec §4.8 names; Get
// and RequestPrefetch return one so the BLOCK/YIELD/DETACH disciplines
// above can wait on it uniformly.
type Handle interface {
	Done() bool
	Wait(ctx context.Context) error
}

// Getter performs the one-sided get the GET implementation consumes;
// this is the minimal contract spec §1 carves out of the one-sided
// get/put primitives it otherwise puts out of scope.
type Getter interface {
	Get(ctx context.Context, src gptr.Ptr, dst []byte) (Handle, error)
}

// SendRecver is the consumer-side half of the SENDRECV implementation
// (spec §4.8): it sends a prefetch request to src's owning unit and
// returns a handle that resolves once the producer's matching send has
// landed in dst.
type SendRecver interface {
	RequestPrefetch(ctx context.Context, src gptr.Ptr, dst []byte, phase task.Phase) (Handle, error)
}

// destBuf tracks whether a destination buffer came from the pool (and
// must be returned at dephash retirement) or was supplied by the
// caller (COPYIN_R; never pooled).
type destBuf struct {
	buf    []byte
	pooled bool
}

// Manager implements deps.CopyinSpawner and owns the size-classed
// destination buffer pool and outstanding-prefetch admission.
type Manager struct {
	cfg config.Copyin

	eng      *deps.Engine
	enqueuer deps.Enqueuer
	waitList *wait.List

	getter  Getter
	sendrcv SendRecver

	admit *semaphore.Weighted

	metricsCtx context.Context
}

// New creates a copy-in manager. unit tags every metric this manager
// records. eng is the dependency engine this manager registers
// COPYIN_OUT entries with; enqueuer schedules the prefetch tasks it
// creates; waitList is where DETACH/DETACH_INLINE transfers park until
// their handle resolves. maxOutstanding bounds concurrent in-flight
// prefetches (0 means unbounded).
func New(unit string, cfg config.Copyin, eng *deps.Engine, enqueuer deps.Enqueuer, waitList *wait.List, maxOutstanding int64) *Manager {
	m := &Manager{cfg: cfg, eng: eng, enqueuer: enqueuer, waitList: waitList, metricsCtx: metrics.WithUnit(context.Background(), unit)}
	if maxOutstanding > 0 {
		m.admit = semaphore.NewWeighted(maxOutstanding)
	}
	eng.SetCopyinSpawner(m)
	deps.SetCopyinDtorHook(m.dtorHook)
	return m
}

// SetGetter/SetSendRecver wire the transport-backed transfer
// implementations in; both may be set even if only one config.Impl is
// active, for testability.
func (m *Manager) SetGetter(g Getter)         { m.getter = g }
func (m *Manager) SetSendRecver(s SendRecver) { m.sendrcv = s }

func (m *Manager) dtorHook(t *task.Task, _ deps.Descriptor) func() {
	db, ok := t.Data.(*destBuf)
	if !ok || !db.pooled {
		return nil
	}
	return func() { bpool.Put(db.buf) }
}

// SpawnCopyin implements deps.CopyinSpawner (spec §4.8): it allocates
// (or adopts) the destination buffer, creates the prefetch task, binds
// it as the COPYIN_OUT producer for desc.GPtr, and enqueues it.
func (m *Manager) SpawnCopyin(parent *task.Task, desc deps.Descriptor) (*task.Task, error) {
	db := &destBuf{buf: desc.CopyinDest}
	if db.buf == nil {
		if desc.CopyinSize <= 0 {
			return nil, xerrors.Errorf("copyin: size must be positive when dest is nil")
		}
		db.buf = bpool.Get(desc.CopyinSize)
		db.pooled = true
	}

	t := task.New(nil, db)
	t.Parent = parent
	t.Prio = task.PriorityHigh
	t.Flags |= task.FlagIsCommTask | task.FlagDataAllocated
	t.GPtr = desc.GPtr
	t.Phase = desc.Phase
	t.Fn = m.transferFn(t, desc.GPtr, db, desc.Phase)
	parent.AddChild()

	if err := m.eng.Produce(parent, t, deps.Descriptor{Type: deps.KindCopyinOut, GPtr: desc.GPtr, Phase: desc.Phase}); err != nil {
		return nil, xerrors.Errorf("binding copy-in producer entry: %w", err)
	}

	t.SetState(task.StateCreated)
	if t.Runnable() {
		m.enqueuer.Enqueue(t)
	}
	return t, nil
}

// transferFn is the prefetch task body: it dispatches to GET or
// SENDRECV per config and applies the configured wait discipline to
// the resulting handle.
func (m *Manager) transferFn(t *task.Task, src gptr.Ptr, db *destBuf, phase task.Phase) task.Fn {
	return func(y task.Yielder, _ interface{}) error {
		if m.admit != nil {
			if err := m.admit.Acquire(context.Background(), 1); err != nil {
				return err
			}
			defer m.admit.Release(1)
		}

		start := time.Now()
		implCtx, _ := tag.New(m.metricsCtx, tag.Upsert(metrics.Impl, string(m.cfg.Impl)))
		h, err := m.transfer(context.Background(), src, db.buf, phase)
		if err != nil {
			m.recordTransfer(implCtx, "error", start, 0)
			return xerrors.Errorf("copy-in transfer: %w", err)
		}

		switch m.cfg.Wait {
		case config.CopyinWaitBlock:
			err := h.Wait(context.Background())
			m.recordTransfer(implCtx, outcomeOf(err), start, len(db.buf))
			return err
		case config.CopyinWaitYield:
			for !h.Done() {
				if err := y.Yield(-1); err != nil {
					m.recordTransfer(implCtx, "error", start, 0)
					return err
				}
			}
			m.recordTransfer(implCtx, "ok", start, len(db.buf))
			return nil
		case config.CopyinWaitDetach, config.CopyinWaitDetachInline:
			// The transfer completes asynchronously off this task's
			// stack; waitList resolves it, so we can only account for
			// dispatch here, not outcome or true duration.
			m.recordTransfer(implCtx, "detached", start, len(db.buf))
			m.waitList.Add(t, h)
			return task.ErrDetached
		default:
			return xerrors.Errorf("copyin: unknown wait discipline %q", m.cfg.Wait)
		}
	}
}

func outcomeOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// recordTransfer records one completed (or dispatched, for the detach
// disciplines) copy-in transfer against the tagged implCtx.
func (m *Manager) recordTransfer(implCtx context.Context, outcome string, start time.Time, n int) {
	ctx, _ := tag.New(implCtx, tag.Upsert(metrics.Outcome, outcome))
	stats.Record(ctx,
		metrics.CopyinTransfers.M(1),
		metrics.CopyinTransferDuration.M(metrics.SinceInMilliseconds(start)),
		metrics.CopyinTransferBytes.M(int64(n)),
	)
}

func (m *Manager) transfer(ctx context.Context, src gptr.Ptr, dst []byte, phase task.Phase) (Handle, error) {
	switch m.cfg.Impl {
	case config.CopyinSendRecv:
		if m.sendrcv == nil {
			return nil, xerrors.Errorf("copyin: SENDRECV configured but no requester wired")
		}
		return m.sendrcv.RequestPrefetch(ctx, src, dst, phase)
	case config.CopyinGet, "":
		if m.getter == nil {
			return nil, xerrors.Errorf("copyin: GET configured but no getter wired")
		}
		return m.getter.Get(ctx, src, dst)
	default:
		return nil, xerrors.Errorf("copyin: unknown implementation %q", m.cfg.Impl)
	}
}
