package copyin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/RuhanDev/dash/config"
	"github.com/RuhanDev/dash/deps"
	"github.com/RuhanDev/dash/gptr"
	"github.com/RuhanDev/dash/phase"
	"github.com/RuhanDev/dash/task"
	"github.com/RuhanDev/dash/wait"
)

type fakeEnqueuer struct {
	enqueued []*task.Task
}

func (f *fakeEnqueuer) Enqueue(t *task.Task) { f.enqueued = append(f.enqueued, t) }

type fakeHandle struct {
	done bool
	err  error
}

func (h *fakeHandle) Done() bool                     { return h.done }
func (h *fakeHandle) Wait(ctx context.Context) error { return h.err }

type fakeGetter struct {
	h     Handle
	err   error
	calls int
}

func (g *fakeGetter) Get(ctx context.Context, src gptr.Ptr, dst []byte) (Handle, error) {
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	return g.h, nil
}

func newTestManager(cfg config.Copyin, onComplete func(*task.Task)) (*Manager, *fakeEnqueuer) {
	tr := phase.New()
	enq := &fakeEnqueuer{}
	eng := deps.New(gptr.UnitID(0), tr, enq)
	if onComplete == nil {
		onComplete = func(*task.Task) {}
	}
	m := New("0", cfg, eng, enq, wait.New(onComplete), 0)
	return m, enq
}

func TestSpawnCopyinBindsProducerAndEnqueuesWhenRunnable(t *testing.T) {
	m, enq := newTestManager(config.Copyin{Impl: config.CopyinGet, Wait: config.CopyinWaitBlock}, nil)
	m.SetGetter(&fakeGetter{h: &fakeHandle{done: true}})

	parent := task.New(nil, nil)
	child, err := m.SpawnCopyin(parent, deps.Descriptor{Type: deps.KindCopyin, CopyinSize: 16, GPtr: gptr.Ptr{Segment: 1}})
	require.NoError(t, err)
	require.NotNil(t, child)
	require.Len(t, enq.enqueued, 1)
	require.Same(t, child, enq.enqueued[0])
}

func TestSpawnCopyinAdoptsCallerSuppliedDest(t *testing.T) {
	m, _ := newTestManager(config.Copyin{Impl: config.CopyinGet, Wait: config.CopyinWaitBlock}, nil)
	m.SetGetter(&fakeGetter{h: &fakeHandle{done: true}})

	dest := make([]byte, 4)
	parent := task.New(nil, nil)
	child, err := m.SpawnCopyin(parent, deps.Descriptor{Type: deps.KindCopyinR, CopyinDest: dest, GPtr: gptr.Ptr{Segment: 1}})
	require.NoError(t, err)

	db, ok := child.Data.(*destBuf)
	require.True(t, ok)
	require.False(t, db.pooled)
	require.Equal(t, &dest[0], &db.buf[0])
}

func TestTransferFnBlockDisciplineRunsGetThenWaits(t *testing.T) {
	m, _ := newTestManager(config.Copyin{Impl: config.CopyinGet, Wait: config.CopyinWaitBlock}, nil)
	getter := &fakeGetter{h: &fakeHandle{done: true}}
	m.SetGetter(getter)

	parent := task.New(nil, nil)
	child, err := m.SpawnCopyin(parent, deps.Descriptor{Type: deps.KindCopyin, CopyinSize: 8, GPtr: gptr.Ptr{Segment: 2}})
	require.NoError(t, err)

	require.NoError(t, child.Fn(nil, nil))
	require.Equal(t, 1, getter.calls)
}

func TestTransferFnBlockDisciplinePropagatesHandleError(t *testing.T) {
	m, _ := newTestManager(config.Copyin{Impl: config.CopyinGet, Wait: config.CopyinWaitBlock}, nil)
	wantErr := context.DeadlineExceeded
	m.SetGetter(&fakeGetter{h: &fakeHandle{done: true, err: wantErr}})

	parent := task.New(nil, nil)
	child, err := m.SpawnCopyin(parent, deps.Descriptor{Type: deps.KindCopyin, CopyinSize: 8, GPtr: gptr.Ptr{Segment: 3}})
	require.NoError(t, err)

	require.ErrorIs(t, child.Fn(nil, nil), wantErr)
}

func TestTransferFnDetachDisciplineParksOnWaitList(t *testing.T) {
	m, _ := newTestManager(config.Copyin{Impl: config.CopyinGet, Wait: config.CopyinWaitDetach}, nil)
	m.SetGetter(&fakeGetter{h: &fakeHandle{done: false}})

	parent := task.New(nil, nil)
	child, err := m.SpawnCopyin(parent, deps.Descriptor{Type: deps.KindCopyin, CopyinSize: 8, GPtr: gptr.Ptr{Segment: 4}})
	require.NoError(t, err)

	require.ErrorIs(t, child.Fn(nil, nil), task.ErrDetached)
	require.Equal(t, task.StateDetached, child.State())
}

func TestTransferFnUsesSendRecverWhenConfiguredForSendRecv(t *testing.T) {
	m, _ := newTestManager(config.Copyin{Impl: config.CopyinSendRecv, Wait: config.CopyinWaitBlock}, nil)
	sr := &fakeSendRecver{h: &fakeHandle{done: true}}
	m.SetSendRecver(sr)

	parent := task.New(nil, nil)
	child, err := m.SpawnCopyin(parent, deps.Descriptor{Type: deps.KindCopyin, CopyinSize: 8, GPtr: gptr.Ptr{Segment: 5}})
	require.NoError(t, err)

	require.NoError(t, child.Fn(nil, nil))
	require.Equal(t, 1, sr.calls)
}

type fakeSendRecver struct {
	h     Handle
	err   error
	calls int
}

func (s *fakeSendRecver) RequestPrefetch(ctx context.Context, src gptr.Ptr, dst []byte, phase task.Phase) (Handle, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.h, nil
}

func TestSpawnCopyinRejectsZeroSizeWithNilDest(t *testing.T) {
	m, _ := newTestManager(config.Copyin{Impl: config.CopyinGet, Wait: config.CopyinWaitBlock}, nil)
	parent := task.New(nil, nil)
	_, err := m.SpawnCopyin(parent, deps.Descriptor{Type: deps.KindCopyin, GPtr: gptr.Ptr{Segment: 6}})
	require.Error(t, err)
}
