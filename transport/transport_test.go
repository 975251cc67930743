package transport_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/require"

	"github.com/RuhanDev/dash/config"
	"github.com/RuhanDev/dash/deps"
	"github.com/RuhanDev/dash/gptr"
	"github.com/RuhanDev/dash/phase"
	"github.com/RuhanDev/dash/task"
	"github.com/RuhanDev/dash/transport"
)

// stubEnqueuer captures every task the engine hands back as runnable,
// standing in for sched.Runtime.Enqueue.
type stubEnqueuer struct {
	enqueued chan *task.Task
}

func newStubEnqueuer() *stubEnqueuer {
	return &stubEnqueuer{enqueued: make(chan *task.Task, 8)}
}

func (s *stubEnqueuer) Enqueue(t *task.Task) { s.enqueued <- t }

func mockPair(t *testing.T) (host.Host, host.Host) {
	mn := mocknet.New()
	h0, err := mn.GenPeer()
	require.NoError(t, err)
	h1, err := mn.GenPeer()
	require.NoError(t, err)
	require.NoError(t, mn.LinkAll())
	require.NoError(t, mn.ConnectAllButSelf())
	return h0, h1
}

// pollUntil calls poll repeatedly until it returns true or the timeout
// elapses, giving mocknet's asynchronous stream delivery time to land
// a message between calls.
func pollUntil(t *testing.T, timeout time.Duration, poll func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if poll() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return poll()
}

func TestRequestInResolvesImmediatelyWhenPhaseIsAny(t *testing.T) {
	h0, h1 := mockPair(t)

	phase0 := phase.New()
	phase1 := phase.New()
	tr0 := transport.New(h0, 0, map[gptr.UnitID]peer.ID{1: h1.ID()}, phase0, config.AMsgQ{})
	tr1 := transport.New(h1, 1, map[gptr.UnitID]peer.ID{0: h0.ID()}, phase1, config.AMsgQ{})
	_ = tr1

	enq := newStubEnqueuer()
	eng0 := deps.New(0, phase0, enq)
	tr0.SetEngine(eng0)

	child := task.New(func(task.Yielder, interface{}) error { return nil }, nil)
	child.IncrRemoteDeps()

	desc := deps.Descriptor{Type: deps.KindIn, GPtr: gptr.Ptr{Unit: 1, Segment: 7, Offset: 0}}
	require.NoError(t, tr0.RequestIn(context.Background(), child, desc))

	ok := pollUntil(t, 2*time.Second, func() bool {
		require.NoError(t, tr1.Process(context.Background()))
		require.NoError(t, tr0.Process(context.Background()))
		return atomic.LoadInt32(&child.UnresolvedRemoteDeps) == 0
	})
	require.True(t, ok, "remote dependency was never resolved")

	select {
	case got := <-enq.enqueued:
		require.Equal(t, child.ID, got.ID)
	default:
		t.Fatal("resolved task was never handed back to the enqueuer")
	}
}

func TestRequestInStaysPendingUntilOwnerPhaseAdvances(t *testing.T) {
	h0, h1 := mockPair(t)

	phase0 := phase.New()
	phase1 := phase.New()
	tr0 := transport.New(h0, 0, map[gptr.UnitID]peer.ID{1: h1.ID()}, phase0, config.AMsgQ{})
	tr1 := transport.New(h1, 1, map[gptr.UnitID]peer.ID{0: h0.ID()}, phase1, config.AMsgQ{})

	enq := newStubEnqueuer()
	eng0 := deps.New(0, phase0, enq)
	tr0.SetEngine(eng0)

	child := task.New(func(task.Yielder, interface{}) error { return nil }, nil)
	child.Phase = task.Phase(3)
	child.IncrRemoteDeps()

	desc := deps.Descriptor{Type: deps.KindIn, GPtr: gptr.Ptr{Unit: 1, Segment: 9, Offset: 0}}
	require.NoError(t, tr0.RequestIn(context.Background(), child, desc))

	// Give the request time to land on unit 1 and be parked there, since
	// phase1's watermark starts at 0 and the request names phase 3.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, tr1.Process(context.Background()))
	require.NoError(t, tr0.Process(context.Background()))
	require.Equal(t, int32(1), atomic.LoadInt32(&child.UnresolvedRemoteDeps))

	phase1.SetRunnable(task.Phase(3))

	ok := pollUntil(t, 2*time.Second, func() bool {
		require.NoError(t, tr1.Process(context.Background()))
		require.NoError(t, tr0.Process(context.Background()))
		return atomic.LoadInt32(&child.UnresolvedRemoteDeps) == 0
	})
	require.True(t, ok, "remote dependency was never released after the owner's phase advanced")
}

type fakeSegment struct{ data []byte }

func (f *fakeSegment) ReadAt(_ gptr.Ptr, dst []byte) error {
	copy(dst, f.data)
	return nil
}

func TestGetFetchesBytesFromSegmentSource(t *testing.T) {
	h0, h1 := mockPair(t)

	phase0 := phase.New()
	phase1 := phase.New()
	tr0 := transport.New(h0, 0, map[gptr.UnitID]peer.ID{1: h1.ID()}, phase0, config.AMsgQ{})
	tr1 := transport.New(h1, 1, map[gptr.UnitID]peer.ID{0: h0.ID()}, phase1, config.AMsgQ{})
	tr1.SetSegmentSource(&fakeSegment{data: []byte("hello-world-payload")})

	dst := make([]byte, len("hello-world-payload"))
	h, err := tr0.Get(context.Background(), gptr.Ptr{Unit: 1, Segment: 3, Offset: 0}, dst)
	require.NoError(t, err)

	ok := pollUntil(t, 2*time.Second, func() bool {
		require.NoError(t, tr1.Process(context.Background()))
		require.NoError(t, tr0.Process(context.Background()))
		return h.Done()
	})
	require.True(t, ok, "get never completed")
	require.NoError(t, h.Wait(context.Background()))
	require.Equal(t, "hello-world-payload", string(dst))
}

func TestProcessBlockingCompletesOnBothSidesOfAQuietRound(t *testing.T) {
	h0, h1 := mockPair(t)

	phase0 := phase.New()
	phase1 := phase.New()
	tr0 := transport.New(h0, 0, map[gptr.UnitID]peer.ID{1: h1.ID()}, phase0, config.AMsgQ{Sync: true})
	tr1 := transport.New(h1, 1, map[gptr.UnitID]peer.ID{0: h0.ID()}, phase1, config.AMsgQ{Sync: true})

	var wg sync.WaitGroup
	var err0, err1 error
	wg.Add(2)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err0 = tr0.ProcessBlocking(ctx)
	}()
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err1 = tr1.ProcessBlocking(ctx)
	}()
	wg.Wait()

	require.NoError(t, err0)
	require.NoError(t, err1)
}
