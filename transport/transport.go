// Package transport implements the remote active-message transport
// from spec §4.7: trysend/process/process_blocking realized as a
// per-peer libp2p stream carrying go-msgio-framed envelopes, with a
// point-to-point barrier standing in for the MPI-shaped
// Ibarrier/Ialltoall termination primitives the original spec names
// (see SPEC_FULL.md's DOMAIN STACK note). It implements
// deps.RemoteLinker (remote dependency fan-out), sched.TransportPoller
// (idle-time processing and task_complete's phase/quiescing rounds),
// and copyin.Getter/SendRecver (the GET/SENDRECV transfer
// implementations).
//
// Grounded on node/hello/hello.go's single-protocol stream handler
// (HandleStream/NewStream via host.Host), generalized from a one-shot
// hello exchange into a long-lived bidirectional stream carrying many
// framed messages.
package transport

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/RuhanDev/dash/config"
	"github.com/RuhanDev/dash/deps"
	"github.com/RuhanDev/dash/gptr"
	"github.com/RuhanDev/dash/metrics"
	"github.com/RuhanDev/dash/phase"
	"github.com/RuhanDev/dash/task"
)

var log = logging.Logger("transport")

// ProtocolID is the team's active-message stream protocol (SPEC_FULL.md
// "DOMAIN STACK" note names it literally "/dash/amsgq/1.0.0").
const ProtocolID = protocol.ID("/dash/amsgq/1.0.0")

// roundPollInterval is how often ProcessBlocking re-checks termination
// while waiting on peers, mirroring the teacher's short-poll idioms
// (sched_post.go's watch loop) rather than busy-spinning a network wait.
const roundPollInterval = time.Millisecond

// SegmentSource serves the bytes behind a gptr.Ptr this unit owns, for
// the GET/SENDRECV transfer implementations (spec §4.8). The global
// memory model that produces these bytes (arrays, patterns) is the
// frontend's responsibility and explicitly out of scope (spec §1); a
// nil SegmentSource makes every incoming Get/prefetch request fail:
// the reply carries an error message and the requester's handle
// resolves with a plain error built from it (not a status code), which
// is the correct behavior for a unit that registers no memory for
// remote access.
type SegmentSource interface {
	ReadAt(src gptr.Ptr, dst []byte) error
}

type ownerWaiter struct {
	phase task.Phase
	fire  func()
}

// Transport is one unit's active-message endpoint.
type Transport struct {
	h     host.Host
	self  gptr.UnitID
	peers map[gptr.UnitID]peer.ID
	cfg   config.AMsgQ

	tracker *phase.Tracker
	eng     *deps.Engine
	src     SegmentSource

	metricsCtx context.Context

	connMu sync.Mutex
	conns  map[peer.ID]*peerConn

	inbox chan envelope

	corrMu        sync.Mutex
	corrSeq       uint64
	pendingIn     map[uint64]*task.Task
	pendingInSent map[uint64]time.Time
	pendingGet    map[uint64]getWaiter

	ownerMu      sync.Mutex
	ownerPending map[task.Phase][]ownerWaiter

	roundMu       sync.Mutex
	barrierAcked  map[peer.ID]bool
	peerSendCount map[peer.ID]int64

	sendCountMu sync.Mutex
	sendCounts  map[peer.ID]int64
	recvCounts  map[peer.ID]int64
}

type getWaiter struct {
	h   *handle
	dst []byte
}

// New creates a transport endpoint for the local unit self, addressing
// peers by the given unit->peer.ID table (spec.md's explicitly small,
// pre-configured team membership — no DHT/pubsub discovery, per
// DESIGN.md's dropped-dependency note). tracker is this unit's own
// phase tracker, consulted to gate incoming requests that named a
// phase (spec §4.5 "DELAYED_IN is withheld until the target phase is
// runnable", generalized here to remote requests).
func New(h host.Host, self gptr.UnitID, peers map[gptr.UnitID]peer.ID, tracker *phase.Tracker, cfg config.AMsgQ) *Transport {
	tr := &Transport{
		h:             h,
		self:          self,
		peers:         peers,
		cfg:           cfg,
		tracker:       tracker,
		metricsCtx:    metrics.WithUnit(context.Background(), strconv.FormatUint(uint64(self), 10)),
		conns:         make(map[peer.ID]*peerConn),
		inbox:         make(chan envelope, 256),
		pendingIn:     make(map[uint64]*task.Task),
		pendingInSent: make(map[uint64]time.Time),
		pendingGet:    make(map[uint64]getWaiter),
		ownerPending:  make(map[task.Phase][]ownerWaiter),
		barrierAcked:  make(map[peer.ID]bool),
		peerSendCount: make(map[peer.ID]int64),
		sendCounts:    make(map[peer.ID]int64),
		recvCounts:    make(map[peer.ID]int64),
	}
	h.SetStreamHandler(ProtocolID, tr.handleIncomingStream)
	return tr
}

// SetEngine wires the dependency engine in for ResolveRemote callbacks
// and registers this transport as the engine's RemoteLinker, following
// the same "construct, then wire" pattern SetTransport/SetRemote use
// elsewhere to break an initialization cycle.
func (tr *Transport) SetEngine(eng *deps.Engine) {
	tr.eng = eng
	eng.SetRemote(tr)
}

// SetSegmentSource installs the local memory backing for incoming
// Get/prefetch requests.
func (tr *Transport) SetSegmentSource(s SegmentSource) { tr.src = s }

func (tr *Transport) handleIncomingStream(s network.Stream) {
	pc := newPeerConn(s.Conn().RemotePeer(), s)
	tr.connMu.Lock()
	tr.conns[pc.peer] = pc
	tr.connMu.Unlock()
	go pc.readLoop(tr.onMessage)
}

// connFor returns the (lazily opened) stream to the unit owning addr,
// opening one if this is the first traffic to that peer.
func (tr *Transport) connFor(unit gptr.UnitID) (*peerConn, error) {
	pid, ok := tr.peers[unit]
	if !ok {
		return nil, xerrors.Errorf("transport: no peer registered for unit %d", unit)
	}
	return tr.connToPeer(pid)
}

func (tr *Transport) connToPeer(pid peer.ID) (*peerConn, error) {
	tr.connMu.Lock()
	if pc, ok := tr.conns[pid]; ok {
		tr.connMu.Unlock()
		return pc, nil
	}
	tr.connMu.Unlock()

	s, err := tr.h.NewStream(context.Background(), pid, ProtocolID)
	if err != nil {
		return nil, xerrors.Errorf("transport: opening stream to %s: %w", pid, err)
	}
	pc := newPeerConn(pid, s)

	tr.connMu.Lock()
	if existing, ok := tr.conns[pid]; ok {
		tr.connMu.Unlock()
		pc.close()
		return existing, nil
	}
	tr.conns[pid] = pc
	tr.connMu.Unlock()

	go pc.readLoop(tr.onMessage)
	return pc, nil
}

func (tr *Transport) nextCorrID() uint64 {
	tr.corrMu.Lock()
	defer tr.corrMu.Unlock()
	tr.corrSeq++
	return tr.corrSeq
}

func (tr *Transport) countSend(p peer.ID) {
	tr.sendCountMu.Lock()
	tr.sendCounts[p]++
	tr.sendCountMu.Unlock()
	stats.Record(tr.metricsCtx, metrics.MessagesSent.M(1))
}

// onMessage is the per-stream read callback; it only queues the
// envelope so the actual handling runs on whichever goroutine calls
// Process/PhaseRound/ProcessBlocking (spec's "process() pulls inbound
// messages"), keeping all engine/phase interaction off the network
// goroutines.
func (tr *Transport) onMessage(pc *peerConn, e envelope) {
	tr.sendCountMu.Lock()
	tr.recvCounts[pc.peer]++
	tr.sendCountMu.Unlock()
	select {
	case tr.inbox <- e:
	default:
		log.Warnw("inbox full, dropping active message", "kind", e.Kind, "peer", pc.peer)
	}
}

// Process implements sched.TransportPoller: drain whatever has already
// arrived and flush any owner-side waiters whose phase just became
// runnable. Never blocks.
func (tr *Transport) Process(ctx context.Context) error {
	var merr *multierror.Error
	tr.drainOnce(&merr)
	tr.flushOwnerPending()
	return merr.ErrorOrNil()
}

func (tr *Transport) drainOnce(merr **multierror.Error) {
	for {
		select {
		case e := <-tr.inbox:
			if err := tr.dispatch(e); err != nil {
				*merr = multierror.Append(*merr, err)
			}
		default:
			return
		}
	}
}

func (tr *Transport) dispatch(e envelope) error {
	switch e.Kind {
	case msgRequestIn:
		tr.handleRequestIn(e)
	case msgResolveIn:
		tr.handleResolveIn(e)
	case msgGetReq:
		tr.handleGetReq(e)
	case msgGetResp:
		tr.handleTransferResp(e)
	case msgPrefetchReq:
		tr.handlePrefetchReq(e)
	case msgPrefetchResp:
		tr.handleTransferResp(e)
	case msgPhaseSync:
		// informational only; Process's flushOwnerPending already
		// re-evaluates every call.
	case msgBarrier:
		tr.handleBarrier(e)
	default:
		return xerrors.Errorf("transport: unknown message kind %d", e.Kind)
	}
	return nil
}

// PhaseRound implements sched.TransportPoller's first task_complete
// step: flush any owner-side waiters now satisfied by this unit's
// phase watermark and drain whatever peers have already sent, then
// advise every peer of the round (spec §4.6 "Drive a phase-matching
// round via the transport, which releases DELAYED remote ... tasks up
// to the current phase").
func (tr *Transport) PhaseRound(ctx context.Context, p task.Phase) error {
	roundCtx, _ := tag.New(tr.metricsCtx, tag.Upsert(metrics.RoundKind, "phase"))
	stop := metrics.Timer(roundCtx, metrics.RoundDuration)
	defer stop()

	var merr *multierror.Error
	tr.drainOnce(&merr)
	tr.flushOwnerPending()

	for unit, pid := range tr.peers {
		if unit == tr.self {
			continue
		}
		pc, err := tr.connToPeer(pid)
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		if err := pc.send(envelope{Kind: msgPhaseSync, FromUnit: tr.self, Phase: p}); err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		tr.countSend(pid)
	}

	tr.drainOnce(&merr)
	tr.flushOwnerPending()
	return merr.ErrorOrNil()
}

func (tr *Transport) handleRequestIn(e envelope) {
	pid, ok := tr.peers[e.FromUnit]
	if !ok {
		log.Warnw("request-in from unregistered unit", "unit", e.FromUnit)
		return
	}
	fire := func() { tr.ackResolveIn(pid, e) }
	if e.Phase == task.AnyPhase || tr.tracker.IsRunnable(e.Phase) {
		fire()
		return
	}
	tr.ownerMu.Lock()
	tr.ownerPending[e.Phase] = append(tr.ownerPending[e.Phase], ownerWaiter{phase: e.Phase, fire: fire})
	tr.ownerMu.Unlock()
}

func (tr *Transport) ackResolveIn(pid peer.ID, e envelope) {
	pc, err := tr.connToPeer(pid)
	if err != nil {
		log.Warnw("failed to ack request-in", "peer", pid, "err", err)
		return
	}
	if err := pc.send(envelope{Kind: msgResolveIn, CorrID: e.CorrID, FromUnit: tr.self}); err != nil {
		log.Warnw("failed to send resolve-in", "peer", pid, "err", err)
		return
	}
	tr.countSend(pid)
}

func (tr *Transport) handleResolveIn(e envelope) {
	tr.corrMu.Lock()
	t, ok := tr.pendingIn[e.CorrID]
	sentAt, hadSentAt := tr.pendingInSent[e.CorrID]
	if ok {
		delete(tr.pendingIn, e.CorrID)
		delete(tr.pendingInSent, e.CorrID)
	}
	outstanding := len(tr.pendingIn)
	tr.corrMu.Unlock()
	if !ok {
		log.Warnw("resolve-in for unknown correlation id", "corrID", e.CorrID)
		return
	}
	stats.Record(tr.metricsCtx, metrics.RemoteDepsOutstanding.M(int64(outstanding)))
	if hadSentAt {
		stats.Record(tr.metricsCtx, metrics.RemoteResolveDuration.M(metrics.SinceInMilliseconds(sentAt)))
	}
	tr.eng.ResolveRemote(t)
}

func (tr *Transport) flushOwnerPending() {
	tr.ownerMu.Lock()
	var ready []ownerWaiter
	for p, waiters := range tr.ownerPending {
		if tr.tracker.IsRunnable(p) {
			ready = append(ready, waiters...)
			delete(tr.ownerPending, p)
		}
	}
	tr.ownerMu.Unlock()
	for _, w := range ready {
		w.fire()
	}
}

// RequestIn implements deps.RemoteLinker: it fans desc out to the unit
// owning desc.GPtr and returns immediately, matching spec §4.5's
// "local task increments unresolved_remote_deps and is not enqueued
// until the remote peer confirms ordering" — confirmation arrives
// later as a msgResolveIn, handled by handleResolveIn calling
// Engine.ResolveRemote.
func (tr *Transport) RequestIn(ctx context.Context, t *task.Task, desc deps.Descriptor) error {
	pc, err := tr.connFor(desc.GPtr.Unit)
	if err != nil {
		return err
	}
	corr := tr.nextCorrID()
	tr.corrMu.Lock()
	tr.pendingIn[corr] = t
	tr.pendingInSent[corr] = time.Now()
	outstanding := len(tr.pendingIn)
	tr.corrMu.Unlock()
	stats.Record(tr.metricsCtx, metrics.RemoteDepsOutstanding.M(int64(outstanding)))

	e := envelope{Kind: msgRequestIn, CorrID: corr, FromUnit: tr.self, Phase: t.Phase, GPtr: desc.GPtr}
	if err := pc.send(e); err != nil {
		tr.corrMu.Lock()
		delete(tr.pendingIn, corr)
		delete(tr.pendingInSent, corr)
		tr.corrMu.Unlock()
		return xerrors.Errorf("transport: sending request-in for %s: %w", desc.GPtr, err)
	}
	tr.countSend(pc.peer)
	return nil
}
