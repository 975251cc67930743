package transport

import (
	"context"
	"encoding/binary"

	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/xerrors"

	"github.com/RuhanDev/dash/copyin"
	"github.com/RuhanDev/dash/gptr"
	"github.com/RuhanDev/dash/task"
)

func encodeLen(n int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(n))
	return b
}

func decodeLen(b []byte) int {
	if len(b) < 4 {
		return 0
	}
	return int(binary.BigEndian.Uint32(b))
}

// Get implements copyin.Getter: the GET realization of spec §4.8's
// copy-in transfer, a one-sided read of src's owning unit's registered
// SegmentSource into dst.
func (tr *Transport) Get(ctx context.Context, src gptr.Ptr, dst []byte) (copyin.Handle, error) {
	return tr.requestTransfer(ctx, msgGetReq, src, dst, task.AnyPhase)
}

// RequestPrefetch implements copyin.SendRecver: the SENDRECV
// realization, gated on phase the same way a DELAYED_IN dependency is
// (spec §4.8: "the producer responds with a send task whose dependency
// is a DELAYED_IN in the phase named in the request").
func (tr *Transport) RequestPrefetch(ctx context.Context, src gptr.Ptr, dst []byte, phase task.Phase) (copyin.Handle, error) {
	return tr.requestTransfer(ctx, msgPrefetchReq, src, dst, phase)
}

func (tr *Transport) requestTransfer(ctx context.Context, kind msgKind, src gptr.Ptr, dst []byte, phase task.Phase) (*handle, error) {
	pc, err := tr.connFor(src.Unit)
	if err != nil {
		return nil, err
	}
	corr := tr.nextCorrID()
	h := newHandle()
	tr.corrMu.Lock()
	tr.pendingGet[corr] = getWaiter{h: h, dst: dst}
	tr.corrMu.Unlock()

	e := envelope{Kind: kind, CorrID: corr, FromUnit: tr.self, GPtr: src, Phase: phase, Data: encodeLen(len(dst))}
	if err := pc.send(e); err != nil {
		tr.corrMu.Lock()
		delete(tr.pendingGet, corr)
		tr.corrMu.Unlock()
		return nil, xerrors.Errorf("transport: sending transfer request for %s: %w", src, err)
	}
	tr.countSend(pc.peer)
	return h, nil
}

func (tr *Transport) handleGetReq(e envelope) {
	tr.respondTransfer(e, msgGetResp)
}

func (tr *Transport) handlePrefetchReq(e envelope) {
	fire := func() { tr.respondTransfer(e, msgPrefetchResp) }
	if e.Phase == task.AnyPhase || tr.tracker.IsRunnable(e.Phase) {
		fire()
		return
	}
	tr.ownerMu.Lock()
	tr.ownerPending[e.Phase] = append(tr.ownerPending[e.Phase], ownerWaiter{phase: e.Phase, fire: fire})
	tr.ownerMu.Unlock()
}

func (tr *Transport) respondTransfer(e envelope, respKind msgKind) {
	pid, ok := tr.peers[e.FromUnit]
	if !ok {
		log.Warnw("transfer request from unregistered unit", "unit", e.FromUnit)
		return
	}
	resp := envelope{Kind: respKind, CorrID: e.CorrID, FromUnit: tr.self}
	if tr.src == nil {
		resp.ErrMsg = "transport: no segment source registered on this unit"
	} else {
		buf := make([]byte, decodeLen(e.Data))
		if err := tr.src.ReadAt(e.GPtr, buf); err != nil {
			resp.ErrMsg = err.Error()
		} else {
			resp.Data = buf
		}
	}

	pc, err := tr.connToPeer(pid)
	if err != nil {
		log.Warnw("failed to respond to transfer request", "peer", pid, "err", err)
		return
	}
	if err := pc.send(resp); err != nil {
		log.Warnw("failed to send transfer response", "peer", pid, "err", err)
		return
	}
	tr.countSend(pid)
}

func (tr *Transport) handleTransferResp(e envelope) {
	tr.corrMu.Lock()
	w, ok := tr.pendingGet[e.CorrID]
	if ok {
		delete(tr.pendingGet, e.CorrID)
	}
	tr.corrMu.Unlock()
	if !ok {
		log.Warnw("transfer response for unknown correlation id", "corrID", e.CorrID)
		return
	}
	if e.ErrMsg != "" {
		w.h.resolve(xerrors.New(e.ErrMsg))
		return
	}
	copy(w.dst, e.Data)
	w.h.resolve(nil)
}

func (tr *Transport) handleBarrier(e envelope) {
	pid, ok := tr.peers[e.FromUnit]
	if !ok {
		return
	}
	tr.roundMu.Lock()
	tr.barrierAcked[pid] = true
	tr.peerSendCount[pid] = int64(decodeLen(e.Data))
	tr.roundMu.Unlock()
}

// roundDone reports whether every non-self peer has sent its barrier
// message (spec §4.7 step 3). In async mode (AMsgQ.Sync==false) it
// additionally requires the declared send count to be matched by what
// we've received from that peer (step 4's all-to-all count check); in
// sync mode the barrier alone suffices, per spec §4.7's "When SYNC is
// false ... an all-to-all exchange ... when SYNC is true, a barrier
// suffices."
func (tr *Transport) roundDone(targets []peer.ID) bool {
	tr.roundMu.Lock()
	defer tr.roundMu.Unlock()
	tr.sendCountMu.Lock()
	defer tr.sendCountMu.Unlock()
	for _, p := range targets {
		if !tr.barrierAcked[p] {
			return false
		}
		if tr.cfg.Sync {
			continue
		}
		if tr.recvCounts[p] < tr.peerSendCount[p] {
			return false
		}
	}
	return true
}
