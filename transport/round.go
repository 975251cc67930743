package transport

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.opencensus.io/tag"

	"github.com/RuhanDev/dash/metrics"
)

// ProcessBlocking implements spec §4.7's blocking termination round,
// generalized from Ibarrier/Ialltoall to a point-to-point exchange per
// SPEC_FULL.md's DOMAIN STACK note: every peer is sent its send count
// for this round in a single barrier message, and the round is
// complete once every peer has done the same and, unless AMsgQ.Sync
// is set, we've received at least as many messages from each as it
// declared sending (see roundDone).
func (tr *Transport) ProcessBlocking(ctx context.Context) error {
	roundCtx, _ := tag.New(tr.metricsCtx, tag.Upsert(metrics.RoundKind, "blocking"))
	stop := metrics.Timer(roundCtx, metrics.RoundDuration)
	defer stop()

	var merr *multierror.Error

	tr.sendCountMu.Lock()
	snapshot := make(map[peer.ID]int64, len(tr.sendCounts))
	for p, c := range tr.sendCounts {
		snapshot[p] = c
		tr.sendCounts[p] = 0
	}
	for p := range tr.recvCounts {
		tr.recvCounts[p] = 0
	}
	tr.sendCountMu.Unlock()

	tr.roundMu.Lock()
	tr.barrierAcked = make(map[peer.ID]bool)
	tr.peerSendCount = make(map[peer.ID]int64)
	tr.roundMu.Unlock()

	targets := make([]peer.ID, 0, len(tr.peers))
	for unit, pid := range tr.peers {
		if unit == tr.self {
			continue
		}
		targets = append(targets, pid)
		pc, err := tr.connToPeer(pid)
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		if err := pc.send(envelope{Kind: msgBarrier, FromUnit: tr.self, Data: encodeLen(int(snapshot[pid]))}); err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
	}

	for !tr.roundDone(targets) {
		tr.drainOnce(&merr)
		select {
		case <-ctx.Done():
			merr = multierror.Append(merr, ctx.Err())
			return merr.ErrorOrNil()
		case <-time.After(roundPollInterval):
		}
	}
	// Final settle drain: spec step 5's "prevents the next round from
	// picking up stale in-flight messages".
	tr.drainOnce(&merr)
	return merr.ErrorOrNil()
}
