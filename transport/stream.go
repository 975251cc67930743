package transport

import (
	"sync"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-msgio"
)

// peerConn is one long-lived bidirectional stream to a peer, kept
// open for the life of the team (spec's DOMAIN STACK note: "opened
// lazily and kept open", generalizing node/hello/hello.go's
// one-shot-stream-per-call pattern into a persistent connection).
type peerConn struct {
	peer peer.ID
	s    network.Stream

	wmu sync.Mutex
	w   msgio.WriteCloser
	r   msgio.ReadCloser
}

func newPeerConn(p peer.ID, s network.Stream) *peerConn {
	return &peerConn{
		peer: p,
		s:    s,
		w:    msgio.NewWriter(s),
		r:    msgio.NewReader(s),
	}
}

// send frames and writes one envelope. go-msgio's fixed 4-byte
// big-endian length prefix realizes spec §4.7's "(u32 length, u8
// payload[length])" record exactly.
func (pc *peerConn) send(e envelope) error {
	b, err := encode(e)
	if err != nil {
		return err
	}
	pc.wmu.Lock()
	defer pc.wmu.Unlock()
	return pc.w.WriteMsg(b)
}

func (pc *peerConn) close() {
	_ = pc.w.Close()
	_ = pc.r.Close()
	_ = pc.s.Close()
}

// readLoop runs for the life of the stream, decoding one envelope per
// frame and handing it to onMsg. It returns (and the caller tears the
// connection down) once the stream errors or is closed by the peer.
func (pc *peerConn) readLoop(onMsg func(*peerConn, envelope)) {
	for {
		b, err := pc.r.ReadMsg()
		if err != nil {
			return
		}
		e, err := decode(b)
		pc.r.ReleaseMsg(b)
		if err != nil {
			log.Warnw("discarding malformed active message", "peer", pc.peer, "err", err)
			continue
		}
		onMsg(pc, e)
	}
}
