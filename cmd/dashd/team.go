package main

import (
	"strconv"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"
	multiaddr "github.com/multiformats/go-multiaddr"
	"golang.org/x/xerrors"

	"github.com/RuhanDev/dash/gptr"
)

// parsePeer splits a "--peer" flag value of the form
// "<unit>@<multiaddr-with-/p2p/-suffix>" into the unit id and the
// libp2p AddrInfo the host should dial, mirroring the teacher's own
// "unit@addr" team-table convention for naming remote counterparts
// (node/modules/lp2p/host.go builds its AddrInfo the same way, from a
// multiaddr carrying a /p2p/ peer id component).
func parsePeer(spec string) (gptr.UnitID, *peer.AddrInfo, error) {
	parts := strings.SplitN(spec, "@", 2)
	if len(parts) != 2 {
		return 0, nil, xerrors.Errorf("dashd: malformed --peer %q, want unit@multiaddr", spec)
	}
	unit, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, nil, xerrors.Errorf("dashd: malformed --peer unit id %q: %w", parts[0], err)
	}
	maddr, err := multiaddr.NewMultiaddr(parts[1])
	if err != nil {
		return 0, nil, xerrors.Errorf("dashd: malformed --peer multiaddr %q: %w", parts[1], err)
	}
	ai, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return 0, nil, xerrors.Errorf("dashd: --peer multiaddr %q has no /p2p/ peer id: %w", parts[1], err)
	}
	return gptr.UnitID(unit), ai, nil
}
