// Package gptr defines the global pointer value the dependency engine
// and transport consume (spec §6). The frontend that produces these
// values (global arrays, patterns, iterators) is an external
// collaborator and out of scope here; this package only models the
// wire shape the scheduler core needs.
package gptr

import "fmt"

// UnitID identifies a single process within a Team.
type UnitID uint32

// TeamID identifies a group of units that share a dependency and
// transport namespace.
type TeamID uint32

// SegmentID identifies a memory segment registered with the runtime;
// Offset is a byte offset within that segment. The dependency hash
// (deps package) keys exclusively off (Segment, Offset).
type SegmentID uint64

// Flags carries frontend-defined bits the scheduler core does not
// interpret; it is preserved opaquely across the wire.
type Flags uint32

// Ptr is the compact record described in spec §6:
// {segment_id, unit_id, team_id, flags, offset}.
type Ptr struct {
	Segment SegmentID
	Unit    UnitID
	Team    TeamID
	Flags   Flags
	Offset  uint64
}

// Key is the (segment, offset) pair the dependency hash shards and
// chains on.
type Key struct {
	Segment SegmentID
	Offset  uint64
}

// Key projects the dephash key out of a full pointer.
func (p Ptr) Key() Key {
	return Key{Segment: p.Segment, Offset: p.Offset}
}

// Local reports whether p addresses memory on unit, i.e. whether a
// dependency on p can be resolved from the local dephash without
// engaging the transport.
func (p Ptr) Local(unit UnitID) bool {
	return p.Unit == unit
}

func (p Ptr) String() string {
	return fmt.Sprintf("gptr{seg:%d unit:%d team:%d off:%#x}", p.Segment, p.Unit, p.Team, p.Offset)
}
