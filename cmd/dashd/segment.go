package main

import (
	"sync"

	"golang.org/x/xerrors"

	"github.com/RuhanDev/dash/gptr"
)

// memSegments is the demo binary's stand-in for the frontend's global
// array/pattern memory model, which spec §1 explicitly puts out of
// scope. It backs transport.SegmentSource with a flat per-segment byte
// slab addressed by (segment, offset), just enough to exercise GET and
// SENDRECV end to end.
type memSegments struct {
	mu   sync.RWMutex
	data map[gptr.SegmentID][]byte
}

func newMemSegments() *memSegments {
	return &memSegments{data: make(map[gptr.SegmentID][]byte)}
}

// Register allocates (or replaces) the backing bytes for a segment.
func (m *memSegments) Register(seg gptr.SegmentID, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[seg] = data
}

// ReadAt implements transport.SegmentSource.
func (m *memSegments) ReadAt(src gptr.Ptr, dst []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	buf, ok := m.data[src.Segment]
	if !ok {
		return xerrors.Errorf("dashd: no segment %d registered on this unit", src.Segment)
	}
	end := int(src.Offset) + len(dst)
	if end > len(buf) {
		return xerrors.Errorf("dashd: read of %d bytes at offset %d overruns segment %d (len %d)", len(dst), src.Offset, src.Segment, len(buf))
	}
	copy(dst, buf[src.Offset:end])
	return nil
}

// WriteAt lets the demo DAG's OUT tasks publish into local segment
// memory the same way a real frontend's array write would.
func (m *memSegments) WriteAt(dst gptr.Ptr, src []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.data[dst.Segment]
	if !ok {
		return xerrors.Errorf("dashd: no segment %d registered on this unit", dst.Segment)
	}
	end := int(dst.Offset) + len(src)
	if end > len(buf) {
		return xerrors.Errorf("dashd: write of %d bytes at offset %d overruns segment %d (len %d)", len(src), dst.Offset, dst.Segment, len(buf))
	}
	copy(buf[dst.Offset:end], src)
	return nil
}
