package deps

import (
	"github.com/RuhanDev/dash/gptr"
	"github.com/RuhanDev/dash/task"
)

// Descriptor is the dependency descriptor named in spec §6:
// {type, phase, gptr, copyin:{size, dest?}}.
type Descriptor struct {
	Type  Kind
	Phase task.Phase // compared against the phase tracker's watermark; task.AnyPhase imposes no gate
	GPtr  gptr.Ptr

	// CopyinSize and CopyinDest apply only when Type is KindCopyin or
	// KindCopyinR. CopyinDest is nil to request that the copy-in
	// manager allocate from its size-classed pool (spec §4.5: "If dest
	// is null the runtime allocates from a size-classed pool").
	//
	// COPYIN_R resolved open question (spec names both COPYIN and
	// COPYIN_R with no further detail): COPYIN_R is the caller-owns-the-
	// destination variant implied by the descriptor's optional `dest`
	// field — it always carries a non-nil CopyinDest, so the engine
	// never attaches a pool-return destructor to its COPYIN_OUT entry;
	// plain COPYIN is the pool-allocated variant and always gets one.
	CopyinSize int
	CopyinDest []byte
}
