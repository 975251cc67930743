// Package deps implements the dependency engine from spec §4.5:
// phase-ordered RAW/WAW/WAR inference over global memory references,
// per-parent dependency hash sharding, COPYIN materialization, remote
// fan-out, and release-on-completion.
//
// No pack example implements RAW/WAW/WAR dependency chaining (sealing
// has no concept of a memory dependency); the predecessor/successor
// linking follows spec §4.5 directly, grounded for shape on the
// teacher's per-key accounting map (sched_resources.go's taskCounter:
// a lock-guarded map keyed by a caller-defined type) generalized from
// a flat counter map into the spec's bucket-chained dephash.
package deps

// Kind is one of the dependency kinds the frontend may declare, plus
// the internal COPYIN_OUT kind the engine creates for COPYIN
// materialization (spec §4.5).
type Kind int

const (
	KindIn Kind = iota
	KindOut
	KindInout
	KindCopyin
	KindCopyinR
	KindDelayedIn
	KindCopyinOut // internal only; never declared by a caller
	KindDirect
)

func (k Kind) String() string {
	switch k {
	case KindIn:
		return "IN"
	case KindOut:
		return "OUT"
	case KindInout:
		return "INOUT"
	case KindCopyin:
		return "COPYIN"
	case KindCopyinR:
		return "COPYIN_R"
	case KindDelayedIn:
		return "DELAYED_IN"
	case KindCopyinOut:
		return "COPYIN_OUT"
	case KindDirect:
		return "DIRECT"
	default:
		return "UNKNOWN"
	}
}

// IsProducer reports whether a dependency of this kind installs a new
// producer entry in its bucket (OUT/INOUT semantics), as opposed to a
// reader entry (IN semantics).
func (k Kind) IsProducer() bool {
	return k == KindOut || k == KindInout || k == KindCopyinOut
}
