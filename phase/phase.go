// Package phase implements the monotonic phase counter and runnable
// watermark from spec §4.4: a task's phase is the current phase at
// creation time only when its parent is the root task; dependencies
// marked DELAYED are held until the watermark advances past their
// phase. Grounded on the teacher's small mutex-guarded counter
// trackers (sched_resources.go's taskCounter: a lock plus a map,
// Add/Free/Sum) — no third-party library fits a single monotonic
// counter better than sync.Mutex, so this package is stdlib-only by
// the same justification that applies to taskCounter in the teacher.
package phase

import (
	"sync"

	"github.com/RuhanDev/dash/task"
)

// Tracker holds the current phase, the runnable watermark, and a count
// of outstanding tasks per phase (spec §4.4 "State").
type Tracker struct {
	mu sync.Mutex

	current   task.Phase
	runnable  task.Phase
	taskCount map[task.Phase]int
}

// New creates a tracker starting at phase 0 with phase 0 runnable.
func New() *Tracker {
	return &Tracker{taskCount: make(map[task.Phase]int)}
}

// Current returns the current phase (spec §4.4 phase_current).
func (t *Tracker) Current() task.Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Advance increments the current phase and returns the new value
// (spec §6 phase_advance, frontend-visible).
func (t *Tracker) Advance() task.Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current++
	return t.current
}

// SetRunnable advances the runnable watermark to p (spec §4.4
// phase_set_runnable). It is a no-op if p is behind the current
// watermark: the watermark never regresses.
func (t *Tracker) SetRunnable(p task.Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p > t.runnable {
		t.runnable = p
	}
}

// Runnable reports the current watermark.
func (t *Tracker) Runnable() task.Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runnable
}

// IsRunnable reports whether p is at or before the runnable watermark,
// or is the always-runnable sentinel AnyPhase (spec §4.4: "a task's
// phase is ANY [...]  (always runnable by phase)").
func (t *Tracker) IsRunnable(p task.Phase) bool {
	if p == task.AnyPhase {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return p <= t.runnable
}

// AddTask records a task created at phase p (spec §4.4
// phase_add_task).
func (t *Tracker) AddTask(p task.Phase) {
	if p == task.AnyPhase {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.taskCount[p]++
}

// TakeTask records a task at phase p finishing (spec §4.4
// phase_take_task); once a phase's count reaches zero it is dropped
// from the map.
func (t *Tracker) TakeTask(p task.Phase) {
	if p == task.AnyPhase {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.taskCount[p] <= 1 {
		delete(t.taskCount, p)
	} else {
		t.taskCount[p]--
	}
}

// Outstanding returns how many tasks created at phase p are still
// tracked as pending.
func (t *Tracker) Outstanding(p task.Phase) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.taskCount[p]
}

// Reset returns the tracker to its zero state (spec §4.4 phase_reset),
// used by task_complete on the root task once local and remote
// activity has quiesced (spec §4.6 step 3).
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = 0
	t.runnable = 0
	t.taskCount = make(map[task.Phase]int)
}

// PhaseForChild computes the phase a newly created task inherits (spec
// §3: "phase index inherited from parent only when the parent is the
// root; else ANY").
func (t *Tracker) PhaseForChild(parentIsRoot bool) task.Phase {
	if !parentIsRoot {
		return task.AnyPhase
	}
	return t.Current()
}
