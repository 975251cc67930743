package phase

import (
	"testing"

	"github.com/RuhanDev/dash/task"
)

func TestAdvanceThenSetRunnableGatesByPhase(t *testing.T) {
	tr := New()
	tr.AddTask(1)
	tr.AddTask(2)

	if tr.IsRunnable(1) {
		t.Fatal("phase 1 should not be runnable before SetRunnable")
	}

	p := tr.Advance()
	if p != 1 {
		t.Fatalf("expected current phase 1, got %d", p)
	}
	tr.SetRunnable(1)

	if !tr.IsRunnable(1) {
		t.Fatal("phase 1 should be runnable after SetRunnable(1)")
	}
	if tr.IsRunnable(2) {
		t.Fatal("phase 2 should remain gated")
	}
}

func TestAnyPhaseAlwaysRunnable(t *testing.T) {
	tr := New()
	if !tr.IsRunnable(task.AnyPhase) {
		t.Fatal("AnyPhase must always be runnable")
	}
}

func TestWatermarkNeverRegresses(t *testing.T) {
	tr := New()
	tr.SetRunnable(5)
	tr.SetRunnable(2)
	if tr.Runnable() != 5 {
		t.Fatalf("expected watermark to stay at 5, got %d", tr.Runnable())
	}
}

func TestOutstandingCountDecrementsToZero(t *testing.T) {
	tr := New()
	tr.AddTask(3)
	tr.AddTask(3)
	if tr.Outstanding(3) != 2 {
		t.Fatalf("expected 2 outstanding, got %d", tr.Outstanding(3))
	}
	tr.TakeTask(3)
	tr.TakeTask(3)
	if tr.Outstanding(3) != 0 {
		t.Fatalf("expected 0 outstanding, got %d", tr.Outstanding(3))
	}
}
