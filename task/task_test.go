package task

import "testing"

func TestStateTransitions(t *testing.T) {
	tk := New(func(Yielder, interface{}) error { return nil }, nil)
	if tk.State() != StateNascent {
		t.Fatalf("expected NASCENT, got %s", tk.State())
	}

	tk.SetState(StateCreated)
	tk.SetState(StateQueued)
	tk.SetState(StateRunning)

	// RUNNING -> BLOCKED -> RUNNING is allowed (spec §3 cycle).
	tk.SetState(StateBlocked)
	tk.SetState(StateRunning)

	// QUEUED <-> SUSPENDED is allowed both ways.
	tk.SetState(StateSuspended)
	if tk.State() != StateSuspended {
		t.Fatalf("expected SUSPENDED, got %s", tk.State())
	}
	tk.SetState(StateQueued)

	tk.SetState(StateRunning)
	tk.SetState(StateFinished)

	if tk.State() != StateFinished {
		t.Fatalf("expected FINISHED, got %s", tk.State())
	}
}

func TestIllegalTransitionPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on illegal transition")
		}
	}()

	tk := New(func(Yielder, interface{}) error { return nil }, nil)
	tk.SetState(StateCreated)
	tk.SetState(StateQueued)
	tk.SetState(StateCreated) // backward, not one of the allowed cycles
}

func TestTerminalStateIsSticky(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic when leaving a terminal state")
		}
	}()

	tk := New(func(Yielder, interface{}) error { return nil }, nil)
	tk.SetState(StateCreated)
	tk.SetState(StateQueued)
	tk.SetState(StateRunning)
	tk.SetState(StateFinished)
	tk.SetState(StateRunning) // illegal: FINISHED is terminal
}

func TestRunnableTracksCounters(t *testing.T) {
	tk := New(func(Yielder, interface{}) error { return nil }, nil)
	tk.UnresolvedDeps = 2
	tk.UnresolvedRemoteDeps = 1

	if tk.Runnable() {
		t.Fatal("should not be runnable with outstanding deps")
	}
	tk.DecrDeps()
	if tk.Runnable() {
		t.Fatal("should still not be runnable")
	}
	tk.DecrDeps()
	if tk.Runnable() {
		t.Fatal("remote dep still outstanding")
	}
	if !tk.DecrRemoteDeps() {
		t.Fatal("expected runnable once all counters reach zero")
	}
}

func TestChildCounting(t *testing.T) {
	tk := New(func(Yielder, interface{}) error { return nil }, nil)
	tk.AddChild()
	tk.AddChild()
	if tk.ChildCount() != 2 {
		t.Fatalf("expected 2 children, got %d", tk.ChildCount())
	}
	if left := tk.RemoveChild(); left != 1 {
		t.Fatalf("expected 1 remaining, got %d", left)
	}
}

func TestReinitBumpsInstance(t *testing.T) {
	tk := New(func(Yielder, interface{}) error { return nil }, nil)
	tk.Instance = 5
	prevID := tk.ID
	tk.Reinit(func(Yielder, interface{}) error { return nil }, "data", 3)
	if tk.Instance != 6 {
		t.Fatalf("expected instance 6, got %d", tk.Instance)
	}
	if tk.ID == prevID {
		t.Fatal("expected a fresh id after reinit")
	}
	if tk.Owner != 3 {
		t.Fatalf("expected owner 3, got %d", tk.Owner)
	}
	if tk.State() != StateNascent {
		t.Fatalf("expected NASCENT after reinit, got %s", tk.State())
	}
}
