package fiber

import (
	"testing"

	"github.com/RuhanDev/dash/task"
)

func TestStartRunsToCompletion(t *testing.T) {
	f := New(0)
	res := f.Start(Job{
		Fn: func(y task.Yielder, data interface{}) error {
			return nil
		},
	})
	if res.Suspended {
		t.Fatal("expected immediate completion, not a suspend")
	}
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
}

func TestYieldSuspendsThenResumesSameFrame(t *testing.T) {
	f := New(0)
	marker := 0

	res := f.Start(Job{
		Fn: func(y task.Yielder, data interface{}) error {
			marker = 1
			_ = y.Yield(0)
			// Scenario 5 (spec §8): verify the SAME frame resumes by
			// writing a second marker value after the yield returns.
			marker = 2
			return nil
		},
	})
	if !res.Suspended {
		t.Fatal("expected the fiber to suspend on Yield")
	}
	if marker != 1 {
		t.Fatalf("expected marker==1 after first write, got %d", marker)
	}

	res = f.Resume(false)
	if res.Suspended {
		t.Fatal("expected completion on resume")
	}
	if marker != 2 {
		t.Fatalf("expected marker==2 after resume, got %d", marker)
	}
}

func TestResumeWithCancelUnwindsTask(t *testing.T) {
	f := New(0)
	ranAfterYield := false

	res := f.Start(Job{
		Fn: func(y task.Yielder, data interface{}) error {
			_ = y.Yield(0)
			ranAfterYield = true
			return nil
		},
	})
	if !res.Suspended {
		t.Fatal("expected suspend")
	}

	res = f.Resume(true)
	if !res.Cancelled {
		t.Fatal("expected a cancelled result")
	}
	if ranAfterYield {
		t.Fatal("task body must not continue past a cancelling yield")
	}
}

func TestFiberIsReusableAfterCompletion(t *testing.T) {
	f := New(0)
	f.Start(Job{Fn: func(task.Yielder, interface{}) error { return nil }})

	res := f.Start(Job{Fn: func(task.Yielder, interface{}) error { return nil }})
	if res.Suspended || res.Err != nil {
		t.Fatal("expected the same fiber to run a second job cleanly")
	}
}

func TestPoolReusesParkedFiber(t *testing.T) {
	p := NewPool(0, 4)
	f1 := p.Get()
	p.Put(f1)
	f2 := p.Get()
	if f1 != f2 {
		t.Fatal("expected to get back the parked fiber")
	}
}

func TestPoolEvictsBeyondCapacity(t *testing.T) {
	p := NewPool(0, 2)
	fibers := make([]*Fiber, 3)
	for i := range fibers {
		fibers[i] = New(0)
		p.Put(fibers[i])
	}
	if p.Len() > 2 {
		t.Fatalf("expected pool capped at 2, got %d", p.Len())
	}
}
