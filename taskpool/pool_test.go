package taskpool

import (
	"testing"

	"github.com/RuhanDev/dash/task"
)

func noop(y task.Yielder, data interface{}) error { return nil }

func TestGetReusesFreedRecordAndBumpsInstance(t *testing.T) {
	p := New(1, 4)
	a := p.Get(noop, 1)
	a.Instance = 10
	p.Put(a)

	b := p.Get(noop, 2)
	if b != a {
		t.Fatal("expected the freed record to be reused")
	}
	if b.Instance != 11 {
		t.Fatalf("expected instance bumped to 11, got %d", b.Instance)
	}
	if b.Owner != 1 {
		t.Fatalf("expected owner 1, got %d", b.Owner)
	}
}

func TestSlabGrowsOnExhaustion(t *testing.T) {
	p := New(1, 2)
	p.Get(noop, nil)
	p.Get(noop, nil)
	if p.Slabs() != 1 {
		t.Fatalf("expected 1 slab, got %d", p.Slabs())
	}
	p.Get(noop, nil) // exceeds slab size of 2, must allocate a new slab
	if p.Slabs() != 2 {
		t.Fatalf("expected 2 slabs after exhaustion, got %d", p.Slabs())
	}
}

func TestRegistryReleasesToOwner(t *testing.T) {
	reg := NewRegistry()
	p0 := New(0, 4)
	p1 := New(1, 4)
	reg.Register(p0)
	reg.Register(p1)

	tk := p1.Get(noop, nil)
	reg.Release(tk) // released from "another thread"

	again := p1.Get(noop, nil)
	if again != tk {
		t.Fatal("expected task released via registry to come back from owner's pool")
	}
}
