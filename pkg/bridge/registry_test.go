package bridge

import (
	"context"
	"testing"
	"time"
)

func TestRegistryAddAndRemove(t *testing.T) {
	r := NewRegistry()
	a := &Session{}
	if old := r.Add(42, a); old != nil {
		t.Fatalf("Add returned %v, want nil", old)
	}
	if r.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", r.Count())
	}
	got, ok := r.Get(42)
	if !ok || got != a {
		t.Fatalf("Get(42) = %v, %v", got, ok)
	}
	r.Remove(42, a)
	if r.Count() != 0 {
		t.Fatalf("Count() = %d after remove, want 0", r.Count())
	}
	if _, ok := r.Get(42); ok {
		t.Fatal("Get(42) still found after remove")
	}
}

func TestRegistryDisplacement(t *testing.T) {
	r := NewRegistry()
	a := &Session{}
	b := &Session{}
	r.Add(42, a)
	if old := r.Add(42, b); old != a {
		t.Fatalf("Add returned %v, want displaced session", old)
	}
	if r.Count() != 1 {
		t.Fatalf("Count() = %d, want 1 after displacement", r.Count())
	}

	// The displaced session's deferred remove must not evict its successor.
	r.Remove(42, a)
	got, ok := r.Get(42)
	if !ok || got != b {
		t.Fatalf("Get(42) = %v, %v, want successor still registered", got, ok)
	}
	if r.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", r.Count())
	}
	r.Remove(42, b)
	if r.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", r.Count())
	}
}

func TestRegistryDrainingFlag(t *testing.T) {
	r := NewRegistry()
	if r.Draining() {
		t.Fatal("fresh registry reports draining")
	}
	r.SetDraining(true)
	if !r.Draining() {
		t.Fatal("SetDraining(true) not visible")
	}
	r.SetDraining(false)
	if r.Draining() {
		t.Fatal("SetDraining(false) not visible")
	}
}

func TestRegistryWaitForEmpty(t *testing.T) {
	r := NewRegistry()
	s := &Session{}
	r.Add(7, s)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if r.WaitForEmpty(ctx, 5*time.Millisecond) {
		t.Fatal("WaitForEmpty returned true with a live session")
	}

	go func() {
		time.Sleep(15 * time.Millisecond)
		r.Remove(7, s)
	}()
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if !r.WaitForEmpty(ctx2, 5*time.Millisecond) {
		t.Fatal("WaitForEmpty timed out after sessions drained")
	}
}
