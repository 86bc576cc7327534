package session

import (
	"fmt"
	"sync"
	"testing"
)

func TestGetAbsent(t *testing.T) {
	r := NewMemoryRegistry()
	if h, ok := r.Get("conv-1"); ok || h != "" {
		t.Errorf("Get() on empty registry = (%q, %v), want absent", h, ok)
	}
}

func TestSetGetClear(t *testing.T) {
	r := NewMemoryRegistry()
	r.Set("conv-1", "S1")

	if h, ok := r.Get("conv-1"); !ok || h != "S1" {
		t.Errorf("Get() = (%q, %v), want (S1, true)", h, ok)
	}

	r.Set("conv-1", "S2")
	if h, _ := r.Get("conv-1"); h != "S2" {
		t.Errorf("Get() after replace = %q, want S2", h)
	}

	r.Clear("conv-1")
	if _, ok := r.Get("conv-1"); ok {
		t.Error("Get() after Clear() should be absent")
	}

	// Clearing an absent key must not panic.
	r.Clear("conv-1")
}

func TestLen(t *testing.T) {
	r := NewMemoryRegistry()
	r.Set("a", "1")
	r.Set("b", "2")
	r.Set("a", "3")
	if got := r.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := NewMemoryRegistry()
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("conv-%d", i%5)
			r.Set(id, "h")
			r.Get(id)
			r.Clear(id)
		}()
	}
	wg.Wait()
}
