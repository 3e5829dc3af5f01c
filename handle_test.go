package sensorhub

import "testing"

func TestRegistryPutGetRemove(t *testing.T) {
	r := newRegistry[string]()

	h := r.Put("a")
	if h == invalidHandle {
		t.Fatal("the first handle ever issued must not equal the invalid/zero handle")
	}
	v, ok := r.Get(h)
	if !ok || v != "a" {
		t.Fatalf("Get = %q, %v", v, ok)
	}

	if !r.Remove(h) {
		t.Fatal("Remove should succeed the first time")
	}
	if r.Remove(h) {
		t.Fatal("Remove should fail the second time")
	}
	if _, ok := r.Get(h); ok {
		t.Fatal("Get should fail after Remove")
	}
}

func TestRegistryGenerationDetectsUseAfterFree(t *testing.T) {
	r := newRegistry[int]()

	h1 := r.Put(1)
	r.Remove(h1)
	h2 := r.Put(2) // reuses h1's slot with a bumped generation

	if h1.index() != h2.index() {
		t.Fatalf("expected slot reuse, got different indices %d != %d", h1.index(), h2.index())
	}
	if h1 == h2 {
		t.Fatal("reused slot must carry a different handle (generation bump)")
	}
	if _, ok := r.Get(h1); ok {
		t.Fatal("stale handle into a reused slot must not resolve")
	}
	v, ok := r.Get(h2)
	if !ok || v != 2 {
		t.Fatalf("Get(h2) = %d, %v", v, ok)
	}
}

func TestRegistryEachSnapshot(t *testing.T) {
	r := newRegistry[int]()
	r.Put(1)
	r.Put(2)
	r.Put(3)

	var sum int
	r.Each(func(h Handle, v int) { sum += v })
	if sum != 6 {
		t.Fatalf("sum = %d, want 6", sum)
	}
}
