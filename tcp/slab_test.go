package tcp

import "testing"

func TestSlabInsertLookup(t *testing.T) {
	s := NewSlab(4)
	h := &Handler{}
	handle := s.Insert(h)
	got, ok := s.Lookup(handle)
	if !ok || got != h {
		t.Fatalf("Lookup = %v, %v, want %v, true", got, ok, h)
	}
}

func TestSlabRemoveInvalidatesHandle(t *testing.T) {
	s := NewSlab(4)
	h := &Handler{}
	handle := s.Insert(h)
	s.Remove(handle)
	if _, ok := s.Lookup(handle); ok {
		t.Fatal("Lookup succeeded on removed handle")
	}
}

func TestSlabReuseBumpsGeneration(t *testing.T) {
	s := NewSlab(4)
	h1 := &Handler{}
	handle1 := s.Insert(h1)
	s.Remove(handle1)

	h2 := &Handler{}
	handle2 := s.Insert(h2)
	if handle2.Index != handle1.Index {
		t.Fatalf("expected slot reuse, got index %d want %d", handle2.Index, handle1.Index)
	}
	if handle2.Generation == handle1.Generation {
		t.Fatal("generation did not change on reuse")
	}
	if _, ok := s.Lookup(handle1); ok {
		t.Fatal("stale handle from before reuse should not resolve")
	}
	got, ok := s.Lookup(handle2)
	if !ok || got != h2 {
		t.Fatalf("Lookup(handle2) = %v, %v, want %v, true", got, ok, h2)
	}
}

func TestSlabRemoveIsIdempotent(t *testing.T) {
	s := NewSlab(4)
	h := &Handler{}
	handle := s.Insert(h)
	s.Remove(handle)
	s.Remove(handle) // must not panic
}
