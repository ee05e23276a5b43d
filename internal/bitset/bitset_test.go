package bitset

import "testing"

func TestSetGetClear(t *testing.T) {
	b := New(100)
	if b.Len() != 100 {
		t.Fatalf("len: got %d", b.Len())
	}
	for _, i := range []int{0, 31, 32, 63, 64, 99} {
		b.Set(i, true)
		if !b.Get(i) {
			t.Fatalf("bit %d should be set", i)
		}
	}
	if b.Count() != 6 {
		t.Fatalf("count: got %d want 6", b.Count())
	}
	b.Set(32, false)
	if b.Get(32) {
		t.Fatal("bit 32 should be clear")
	}
	if b.Count() != 5 {
		t.Fatalf("count after clear: got %d want 5", b.Count())
	}
}

func TestCloneIndependent(t *testing.T) {
	b := New(64)
	b.Set(5, true)
	c := b.Clone()
	c.Set(5, false)
	if !b.Get(5) {
		t.Fatal("clone mutated the original")
	}
}
