package morton

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := [][3]uint32{
		{0, 0, 0},
		{1, 0, 0},
		{0, 1, 0},
		{0, 0, 1},
		{3, 3, 3},
		{63, 0, 63},
		{123, 456, 789},
		{0x1f_ffff, 0x1f_ffff, 0x1f_ffff},
	}
	for _, c := range cases {
		m := Encode(c[0], c[1], c[2])
		x, y, z := Decode(m)
		if x != c[0] || y != c[1] || z != c[2] {
			t.Fatalf("round trip (%d,%d,%d) -> %d -> (%d,%d,%d)", c[0], c[1], c[2], m, x, y, z)
		}
	}
}

func TestEncodeAxisBits(t *testing.T) {
	if got := Encode(1, 0, 0); got != 1 {
		t.Fatalf("x bit: got %d", got)
	}
	if got := Encode(0, 1, 0); got != 2 {
		t.Fatalf("y bit: got %d", got)
	}
	if got := Encode(0, 0, 1); got != 4 {
		t.Fatalf("z bit: got %d", got)
	}
	// (3,3,3) fills the two lowest 3-bit groups.
	if got := Encode(3, 3, 3); got != 0b111111 {
		t.Fatalf("(3,3,3): got %b", got)
	}
}

func TestTraversalOctree(t *testing.T) {
	// 101 110 reversed in 3-bit groups is 110 101.
	if got := TraversalOctree(0x2e, 2); got != 0x35 {
		t.Fatalf("got %#x want 0x35", got)
	}
}

func TestTraversal64(t *testing.T) {
	// Two 6-bit digits swap.
	m := uint64(0b000001_111110)
	want := uint64(0b111110_000001)
	if got := Traversal64(m, 2); got != want {
		t.Fatalf("got %#x want %#x", got, want)
	}
	// Height 1 is the identity on a single digit.
	if got := Traversal64(42, 1); got != 42 {
		t.Fatalf("got %d want 42", got)
	}
}
