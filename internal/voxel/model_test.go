package voxel

import "testing"

func TestNextPowerOf4(t *testing.T) {
	cases := []struct{ in, want uint32 }{
		{0, 1},
		{1, 1},
		{2, 4},
		{4, 4},
		{5, 16},
		{16, 16},
		{17, 64},
		{1 << 30, 1 << 30},
		{1<<30 + 1, 0},
		{1 << 31, 0},
		{^uint32(0), 0},
	}
	for _, c := range cases {
		if got := NextPowerOf4(c.in); got != c.want {
			t.Errorf("NextPowerOf4(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}
