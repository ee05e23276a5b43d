package geom

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
)

func TestIntersectAABB(t *testing.T) {
	box := NewAABB(mgl32.Vec3{0, 0, 0}, mgl32.Vec3{1, 1, 1})

	r := NewRay(mgl32.Vec3{0.5, 0.5, -1}, mgl32.Vec3{0, 0, 1})
	tEnter, ok := r.IntersectAABB(box)
	if !ok {
		t.Fatal("expected hit")
	}
	if tEnter < 0.99 || tEnter > 1.01 {
		t.Fatalf("tEnter: got %f want ~1", tEnter)
	}

	miss := NewRay(mgl32.Vec3{2, 2, -1}, mgl32.Vec3{0, 0, 1})
	if _, ok := miss.IntersectAABB(box); ok {
		t.Fatal("expected miss")
	}

	// Ray starting inside still enters at t=0 going forward.
	inside := NewRay(mgl32.Vec3{0.5, 0.5, 0.5}, mgl32.Vec3{0, 0, 1})
	tEnter, ok = inside.IntersectAABB(box)
	if !ok || tEnter != 0 {
		t.Fatalf("inside: got (%f,%v) want (0,true)", tEnter, ok)
	}
}

func TestDDAWalksStraightLine(t *testing.T) {
	box := NewAABB(mgl32.Vec3{0, 0, 0}, mgl32.Vec3{4, 4, 4})
	r := NewRay(mgl32.Vec3{0.5, 0.5, 0.5}, mgl32.Vec3{1, 0, 0})
	dda := r.BeginDDA(box, V3(4, 4, 4))

	var visited []Vec3i
	for dda.InBounds() {
		visited = append(visited, dda.GridPos())
		dda.Step()
	}
	want := []Vec3i{{0, 0, 0}, {1, 0, 0}, {2, 0, 0}, {3, 0, 0}}
	if len(visited) != len(want) {
		t.Fatalf("visited %v", visited)
	}
	for i := range want {
		if visited[i] != want[i] {
			t.Fatalf("step %d: got %v want %v", i, visited[i], want[i])
		}
	}
}

func TestDDADiagonalStaysInOrder(t *testing.T) {
	box := NewAABB(mgl32.Vec3{0, 0, 0}, mgl32.Vec3{4, 4, 4})
	r := NewRay(mgl32.Vec3{0.1, 0.1, 0.1}, mgl32.Vec3{1, 1, 1}.Normalize())
	dda := r.BeginDDA(box, V3(4, 4, 4))

	prev := dda.GridPos()
	dda.Step()
	for dda.InBounds() {
		cur := dda.GridPos()
		if cur.X < prev.X || cur.Y < prev.Y || cur.Z < prev.Z {
			t.Fatalf("went backwards: %v -> %v", prev, cur)
		}
		prev = cur
		dda.Step()
	}
}

func TestDivRemEuclid(t *testing.T) {
	cases := []struct {
		a, b, q, r int32
	}{
		{7, 4, 1, 3},
		{-1, 4, -1, 3},
		{-4, 4, -1, 0},
		{-5, 4, -2, 3},
		{0, 4, 0, 0},
	}
	for _, c := range cases {
		v := V3(c.a, 0, 0)
		if got := v.DivEuclid(c.b).X; got != c.q {
			t.Fatalf("div %d/%d: got %d want %d", c.a, c.b, got, c.q)
		}
		if got := v.RemEuclid(c.b).X; got != c.r {
			t.Fatalf("rem %d%%%d: got %d want %d", c.a, c.b, got, c.r)
		}
	}
}
