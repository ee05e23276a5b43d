// Package geom holds the small amount of geometry the voxel core needs:
// integer lattice vectors, axis-aligned boxes, and rays with a grid DDA.
package geom

import "github.com/go-gl/mathgl/mgl32"

// Vec3i is an integer lattice position (chunk, region, or voxel coords).
type Vec3i struct {
	X, Y, Z int32
}

func V3(x, y, z int32) Vec3i { return Vec3i{x, y, z} }

func (v Vec3i) Add(o Vec3i) Vec3i { return Vec3i{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vec3i) Sub(o Vec3i) Vec3i { return Vec3i{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }

func (v Vec3i) AddScalar(s int32) Vec3i { return Vec3i{v.X + s, v.Y + s, v.Z + s} }

func (v Vec3i) MulScalar(s int32) Vec3i { return Vec3i{v.X * s, v.Y * s, v.Z * s} }

// DivEuclid divides each component with floor semantics, so negative
// coordinates map to the correct containing cell.
func (v Vec3i) DivEuclid(s int32) Vec3i {
	return Vec3i{divEuclid(v.X, s), divEuclid(v.Y, s), divEuclid(v.Z, s)}
}

// RemEuclid wraps each component into [0, s).
func (v Vec3i) RemEuclid(s int32) Vec3i {
	return Vec3i{remEuclid(v.X, s), remEuclid(v.Y, s), remEuclid(v.Z, s)}
}

func (v Vec3i) Vec3() mgl32.Vec3 {
	return mgl32.Vec3{float32(v.X), float32(v.Y), float32(v.Z)}
}

// MaxAbsComponent returns the Chebyshev norm of v.
func (v Vec3i) MaxAbsComponent() int32 {
	m := absi32(v.X)
	if a := absi32(v.Y); a > m {
		m = a
	}
	if a := absi32(v.Z); a > m {
		m = a
	}
	return m
}

func divEuclid(a, b int32) int32 {
	q := a / b
	if a%b < 0 {
		if b > 0 {
			q--
		} else {
			q++
		}
	}
	return q
}

func remEuclid(a, b int32) int32 {
	r := a % b
	if r < 0 {
		if b > 0 {
			r += b
		} else {
			r -= b
		}
	}
	return r
}

func absi32(a int32) int32 {
	if a < 0 {
		return -a
	}
	return a
}

// AABB is an axis-aligned box in world space.
type AABB struct {
	Min mgl32.Vec3
	Max mgl32.Vec3
}

func NewAABB(min, max mgl32.Vec3) AABB { return AABB{Min: min, Max: max} }

func (b AABB) SideLength() mgl32.Vec3 { return b.Max.Sub(b.Min) }

func (b AABB) Contains(p mgl32.Vec3) bool {
	return p.X() >= b.Min.X() && p.X() < b.Max.X() &&
		p.Y() >= b.Min.Y() && p.Y() < b.Max.Y() &&
		p.Z() >= b.Min.Z() && p.Z() < b.Max.Z()
}
