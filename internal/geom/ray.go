package geom

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

type Ray struct {
	Origin mgl32.Vec3
	Dir    mgl32.Vec3
	InvDir mgl32.Vec3
}

func NewRay(origin, dir mgl32.Vec3) Ray {
	return Ray{
		Origin: origin,
		Dir:    dir,
		InvDir: mgl32.Vec3{1 / dir.X(), 1 / dir.Y(), 1 / dir.Z()},
	}
}

// Advance moves the origin t units along the direction.
func (r *Ray) Advance(t float32) {
	r.Origin = r.Origin.Add(r.Dir.Mul(t))
}

// IntersectPoint returns the per-axis t values at which the ray crosses
// the planes through point.
func (r Ray) IntersectPoint(point mgl32.Vec3) mgl32.Vec3 {
	d := point.Sub(r.Origin)
	return mgl32.Vec3{d.X() * r.InvDir.X(), d.Y() * r.InvDir.Y(), d.Z() * r.InvDir.Z()}
}

// IntersectAABB returns the entry t of the box, forward only.
// The second return is false when the ray misses.
func (r Ray) IntersectAABB(b AABB) (float32, bool) {
	t0 := r.IntersectPoint(b.Min)
	t1 := r.IntersectPoint(b.Max)
	tMin := mgl32.Vec3{
		min32(t0.X(), t1.X()),
		min32(t0.Y(), t1.Y()),
		min32(t0.Z(), t1.Z()),
	}
	tMax := mgl32.Vec3{
		max32(t0.X(), t1.X()),
		max32(t0.Y(), t1.Y()),
		max32(t0.Z(), t1.Z()),
	}
	tEnter := max32(max32(tMin.X(), tMin.Y()), max32(tMin.Z(), 0))
	tExit := min32(min32(tMax.X(), tMax.Y()), tMax.Z())
	if tExit <= tEnter {
		return 0, false
	}
	return tEnter, true
}

// DDA steps a ray through a uniform grid laid over an AABB.
type DDA struct {
	currGrid Vec3i
	unitGrid Vec3i
	currT    mgl32.Vec3
	unitT    mgl32.Vec3
	bounds   Vec3i

	pos0     mgl32.Vec3
	dir      mgl32.Vec3
	traveled float32
}

// BeginDDA assumes the ray origin has already been advanced to the box.
func (r Ray) BeginDDA(b AABB, bounds Vec3i) *DDA {
	local := r.Origin.Sub(b.Min)
	side := b.SideLength()
	norm := mgl32.Vec3{
		clamp01(local.X()/side.X(), 0.9999),
		clamp01(local.Y()/side.Y(), 0.9999),
		clamp01(local.Z()/side.Z(), 0.9999),
	}
	pos := mgl32.Vec3{
		norm.X() * float32(bounds.X),
		norm.Y() * float32(bounds.Y),
		norm.Z() * float32(bounds.Z),
	}
	currGrid := Vec3i{
		int32(math.Floor(float64(pos.X()))),
		int32(math.Floor(float64(pos.Y()))),
		int32(math.Floor(float64(pos.Z()))),
	}
	unitGrid := Vec3i{sign32(r.Dir.X()), sign32(r.Dir.Y()), sign32(r.Dir.Z())}
	next := mgl32.Vec3{
		float32(currGrid.X) + float32(unitGrid.X)*0.5 + 0.5,
		float32(currGrid.Y) + float32(unitGrid.Y)*0.5 + 0.5,
		float32(currGrid.Z) + float32(unitGrid.Z)*0.5 + 0.5,
	}
	currT := mgl32.Vec3{
		finiteOr((next.X()-pos.X())*r.InvDir.X(), 1e6),
		finiteOr((next.Y()-pos.Y())*r.InvDir.Y(), 1e6),
		finiteOr((next.Z()-pos.Z())*r.InvDir.Z(), 1e6),
	}
	unitT := mgl32.Vec3{
		finiteOr(abs32(r.InvDir.X()), 0),
		finiteOr(abs32(r.InvDir.Y()), 0),
		finiteOr(abs32(r.InvDir.Z()), 0),
	}
	return &DDA{
		currGrid: currGrid,
		unitGrid: unitGrid,
		currT:    currT,
		unitT:    unitT,
		bounds:   bounds,
		pos0:     pos,
		dir:      r.Dir,
	}
}

func (d *DDA) InBounds() bool {
	return d.currGrid.X >= 0 && d.currGrid.Y >= 0 && d.currGrid.Z >= 0 &&
		d.currGrid.X < d.bounds.X && d.currGrid.Y < d.bounds.Y && d.currGrid.Z < d.bounds.Z
}

func (d *DDA) GridPos() Vec3i { return d.currGrid }

// Position is the continuous grid-space position at the last boundary
// crossing, the DDA start before any Step.
func (d *DDA) Position() mgl32.Vec3 {
	return d.pos0.Add(d.dir.Mul(d.traveled))
}

// Step advances to the next cell, moving along every axis whose boundary
// distance ties for the minimum.
func (d *DDA) Step() {
	minT := min32(min32(d.currT.X(), d.currT.Y()), d.currT.Z())
	d.traveled = minT
	if d.currT.X() == minT {
		d.currGrid.X += d.unitGrid.X
		d.currT[0] += d.unitT.X()
	}
	if d.currT.Y() == minT {
		d.currGrid.Y += d.unitGrid.Y
		d.currT[1] += d.unitT.Y()
	}
	if d.currT.Z() == minT {
		d.currGrid.Z += d.unitGrid.Z
		d.currT[2] += d.unitT.Z()
	}
}

func min32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func max32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

func abs32(a float32) float32 {
	if a < 0 {
		return -a
	}
	return a
}

func sign32(a float32) int32 {
	if a < 0 {
		return -1
	}
	return 1
}

func clamp01(v, hi float32) float32 {
	if v < 0 {
		return 0
	}
	if v > hi {
		return hi
	}
	return v
}

func finiteOr(v, fallback float32) float32 {
	if math.IsInf(float64(v), 0) || math.IsNaN(float64(v)) {
		return fallback
	}
	return v
}
