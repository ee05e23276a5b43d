package sft

import (
	"math/bits"
	"testing"

	"github.com/go-gl/mathgl/mgl32"

	"voxelrogue.dev/internal/geom"
	"voxelrogue.dev/internal/gpu"
	"voxelrogue.dev/internal/voxel"
	"voxelrogue.dev/internal/voxel/thc"
)

func solidFlat(side int32, bmat uint32) *voxel.Flat {
	f := voxel.NewFlat(geom.V3(side, side, side))
	for z := int32(0); z < side; z++ {
		for y := int32(0); y < side; y++ {
			for x := int32(0); x < side; x++ {
				f.SetAttachmentWord(geom.V3(x, y, z), voxel.AttachmentBMat, bmat)
			}
		}
	}
	return f
}

func sphereFlat(side int32, radius float32, bmat uint32) *voxel.Flat {
	f := voxel.NewFlat(geom.V3(side, side, side))
	c := float32(side) / 2
	for z := int32(0); z < side; z++ {
		for y := int32(0); y < side; y++ {
			for x := int32(0); x < side; x++ {
				dx, dy, dz := float32(x)+0.5-c, float32(y)+0.5-c, float32(z)+0.5-c
				if dx*dx+dy*dy+dz*dz <= radius*radius {
					f.SetAttachmentWord(geom.V3(x, y, z), voxel.AttachmentBMat, bmat)
				}
			}
		}
	}
	return f
}

func unitBounds(side float32) geom.AABB {
	return geom.NewAABB(mgl32.Vec3{0, 0, 0}, mgl32.Vec3{side, side, side})
}

func flatsEqual(t *testing.T, a, b *voxel.Flat) {
	t.Helper()
	if a.Length() != b.Length() {
		t.Fatalf("lengths differ: %v vs %v", a.Length(), b.Length())
	}
	for i := 0; i < a.Volume(); i++ {
		pos := a.VoxelPosition(i)
		if a.Exists(pos) != b.Exists(pos) {
			t.Fatalf("presence differs at %v", pos)
		}
		wa, oka := a.GetAttachment(pos, voxel.AttachmentBMat)
		wb, okb := b.GetAttachment(pos, voxel.AttachmentBMat)
		if oka != okb || (oka && wa[0] != wb[0]) {
			t.Fatalf("bmat differs at %v", pos)
		}
	}
}

func TestSolidModelMergesToOneNode(t *testing.T) {
	m := FromFlat(solidFlat(16, 5))
	c := Compress(m)
	if err := c.Validate(); err != nil {
		t.Fatalf("invalid: %v", err)
	}
	if len(c.Nodes) != 1 {
		t.Fatalf("solid model compressed to %d nodes, want 1", len(c.Nodes))
	}
	root := c.Nodes[0]
	if root.ChildMask != ^uint64(0) || root.LeafMask != ^uint64(0) {
		t.Fatalf("root masks %#x/%#x, want full", root.ChildMask, root.LeafMask)
	}

	// The merged leaf must be traceable at any column.
	ray := geom.NewRay(mgl32.Vec3{9.5, 3.5, -2}, mgl32.Vec3{0, 0, 1})
	hit, ok := m.Trace(ray, unitBounds(16))
	if !ok {
		t.Fatalf("expected hit on solid model")
	}
	if hit.LocalPos.Z != 0 {
		t.Fatalf("hit %v, want front face", hit.LocalPos)
	}
}

func TestSphereRoundTrip(t *testing.T) {
	flat := sphereFlat(8, 3.5, 7)
	c := CompressedFromFlat(flat)
	if err := c.Validate(); err != nil {
		t.Fatalf("invalid: %v", err)
	}
	for i, n := range c.Nodes {
		if n.LeafMask&^n.ChildMask != 0 {
			t.Fatalf("node %d: leaf mask outside child mask", i)
		}
	}
	m := Decompress(c)
	flatsEqual(t, flat, m.ToFlat())
}

func TestNonCubicFlatKeepsExtent(t *testing.T) {
	flat := voxel.NewFlat(geom.V3(8, 5, 12))
	flat.SetAttachmentWord(geom.V3(0, 0, 0), voxel.AttachmentBMat, 3)
	flat.SetAttachmentWord(geom.V3(7, 4, 11), voxel.AttachmentBMat, 4)

	m := FromFlat(flat)
	if m.Length() != geom.V3(8, 5, 12) {
		t.Fatalf("model extent %v, want the flat's %v", m.Length(), geom.V3(8, 5, 12))
	}
	if m.SideLength() != 16 {
		t.Fatalf("side length %d, want padded to 16", m.SideLength())
	}

	// The extent survives the snapshot round trip.
	back := Decompress(Compress(m))
	flatsEqual(t, flat, back.ToFlat())
}

func TestMergedLeafExpandsOnToFlat(t *testing.T) {
	m := FromFlat(solidFlat(16, 9))
	back := m.ToFlat()
	for i := 0; i < back.Volume(); i++ {
		pos := back.VoxelPosition(i)
		w, ok := back.GetAttachment(pos, voxel.AttachmentBMat)
		if !ok || w[0] != 9 {
			t.Fatalf("voxel %v lost material on expansion", pos)
		}
	}
}

func TestEditSplitsMergedLeaf(t *testing.T) {
	m := FromFlat(solidFlat(16, 5))

	// Removing one voxel must split merged leaves down to it.
	remove := voxel.NewFlat(geom.V3(1, 1, 1))
	remove.MarkPresent(geom.V3(0, 0, 0))
	m.SetVoxelRange(voxel.Edit{Patch: remove, Offset: geom.V3(2, 3, 0)})

	ray := geom.NewRay(mgl32.Vec3{2.5, 3.5, -2}, mgl32.Vec3{0, 0, 1})
	hit, ok := m.Trace(ray, unitBounds(16))
	if !ok {
		t.Fatalf("expected hit behind the removed voxel")
	}
	if hit.LocalPos != geom.V3(2, 3, 1) {
		t.Fatalf("hit %v, want (2,3,1)", hit.LocalPos)
	}

	// Neighbouring columns are untouched.
	ray = geom.NewRay(mgl32.Vec3{3.5, 3.5, -2}, mgl32.Vec3{0, 0, 1})
	hit, ok = m.Trace(ray, unitBounds(16))
	if !ok || hit.LocalPos.Z != 0 {
		t.Fatalf("neighbour column lost its surface voxel: %v %v", hit.LocalPos, ok)
	}

	// The voxel set matches a flat with the same removal.
	want := solidFlat(16, 5)
	want.ClearVoxel(geom.V3(2, 3, 0))
	flatsEqual(t, want, m.ToFlat())
}

func TestRecompressRestoresMerge(t *testing.T) {
	m := FromFlat(solidFlat(16, 5))
	remove := voxel.NewFlat(geom.V3(1, 1, 1))
	remove.MarkPresent(geom.V3(0, 0, 0))
	m.SetVoxelRange(voxel.Edit{Patch: remove, Offset: geom.V3(0, 0, 0)})
	if n := len(Compress(m).Nodes); n < 2 {
		t.Fatalf("split produced %d nodes, want several", n)
	}

	add := voxel.NewFlat(geom.V3(1, 1, 1))
	add.SetAttachmentWord(geom.V3(0, 0, 0), voxel.AttachmentBMat, 5)
	m.SetVoxelRange(voxel.Edit{Patch: add, Offset: geom.V3(0, 0, 0)})
	m.RecompressBMat()

	if n := len(Compress(m).Nodes); n != 1 {
		t.Fatalf("recompress left %d nodes, want 1", n)
	}
}

func TestFromTHCCompressed(t *testing.T) {
	flat := sphereFlat(16, 6.5, 7)
	tc := thc.CompressedFromFlat(flat)
	sc := CompressedFromTHC(tc)
	if err := sc.Validate(); err != nil {
		t.Fatalf("converted snapshot invalid: %v", err)
	}
	if len(sc.Nodes) != len(tc.Nodes) {
		t.Fatalf("node count changed: %d vs %d", len(sc.Nodes), len(tc.Nodes))
	}
	for i, n := range sc.Nodes {
		if n.LeafMask != 0 && bits.OnesCount64(n.NonLeafChildMask()) != 0 {
			t.Fatalf("node %d: converted preleaf still has internal children", i)
		}
	}
	m := Decompress(sc)
	flatsEqual(t, flat, m.ToFlat())
}

func TestTraceMatchesCompressedTrace(t *testing.T) {
	flat := sphereFlat(16, 6.5, 7)
	m := FromFlat(flat)
	c := Compress(m)
	bounds := unitBounds(16)

	rays := []geom.Ray{
		geom.NewRay(mgl32.Vec3{8, 8, -5}, mgl32.Vec3{0, 0, 1}),
		geom.NewRay(mgl32.Vec3{-3, 7.5, 7.5}, mgl32.Vec3{1, 0, 0}),
		geom.NewRay(mgl32.Vec3{20, 8.2, 8.2}, mgl32.Vec3{-1, 0, 0}),
	}
	for i, ray := range rays {
		hp, okp := m.Trace(ray, bounds)
		hc, okc := c.Trace(ray, bounds)
		if okp != okc || (okp && hp.LocalPos != hc.LocalPos) {
			t.Fatalf("ray %d: pointer %v/%v compressed %v/%v", i, hp.LocalPos, okp, hc.LocalPos, okc)
		}
	}
}

func TestGpuLifecycle(t *testing.T) {
	dev := gpu.NewMemDevice()
	alloc := gpu.NewBufferAllocator(dev, "voxel-data", 1<<16, 1<<24)

	m := FromFlat(sphereFlat(16, 6.5, 7))
	g := m.NewGpu()
	if !g.UpdateGpuObjects(dev, alloc, m) {
		t.Fatalf("first update must allocate")
	}
	g.WriteGpuUpdates(dev, alloc, m)
	if g.UpdateGpuObjects(dev, alloc, m) {
		t.Fatalf("second update without edits must not allocate")
	}

	info := g.AggregateModelInfo()
	if info == nil || info[0] != 16 {
		t.Fatalf("bad info record: %v", info)
	}
	if len(info) != 2+2*voxel.NumAttachments {
		t.Fatalf("info length %d, want %d", len(info), 2+2*voxel.NumAttachments)
	}

	inner := g.(*Gpu)
	words := dev.ReadDwords(alloc.Buffer(), uint64(info[1]), 5)
	root := inner.snapshot.Nodes[0]
	if words[0] != root.ChildPtr ||
		words[1] != uint32(root.ChildMask) || words[2] != uint32(root.ChildMask>>32) ||
		words[3] != uint32(root.LeafMask) || words[4] != uint32(root.LeafMask>>32) {
		t.Fatalf("uploaded root %v, want %+v", words, root)
	}

	g.Deallocate(alloc)
	if g.AggregateModelInfo() != nil {
		t.Fatalf("info record must be nil after deallocation")
	}
}
