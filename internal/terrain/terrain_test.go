package terrain

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"voxelrogue.dev/internal/asset"
	"voxelrogue.dev/internal/geom"
	"voxelrogue.dev/internal/morton"
	"voxelrogue.dev/internal/voxel"
	"voxelrogue.dev/internal/voxel/registry"
	"voxelrogue.dev/internal/voxel/sft"
)

func TestRegionTreeRoundTrip(t *testing.T) {
	region := NewRegion(geom.V3(1, -1, 0))

	a := region.EnsureChunk(geom.V3(16, -16, 0))
	a.Model = registry.ModelId(7)
	b := region.EnsureChunk(geom.V3(31, -1, 15))
	b.HasModel = true

	if got := region.Chunk(geom.V3(16, -16, 0)); got != a {
		t.Fatalf("lookup returned %+v", got)
	}
	if got := region.Chunk(geom.V3(17, -16, 0)); got != nil {
		t.Fatalf("vacant slot returned %+v", got)
	}

	var visited []geom.Vec3i
	region.EachChunk(func(pos geom.Vec3i, _ *Leaf) {
		visited = append(visited, pos)
	})
	if len(visited) != 2 {
		t.Fatalf("visited %v", visited)
	}

	reloaded := RegionFromAsset(region.Pos, region.ToAsset())
	ra := reloaded.Chunk(geom.V3(16, -16, 0))
	if ra == nil || ra.UUID != a.UUID || !ra.HasModel {
		t.Fatalf("leaf a after round trip: %+v", ra)
	}
	if !ra.Model.IsNull() {
		t.Fatal("model residency survived serialization")
	}
	rb := reloaded.Chunk(geom.V3(31, -1, 15))
	if rb == nil || rb.UUID != b.UUID || !rb.HasModel {
		t.Fatalf("leaf b after round trip: %+v", rb)
	}

	region.RemoveChunk(geom.V3(16, -16, 0))
	if region.Chunk(geom.V3(16, -16, 0)) != nil {
		t.Fatal("slot survived removal")
	}
}

func TestLoadCursorCoversFullCube(t *testing.T) {
	const radius = 2
	c := NewLoadCursor(geom.V3(0, 0, 0), radius)

	seen := map[geom.Vec3i]struct{}{}
	// Next returns false between shells and after exhaustion; a bounded
	// number of calls covers everything.
	for i := 0; i < 10000; i++ {
		if pos, ok := c.Next(); ok {
			seen[pos] = struct{}{}
		}
	}

	want := 0
	for x := int32(-radius); x < radius; x++ {
		for y := int32(-radius); y < radius; y++ {
			for z := int32(-radius); z < radius; z++ {
				want++
				if _, ok := seen[geom.V3(x, y, z)]; !ok {
					t.Fatalf("cursor never visited %v", geom.V3(x, y, z))
				}
			}
		}
	}
	if len(seen) != want {
		t.Fatalf("visited %d chunks, want %d", len(seen), want)
	}
}

func TestLoadCursorRewindsOnAnchorMove(t *testing.T) {
	c := NewLoadCursor(geom.V3(0, 0, 0), 3)
	for i := 0; i < 30; i++ {
		c.Next()
	}
	if c.currRadius == 0 {
		t.Fatal("cursor did not advance")
	}
	c.UpdateAnchor(geom.V3(1, 0, 0))
	if c.currRadius != 0 {
		t.Fatalf("radius after move of 1 from radius 1: %d", c.currRadius)
	}
}

func TestWindowMortonIndexing(t *testing.T) {
	w := NewRenderWindow(2)
	if w.SideLength() != 4 {
		t.Fatalf("side %d", w.SideLength())
	}
	w.UpdateAnchor(geom.V3(0, 0, 0)) // anchor (-2,-2,-2)

	pos := geom.V3(1, 0, -1)
	if !w.TryLoadChunk(pos, registry.ModelId(42)) {
		t.Fatal("load rejected")
	}
	// window pos = local + offset mod side; anchor -2 gives offset 2.
	local := pos.Sub(w.Anchor())
	wp := local.Add(w.windowOffset).RemEuclid(4)
	cell := int(morton.Encode(uint32(wp.X), uint32(wp.Y), uint32(wp.Z)))
	if got := w.ModelAt(cell); got != registry.ModelId(42) {
		t.Fatalf("cell %d holds %v", cell, got)
	}
	if id, ok := w.ModelForChunk(pos); !ok || id != registry.ModelId(42) {
		t.Fatalf("ModelForChunk: %v %v", id, ok)
	}
}

func TestWindowSlideUnloadsDepartedSlab(t *testing.T) {
	w := NewRenderWindow(2)
	w.UpdateAnchor(geom.V3(0, 0, 0))
	w.ClearDirty()

	keep := geom.V3(1, 0, 0)
	gone := geom.V3(-2, 0, 0)
	w.TryLoadChunk(keep, registry.ModelId(1))
	w.TryLoadChunk(gone, registry.ModelId(2))

	w.UpdateAnchor(geom.V3(1, 0, 0)) // anchor slides -2 -> -1 on x

	if !w.IsDirty() {
		t.Fatal("slide did not mark the window dirty")
	}
	if _, ok := w.ModelForChunk(keep); !ok {
		t.Fatal("chunk inside window was dropped")
	}
	if w.InBounds(gone) {
		t.Fatal("departed chunk still in bounds")
	}
	unloads := w.DrainUnloads()
	if len(unloads) != 1 || unloads[0] != registry.ModelId(2) {
		t.Fatalf("unloads %v", unloads)
	}
}

func newTestManager(t *testing.T, dir string, renderDistance uint32) (*Manager, *registry.Registry, *asset.Store) {
	t.Helper()
	var store *asset.Store
	if dir != "" {
		store = asset.NewStore(2)
		t.Cleanup(store.Close)
	}
	reg := registry.New()
	m := NewManager(Options{
		RenderDistance: renderDistance,
		Dir:            dir,
		QueueInterval:  time.Millisecond,
	}, store, nil, reg)
	return m, reg, store
}

func tickUntil(t *testing.T, m *Manager, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		m.Tick()
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never reached")
}

func TestEmptyWorldMarksAir(t *testing.T) {
	m, _, _ := newTestManager(t, "", 1)
	m.UpdatePlayerPosition(mgl32.Vec3{0.5, 0.5, 0.5})
	m.Tick()

	if leaf := m.GetChunk(geom.V3(0, 0, 0)); leaf != nil {
		t.Fatalf("fresh world has chunk %+v", leaf)
	}
	// Window anchor (-1,-1,-1), side 2, offset 1: world (0,0,0) lands
	// in window cell (0,0,0).
	if got := m.Window().ModelAt(0); got != registry.Air {
		t.Fatalf("cell 0 holds %v, want air", got)
	}
}

func paintVoxel(m *Manager, worldVoxel geom.Vec3i, bmat uint32) {
	m.ApplyVoxelEdit(worldVoxel, geom.V3(1, 1, 1), func(patch *voxel.Flat, patchPos, _ geom.Vec3i) {
		patch.SetAttachmentWord(patchPos, voxel.AttachmentBMat, bmat)
	})
}

func TestSingleVoxelPaintAndTrace(t *testing.T) {
	m, _, _ := newTestManager(t, "", 1)
	m.UpdatePlayerPosition(mgl32.Vec3{0, 0, 0})

	paintVoxel(m, geom.V3(0, 0, 0), 5)

	half := VoxelMeterLength / 2
	ray := geom.NewRay(mgl32.Vec3{half, half, -1}, mgl32.Vec3{0, 0, 1})
	hit, ok := m.Trace(ray)
	if !ok {
		t.Fatal("ray missed the painted voxel")
	}
	if hit.WorldVoxel != geom.V3(0, 0, 0) {
		t.Fatalf("hit voxel %v", hit.WorldVoxel)
	}
	if hit.ChunkPos != geom.V3(0, 0, 0) {
		t.Fatalf("hit chunk %v", hit.ChunkPos)
	}
	if math.Abs(float64(hit.Depth-1)) > 0.01 {
		t.Fatalf("depth %v, want ~1.0", hit.Depth)
	}
}

func TestEditMarksNeighbourNormalsDirty(t *testing.T) {
	m, _, _ := newTestManager(t, "", 2)
	m.UpdatePlayerPosition(mgl32.Vec3{0, 0, 0})

	// Make the +x neighbour exist first.
	paintVoxel(m, geom.V3(ChunkVoxelLength, 0, 0), 1)
	m.Window().DrainNormalDirty()

	// Paint on the shared face of chunk (0,0,0).
	paintVoxel(m, geom.V3(ChunkVoxelLength-1, 0, 0), 2)

	if !m.Window().HasNormalDirty(geom.V3(0, 0, 0)) {
		t.Fatal("edited chunk not normal-dirty")
	}
	if !m.Window().HasNormalDirty(geom.V3(1, 0, 0)) {
		t.Fatal("existing neighbour not normal-dirty")
	}
	if !m.HasUnsavedChanges() {
		t.Fatal("edit left no unsaved changes")
	}
}

func TestEditSpanningChunksSplitsPatches(t *testing.T) {
	m, reg, _ := newTestManager(t, "", 2)
	m.UpdatePlayerPosition(mgl32.Vec3{0, 0, 0})

	// Two voxels straddling the chunk boundary on x.
	m.ApplyVoxelEdit(geom.V3(ChunkVoxelLength-1, 0, 0), geom.V3(2, 1, 1),
		func(patch *voxel.Flat, patchPos, _ geom.Vec3i) {
			patch.SetAttachmentWord(patchPos, voxel.AttachmentBMat, 3)
		})

	for _, chunkPos := range []geom.Vec3i{geom.V3(0, 0, 0), geom.V3(1, 0, 0)} {
		leaf := m.GetChunk(chunkPos)
		if leaf == nil || leaf.Model.IsNull() {
			t.Fatalf("chunk %v has no model", chunkPos)
		}
		flat := registry.Get[*sft.Model](reg, leaf.Model).ToFlat()
		count := 0
		for i := 0; i < flat.Volume(); i++ {
			if flat.ExistsIndex(i) {
				count++
			}
		}
		if count != 1 {
			t.Fatalf("chunk %v holds %d voxels, want 1", chunkPos, count)
		}
	}
}

func countVoxels(t *testing.T, reg *registry.Registry, leaf *Leaf) int {
	t.Helper()
	if leaf == nil || leaf.Model.IsNull() {
		t.Fatal("chunk not resident")
	}
	flat := registry.Get[*sft.Model](reg, leaf.Model).ToFlat()
	count := 0
	for i := 0; i < flat.Volume(); i++ {
		if flat.ExistsIndex(i) {
			count++
		}
	}
	return count
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	c1 := geom.V3(0, 0, 0)
	c2 := geom.V3(1, 0, 0)

	m1, _, _ := newTestManager(t, dir, 2)
	m1.UpdatePlayerPosition(mgl32.Vec3{0, 0, 0})
	tickUntil(t, m1, func() bool { return m1.PendingIO() == 0 })

	paintVoxel(m1, geom.V3(1, 2, 3), 5)
	paintVoxel(m1, geom.V3(10, 0, 0), 6)
	paintVoxel(m1, geom.V3(ChunkVoxelLength+4, 0, 0), 7)

	m1.SaveTerrain()
	tickUntil(t, m1, func() bool { return !m1.IsSaving() })
	if m1.HasUnsavedChanges() {
		t.Fatal("edits survived save")
	}

	m2, reg2, _ := newTestManager(t, dir, 2)
	m2.UpdatePlayerPosition(mgl32.Vec3{0, 0, 0})
	tickUntil(t, m2, func() bool {
		return m2.Window().ChunkExists(c1) && m2.Window().ChunkExists(c2) && m2.PendingIO() == 0
	})

	if got := countVoxels(t, reg2, m2.GetChunk(c1)); got != 2 {
		t.Fatalf("chunk %v holds %d voxels, want 2", c1, got)
	}
	if got := countVoxels(t, reg2, m2.GetChunk(c2)); got != 1 {
		t.Fatalf("chunk %v holds %d voxels, want 1", c2, got)
	}

	// The painted voxels trace back exactly.
	for _, want := range []geom.Vec3i{geom.V3(1, 2, 3), geom.V3(10, 0, 0), geom.V3(ChunkVoxelLength + 4, 0, 0)} {
		cx := (float32(want.X) + 0.5) * VoxelMeterLength
		cy := (float32(want.Y) + 0.5) * VoxelMeterLength
		ray := geom.NewRay(mgl32.Vec3{cx, cy, -1}, mgl32.Vec3{0, 0, 1})
		hit, ok := m2.Trace(ray)
		if !ok {
			t.Fatalf("ray toward %v missed", want)
		}
		if hit.WorldVoxel.X != want.X || hit.WorldVoxel.Y != want.Y {
			t.Fatalf("ray toward %v hit %v", want, hit.WorldVoxel)
		}
	}

	// An untouched column stays empty.
	ray := geom.NewRay(mgl32.Vec3{5.5 * VoxelMeterLength, 5.5 * VoxelMeterLength, -1}, mgl32.Vec3{0, 0, 1})
	if hit, ok := m2.Trace(ray); ok {
		t.Fatalf("empty column traced to %v", hit.WorldVoxel)
	}
}

func TestFailedSaveKeepsEditsFlagged(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "world")
	c1 := geom.V3(0, 0, 0)

	m, reg, _ := newTestManager(t, dir, 2)
	m.UpdatePlayerPosition(mgl32.Vec3{0, 0, 0})
	tickUntil(t, m, func() bool { return m.PendingIO() == 0 })
	paintVoxel(m, geom.V3(1, 2, 3), 5)

	// A regular file in the directory's place makes every write fail.
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dir, []byte("in the way"), 0o644); err != nil {
		t.Fatal(err)
	}

	m.SaveTerrain()
	tickUntil(t, m, func() bool { return !m.IsSaving() })
	if !m.HasUnsavedChanges() {
		t.Fatal("failed save cleared the edit flags")
	}

	if err := os.Remove(dir); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	m.SaveTerrain()
	tickUntil(t, m, func() bool { return !m.IsSaving() })
	if m.HasUnsavedChanges() {
		t.Fatal("retried save left edits flagged")
	}
	if got := countVoxels(t, reg, m.GetChunk(c1)); got != 1 {
		t.Fatalf("chunk %v holds %d voxels, want 1", c1, got)
	}
	leaf := m.GetChunk(c1)
	if _, err := os.Stat(asset.ChunkPath(dir, leaf.UUID)); err != nil {
		t.Fatalf("retried save wrote no blob: %v", err)
	}
}

func TestEditDuringRegionLoadIsReplayed(t *testing.T) {
	dir := t.TempDir()
	c1 := geom.V3(0, 0, 0)

	m1, _, _ := newTestManager(t, dir, 2)
	m1.UpdatePlayerPosition(mgl32.Vec3{0, 0, 0})
	tickUntil(t, m1, func() bool { return m1.PendingIO() == 0 })
	paintVoxel(m1, geom.V3(1, 1, 1), 5)
	m1.SaveTerrain()
	tickUntil(t, m1, func() bool { return !m1.IsSaving() })

	m2, reg2, _ := newTestManager(t, dir, 2)
	// Put the region load in flight before any ticks run.
	m2.ensureChunkLoaded(c1)
	if !m2.regions[ChunkToRegionPos(c1)].loading() {
		t.Fatal("region not in flight")
	}

	paintVoxel(m2, geom.V3(2, 2, 2), 6)
	if len(m2.pendingEdits) != 1 {
		t.Fatalf("%d deferred edit queues, want 1", len(m2.pendingEdits))
	}
	if !m2.HasUnsavedChanges() {
		t.Fatal("deferred edit not counted as unsaved")
	}

	m2.UpdatePlayerPosition(mgl32.Vec3{0, 0, 0})
	tickUntil(t, m2, func() bool {
		_, ok := m2.Window().ModelForChunk(c1)
		return ok && len(m2.pendingEdits) == 0 && m2.PendingIO() == 0
	})

	if got := countVoxels(t, reg2, m2.GetChunk(c1)); got != 2 {
		t.Fatalf("chunk %v holds %d voxels, want 2", c1, got)
	}
	for _, want := range []geom.Vec3i{geom.V3(1, 1, 1), geom.V3(2, 2, 2)} {
		cx := (float32(want.X) + 0.5) * VoxelMeterLength
		cy := (float32(want.Y) + 0.5) * VoxelMeterLength
		ray := geom.NewRay(mgl32.Vec3{cx, cy, -1}, mgl32.Vec3{0, 0, 1})
		hit, ok := m2.Trace(ray)
		if !ok {
			t.Fatalf("ray toward %v missed", want)
		}
		if hit.WorldVoxel != want {
			t.Fatalf("ray toward %v hit %v", want, hit.WorldVoxel)
		}
	}
}

func TestChunkBlobMissingBecomesAir(t *testing.T) {
	dir := t.TempDir()
	c1 := geom.V3(0, 0, 0)

	m1, _, _ := newTestManager(t, dir, 2)
	m1.UpdatePlayerPosition(mgl32.Vec3{0, 0, 0})
	tickUntil(t, m1, func() bool { return m1.PendingIO() == 0 })
	paintVoxel(m1, geom.V3(0, 0, 0), 5)

	// Save only the region tree: the leaf claims a model blob that was
	// never written.
	region := m1.regions[ChunkToRegionPos(c1)].data
	if err := asset.WriteRegion(asset.RegionPath(dir, region.Pos), region.ToAsset()); err != nil {
		t.Fatal(err)
	}

	m2, _, _ := newTestManager(t, dir, 2)
	m2.UpdatePlayerPosition(mgl32.Vec3{0, 0, 0})
	tickUntil(t, m2, func() bool { return m2.PendingIO() == 0 })

	if got := m2.GetChunk(c1); got != nil {
		t.Fatalf("missing blob left leaf %+v", got)
	}
	if _, ok := m2.Window().ModelForChunk(c1); ok {
		t.Fatal("missing blob produced a resident model")
	}
}
