package terrain

import (
	"github.com/go-gl/mathgl/mgl32"

	"voxelrogue.dev/internal/geom"
	"voxelrogue.dev/internal/morton"
	"voxelrogue.dev/internal/voxel/registry"
)

// RenderWindow is the torus of chunk cells around the viewer. Cells are
// stored by the Morton code of the window coordinate so the layout
// matches the GPU acceleration buffer; the side is therefore rounded up
// to a power of two. Anchor moves slide the window offset and unload
// only the slabs that left.
type RenderWindow struct {
	side         uint32
	cells        []registry.ModelId
	windowOffset geom.Vec3i
	anchor       geom.Vec3i
	dirty        bool

	pendingNormals map[geom.Vec3i]struct{}
	toUnload       []registry.ModelId
}

func NewRenderWindow(renderDistance uint32) *RenderWindow {
	w := &RenderWindow{pendingNormals: map[geom.Vec3i]struct{}{}}
	w.alloc(renderDistance)
	return w
}

func (w *RenderWindow) alloc(renderDistance uint32) {
	w.side = nextPow2(2 * renderDistance)
	w.cells = make([]registry.ModelId, int(w.side)*int(w.side)*int(w.side))
	for i := range w.cells {
		w.cells[i] = registry.Null
	}
	w.windowOffset = w.anchor.RemEuclid(int32(w.side))
	w.dirty = true
}

func (w *RenderWindow) SideLength() uint32 { return w.side }
func (w *RenderWindow) Anchor() geom.Vec3i { return w.anchor }
func (w *RenderWindow) IsDirty() bool      { return w.dirty }
func (w *RenderWindow) ClearDirty()        { w.dirty = false }
func (w *RenderWindow) MarkDirty()         { w.dirty = true }

func (w *RenderWindow) InBounds(worldChunkPos geom.Vec3i) bool {
	local := worldChunkPos.Sub(w.anchor)
	side := int32(w.side)
	return local.X >= 0 && local.Y >= 0 && local.Z >= 0 &&
		local.X < side && local.Y < side && local.Z < side
}

// cellIndex maps a wrapped window coordinate to its Morton cell.
func (w *RenderWindow) cellIndex(windowPos geom.Vec3i) int {
	return int(morton.Encode(uint32(windowPos.X), uint32(windowPos.Y), uint32(windowPos.Z)))
}

func (w *RenderWindow) windowPos(worldChunkPos geom.Vec3i) geom.Vec3i {
	return worldChunkPos.Sub(w.anchor).Add(w.windowOffset).RemEuclid(int32(w.side))
}

// ModelAt returns the raw cell contents: Null for never-loaded, Air for
// known-empty, otherwise a model id.
func (w *RenderWindow) ModelAt(cell int) registry.ModelId { return w.cells[cell] }

// ModelForChunk resolves a world chunk position to a resident model.
func (w *RenderWindow) ModelForChunk(worldChunkPos geom.Vec3i) (registry.ModelId, bool) {
	if !w.InBounds(worldChunkPos) {
		return registry.Null, false
	}
	id := w.cells[w.cellIndex(w.windowPos(worldChunkPos))]
	if id.IsNull() || id.IsAir() {
		return registry.Null, false
	}
	return id, true
}

func (w *RenderWindow) ChunkExists(worldChunkPos geom.Vec3i) bool {
	_, ok := w.ModelForChunk(worldChunkPos)
	return ok
}

// TryLoadChunk installs a model (or the Air sentinel) into the cell for
// a world chunk position. Returns whether the cell changed.
func (w *RenderWindow) TryLoadChunk(worldChunkPos geom.Vec3i, id registry.ModelId) bool {
	if !w.InBounds(worldChunkPos) {
		return false
	}
	idx := w.cellIndex(w.windowPos(worldChunkPos))
	if w.cells[idx] == id {
		return false
	}
	w.cells[idx] = id
	w.dirty = true
	return true
}

// UpdateAnchor recenters the window on the player chunk, unloading the
// slabs that slid out on each axis.
func (w *RenderWindow) UpdateAnchor(playerChunkPos geom.Vec3i) {
	side := int32(w.side)
	newAnchor := playerChunkPos.AddScalar(-side / 2)
	if newAnchor == w.anchor {
		return
	}
	newOffset := newAnchor.RemEuclid(side)

	type axisRange struct{ lo, hi int32 }
	ranges := [3]axisRange{}
	translation := newAnchor.Sub(w.anchor)
	tr := [3]int32{translation.X, translation.Y, translation.Z}
	oldOff := [3]int32{w.windowOffset.X, w.windowOffset.Y, w.windowOffset.Z}
	newOff := [3]int32{newOffset.X, newOffset.Y, newOffset.Z}
	for a := 0; a < 3; a++ {
		if tr[a] > 0 {
			ranges[a] = axisRange{newOff[a] - tr[a], newOff[a]}
		} else {
			ranges[a] = axisRange{oldOff[a] + tr[a], oldOff[a]}
		}
		// A move of a full side or more clears the whole axis.
		if ranges[a].hi-ranges[a].lo > side {
			ranges[a] = axisRange{0, side}
		}
	}

	moved := false
	for x := ranges[0].lo; x < ranges[0].hi; x++ {
		wx := remEuclid32(x, side)
		for y := int32(0); y < side; y++ {
			for z := int32(0); z < side; z++ {
				w.unloadCell(geom.Vec3i{X: wx, Y: y, Z: z})
			}
		}
		moved = true
	}
	for y := ranges[1].lo; y < ranges[1].hi; y++ {
		wy := remEuclid32(y, side)
		for x := int32(0); x < side; x++ {
			for z := int32(0); z < side; z++ {
				w.unloadCell(geom.Vec3i{X: x, Y: wy, Z: z})
			}
		}
		moved = true
	}
	for z := ranges[2].lo; z < ranges[2].hi; z++ {
		wz := remEuclid32(z, side)
		for x := int32(0); x < side; x++ {
			for y := int32(0); y < side; y++ {
				w.unloadCell(geom.Vec3i{X: x, Y: y, Z: wz})
			}
		}
		moved = true
	}
	if moved {
		w.dirty = true
	}

	w.anchor = newAnchor
	w.windowOffset = newOffset
}

func (w *RenderWindow) unloadCell(windowPos geom.Vec3i) {
	idx := w.cellIndex(windowPos)
	id := w.cells[idx]
	w.cells[idx] = registry.Null
	if !id.IsNull() && !id.IsAir() {
		w.toUnload = append(w.toUnload, id)
	}
}

// DrainUnloads hands back the models whose cells slid out since the
// last call. The caller owns releasing them from the registry and GPU.
func (w *RenderWindow) DrainUnloads() []registry.ModelId {
	out := w.toUnload
	w.toUnload = nil
	return out
}

// Resize reallocates the window for a new render distance, dropping all
// resident cells.
func (w *RenderWindow) Resize(renderDistance uint32) {
	for i := range w.cells {
		w.unloadCell(w.posOfCell(i))
	}
	w.alloc(renderDistance)
}

func (w *RenderWindow) posOfCell(cell int) geom.Vec3i {
	x, y, z := morton.Decode(uint64(cell))
	return geom.Vec3i{X: int32(x), Y: int32(y), Z: int32(z)}
}

// MarkNormalDirty queues the chunk and its existing neighbours for
// normal recomputation.
func (w *RenderWindow) MarkNormalDirty(chunkPos geom.Vec3i) {
	for x := chunkPos.X - 1; x <= chunkPos.X+1; x++ {
		for y := chunkPos.Y - 1; y <= chunkPos.Y+1; y++ {
			for z := chunkPos.Z - 1; z <= chunkPos.Z+1; z++ {
				pos := geom.Vec3i{X: x, Y: y, Z: z}
				if w.InBounds(pos) && (pos == chunkPos || w.ChunkExists(pos)) {
					w.pendingNormals[pos] = struct{}{}
				}
			}
		}
	}
}

// DrainNormalDirty returns and clears the pending normal set.
func (w *RenderWindow) DrainNormalDirty() []geom.Vec3i {
	if len(w.pendingNormals) == 0 {
		return nil
	}
	out := make([]geom.Vec3i, 0, len(w.pendingNormals))
	for pos := range w.pendingNormals {
		out = append(out, pos)
	}
	w.pendingNormals = map[geom.Vec3i]struct{}{}
	return out
}

// HasNormalDirty reports whether the chunk is queued for normal
// recomputation.
func (w *RenderWindow) HasNormalDirty(chunkPos geom.Vec3i) bool {
	_, ok := w.pendingNormals[chunkPos]
	return ok
}

// AABB is the window's world-space bounds in meters.
func (w *RenderWindow) AABB() geom.AABB {
	origin := w.anchor.Vec3().Mul(ChunkMeterLength)
	s := float32(w.side) * ChunkMeterLength
	return geom.NewAABB(origin, origin.Add(mgl32.Vec3{s, s, s}))
}

func remEuclid32(a, b int32) int32 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

func nextPow2(v uint32) uint32 {
	if v <= 1 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	return v + 1
}
