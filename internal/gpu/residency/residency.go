// Package residency drives per-frame GPU uploads for the voxel world:
// model data allocations, the model info table, the terrain and entity
// acceleration buffers, and the normal recompute dispatch list.
package residency

import (
	"log"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"voxelrogue.dev/internal/geom"
	"voxelrogue.dev/internal/gpu"
	"voxelrogue.dev/internal/voxel"
	"voxelrogue.dev/internal/voxel/registry"
)

// Acceleration buffer sentinels. Part of the shader ABI.
const (
	AccelNull uint32 = math.MaxUint32
	AccelAir  uint32 = math.MaxUint32 - 1
)

// Entity acceleration record: aabb min, aabb max, three rotation rows,
// then the info pointer, each padded to 16 bytes.
const entityStrideBytes = 6 * 16

const minEntityRecords = 10

// ChunkWindow is the render-window view residency consumes. Cells are
// indexed by the Morton code of the window-local coordinate.
type ChunkWindow interface {
	// SideLength is the window side in chunks, a power of two.
	SideLength() uint32
	// ModelAt returns the model occupying the given cell, Air for
	// known-empty, Null for not yet loaded.
	ModelAt(cell int) registry.ModelId
	// ModelForChunk resolves a world chunk position to its resident
	// model, if the chunk is inside the window and loaded.
	ModelForChunk(worldChunkPos geom.Vec3i) (registry.ModelId, bool)
	IsDirty() bool
	ClearDirty()
}

// EntityInstance is one rendered voxel entity, supplied by the caller
// each frame.
type EntityInstance struct {
	Model    registry.ModelId
	Bounds   geom.AABB
	Rotation mgl32.Mat3
}

// NormalDispatch is one pending normal-recompute compute dispatch.
type NormalDispatch struct {
	ChunkPos geom.Vec3i
	InfoPtr  uint32
}

type modelInfoRecord struct {
	alloc gpu.Allocation
	dims  geom.Vec3i
}

type infoCopy struct {
	dst uint32
	src []uint32
}

// World owns the GPU-side state of the voxel world.
type World struct {
	data *gpu.BufferAllocator
	info *gpu.BufferAllocator

	infoRecords map[registry.ModelId]modelInfoRecord
	toRegister  []registry.ModelId

	accel     gpu.BufferId
	accelSize uint64
	haveAccel bool

	entity      gpu.BufferId
	entitySize  uint64
	haveEntity  bool
	entityCount uint32

	terrainSide uint32
}

// NewWorld wires residency over the shared voxel data allocator. The
// model info table gets its own allocator so record pointers are dword
// offsets into one buffer.
func NewWorld(dev gpu.Device, data *gpu.BufferAllocator) *World {
	return &World{
		data:        data,
		info:        gpu.NewBufferAllocator(dev, "voxel_model_info", 1<<20, 1<<26),
		infoRecords: make(map[registry.ModelId]modelInfoRecord),
	}
}

func (w *World) DataAllocator() *gpu.BufferAllocator { return w.data }
func (w *World) InfoBuffer() gpu.BufferId            { return w.info.Buffer() }

func (w *World) AccelerationBuffer() gpu.BufferId {
	if !w.haveAccel {
		panic("residency: acceleration buffer not created yet")
	}
	return w.accel
}

func (w *World) EntityBuffer() gpu.BufferId {
	if !w.haveEntity {
		panic("residency: entity buffer not created yet")
	}
	return w.entity
}

func (w *World) TerrainSideLength() uint32 { return w.terrainSide }
func (w *World) EntityCount() uint32       { return w.entityCount }

// ModelInfoPtr returns the dword offset of the model's info record.
func (w *World) ModelInfoPtr(id registry.ModelId) (uint32, bool) {
	rec, ok := w.infoRecords[id]
	if !ok {
		return 0, false
	}
	return uint32(rec.alloc.StartDwords()), true
}

// ReleaseModel frees a model's info record; called when the model is
// unloaded from the registry. No-op for unknown ids.
func (w *World) ReleaseModel(id registry.ModelId) {
	rec, ok := w.infoRecords[id]
	if !ok {
		return
	}
	w.info.Free(rec.alloc)
	delete(w.infoRecords, id)
}

func (w *World) ensureBuffer(dev gpu.Device, id *gpu.BufferId, have *bool, size *uint64, name string, required uint64) {
	if !*have {
		*id = dev.CreateBuffer(name, required)
		*have = true
		*size = required
		return
	}
	if *size < required {
		dev.GrowBuffer(*id, required)
		*size = required
	}
}

// UpdateGpuObjects sizes every GPU object against the current frame:
// the acceleration buffers and each resident model's data allocations.
// Models whose allocations moved are queued for an info-record rewrite.
func (w *World) UpdateGpuObjects(dev gpu.Device, reg *registry.Registry, window ChunkWindow, entityCount int) {
	if entityCount < minEntityRecords {
		entityCount = minEntityRecords
	}
	w.ensureBuffer(dev, &w.entity, &w.haveEntity, &w.entitySize,
		"world_entity_acceleration_buffer", uint64(entityCount)*entityStrideBytes)

	side := uint64(window.SideLength())
	w.ensureBuffer(dev, &w.accel, &w.haveAccel, &w.accelSize,
		"world_terrain_acceleration_buffer", 4*side*side*side)

	reg.IterRenderable(func(id registry.ModelId, m voxel.RenderableModel, g voxel.ModelGpu) bool {
		if g.UpdateGpuObjects(dev, w.data, m) {
			w.toRegister = append(w.toRegister, id)
		}
		return true
	})
}

// WriteRenderData uploads model data, rewrites queued info records with
// adjacent copies coalesced, and refreshes the acceleration buffers.
func (w *World) WriteRenderData(dev gpu.Device, reg *registry.Registry, window ChunkWindow, entities []EntityInstance) {
	reg.IterRenderable(func(id registry.ModelId, m voxel.RenderableModel, g voxel.ModelGpu) bool {
		g.WriteGpuUpdates(dev, w.data, m)
		return true
	})

	var copies []infoCopy
	for _, id := range w.toRegister {
		if !reg.Contains(id) {
			continue
		}
		w.registerModelInfo(dev, reg, id, &copies)
	}
	w.toRegister = w.toRegister[:0]
	for _, c := range copies {
		dev.WriteBuffer(w.info.Buffer(), uint64(c.dst)*4, gpu.PackDwords(c.src))
	}

	w.writeAccelerationData(dev, window, len(copies) > 0)
	w.writeEntityData(dev, entities)
}

// registerModelInfo allocates (or replaces) the model's info record and
// stages its contents. A record whose destination abuts the previous
// staged copy is appended to it so both go out in one write.
func (w *World) registerModelInfo(dev gpu.Device, reg *registry.Registry, id registry.ModelId, copies *[]infoCopy) {
	m, g := reg.GetRenderable(id)
	body := g.AggregateModelInfo()
	if body == nil {
		// Allocations failed this frame; the model retries next tick and
		// the stale record (if any) stays valid.
		log.Printf("residency: model %v info pointers not ready", id)
		return
	}

	if prev, ok := w.infoRecords[id]; ok {
		w.info.Free(prev.alloc)
	}

	recordDwords := nextPow2(uint64(len(body) + 1))
	alloc, ok := w.info.Allocate(dev, recordDwords*4)
	if !ok {
		log.Printf("residency: model info table full, skipping %v", id)
		delete(w.infoRecords, id)
		return
	}

	src := make([]uint32, 0, recordDwords)
	src = append(src, uint32(m.Schema()))
	src = append(src, body...)
	for uint64(len(src)) < recordDwords {
		src = append(src, 0)
	}

	dst := uint32(alloc.StartDwords())
	if n := len(*copies); n > 0 {
		last := &(*copies)[n-1]
		if last.dst+uint32(len(last.src)) == dst {
			last.src = append(last.src, src...)
			w.infoRecords[id] = modelInfoRecord{alloc: alloc, dims: m.Length()}
			return
		}
	}
	*copies = append(*copies, infoCopy{dst: dst, src: src})
	w.infoRecords[id] = modelInfoRecord{alloc: alloc, dims: m.Length()}
}

func (w *World) writeAccelerationData(dev gpu.Device, window ChunkWindow, registered bool) {
	w.terrainSide = window.SideLength()
	if !window.IsDirty() && !registered {
		return
	}

	volume := int(w.terrainSide) * int(w.terrainSide) * int(w.terrainSide)
	buf := make([]uint32, volume)
	for i := 0; i < volume; i++ {
		id := window.ModelAt(i)
		switch {
		case id.IsNull():
			buf[i] = AccelNull
		case id.IsAir():
			buf[i] = AccelAir
		default:
			if ptr, ok := w.ModelInfoPtr(id); ok {
				buf[i] = ptr
			} else {
				buf[i] = AccelNull
			}
		}
	}
	dev.WriteBuffer(w.accel, 0, gpu.PackDwords(buf))
	window.ClearDirty()
}

func (w *World) writeEntityData(dev gpu.Device, entities []EntityInstance) {
	w.entityCount = 0
	if len(entities) == 0 {
		return
	}
	words := make([]uint32, 0, len(entities)*entityStrideBytes/4)
	for _, e := range entities {
		ptr, ok := w.ModelInfoPtr(e.Model)
		if !ok {
			continue
		}
		w.entityCount++
		words = appendVec4(words, e.Bounds.Min)
		words = appendVec4(words, e.Bounds.Max)
		words = appendVec4(words, e.Rotation.Row(0))
		words = appendVec4(words, e.Rotation.Row(1))
		words = appendVec4(words, e.Rotation.Row(2))
		words = append(words, ptr, 0, 0, 0)
	}
	if len(words) > 0 {
		dev.WriteBuffer(w.entity, 0, gpu.PackDwords(words))
	}
}

func appendVec4(words []uint32, v mgl32.Vec3) []uint32 {
	return append(words,
		math.Float32bits(v.X()),
		math.Float32bits(v.Y()),
		math.Float32bits(v.Z()),
		0)
}

// BuildNormalDispatches resolves pending normal-dirty chunks into
// compute dispatches, one per chunk whose model is resident with a live
// info record. Unresolvable chunks are dropped; an edit near them will
// re-mark them.
func (w *World) BuildNormalDispatches(window ChunkWindow, pending []geom.Vec3i) []NormalDispatch {
	out := make([]NormalDispatch, 0, len(pending))
	for _, pos := range pending {
		id, ok := window.ModelForChunk(pos)
		if !ok {
			continue
		}
		ptr, ok := w.ModelInfoPtr(id)
		if !ok {
			continue
		}
		out = append(out, NormalDispatch{ChunkPos: pos, InfoPtr: ptr})
	}
	return out
}

func nextPow2(v uint64) uint64 {
	p := uint64(1)
	for p < v {
		p <<= 1
	}
	return p
}
