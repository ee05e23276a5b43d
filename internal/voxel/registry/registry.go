// Package registry owns voxel models behind stable opaque identifiers.
//
// Models are stored in per-schema archetypes: parallel dense slices for
// the model and its GPU companion plus a free-slot list, so iteration
// over renderable models touches contiguous storage. Identifiers are
// allocated monotonically and stay valid until Unload.
package registry

import (
	"fmt"
	"math"

	"voxelrogue.dev/internal/gpu"
	"voxelrogue.dev/internal/voxel"
)

// ModelId identifies a registered model.
type ModelId uint64

const (
	// Null marks an unassigned slot.
	Null ModelId = math.MaxUint64
	// Air marks a slot known to hold no voxels, so nothing is registered
	// for it.
	Air ModelId = math.MaxUint64 - 1
)

func (id ModelId) IsNull() bool { return id == Null }
func (id ModelId) IsAir() bool  { return id == Air }

func (id ModelId) String() string {
	switch id {
	case Null:
		return "NULL"
	case Air:
		return "AIR"
	}
	return fmt.Sprintf("model-%d", uint64(id))
}

// archetype is the dense storage for one concrete model type. Freed
// slots keep their index so identifiers held elsewhere stay cheap to
// resolve.
type archetype struct {
	ids    []ModelId
	models []voxel.RenderableModel
	gpus   []voxel.ModelGpu
	free   []int
}

func (a *archetype) insert(id ModelId, m voxel.RenderableModel, g voxel.ModelGpu) int {
	if n := len(a.free); n > 0 {
		slot := a.free[n-1]
		a.free = a.free[:n-1]
		a.ids[slot] = id
		a.models[slot] = m
		a.gpus[slot] = g
		return slot
	}
	a.ids = append(a.ids, id)
	a.models = append(a.models, m)
	a.gpus = append(a.gpus, g)
	return len(a.models) - 1
}

func (a *archetype) remove(slot int) {
	a.ids[slot] = Null
	a.models[slot] = nil
	a.gpus[slot] = nil
	a.free = append(a.free, slot)
}

// modelInfo is the registry-side record for one resident model.
type modelInfo struct {
	name      string
	schema    voxel.Schema
	assetPath string
	slot      int
}

// Registry is the owning store of every resident voxel model.
type Registry struct {
	archetypes map[voxel.Schema]*archetype
	// Schemas in first-registration order, so iteration is stable.
	order []voxel.Schema
	info  map[ModelId]*modelInfo
	next  uint64
}

func New() *Registry {
	return &Registry{
		archetypes: make(map[voxel.Schema]*archetype),
		info:       make(map[ModelId]*modelInfo),
	}
}

func (r *Registry) nextId() ModelId {
	id := ModelId(r.next)
	r.next++
	return id
}

// Register stores a renderable model and its freshly constructed GPU
// companion, returning the model's stable identifier.
func (r *Registry) Register(name string, m voxel.RenderableModel) ModelId {
	return r.RegisterFromAsset(name, "", m)
}

// RegisterFromAsset is Register for models loaded from disk; path is
// kept on the info record for save round-trips.
func (r *Registry) RegisterFromAsset(name, path string, m voxel.RenderableModel) ModelId {
	schema := m.Schema()
	arch, ok := r.archetypes[schema]
	if !ok {
		arch = &archetype{}
		r.archetypes[schema] = arch
		r.order = append(r.order, schema)
	}

	id := r.nextId()
	slot := arch.insert(id, m, m.NewGpu())
	r.info[id] = &modelInfo{name: name, schema: schema, assetPath: path, slot: slot}
	return id
}

func (r *Registry) lookup(id ModelId) (*archetype, *modelInfo) {
	info, ok := r.info[id]
	if !ok {
		panic(fmt.Sprintf("registry: model id %v is not loaded", id))
	}
	return r.archetypes[info.schema], info
}

// GetDyn returns the polymorphic handle for id. Panics when id is not
// loaded; callers hold identifiers only for models they keep resident.
func (r *Registry) GetDyn(id ModelId) voxel.Model {
	arch, info := r.lookup(id)
	return arch.models[info.slot]
}

// GetDynGpu returns the GPU companion for id. Panics when id is not
// loaded.
func (r *Registry) GetDynGpu(id ModelId) voxel.ModelGpu {
	arch, info := r.lookup(id)
	return arch.gpus[info.slot]
}

// GetRenderable returns both handles for id. Panics when id is not
// loaded.
func (r *Registry) GetRenderable(id ModelId) (voxel.RenderableModel, voxel.ModelGpu) {
	arch, info := r.lookup(id)
	return arch.models[info.slot], arch.gpus[info.slot]
}

// Get returns the concrete model behind id. Panics when id is not
// loaded or holds a different type.
func Get[T voxel.RenderableModel](r *Registry, id ModelId) T {
	m, ok := r.GetDyn(id).(T)
	if !ok {
		panic(fmt.Sprintf("registry: model id %v holds schema %v", id, r.info[id].schema))
	}
	return m
}

// Name returns the human-readable name given at registration.
func (r *Registry) Name(id ModelId) string {
	_, info := r.lookup(id)
	return info.name
}

// AssetPath returns the path the model was loaded from, or "".
func (r *Registry) AssetPath(id ModelId) string {
	_, info := r.lookup(id)
	return info.assetPath
}

// Contains reports whether id is currently loaded.
func (r *Registry) Contains(id ModelId) bool {
	_, ok := r.info[id]
	return ok
}

// Len is the number of loaded models.
func (r *Registry) Len() int { return len(r.info) }

// Unload releases the model's GPU allocations and frees its slot and
// info record. Unloading an id twice is a no-op.
func (r *Registry) Unload(id ModelId, alloc *gpu.BufferAllocator) {
	info, ok := r.info[id]
	if !ok {
		return
	}
	arch := r.archetypes[info.schema]
	arch.gpus[info.slot].Deallocate(alloc)
	arch.remove(info.slot)
	delete(r.info, id)
}

// IterRenderable visits every loaded model with its GPU companion, in
// schema registration order then slot order. Returning false stops the
// walk.
func (r *Registry) IterRenderable(f func(id ModelId, m voxel.RenderableModel, g voxel.ModelGpu) bool) {
	for _, schema := range r.order {
		arch := r.archetypes[schema]
		for slot, m := range arch.models {
			if m == nil {
				continue
			}
			if !f(arch.ids[slot], m, arch.gpus[slot]) {
				return
			}
		}
	}
}
