package voxel

import (
	"voxelrogue.dev/internal/geom"
	"voxelrogue.dev/internal/gpu"
)

// Schema tags identify the model representation to shaders. They are
// written as word 0 of each model info record and are part of the GPU
// ABI; never renumber.
type Schema uint32

const (
	SchemaFlat Schema = 2
	SchemaTHC  Schema = 3
	SchemaSFT  Schema = 4
)

func (s Schema) String() string {
	switch s {
	case SchemaFlat:
		return "FLAT"
	case SchemaTHC:
		return "THC"
	case SchemaSFT:
		return "SFT"
	}
	return "UNKNOWN"
}

// NextPowerOf4 rounds x up to the next power of 4, or 0 when the
// result would not fit in 32 bits. 1<<30 is the largest power of 4.
func NextPowerOf4(x uint32) uint32 {
	if x > 1<<30 {
		return 0
	}
	p := uint32(1)
	for p < x {
		p <<= 2
	}
	return p
}

// Edit is a flat patch applied to a model at a voxel-space offset.
// Absent patch voxels are skipped; a present patch voxel overwrites the
// model voxel under it, and one carrying zero attachments removes it.
type Edit struct {
	Patch  *Flat
	Offset geom.Vec3i
}

// Hit is a successful ray traversal result in model-local coordinates.
type Hit struct {
	LocalPos geom.Vec3i
	DepthT   float32
}

// Model is the capability set shared by every representation.
type Model interface {
	SetVoxelRange(edit Edit)
	// Trace walks the ray through the model laid over bounds in world
	// space. Hit depth is measured from the ray origin.
	Trace(ray geom.Ray, bounds geom.AABB) (Hit, bool)
	Schema() Schema
	Length() geom.Vec3i
	// Attachments is the info map of channels this model carries.
	Attachments() *InfoMap
}

// RenderableModel is a Model that can construct its GPU companion.
type RenderableModel interface {
	Model
	NewGpu() ModelGpu
}

// ModelGpu owns the GPU allocations backing one model.
type ModelGpu interface {
	// AggregateModelInfo returns the info record body (side length plus
	// per-attachment pointers in id order) or nil while allocations are
	// missing. The schema word is prepended by the residency layer.
	AggregateModelInfo() []uint32
	// UpdateGpuObjects sizes allocations against the model and reports
	// whether any allocation was created or moved.
	UpdateGpuObjects(dev gpu.Device, alloc *gpu.BufferAllocator, m Model) bool
	// WriteGpuUpdates uploads model data into the allocations.
	WriteGpuUpdates(dev gpu.Device, alloc *gpu.BufferAllocator, m Model)
	// Deallocate releases every allocation. Idempotent.
	Deallocate(alloc *gpu.BufferAllocator)
}
