package thc

import (
	"log"
	"math"

	"voxelrogue.dev/internal/gpu"
	"voxelrogue.dev/internal/voxel"
)

const (
	// Packed as [child_ptr, child_mask lo, child_mask hi].
	nodeDwords = 3
	// Packed as [data_ptr, attachment_mask lo, attachment_mask hi].
	lookupDwords = 3
)

// CompressedGpu owns the GPU allocations backing one snapshot: node
// array, per-attachment lookup arrays and per-attachment raw arrays.
type CompressedGpu struct {
	sideLength uint32
	nodes      gpu.Allocation
	lookup     voxel.AttachmentMap[gpu.Allocation]
	raw        voxel.AttachmentMap[gpu.Allocation]

	// complete means every allocation is sized for the current snapshot.
	// An exhausted allocator clears it; the model is not resident until a
	// later frame's retry succeeds.
	complete    bool
	initialized bool
}

// ensureAllocation grows or creates an allocation to fit requiredBytes.
// Reports whether a pointer changed and whether the allocation exists at
// the required size; a moved allocation also clears the initialized flag
// since its contents must be re-uploaded.
func (g *CompressedGpu) ensureAllocation(dev gpu.Device, alloc *gpu.BufferAllocator, a gpu.Allocation, requiredBytes uint64) (gpu.Allocation, bool, bool) {
	if a.Valid() {
		if a.SizeBytes() >= requiredBytes {
			return a, false, true
		}
		next, moved, ok := alloc.Reallocate(dev, a, requiredBytes)
		if !ok {
			// Reallocate freed the old range before failing.
			log.Printf("thc: voxel data reallocation of %d bytes failed", requiredBytes)
			g.initialized = false
			return gpu.Allocation{}, false, false
		}
		if moved {
			g.initialized = false
		}
		return next, moved, true
	}
	next, ok := alloc.Allocate(dev, requiredBytes)
	if !ok {
		log.Printf("thc: voxel data allocation of %d bytes failed", requiredBytes)
		return a, false, false
	}
	return next, true, true
}

// AggregateModelInfo is the info record body: side length, node pointer
// and per-attachment lookup/raw pointers in id order, MaxUint32 where
// an attachment is absent. Nil until allocations exist.
func (g *CompressedGpu) AggregateModelInfo() []uint32 {
	if !g.complete || !g.nodes.Valid() || g.sideLength == 0 {
		return nil
	}
	lookupPtrs := make([]uint32, voxel.NumAttachments)
	rawPtrs := make([]uint32, voxel.NumAttachments)
	for i := range lookupPtrs {
		lookupPtrs[i] = math.MaxUint32
		rawPtrs[i] = math.MaxUint32
	}
	g.lookup.Range(func(id voxel.AttachmentId, a gpu.Allocation) bool {
		lookupPtrs[id] = uint32(a.StartDwords())
		return true
	})
	g.raw.Range(func(id voxel.AttachmentId, a gpu.Allocation) bool {
		rawPtrs[id] = uint32(a.StartDwords())
		return true
	})

	info := []uint32{g.sideLength, uint32(g.nodes.StartDwords())}
	info = append(info, lookupPtrs...)
	info = append(info, rawPtrs...)
	return info
}

func (g *CompressedGpu) UpdateGpuObjects(dev gpu.Device, alloc *gpu.BufferAllocator, m voxel.Model) bool {
	c := m.(*Compressed)
	didAllocate := false
	g.complete = true

	var moved, ok bool
	g.nodes, moved, ok = g.ensureAllocation(dev, alloc, g.nodes, uint64(len(c.Nodes))*nodeDwords*4)
	g.complete = g.complete && ok
	didAllocate = didAllocate || moved

	c.Lookup.Range(func(id voxel.AttachmentId, nodes []LookupNode) bool {
		a, _ := g.lookup.Get(id)
		a, moved, ok = g.ensureAllocation(dev, alloc, a, uint64(len(nodes))*lookupDwords*4)
		g.lookup.Insert(id, a)
		g.complete = g.complete && ok
		didAllocate = didAllocate || moved
		return true
	})
	c.Raw.Range(func(id voxel.AttachmentId, words []uint32) bool {
		size := uint64(len(words)) * 4
		if size == 0 {
			size = 4
		}
		a, _ := g.raw.Get(id)
		a, moved, ok = g.ensureAllocation(dev, alloc, a, size)
		g.raw.Insert(id, a)
		g.complete = g.complete && ok
		didAllocate = didAllocate || moved
		return true
	})

	// Not an allocation, but the info record must be rewritten.
	if g.sideLength != c.SideLength {
		g.sideLength = c.SideLength
		didAllocate = true
	}
	return didAllocate
}

func (g *CompressedGpu) WriteGpuUpdates(dev gpu.Device, alloc *gpu.BufferAllocator, m voxel.Model) {
	c := m.(*Compressed)
	if !g.complete || g.initialized || !g.nodes.Valid() {
		return
	}

	packed := make([]uint32, 0, len(c.Nodes)*nodeDwords)
	for _, n := range c.Nodes {
		packed = append(packed, n.ChildPtr, uint32(n.ChildMask), uint32(n.ChildMask>>32))
	}
	alloc.WriteAllocationData(dev, g.nodes, gpu.PackDwords(packed))

	c.Lookup.Range(func(id voxel.AttachmentId, nodes []LookupNode) bool {
		packed := make([]uint32, 0, len(nodes)*lookupDwords)
		for _, ln := range nodes {
			packed = append(packed, ln.DataPtr, uint32(ln.AttachmentMask), uint32(ln.AttachmentMask>>32))
		}
		alloc.WriteAllocationData(dev, g.lookup.MustGet(id), gpu.PackDwords(packed))
		return true
	})
	c.Raw.Range(func(id voxel.AttachmentId, words []uint32) bool {
		if len(words) == 0 {
			return true
		}
		alloc.WriteAllocationData(dev, g.raw.MustGet(id), gpu.PackDwords(words))
		return true
	})
	g.initialized = true
}

func (g *CompressedGpu) Deallocate(alloc *gpu.BufferAllocator) {
	if g.nodes.Valid() {
		alloc.Free(g.nodes)
		g.nodes = gpu.Allocation{}
	}
	g.lookup.Range(func(id voxel.AttachmentId, a gpu.Allocation) bool {
		if a.Valid() {
			alloc.Free(a)
		}
		return true
	})
	g.raw.Range(func(id voxel.AttachmentId, a gpu.Allocation) bool {
		if a.Valid() {
			alloc.Free(a)
		}
		return true
	})
	g.lookup = voxel.AttachmentMap[gpu.Allocation]{}
	g.raw = voxel.AttachmentMap[gpu.Allocation]{}
	g.complete = false
	g.initialized = false
}

// Gpu is the companion of the pointer form. It keeps a compressed
// snapshot regenerated whenever the model's update tracker moves and
// delegates residency to the snapshot's companion.
type Gpu struct {
	snapshot    *Compressed
	snapshotGpu CompressedGpu

	seenTracker uint32
	initialized bool
}

func (g *Gpu) AggregateModelInfo() []uint32 {
	return g.snapshotGpu.AggregateModelInfo()
}

func (g *Gpu) UpdateGpuObjects(dev gpu.Device, alloc *gpu.BufferAllocator, m voxel.Model) bool {
	model := m.(*Model)
	if g.seenTracker != model.updateTracker || !g.initialized {
		g.initialized = true
		g.seenTracker = model.updateTracker
		if g.snapshot != nil {
			g.snapshotGpu.Deallocate(alloc)
		}
		g.snapshot = Compress(model)
		g.snapshotGpu = CompressedGpu{}
	}
	if g.snapshot == nil {
		return false
	}
	return g.snapshotGpu.UpdateGpuObjects(dev, alloc, g.snapshot)
}

func (g *Gpu) WriteGpuUpdates(dev gpu.Device, alloc *gpu.BufferAllocator, m voxel.Model) {
	if g.snapshot != nil {
		g.snapshotGpu.WriteGpuUpdates(dev, alloc, g.snapshot)
	}
}

func (g *Gpu) Deallocate(alloc *gpu.BufferAllocator) {
	g.snapshotGpu.Deallocate(alloc)
	g.snapshot = nil
	g.initialized = false
}
