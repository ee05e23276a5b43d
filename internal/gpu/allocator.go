package gpu

import (
	"fmt"
	"log"
	"math/bits"
)

// Allocation is a byte range suballocated from a BufferAllocator's
// backing buffer. The zero value is invalid.
type Allocation struct {
	start uint64
	size  uint64
	valid bool
}

func (a Allocation) Valid() bool         { return a.valid }
func (a Allocation) StartBytes() uint64  { return a.start }
func (a Allocation) StartDwords() uint64 { return a.start >> 2 }
func (a Allocation) SizeBytes() uint64   { return a.size }
func (a Allocation) SizeDwords() uint64  { return a.size >> 2 }

// BufferAllocator is a power-of-two buddy suballocator over a single
// device buffer. The buffer doubles in place until maxSize when an
// allocation does not fit.
type BufferAllocator struct {
	name    string
	buffer  BufferId
	root    *allocNode
	maxSize uint64
}

type allocNode struct {
	start     uint64
	size      uint64
	allocated bool
	usedBytes uint64
	left      *allocNode
	right     *allocNode
}

func NewBufferAllocator(dev Device, name string, initialSize, maxSize uint64) *BufferAllocator {
	size := nextPow2(initialSize)
	if maxSize < size {
		maxSize = size
	}
	return &BufferAllocator{
		name:    name,
		buffer:  dev.CreateBuffer(name, size),
		root:    &allocNode{start: 0, size: size},
		maxSize: nextPow2(maxSize),
	}
}

func (a *BufferAllocator) Buffer() BufferId { return a.buffer }

func (a *BufferAllocator) TotalSize() uint64 { return a.root.size }

func (a *BufferAllocator) UsedBytes() uint64 { return a.root.usedBytes }

// Allocate returns a range of at least sizeBytes (rounded up to a power
// of two). ok is false only when the backing buffer cannot grow further.
func (a *BufferAllocator) Allocate(dev Device, sizeBytes uint64) (Allocation, bool) {
	if sizeBytes == 0 {
		panic("gpu: zero-size allocation")
	}
	size := nextPow2(sizeBytes)
	for {
		if n := a.root.allocate(size); n != nil {
			return Allocation{start: n.start, size: n.size, valid: true}, true
		}
		if a.root.size*2 > a.maxSize {
			log.Printf("gpu: allocator %q exhausted (want %d bytes, total %d, max %d)",
				a.name, size, a.root.size, a.maxSize)
			return Allocation{}, false
		}
		a.grow(dev)
	}
}

// Reallocate resizes an allocation. The data is not copied; callers
// re-upload after a move. moved reports whether the start offset
// changed (a fresh allocation counts as moved).
func (a *BufferAllocator) Reallocate(dev Device, alloc Allocation, newSizeBytes uint64) (_ Allocation, moved, ok bool) {
	if !alloc.Valid() {
		na, ok := a.Allocate(dev, newSizeBytes)
		return na, true, ok
	}
	if nextPow2(newSizeBytes) == alloc.size {
		return alloc, false, true
	}
	a.Free(alloc)
	na, ok := a.Allocate(dev, newSizeBytes)
	if !ok {
		return Allocation{}, false, false
	}
	return na, na.start != alloc.start, true
}

func (a *BufferAllocator) Free(alloc Allocation) {
	if !alloc.Valid() {
		return
	}
	a.root.free(alloc.start, alloc.size)
}

// WriteAllocationData uploads data at the allocation's offset.
func (a *BufferAllocator) WriteAllocationData(dev Device, alloc Allocation, data []byte) {
	if uint64(len(data)) > alloc.size {
		panic(fmt.Sprintf("gpu: allocator %q: write of %d bytes into %d-byte allocation",
			a.name, len(data), alloc.size))
	}
	dev.WriteBuffer(a.buffer, alloc.start, data)
}

// grow doubles the buffer, making the old tree the left child of a new
// root so existing offsets stay valid.
func (a *BufferAllocator) grow(dev Device) {
	old := a.root
	a.root = &allocNode{
		start:     0,
		size:      old.size * 2,
		usedBytes: old.usedBytes,
		left:      old,
		right:     &allocNode{start: old.size, size: old.size},
	}
	dev.GrowBuffer(a.buffer, a.root.size)
}

func (n *allocNode) allocate(size uint64) *allocNode {
	if n.allocated || n.size < size {
		return nil
	}
	if n.size == size {
		if n.usedBytes > 0 {
			return nil
		}
		n.allocated = true
		n.usedBytes = size
		return n
	}
	if n.left == nil {
		half := n.size / 2
		n.left = &allocNode{start: n.start, size: half}
		n.right = &allocNode{start: n.start + half, size: half}
	}
	got := n.left.allocate(size)
	if got == nil {
		got = n.right.allocate(size)
	}
	if got != nil {
		n.usedBytes += size
	}
	return got
}

func (n *allocNode) free(start, size uint64) bool {
	if n.allocated {
		if n.start != start || n.size != size {
			panic(fmt.Sprintf("gpu: free of unknown allocation start=%d size=%d", start, size))
		}
		n.allocated = false
		n.usedBytes = 0
		return true
	}
	if n.left == nil {
		panic(fmt.Sprintf("gpu: free of unallocated range start=%d size=%d", start, size))
	}
	var freed bool
	if start < n.right.start {
		freed = n.left.free(start, size)
	} else {
		freed = n.right.free(start, size)
	}
	if freed {
		n.usedBytes -= size
		if n.usedBytes == 0 {
			n.left = nil
			n.right = nil
		}
	}
	return freed
}

func nextPow2(v uint64) uint64 {
	if v <= 1 {
		return 1
	}
	return 1 << (64 - bits.LeadingZeros64(v-1))
}
