// Package sft implements the sparse 64-tree. It shares the THC's shape
// but may carry a leaf at any level: a leaf above the voxel level is a
// merged homogeneous region of one built-in material, so solid volumes
// take near-constant memory.
package sft

import (
	"fmt"
	"math/bits"

	"voxelrogue.dev/internal/geom"
	"voxelrogue.dev/internal/morton"
	"voxelrogue.dev/internal/voxel"
	"voxelrogue.dev/internal/voxel/thc"
)

// Model is the editable pointer form.
type Model struct {
	sideLength  uint32
	attachments voxel.InfoMap
	root        *node

	// dims is the content extent when the model came from a non-cubic
	// flat; zero means the full cube.
	dims geom.Vec3i

	updateTracker uint32
}

// node carries a child bit per occupied slot and a leaf bit per slot
// that terminates there. children holds only the non-leaf children,
// ordered by child index; leaf attachment words live in data.
type node struct {
	childMask uint64
	leafMask  uint64
	children  []*node
	data      voxel.AttachmentMap[*leafSpan]
}

type leafSpan struct {
	mask  uint64
	words []uint32
}

func newEmpty() *node { return &node{} }

// newFilled is a fully merged 4x4x4 block of one built-in material,
// synthesised when a merged leaf is split by an edit.
func newFilled(bmat uint32) *node {
	n := &node{childMask: ^uint64(0), leafMask: ^uint64(0)}
	words := make([]uint32, 64)
	for i := range words {
		words[i] = bmat
	}
	n.data.Insert(voxel.AttachmentBMat, &leafSpan{mask: ^uint64(0), words: words})
	return n
}

func (n *node) nonLeafChildMask() uint64 { return n.childMask &^ n.leafMask }

// childOffset is the index into children for a non-leaf child slot.
func (n *node) childOffset(childIdx uint32) int {
	return bits.OnesCount64(n.nonLeafChildMask() & (uint64(1)<<childIdx - 1))
}

func (n *node) setAttachment(childIdx uint32, id voxel.AttachmentId, sizeWords int, words []uint32) {
	span, ok := n.data.Get(id)
	if !ok {
		span = &leafSpan{}
		n.data.Insert(id, span)
	}
	childBit := uint64(1) << childIdx
	offset := bits.OnesCount64(span.mask&(childBit-1)) * sizeWords
	if span.mask&childBit != 0 {
		copy(span.words[offset:offset+sizeWords], words)
		return
	}
	span.words = append(span.words, make([]uint32, sizeWords)...)
	copy(span.words[offset+sizeWords:], span.words[offset:])
	copy(span.words[offset:offset+sizeWords], words)
	span.mask |= childBit
}

// removeLeaf clears a leaf slot and drops its attachment words.
func (n *node) removeLeaf(childIdx uint32, attachments *voxel.InfoMap) {
	childBit := uint64(1) << childIdx
	n.childMask &^= childBit
	n.leafMask &^= childBit
	attachments.Range(func(id voxel.AttachmentId, att voxel.Attachment) bool {
		span, ok := n.data.Get(id)
		if !ok || span.mask&childBit == 0 {
			return true
		}
		sizeWords := int(att.SizeWords())
		offset := bits.OnesCount64(span.mask&(childBit-1)) * sizeWords
		span.words = append(span.words[:offset], span.words[offset+sizeWords:]...)
		span.mask &^= childBit
		return true
	})
}

// New returns an empty sparse 64-tree. sideLength must be a power of 4,
// at least 4.
func New(sideLength uint32) *Model {
	if voxel.NextPowerOf4(sideLength) != sideLength || sideLength < 4 {
		panic(fmt.Sprintf("sft: side length must be a power of 4 >= 4, got %d", sideLength))
	}
	return &Model{sideLength: sideLength, root: newEmpty()}
}

func (m *Model) SideLength() uint32 { return m.sideLength }

func (m *Model) Length() geom.Vec3i {
	if m.dims != (geom.Vec3i{}) {
		return m.dims
	}
	s := int32(m.sideLength)
	return geom.Vec3i{X: s, Y: s, Z: s}
}

func (m *Model) Schema() voxel.Schema { return voxel.SchemaSFT }

func (m *Model) Attachments() *voxel.InfoMap { return &m.attachments }

func (m *Model) treeHeight() uint32 {
	return uint32(bits.TrailingZeros32(m.sideLength)) / 2
}

func (m *Model) inBoundsLocal(pos geom.Vec3i) bool {
	s := int32(m.sideLength)
	return pos.X >= 0 && pos.Y >= 0 && pos.Z >= 0 && pos.X < s && pos.Y < s && pos.Z < s
}

// getOrCreatePreleaf walks down to the preleaf of pos. A merged leaf met
// on the way is split: its material word is pulled out of the owner and
// a fully filled child takes the slot before descent continues.
func (m *Model) getOrCreatePreleaf(pos geom.Vec3i) (*node, uint32) {
	height := m.treeHeight()
	traversal := morton.Traversal64(morton.Encode(uint32(pos.X), uint32(pos.Y), uint32(pos.Z)), height)
	curr := m.root
	for i := uint32(0); ; i++ {
		childIdx := uint32(traversal & 63)
		if i == height-1 {
			return curr, childIdx
		}
		traversal >>= 6

		childBit := uint64(1) << childIdx
		if curr.leafMask&childBit != 0 {
			curr = curr.splitLeaf(childIdx)
			continue
		}
		offset := curr.childOffset(childIdx)
		if curr.childMask&childBit == 0 {
			curr.childMask |= childBit
			curr.children = append(curr.children, nil)
			copy(curr.children[offset+1:], curr.children[offset:])
			curr.children[offset] = newEmpty()
		}
		curr = curr.children[offset]
	}
}

// splitLeaf converts the merged leaf at childIdx into a filled child
// node and returns it.
func (n *node) splitLeaf(childIdx uint32) *node {
	childBit := uint64(1) << childIdx
	span := n.data.MustGet(voxel.AttachmentBMat)
	offset := bits.OnesCount64(span.mask & (childBit - 1))
	bmat := span.words[offset]
	span.words = append(span.words[:offset], span.words[offset+1:]...)
	span.mask &^= childBit
	n.leafMask &^= childBit

	child := newFilled(bmat)
	slot := n.childOffset(childIdx)
	n.children = append(n.children, nil)
	copy(n.children[slot+1:], n.children[slot:])
	n.children[slot] = child
	return child
}

// SetVoxelRange merges a flat patch with the same semantics as the THC:
// absent patch voxels are skipped, present ones overwrite, and a present
// voxel with zero attachments is removed.
func (m *Model) SetVoxelRange(edit voxel.Edit) {
	m.updateTracker++
	src := edit.Patch
	src.Attachments().Range(func(id voxel.AttachmentId, att voxel.Attachment) bool {
		if !m.attachments.Has(id) {
			m.attachments.Insert(id, att)
		}
		return true
	})

	for i := 0; i < src.Volume(); i++ {
		if !src.ExistsIndex(i) {
			continue
		}
		dst := edit.Offset.Add(src.VoxelPosition(i))
		if !m.inBoundsLocal(dst) {
			continue
		}
		preleaf, childIdx := m.getOrCreatePreleaf(dst)

		count := 0
		srcPos := src.VoxelPosition(i)
		src.Attachments().Range(func(id voxel.AttachmentId, att voxel.Attachment) bool {
			words, ok := src.GetAttachment(srcPos, id)
			if !ok {
				return true
			}
			count++
			preleaf.setAttachment(childIdx, id, int(att.SizeWords()), words)
			return true
		})

		childBit := uint64(1) << childIdx
		if count == 0 {
			preleaf.removeLeaf(childIdx, &m.attachments)
		} else {
			preleaf.childMask |= childBit
			preleaf.leafMask |= childBit
		}
	}
}

// RecompressBMat re-merges homogeneous regions after edits: any node
// whose 64 slots are all leaves of the same built-in material, carrying
// no other attachment, collapses into a single leaf of its parent. Not
// required for correctness, so it runs as a batch pass.
func (m *Model) RecompressBMat() {
	m.updateTracker++
	m.root.recompress()
}

// recompress folds children bottom-up and reports the material this
// whole node merges to, if any.
func (n *node) recompress() (uint32, bool) {
	for i := len(n.children) - 1; i >= 0; i-- {
		child := n.children[i]
		bmat, mergeable := child.recompress()
		if !mergeable {
			continue
		}
		// Locate the child's slot to rewrite it as a leaf.
		childIdx := n.nthNonLeafChildIndex(i)
		n.children = append(n.children[:i], n.children[i+1:]...)
		n.leafMask |= uint64(1) << childIdx
		n.setAttachment(childIdx, voxel.AttachmentBMat, 1, []uint32{bmat})
	}

	if n.childMask != ^uint64(0) || n.leafMask != ^uint64(0) {
		return 0, false
	}
	onlyBMat := true
	n.data.Range(func(id voxel.AttachmentId, span *leafSpan) bool {
		if id != voxel.AttachmentBMat && span.mask != 0 {
			onlyBMat = false
			return false
		}
		return true
	})
	if !onlyBMat {
		return 0, false
	}
	span, ok := n.data.Get(voxel.AttachmentBMat)
	if !ok || span.mask != ^uint64(0) {
		return 0, false
	}
	first := span.words[0]
	for _, w := range span.words[1:] {
		if w != first {
			return 0, false
		}
	}
	return first, true
}

// nthNonLeafChildIndex recovers the child slot of children[i].
func (n *node) nthNonLeafChildIndex(i int) uint32 {
	mask := n.nonLeafChildMask()
	for idx := uint32(0); idx < 64; idx++ {
		if mask&(uint64(1)<<idx) == 0 {
			continue
		}
		if i == 0 {
			return idx
		}
		i--
	}
	panic("sft: children array out of sync with child mask")
}

// Trace is the THC stack DDA, except a leaf can terminate the walk at
// any level.
func (m *Model) Trace(ray geom.Ray, bounds geom.AABB) (voxel.Hit, bool) {
	modelT, ok := ray.IntersectAABB(bounds)
	if !ok {
		return voxel.Hit{}, false
	}
	advanced := ray
	advanced.Advance(modelT)

	dda := thc.NewTreeDDA(advanced, bounds, m.sideLength)
	currNode := m.root
	var stack []*node

	for iter := 0; dda.InBounds() && iter < thc.TraceIterCap; iter++ {
		if dda.ShouldPop() {
			if dda.CurrHeight() == 0 {
				break
			}
			currNode = stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			dda.Pop()
		} else {
			childIdx := dda.ChildIndex()
			childBit := uint64(1) << childIdx
			if currNode.childMask&childBit != 0 {
				if currNode.leafMask&childBit != 0 {
					pos, depth := dda.Hit(ray.Origin, bounds)
					return voxel.Hit{LocalPos: pos, DepthT: depth}, true
				}
				stack = append(stack, currNode)
				currNode = currNode.children[currNode.childOffset(childIdx)]
				dda.Descend()
				continue
			}
		}
		dda.Step()
	}
	return voxel.Hit{}, false
}

// NewGpu returns the GPU companion for the pointer form.
func (m *Model) NewGpu() voxel.ModelGpu { return &Gpu{} }
