package thc

import (
	"fmt"
	"math/bits"

	"voxelrogue.dev/internal/geom"
	"voxelrogue.dev/internal/morton"
	"voxelrogue.dev/internal/voxel"
)

// LeafBit marks a compressed node as a preleaf; the remaining bits of
// ChildPtr are the forward offset to the node's first child.
const LeafBit = 0x8000_0000

// Node is one cell of the flattened tree. ChildPtr is a forward offset
// in node units from this node's own index.
type Node struct {
	ChildPtr  uint32
	ChildMask uint64
}

func (n Node) IsLeaf() bool { return n.ChildPtr&LeafBit != 0 }

// ChildBase is the array index of the first child, given this node's
// own index.
func (n Node) ChildBase(self int) int {
	return self + int(n.ChildPtr&^uint32(LeafBit))
}

func (n Node) HasChild(childIdx uint32) bool {
	return n.ChildMask&(uint64(1)<<childIdx) != 0
}

// childOffset is the rank of childIdx among the set child bits.
func (n Node) childOffset(childIdx uint32) int {
	return bits.OnesCount64(n.ChildMask & (uint64(1)<<childIdx - 1))
}

// LookupNode locates one attachment channel of a preleaf in the raw
// array.
type LookupNode struct {
	DataPtr        uint32
	AttachmentMask uint64
}

// Compressed is the array-of-structs snapshot of a 64-tree: nodes in
// depth-first order, root at index 0, with per-attachment lookup nodes
// parallel to the node array and dense raw attachment words.
type Compressed struct {
	SideLength uint32
	// Dims is the content extent of a model built from a non-cubic
	// flat; zero means the full cube.
	Dims           geom.Vec3i
	Nodes          []Node
	Lookup         voxel.AttachmentMap[[]LookupNode]
	Raw            voxel.AttachmentMap[[]uint32]
	AttachmentInfo voxel.InfoMap
}

func NewCompressed(sideLength uint32) *Compressed {
	if voxel.NextPowerOf4(sideLength) != sideLength || sideLength < 4 {
		panic(fmt.Sprintf("thc: side length must be a power of 4 >= 4, got %d", sideLength))
	}
	return &Compressed{
		SideLength: sideLength,
		Nodes:      []Node{{}},
	}
}

func (c *Compressed) Length() geom.Vec3i {
	if c.Dims != (geom.Vec3i{}) {
		return c.Dims
	}
	s := int32(c.SideLength)
	return geom.Vec3i{X: s, Y: s, Z: s}
}

func (c *Compressed) Schema() voxel.Schema { return voxel.SchemaTHC }

func (c *Compressed) Attachments() *voxel.InfoMap { return &c.AttachmentInfo }

func (c *Compressed) treeHeight() uint32 {
	return uint32(bits.TrailingZeros32(c.SideLength)) / 2
}

// initAttachmentBuffers registers an attachment and creates its lookup
// and raw arrays when missing.
func (c *Compressed) initAttachmentBuffers(att voxel.Attachment) {
	c.AttachmentInfo.Insert(att.Id(), att)
	if !c.Lookup.Has(att.Id()) {
		c.Lookup.Insert(att.Id(), make([]LookupNode, len(c.Nodes)))
		c.Raw.Insert(att.Id(), nil)
	}
}

// SetVoxelRange is unsupported on the snapshot form; edit the pointer
// form and recompress.
func (c *Compressed) SetVoxelRange(voxel.Edit) {
	panic("thc: compressed model is immutable, edit the pointer form")
}

// Compress flattens the pointer tree depth first. Sibling nodes are
// reserved contiguously the first time their parent is visited, so a
// node's children always lie forward of it.
func Compress(m *Model) *Compressed {
	c := NewCompressed(m.sideLength)
	c.Dims = m.dims
	m.attachments.Range(func(_ voxel.AttachmentId, att voxel.Attachment) bool {
		c.initAttachmentBuffers(att)
		return true
	})

	type frame struct {
		node      *node
		dstIdx    int
		childIter int
	}
	stack := []frame{{node: m.root}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]

		if top.node.isPreleaf() {
			c.Nodes[top.dstIdx] = Node{ChildPtr: LeafBit, ChildMask: top.node.leafMask}
			top.node.data.Range(func(id voxel.AttachmentId, span *leafSpan) bool {
				if span.mask == 0 {
					return true
				}
				lookup := c.Lookup.MustGet(id)
				if len(lookup) < len(c.Nodes) {
					lookup = append(lookup, make([]LookupNode, len(c.Nodes)-len(lookup))...)
				}
				raw := c.Raw.MustGet(id)
				lookup[top.dstIdx] = LookupNode{
					DataPtr:        uint32(len(raw)),
					AttachmentMask: span.mask,
				}
				c.Lookup.Insert(id, lookup)
				c.Raw.Insert(id, append(raw, span.words...))
				return true
			})
			stack = stack[:len(stack)-1]
			continue
		}

		if top.childIter == 0 {
			var childMask uint64
			for i, child := range top.node.children {
				if child != nil {
					childMask |= uint64(1) << i
				}
			}
			childBase := len(c.Nodes)
			c.Nodes[top.dstIdx] = Node{
				ChildPtr:  uint32(childBase - top.dstIdx),
				ChildMask: childMask,
			}
			c.Nodes = append(c.Nodes, make([]Node, bits.OnesCount64(childMask))...)
		}
		if top.childIter == 64 {
			stack = stack[:len(stack)-1]
			continue
		}

		child := top.node.children[top.childIter]
		iter := uint32(top.childIter)
		top.childIter++
		if child != nil {
			n := c.Nodes[top.dstIdx]
			stack = append(stack, frame{
				node:   child,
				dstIdx: n.ChildBase(top.dstIdx) + n.childOffset(iter),
			})
		}
	}

	// Lookup arrays stay parallel to the node array.
	c.AttachmentInfo.Range(func(id voxel.AttachmentId, _ voxel.Attachment) bool {
		lookup := c.Lookup.MustGet(id)
		if len(lookup) < len(c.Nodes) {
			lookup = append(lookup, make([]LookupNode, len(c.Nodes)-len(lookup))...)
			c.Lookup.Insert(id, lookup)
		}
		return true
	})
	return c
}

// Decompress materialises the pointer tree. The snapshot is validated
// first; a malformed one indicates corruption of a byte-exact format
// and aborts.
func Decompress(c *Compressed) *Model {
	if err := c.Validate(); err != nil {
		panic(fmt.Sprintf("thc: corrupt compressed model: %v", err))
	}

	root := newInternal()
	if c.Nodes[0].IsLeaf() {
		root = newPreleaf()
	}
	m := &Model{sideLength: c.SideLength, dims: c.Dims, root: root}
	c.AttachmentInfo.Range(func(id voxel.AttachmentId, att voxel.Attachment) bool {
		m.attachments.Insert(id, att)
		return true
	})

	height := c.treeHeight()
	type item struct {
		height uint32
		srcIdx int
		node   *node
	}
	work := []item{{node: root}}
	for len(work) > 0 {
		it := work[len(work)-1]
		work = work[:len(work)-1]
		srcNode := c.Nodes[it.srcIdx]

		if it.node.isPreleaf() {
			it.node.leafMask = srcNode.ChildMask
			c.AttachmentInfo.Range(func(id voxel.AttachmentId, att voxel.Attachment) bool {
				lookup := c.Lookup.MustGet(id)
				if it.srcIdx >= len(lookup) {
					return true
				}
				ln := lookup[it.srcIdx]
				if ln.AttachmentMask == 0 {
					return true
				}
				n := bits.OnesCount64(ln.AttachmentMask) * int(att.SizeWords())
				raw := c.Raw.MustGet(id)
				words := make([]uint32, n)
				copy(words, raw[ln.DataPtr:int(ln.DataPtr)+n])
				it.node.data.Insert(id, &leafSpan{mask: ln.AttachmentMask, words: words})
				return true
			})
			continue
		}

		for i := uint32(0); i < 64; i++ {
			if !srcNode.HasChild(i) {
				continue
			}
			var child *node
			if it.height >= height-2 {
				child = newPreleaf()
			} else {
				child = newInternal()
			}
			it.node.children[i] = child
			work = append(work, item{
				height: it.height + 1,
				srcIdx: srcNode.ChildBase(it.srcIdx) + srcNode.childOffset(i),
				node:   child,
			})
		}
	}
	return m
}

// Validate checks the structural invariants of the snapshot: child
// pointers in range and forward, exact child counts, leaf nodes only at
// the preleaf level, and leaf attachment masks within the child mask.
func (c *Compressed) Validate() error {
	if voxel.NextPowerOf4(c.SideLength) != c.SideLength || c.SideLength < 4 {
		return fmt.Errorf("side length %d is not a power of 4 >= 4", c.SideLength)
	}
	if d := c.Dims; d != (geom.Vec3i{}) {
		s := int32(c.SideLength)
		if d.X <= 0 || d.Y <= 0 || d.Z <= 0 || d.X > s || d.Y > s || d.Z > s {
			return fmt.Errorf("content extent %v outside side length %d", d, c.SideLength)
		}
	}
	if len(c.Nodes) == 0 {
		return fmt.Errorf("empty node array")
	}
	height := c.treeHeight()

	type item struct {
		idx    int
		height uint32
	}
	seen := 1
	work := []item{{idx: 0}}
	for len(work) > 0 {
		it := work[len(work)-1]
		work = work[:len(work)-1]
		n := c.Nodes[it.idx]

		if n.IsLeaf() {
			if it.height != height-1 {
				return fmt.Errorf("node %d: leaf at height %d, want %d", it.idx, it.height, height-1)
			}
			var err error
			c.Lookup.Range(func(id voxel.AttachmentId, lookup []LookupNode) bool {
				if it.idx >= len(lookup) {
					return true
				}
				ln := lookup[it.idx]
				if ln.AttachmentMask&^n.ChildMask != 0 {
					err = fmt.Errorf("node %d: attachment %d mask %#x outside child mask %#x", it.idx, id, ln.AttachmentMask, n.ChildMask)
					return false
				}
				att, ok := c.AttachmentInfo.Get(id)
				if !ok {
					err = fmt.Errorf("lookup for unregistered attachment %d", id)
					return false
				}
				end := int(ln.DataPtr) + bits.OnesCount64(ln.AttachmentMask)*int(att.SizeWords())
				if ln.AttachmentMask != 0 && end > len(c.Raw.MustGet(id)) {
					err = fmt.Errorf("node %d: attachment %d raw span [%d, %d) out of range", it.idx, id, ln.DataPtr, end)
					return false
				}
				return true
			})
			if err != nil {
				return err
			}
			continue
		}

		if it.height >= height-1 {
			return fmt.Errorf("node %d: internal node at preleaf height %d", it.idx, it.height)
		}
		count := bits.OnesCount64(n.ChildMask)
		base := n.ChildBase(it.idx)
		if count > 0 && (base <= it.idx || base+count > len(c.Nodes)) {
			return fmt.Errorf("node %d: children [%d, %d) out of range (%d nodes)", it.idx, base, base+count, len(c.Nodes))
		}
		seen += count
		for i := 0; i < count; i++ {
			work = append(work, item{idx: base + i, height: it.height + 1})
		}
	}
	if seen > len(c.Nodes) {
		return fmt.Errorf("tree references %d nodes but array holds %d", seen, len(c.Nodes))
	}
	return nil
}

// Trace runs the same stack DDA as the pointer form over the flattened
// array.
func (c *Compressed) Trace(ray geom.Ray, bounds geom.AABB) (voxel.Hit, bool) {
	modelT, ok := ray.IntersectAABB(bounds)
	if !ok {
		return voxel.Hit{}, false
	}
	advanced := ray
	advanced.Advance(modelT)

	dda := NewTreeDDA(advanced, bounds, c.SideLength)
	currIdx := 0
	var stack []int

	for iter := 0; dda.InBounds() && iter < TraceIterCap; iter++ {
		if dda.ShouldPop() {
			if dda.currHeight == 0 {
				break
			}
			currIdx = stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			dda.Pop()
		} else {
			childIdx := dda.ChildIndex()
			n := c.Nodes[currIdx]
			if n.HasChild(childIdx) {
				if n.IsLeaf() {
					pos, depth := dda.Hit(ray.Origin, bounds)
					return voxel.Hit{LocalPos: pos, DepthT: depth}, true
				}
				stack = append(stack, currIdx)
				currIdx = n.ChildBase(currIdx) + n.childOffset(childIdx)
				dda.Descend()
				continue
			}
		}
		dda.Step()
	}
	return voxel.Hit{}, false
}

// NewGpu returns the GPU companion for the snapshot form.
func (c *Compressed) NewGpu() voxel.ModelGpu { return &CompressedGpu{} }

// leafVoxelPos recovers the voxel position of leaf child i under the
// anchor of its preleaf.
func leafVoxelPos(anchor geom.Vec3i, childIdx uint32) geom.Vec3i {
	x, y, z := morton.Decode(uint64(childIdx))
	return anchor.Add(geom.Vec3i{X: int32(x), Y: int32(y), Z: int32(z)})
}
