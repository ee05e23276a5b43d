package sft

import (
	"fmt"
	"math/bits"

	"voxelrogue.dev/internal/geom"
	"voxelrogue.dev/internal/voxel"
	"voxelrogue.dev/internal/voxel/thc"
)

// Node is one cell of the flattened sparse tree. ChildPtr is a forward
// offset in node units from this node's own index to its first non-leaf
// child; leaf slots carry no node.
type Node struct {
	ChildPtr  uint32
	ChildMask uint64
	LeafMask  uint64
}

func (n Node) NonLeafChildMask() uint64 { return n.ChildMask &^ n.LeafMask }

func (n Node) HasChild(childIdx uint32) bool {
	return n.ChildMask&(uint64(1)<<childIdx) != 0
}

func (n Node) HasLeaf(childIdx uint32) bool {
	return n.LeafMask&(uint64(1)<<childIdx) != 0
}

// ChildBase is the array index of the first non-leaf child.
func (n Node) ChildBase(self int) int { return self + int(n.ChildPtr) }

func (n Node) childOffset(childIdx uint32) int {
	return bits.OnesCount64(n.NonLeafChildMask() & (uint64(1)<<childIdx - 1))
}

// LookupNode locates one attachment channel of a node's leaf slots in
// the raw array.
type LookupNode struct {
	DataPtr        uint32
	AttachmentMask uint64
}

// Compressed is the array-of-structs snapshot: nodes in depth-first
// order with the root at index 0, lookup arrays parallel to the node
// array and dense raw attachment words.
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
		panic(fmt.Sprintf("sft: side length must be a power of 4 >= 4, got %d", sideLength))
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

func (c *Compressed) Schema() voxel.Schema { return voxel.SchemaSFT }

func (c *Compressed) Attachments() *voxel.InfoMap { return &c.AttachmentInfo }

func (c *Compressed) treeHeight() uint32 {
	return uint32(bits.TrailingZeros32(c.SideLength)) / 2
}

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
	panic("sft: compressed model is immutable, edit the pointer form")
}

// collectLeafSpans copies the attachment words of one node's leaf slots
// out of the parallel arrays.
func (c *Compressed) collectLeafSpans(nodeIdx int) voxel.AttachmentMap[*leafSpan] {
	var out voxel.AttachmentMap[*leafSpan]
	c.Lookup.Range(func(id voxel.AttachmentId, lookup []LookupNode) bool {
		if nodeIdx >= len(lookup) || lookup[nodeIdx].AttachmentMask == 0 {
			return true
		}
		ln := lookup[nodeIdx]
		size := int(c.AttachmentInfo.MustGet(id).SizeWords())
		n := bits.OnesCount64(ln.AttachmentMask) * size
		raw := c.Raw.MustGet(id)
		words := make([]uint32, n)
		copy(words, raw[ln.DataPtr:int(ln.DataPtr)+n])
		out.Insert(id, &leafSpan{mask: ln.AttachmentMask, words: words})
		return true
	})
	return out
}

// Compress flattens the pointer tree depth first. Non-leaf children are
// reserved contiguously when their parent is first visited, so
// ChildPtr is always a forward offset.
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

		if top.childIter == 0 {
			childBase := len(c.Nodes)
			c.Nodes[top.dstIdx] = Node{
				ChildPtr:  uint32(childBase - top.dstIdx),
				ChildMask: top.node.childMask,
				LeafMask:  top.node.leafMask,
			}
			c.Nodes = append(c.Nodes, make([]Node, len(top.node.children))...)

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
		}
		if top.childIter == len(top.node.children) {
			stack = stack[:len(stack)-1]
			continue
		}

		child := top.node.children[top.childIter]
		dst := c.Nodes[top.dstIdx].ChildBase(top.dstIdx) + top.childIter
		top.childIter++
		stack = append(stack, frame{node: child, dstIdx: dst})
	}

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

// Decompress materialises the pointer tree, hydrating leaf attachment
// spans per node. The snapshot is validated first; a malformed one
// indicates corruption of a byte-exact format and aborts.
func Decompress(c *Compressed) *Model {
	if err := c.Validate(); err != nil {
		panic(fmt.Sprintf("sft: corrupt compressed model: %v", err))
	}

	m := &Model{sideLength: c.SideLength, dims: c.Dims, root: newEmpty()}
	c.AttachmentInfo.Range(func(id voxel.AttachmentId, att voxel.Attachment) bool {
		m.attachments.Insert(id, att)
		return true
	})

	type item struct {
		srcIdx int
		node   *node
	}
	work := []item{{srcIdx: 0, node: m.root}}
	for len(work) > 0 {
		it := work[len(work)-1]
		work = work[:len(work)-1]
		src := c.Nodes[it.srcIdx]

		it.node.childMask = src.ChildMask
		it.node.leafMask = src.LeafMask
		if src.LeafMask != 0 {
			it.node.data = c.collectLeafSpans(it.srcIdx)
		}

		count := bits.OnesCount64(src.NonLeafChildMask())
		it.node.children = make([]*node, count)
		for i := 0; i < count; i++ {
			child := newEmpty()
			it.node.children[i] = child
			work = append(work, item{srcIdx: src.ChildBase(it.srcIdx) + i, node: child})
		}
	}
	return m
}

// Validate checks structural invariants: leaf masks within child masks,
// child pointers forward and in range, no non-leaf children below the
// preleaf level, and attachment masks within the leaf mask.
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
	work := []item{{idx: 0}}
	for len(work) > 0 {
		it := work[len(work)-1]
		work = work[:len(work)-1]
		n := c.Nodes[it.idx]

		if n.LeafMask&^n.ChildMask != 0 {
			return fmt.Errorf("node %d: leaf mask %#x outside child mask %#x", it.idx, n.LeafMask, n.ChildMask)
		}
		var err error
		c.Lookup.Range(func(id voxel.AttachmentId, lookup []LookupNode) bool {
			if it.idx >= len(lookup) {
				return true
			}
			ln := lookup[it.idx]
			if ln.AttachmentMask&^n.LeafMask != 0 {
				err = fmt.Errorf("node %d: attachment %d mask %#x outside leaf mask %#x", it.idx, id, ln.AttachmentMask, n.LeafMask)
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

		count := bits.OnesCount64(n.NonLeafChildMask())
		if count == 0 {
			continue
		}
		if it.height >= height-1 {
			return fmt.Errorf("node %d: non-leaf children below the preleaf level (height %d)", it.idx, it.height)
		}
		base := n.ChildBase(it.idx)
		if base <= it.idx || base+count > len(c.Nodes) {
			return fmt.Errorf("node %d: children [%d, %d) out of range (%d nodes)", it.idx, base, base+count, len(c.Nodes))
		}
		for i := 0; i < count; i++ {
			work = append(work, item{idx: base + i, height: it.height + 1})
		}
	}
	return nil
}

// Trace runs the shared stack DDA over the flattened array, recognising
// leaves at every level.
func (c *Compressed) Trace(ray geom.Ray, bounds geom.AABB) (voxel.Hit, bool) {
	modelT, ok := ray.IntersectAABB(bounds)
	if !ok {
		return voxel.Hit{}, false
	}
	advanced := ray
	advanced.Advance(modelT)

	dda := thc.NewTreeDDA(advanced, bounds, c.SideLength)
	currIdx := 0
	var stack []int

	for iter := 0; dda.InBounds() && iter < thc.TraceIterCap; iter++ {
		if dda.ShouldPop() {
			if dda.CurrHeight() == 0 {
				break
			}
			currIdx = stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			dda.Pop()
		} else {
			childIdx := dda.ChildIndex()
			n := c.Nodes[currIdx]
			if n.HasChild(childIdx) {
				if n.HasLeaf(childIdx) {
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
