// Package thc implements the tetrahexacontree, a 64-tree where each
// node is two octree levels squashed together. The pointer form is the
// editable representation; Compressed is the flattened snapshot used
// for serialisation and GPU upload.
package thc

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/go-gl/mathgl/mgl32"

	"voxelrogue.dev/internal/geom"
	"voxelrogue.dev/internal/morton"
	"voxelrogue.dev/internal/voxel"
)

// Model is the dense pointer form of the 64-tree. Interior levels hold
// child pointers; the last level (the preleaf) holds a 4x4x4 block of
// voxels as a leaf mask plus packed attachment words.
type Model struct {
	sideLength  uint32
	attachments voxel.InfoMap
	root        *node

	// dims is the content extent when the model came from a non-cubic
	// flat; zero means the full cube.
	dims geom.Vec3i

	// Bumped on every edit so GPU companions know to resnapshot.
	updateTracker uint32
}

// node is either internal (children non-nil) or a preleaf.
type node struct {
	children *[64]*node

	leafMask uint64
	data     voxel.AttachmentMap[*leafSpan]
}

// leafSpan packs one attachment channel of a preleaf: words are dense,
// ordered by child index, popcount(mask & (bit-1)) * sizeWords in.
type leafSpan struct {
	mask  uint64
	words []uint32
}

func newInternal() *node { return &node{children: new([64]*node)} }
func newPreleaf() *node  { return &node{} }

func (n *node) isPreleaf() bool { return n.children == nil }

// setAttachment writes one attachment of one preleaf voxel, inserting
// words at the popcount offset or overwriting in place when the bit is
// already set. Does not touch the leaf mask.
func (n *node) setAttachment(childIdx uint32, id voxel.AttachmentId, sizeWords int, words []uint32) {
	if !n.isPreleaf() {
		panic("thc: setAttachment on internal node")
	}
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

// removeAttachments drops every attachment word of one preleaf voxel
// and clears its leaf bit.
func (n *node) removeVoxel(childIdx uint32, attachments *voxel.InfoMap) {
	childBit := uint64(1) << childIdx
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

// New returns an empty 64-tree. sideLength must be a power of 4, at
// least 4.
func New(sideLength uint32) *Model {
	if voxel.NextPowerOf4(sideLength) != sideLength || sideLength < 4 {
		panic(fmt.Sprintf("thc: side length must be a power of 4 >= 4, got %d", sideLength))
	}
	root := newInternal()
	if sideLength == 4 {
		root = newPreleaf()
	}
	return &Model{sideLength: sideLength, root: root}
}

func (m *Model) SideLength() uint32 { return m.sideLength }

func (m *Model) Length() geom.Vec3i {
	if m.dims != (geom.Vec3i{}) {
		return m.dims
	}
	s := int32(m.sideLength)
	return geom.Vec3i{X: s, Y: s, Z: s}
}

func (m *Model) Schema() voxel.Schema { return voxel.SchemaTHC }

func (m *Model) Attachments() *voxel.InfoMap { return &m.attachments }

func (m *Model) treeHeight() uint32 {
	return uint32(bits.TrailingZeros32(m.sideLength)) / 2
}

func (m *Model) inBoundsLocal(pos geom.Vec3i) bool {
	s := int32(m.sideLength)
	return pos.X >= 0 && pos.Y >= 0 && pos.Z >= 0 && pos.X < s && pos.Y < s && pos.Z < s
}

// getOrCreatePreleaf walks the traversal digits of pos, allocating
// missing nodes, and returns the preleaf plus the child index of the
// voxel within it.
func (m *Model) getOrCreatePreleaf(pos geom.Vec3i) (*node, uint32) {
	height := m.treeHeight()
	traversal := morton.Traversal64(morton.Encode(uint32(pos.X), uint32(pos.Y), uint32(pos.Z)), height)
	curr := m.root
	for i := uint32(0); ; i++ {
		index := uint32(traversal & 63)
		if i == height-1 {
			return curr, index
		}
		child := curr.children[index]
		if child == nil {
			if i < height-2 {
				child = newInternal()
			} else {
				child = newPreleaf()
			}
			curr.children[index] = child
		}
		curr = child
		traversal >>= 6
	}
}

// SetVoxelRange merges a flat patch. Absent patch voxels are skipped, a
// present patch voxel overwrites its attachments, and a present voxel
// carrying zero attachments is removed.
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

		if count == 0 {
			preleaf.removeVoxel(childIdx, &m.attachments)
		} else {
			preleaf.leafMask |= uint64(1) << childIdx
		}
	}
}

// Trace walks the ray through the tree with a stack DDA. bounds is the
// model's world-space box; the hit position is voxel-local.
func (m *Model) Trace(ray geom.Ray, bounds geom.AABB) (voxel.Hit, bool) {
	modelT, ok := ray.IntersectAABB(bounds)
	if !ok {
		return voxel.Hit{}, false
	}
	advanced := ray
	advanced.Advance(modelT)

	dda := NewTreeDDA(advanced, bounds, m.sideLength)
	currNode := m.root
	var stack []*node

	for iter := 0; dda.InBounds() && iter < TraceIterCap; iter++ {
		if dda.ShouldPop() {
			if dda.currHeight == 0 {
				break
			}
			currNode = stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			dda.Pop()
		} else {
			childIdx := dda.ChildIndex()
			if currNode.isPreleaf() {
				if currNode.leafMask&(uint64(1)<<childIdx) != 0 {
					pos, depth := dda.Hit(ray.Origin, bounds)
					return voxel.Hit{LocalPos: pos, DepthT: depth}, true
				}
			} else if child := currNode.children[childIdx]; child != nil {
				stack = append(stack, currNode)
				currNode = child
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

const (
	TraceIterCap = 2000
	// Keeps the advanced ray from re-entering the cell it just left.
	traceEpsilon = 0.0001
)

// TreeDDA holds the shared traversal state of the pointer, compressed
// and SFT trace loops: the ray in voxel space, the current tree level,
// the 4x4x4-local cell and the anchor of the current node.
type TreeDDA struct {
	ray        geom.Ray
	sideLength uint32
	height     uint32
	quarterSL  uint32
	unitGrid   geom.Vec3i

	currHeight uint32
	localGrid  geom.Vec3i
	anchor     [3]uint32
	hitPos     geom.Vec3i
}

func NewTreeDDA(advanced geom.Ray, bounds geom.AABB, sideLength uint32) *TreeDDA {
	side := bounds.SideLength()
	local := advanced.Origin.Sub(bounds.Min)
	norm := mgl32.Vec3{
		clamp01(local.X() / side.X()),
		clamp01(local.Y() / side.Y()),
		clamp01(local.Z() / side.Z()),
	}
	pos := norm.Mul(float32(sideLength))

	height := uint32(bits.TrailingZeros32(sideLength))/2 - 1
	d := &TreeDDA{
		ray:        geom.NewRay(pos, advanced.Dir),
		sideLength: sideLength,
		height:     height,
		quarterSL:  sideLength >> 2,
		unitGrid: geom.Vec3i{
			X: signOf(advanced.Dir.X()),
			Y: signOf(advanced.Dir.Y()),
			Z: signOf(advanced.Dir.Z()),
		},
	}
	d.localGrid = geom.Vec3i{
		X: int32(uint32(floor32(pos.X())) >> (height * 2)),
		Y: int32(uint32(floor32(pos.Y())) >> (height * 2)),
		Z: int32(uint32(floor32(pos.Z())) >> (height * 2)),
	}
	return d
}

func (d *TreeDDA) InBounds() bool {
	s := int32(d.sideLength)
	x, y, z := floor32(d.ray.Origin.X()), floor32(d.ray.Origin.Y()), floor32(d.ray.Origin.Z())
	return x >= 0 && y >= 0 && z >= 0 && x < s && y < s && z < s
}

// CurrHeight is the tree level the DDA currently walks, 0 at the root.
func (d *TreeDDA) CurrHeight() uint32 { return d.currHeight }

func (d *TreeDDA) ShouldPop() bool {
	g := d.localGrid
	return g.X < 0 || g.Y < 0 || g.Z < 0 || g.X > 3 || g.Y > 3 || g.Z > 3
}

func (d *TreeDDA) ChildIndex() uint32 {
	g := d.localGrid
	return uint32(morton.Encode(uint32(g.X), uint32(g.Y), uint32(g.Z)))
}

func (d *TreeDDA) nodeSize() uint32 {
	return d.quarterSL >> (d.currHeight * 2)
}

// pop restores the parent cell: the local grid is recovered from the
// anchor and the anchor is re-truncated to the parent's granularity.
func (d *TreeDDA) Pop() {
	d.currHeight--
	shift := (d.height - d.currHeight) * 2
	d.localGrid = geom.Vec3i{
		X: int32((d.anchor[0] >> shift) & 3),
		Y: int32((d.anchor[1] >> shift) & 3),
		Z: int32((d.anchor[2] >> shift) & 3),
	}
	coarse := (d.height - d.currHeight + 1) * 2
	for i := range d.anchor {
		d.anchor[i] = (d.anchor[i] >> coarse) << coarse
	}
}

// descend moves into the child under the current cell and derives the
// new local grid from the ray position clamped into the child.
func (d *TreeDDA) Descend() {
	nodeSize := d.nodeSize()
	d.anchor[0] += uint32(d.localGrid.X) * nodeSize
	d.anchor[1] += uint32(d.localGrid.Y) * nodeSize
	d.anchor[2] += uint32(d.localGrid.Z) * nodeSize
	global := d.globalGridPos(nodeSize)
	d.currHeight++
	shift := (d.height - d.currHeight) * 2
	d.localGrid = geom.Vec3i{
		X: int32((uint32(global.X) >> shift) & 3),
		Y: int32((uint32(global.Y) >> shift) & 3),
		Z: int32((uint32(global.Z) >> shift) & 3),
	}
}

func (d *TreeDDA) globalGridPos(nodeSize uint32) geom.Vec3i {
	return geom.Vec3i{
		X: int32(clampU32(uint32(floor32(d.ray.Origin.X())), d.anchor[0], d.anchor[0]+nodeSize-1)),
		Y: int32(clampU32(uint32(floor32(d.ray.Origin.Y())), d.anchor[1], d.anchor[1]+nodeSize-1)),
		Z: int32(clampU32(uint32(floor32(d.ray.Origin.Z())), d.anchor[2], d.anchor[2]+nodeSize-1)),
	}
}

// hit resolves the leaf cell under the current position and the world
// distance from the original ray origin.
func (d *TreeDDA) Hit(originalOrigin mgl32.Vec3, bounds geom.AABB) (geom.Vec3i, float32) {
	nodeSize := d.nodeSize()
	d.anchor[0] += uint32(d.localGrid.X) * nodeSize
	d.anchor[1] += uint32(d.localGrid.Y) * nodeSize
	d.anchor[2] += uint32(d.localGrid.Z) * nodeSize
	global := d.globalGridPos(nodeSize)

	scale := bounds.SideLength().Mul(1 / float32(d.sideLength))
	world := mgl32.Vec3{
		bounds.Min.X() + d.ray.Origin.X()*scale.X(),
		bounds.Min.Y() + d.ray.Origin.Y()*scale.Y(),
		bounds.Min.Z() + d.ray.Origin.Z()*scale.Z(),
	}
	return global, world.Sub(originalOrigin).Len()
}

// step advances the ray to the next cell boundary, moving every axis
// whose t ties for the minimum.
func (d *TreeDDA) Step() {
	nodeSize := d.nodeSize()
	next := mgl32.Vec3{
		float32(d.anchor[0] + uint32(d.localGrid.X)*nodeSize + uint32(max32i(d.unitGrid.X, 0))*nodeSize),
		float32(d.anchor[1] + uint32(d.localGrid.Y)*nodeSize + uint32(max32i(d.unitGrid.Y, 0))*nodeSize),
		float32(d.anchor[2] + uint32(d.localGrid.Z)*nodeSize + uint32(max32i(d.unitGrid.Z, 0))*nodeSize),
	}
	t := d.ray.IntersectPoint(next)
	minT := t.X()
	if t.Y() < minT {
		minT = t.Y()
	}
	if t.Z() < minT {
		minT = t.Z()
	}
	if t.X() == minT {
		d.localGrid.X += d.unitGrid.X
	}
	if t.Y() == minT {
		d.localGrid.Y += d.unitGrid.Y
	}
	if t.Z() == minT {
		d.localGrid.Z += d.unitGrid.Z
	}
	d.ray.Advance(minT + traceEpsilon)
}

func floor32(v float32) int32 {
	return int32(math.Floor(float64(v)))
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 0.9999 {
		return 0.9999
	}
	return v
}

func clampU32(v, lo, hi uint32) uint32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func signOf(v float32) int32 {
	if v < 0 {
		return -1
	}
	return 1
}

func max32i(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}
