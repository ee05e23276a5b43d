package sft

import (
	"math/bits"

	"voxelrogue.dev/internal/geom"
	"voxelrogue.dev/internal/morton"
	"voxelrogue.dev/internal/voxel"
	"voxelrogue.dev/internal/voxel/thc"
)

// CompressedFromTHC copies the THC snapshot: a THC preleaf becomes a
// node whose leaf mask equals its child mask, all other nodes get a
// zero leaf mask, and the attachment arrays carry over verbatim.
func CompressedFromTHC(t *thc.Compressed) *Compressed {
	nodes := make([]Node, len(t.Nodes))
	for i, n := range t.Nodes {
		leafMask := uint64(0)
		childPtr := uint32(0)
		if n.IsLeaf() {
			leafMask = n.ChildMask
		} else {
			childPtr = uint32(n.ChildBase(i) - i)
		}
		nodes[i] = Node{ChildPtr: childPtr, ChildMask: n.ChildMask, LeafMask: leafMask}
	}

	c := &Compressed{SideLength: t.SideLength, Dims: t.Dims, Nodes: nodes}
	t.AttachmentInfo.Range(func(id voxel.AttachmentId, att voxel.Attachment) bool {
		c.AttachmentInfo.Insert(id, att)
		return true
	})
	t.Lookup.Range(func(id voxel.AttachmentId, lookup []thc.LookupNode) bool {
		out := make([]LookupNode, len(lookup))
		for i, ln := range lookup {
			out[i] = LookupNode{DataPtr: ln.DataPtr, AttachmentMask: ln.AttachmentMask}
		}
		c.Lookup.Insert(id, out)
		return true
	})
	t.Raw.Range(func(id voxel.AttachmentId, words []uint32) bool {
		raw := make([]uint32, len(words))
		copy(raw, words)
		c.Raw.Insert(id, raw)
		return true
	})
	return c
}

// FromTHCCompressed materialises the pointer form of a THC snapshot.
func FromTHCCompressed(t *thc.Compressed) *Model {
	return Decompress(CompressedFromTHC(t))
}

// flatFold is one resolved subtree during the bottom-up flat scan.
type flatFold struct {
	// empty when node is nil and merged is false
	merged bool
	bmat   uint32
	node   *node
}

// FromFlat builds the pointer tree bottom-up in Morton order, merging
// homogeneous regions as it folds: 64 siblings of the same built-in
// material, carrying no other attachment, collapse into one leaf. A
// voxel with attachments besides BMAT never merges upward, so no data
// is lost.
func FromFlat(f *voxel.Flat) *Model {
	l := f.Length()
	side := uint32(l.X)
	if uint32(l.Y) > side {
		side = uint32(l.Y)
	}
	if uint32(l.Z) > side {
		side = uint32(l.Z)
	}
	side = voxel.NextPowerOf4(side)
	if side < 4 {
		side = 4
	}
	height := uint32(bits.TrailingZeros32(side)) / 2

	m := New(side)
	m.dims = l
	f.Attachments().Range(func(id voxel.AttachmentId, att voxel.Attachment) bool {
		m.attachments.Insert(id, att)
		return true
	})

	levels := make([][]flatFold, height)
	volume := uint64(side) * uint64(side) * uint64(side)

	for base := uint64(0); base < volume; base += 64 {
		levels[height-1] = append(levels[height-1], foldVoxels(f, base))
		for h := height - 1; h > 0 && len(levels[h]) == 64; h-- {
			parent := foldSiblings(levels[h])
			levels[h] = levels[h][:0]
			levels[h-1] = append(levels[h-1], parent)
		}
	}

	root := levels[0][0]
	switch {
	case root.node != nil:
		m.root = root.node
	case root.merged:
		m.root = newMergedRoot(root.bmat)
	}
	return m
}

// newMergedRoot represents an entirely solid model: one node whose 64
// slots are all merged leaves of the same material.
func newMergedRoot(bmat uint32) *node {
	return newFilled(bmat)
}

// foldVoxels resolves the 64 voxels at Morton codes [base, base+64).
func foldVoxels(f *voxel.Flat, base uint64) flatFold {
	var preleaf *node
	mergeBMat := uint32(0)
	mergeable := true
	seen := 0

	for j := uint32(0); j < 64; j++ {
		x, y, z := morton.Decode(base + uint64(j))
		pos := geom.Vec3i{X: int32(x), Y: int32(y), Z: int32(z)}
		if !f.InBounds(pos) || !f.Exists(pos) {
			mergeable = false
			continue
		}
		if preleaf == nil {
			preleaf = newEmpty()
		}
		bit := uint64(1) << j
		preleaf.childMask |= bit
		preleaf.leafMask |= bit

		attachmentCount := 0
		f.Attachments().Range(func(id voxel.AttachmentId, att voxel.Attachment) bool {
			words, ok := f.GetAttachment(pos, id)
			if !ok {
				return true
			}
			attachmentCount++
			preleaf.setAttachment(j, id, int(att.SizeWords()), words)
			if id != voxel.AttachmentBMat {
				mergeable = false
			}
			return true
		})
		if attachmentCount != 1 {
			mergeable = false
		}
		if mergeable {
			w, _ := f.GetAttachment(pos, voxel.AttachmentBMat)
			if seen == 0 {
				mergeBMat = w[0]
			} else if w[0] != mergeBMat {
				mergeable = false
			}
		}
		seen++
	}

	if preleaf == nil {
		return flatFold{}
	}
	if mergeable && seen == 64 {
		return flatFold{merged: true, bmat: mergeBMat}
	}
	return flatFold{node: preleaf}
}

// foldSiblings collapses 64 resolved subtrees into their parent,
// re-merging when every slot merged to the same material.
func foldSiblings(siblings []flatFold) flatFold {
	var parent *node
	mergeBMat := uint32(0)
	mergeable := true
	seen := 0

	ensure := func() *node {
		if parent == nil {
			parent = newEmpty()
		}
		return parent
	}

	for i, s := range siblings {
		bit := uint64(1) << i
		switch {
		case s.node != nil:
			p := ensure()
			p.childMask |= bit
			p.children = append(p.children, s.node)
			mergeable = false
		case s.merged:
			p := ensure()
			p.childMask |= bit
			p.leafMask |= bit
			p.setAttachment(uint32(i), voxel.AttachmentBMat, 1, []uint32{s.bmat})
			if seen == 0 {
				mergeBMat = s.bmat
			} else if s.bmat != mergeBMat {
				mergeable = false
			}
			seen++
		default:
			mergeable = false
		}
	}

	if parent == nil {
		return flatFold{}
	}
	if mergeable && seen == 64 {
		return flatFold{merged: true, bmat: mergeBMat}
	}
	return flatFold{node: parent}
}

// CompressedFromFlat is the snapshot of the bottom-up build.
func CompressedFromFlat(f *voxel.Flat) *Compressed {
	return Compress(FromFlat(f))
}

// ToFlat expands the tree into a flat of the original content extent,
// materialising every merged leaf as the solid block it stands for.
// Voxels in the padding between the extent and the power-of-4 cube are
// dropped.
func (m *Model) ToFlat() *voxel.Flat {
	f := voxel.NewFlat(m.Length())

	type frame struct {
		node   *node
		anchor geom.Vec3i
		depth  uint32
	}
	stack := []frame{{node: m.root}}
	for len(stack) > 0 {
		fr := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		slotSize := int32(m.sideLength >> ((fr.depth + 1) * 2))
		for i := uint32(0); i < 64; i++ {
			bit := uint64(1) << i
			if fr.node.childMask&bit == 0 {
				continue
			}
			x, y, z := morton.Decode(uint64(i))
			slotAnchor := fr.anchor.Add(geom.Vec3i{
				X: int32(x) * slotSize,
				Y: int32(y) * slotSize,
				Z: int32(z) * slotSize,
			})

			if fr.node.leafMask&bit != 0 {
				m.expandLeaf(f, fr.node, i, slotAnchor, slotSize)
				continue
			}
			stack = append(stack, frame{
				node:   fr.node.children[fr.node.childOffset(i)],
				anchor: slotAnchor,
				depth:  fr.depth + 1,
			})
		}
	}
	return f
}

// expandLeaf writes one leaf slot into the flat: a single voxel at the
// preleaf level, a solid block of its material above it.
func (m *Model) expandLeaf(f *voxel.Flat, n *node, childIdx uint32, anchor geom.Vec3i, slotSize int32) {
	bit := uint64(1) << childIdx
	if slotSize == 1 {
		if !f.InBounds(anchor) {
			return
		}
		wrote := false
		n.data.Range(func(id voxel.AttachmentId, span *leafSpan) bool {
			if span.mask&bit == 0 {
				return true
			}
			size := int(voxel.AttachmentById(id).SizeWords())
			offset := bits.OnesCount64(span.mask&(bit-1)) * size
			f.SetAttachment(anchor, id, span.words[offset:offset+size])
			wrote = true
			return true
		})
		if !wrote {
			f.MarkPresent(anchor)
		}
		return
	}

	span := n.data.MustGet(voxel.AttachmentBMat)
	offset := bits.OnesCount64(span.mask & (bit - 1))
	bmat := span.words[offset]
	for z := int32(0); z < slotSize; z++ {
		for y := int32(0); y < slotSize; y++ {
			for x := int32(0); x < slotSize; x++ {
				pos := anchor.Add(geom.V3(x, y, z))
				if !f.InBounds(pos) {
					continue
				}
				f.SetAttachmentWord(pos, voxel.AttachmentBMat, bmat)
			}
		}
	}
}
