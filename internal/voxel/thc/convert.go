package thc

import (
	"math/bits"

	"voxelrogue.dev/internal/geom"
	"voxelrogue.dev/internal/morton"
	"voxelrogue.dev/internal/voxel"
)

// FromFlat builds the pointer tree bottom-up: voxels are visited in
// Morton order, a preleaf is resolved per 64 voxels and a parent once
// its 64 siblings are resolved. All-empty nodes are elided so the
// parent's child bit stays clear.
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

	// levels[h] accumulates resolved nodes of depth h+1 (children of
	// depth-h nodes); nil entries are elided subtrees.
	levels := make([][]*node, height)
	volume := uint64(side) * uint64(side) * uint64(side)

	for base := uint64(0); base < volume; base += 64 {
		preleaf := buildPreleaf(f, base)
		levels[height-1] = append(levels[height-1], preleaf)

		for h := height - 1; h > 0 && len(levels[h]) == 64; h-- {
			parent := foldInternal(levels[h])
			levels[h] = levels[h][:0]
			levels[h-1] = append(levels[h-1], parent)
		}
	}

	if root := levels[0][0]; root != nil {
		m.root = root
	}
	return m
}

// buildPreleaf resolves the 64 voxels at Morton codes [base, base+64),
// or nil when all are absent.
func buildPreleaf(f *voxel.Flat, base uint64) *node {
	var preleaf *node
	for j := uint32(0); j < 64; j++ {
		x, y, z := morton.Decode(base + uint64(j))
		pos := geom.Vec3i{X: int32(x), Y: int32(y), Z: int32(z)}
		if !f.InBounds(pos) || !f.Exists(pos) {
			continue
		}
		if preleaf == nil {
			preleaf = newPreleaf()
		}
		preleaf.leafMask |= uint64(1) << j
		f.Attachments().Range(func(id voxel.AttachmentId, att voxel.Attachment) bool {
			words, ok := f.GetAttachment(pos, id)
			if ok {
				preleaf.setAttachment(j, id, int(att.SizeWords()), words)
			}
			return true
		})
	}
	return preleaf
}

// foldInternal collapses 64 resolved siblings into their parent, or nil
// when all were elided.
func foldInternal(siblings []*node) *node {
	var parent *node
	for i, child := range siblings {
		if child == nil {
			continue
		}
		if parent == nil {
			parent = newInternal()
		}
		parent.children[i] = child
	}
	return parent
}

// CompressedFromFlat is the snapshot of the bottom-up build.
func CompressedFromFlat(f *voxel.Flat) *Compressed {
	return Compress(FromFlat(f))
}

// ToFlat expands the tree into a flat of the original content extent.
// Exact inverse of FromFlat; voxels in the padding between the extent
// and the power-of-4 cube are dropped.
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

		if fr.node.isPreleaf() {
			for i := uint32(0); i < 64; i++ {
				if fr.node.leafMask&(uint64(1)<<i) == 0 {
					continue
				}
				pos := leafVoxelPos(fr.anchor, i)
				if !f.InBounds(pos) {
					continue
				}
				wrote := false
				fr.node.data.Range(func(id voxel.AttachmentId, span *leafSpan) bool {
					bit := uint64(1) << i
					if span.mask&bit == 0 {
						return true
					}
					size := int(voxel.AttachmentById(id).SizeWords())
					offset := bits.OnesCount64(span.mask&(bit-1)) * size
					f.SetAttachment(pos, id, span.words[offset:offset+size])
					wrote = true
					return true
				})
				if !wrote {
					f.MarkPresent(pos)
				}
			}
			continue
		}

		childSize := int32(m.sideLength >> ((fr.depth + 1) * 2))
		for i := uint32(0); i < 64; i++ {
			child := fr.node.children[i]
			if child == nil {
				continue
			}
			x, y, z := morton.Decode(uint64(i))
			stack = append(stack, frame{
				node: child,
				anchor: fr.anchor.Add(geom.Vec3i{
					X: int32(x) * childSize,
					Y: int32(y) * childSize,
					Z: int32(z) * childSize,
				}),
				depth: fr.depth + 1,
			})
		}
	}
	return f
}
