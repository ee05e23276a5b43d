package voxel

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"

	"voxelrogue.dev/internal/bitset"
	"voxelrogue.dev/internal/geom"
)

// Flat is the dense edit buffer: a 3D grid with a presence bitset, plus
// per-attachment presence bitsets and densely packed data arrays. Data
// slots are undefined where attachment presence is false.
type Flat struct {
	length geom.Vec3i
	volume int

	presence           *bitset.Bitset
	attachmentPresence AttachmentMap[*bitset.Bitset]
	attachmentData     AttachmentMap[[]uint32]
	attachments        InfoMap
}

func NewFlat(length geom.Vec3i) *Flat {
	if length.X <= 0 || length.Y <= 0 || length.Z <= 0 {
		panic(fmt.Sprintf("voxel: flat side lengths must be positive, got %v", length))
	}
	volume := int(length.X) * int(length.Y) * int(length.Z)
	return &Flat{
		length:   length,
		volume:   volume,
		presence: bitset.New(volume),
	}
}

func (f *Flat) Length() geom.Vec3i { return f.length }
func (f *Flat) Volume() int        { return f.volume }

func (f *Flat) InBounds(pos geom.Vec3i) bool {
	return pos.X >= 0 && pos.Y >= 0 && pos.Z >= 0 &&
		pos.X < f.length.X && pos.Y < f.length.Y && pos.Z < f.length.Z
}

// VoxelIndex is row-major: x fastest, then y, then z.
func (f *Flat) VoxelIndex(pos geom.Vec3i) int {
	return int(pos.X) + int(pos.Y)*int(f.length.X) + int(pos.Z)*int(f.length.X)*int(f.length.Y)
}

func (f *Flat) VoxelPosition(index int) geom.Vec3i {
	lx, ly := int(f.length.X), int(f.length.Y)
	return geom.Vec3i{
		X: int32(index % lx),
		Y: int32((index / lx) % ly),
		Z: int32(index / (lx * ly)),
	}
}

func (f *Flat) Exists(pos geom.Vec3i) bool {
	f.checkBounds(pos)
	return f.presence.Get(f.VoxelIndex(pos))
}

func (f *Flat) ExistsIndex(index int) bool {
	return f.presence.Get(index)
}

// PresenceWords exposes the voxel presence bitset words for GPU upload.
func (f *Flat) PresenceWords() []uint32 { return f.presence.Words() }

func (f *Flat) AttachmentPresenceWords(id AttachmentId) []uint32 {
	b, ok := f.attachmentPresence.Get(id)
	if !ok {
		return nil
	}
	return b.Words()
}

func (f *Flat) AttachmentRawData(id AttachmentId) []uint32 {
	d, _ := f.attachmentData.Get(id)
	return d
}

func (f *Flat) Attachments() *InfoMap { return &f.attachments }

// registerAttachment lazily grows the info map. Attachments are never
// removed once registered.
func (f *Flat) registerAttachment(id AttachmentId) {
	if f.attachments.Has(id) {
		return
	}
	att := AttachmentById(id)
	f.attachments.Insert(id, att)
	f.attachmentPresence.Insert(id, bitset.New(f.volume))
	f.attachmentData.Insert(id, make([]uint32, f.volume*int(att.SizeWords())))
}

// SetAttachment writes the attachment words for pos and implicitly sets
// voxel presence.
func (f *Flat) SetAttachment(pos geom.Vec3i, id AttachmentId, words []uint32) {
	f.checkBounds(pos)
	att := AttachmentById(id)
	if len(words) != int(att.SizeWords()) {
		panic(fmt.Sprintf("voxel: attachment %s expects %d words, got %d", att.Name(), att.SizeWords(), len(words)))
	}
	f.registerAttachment(id)
	i := f.VoxelIndex(pos)
	f.presence.Set(i, true)
	f.attachmentPresence.MustGet(id).Set(i, true)
	copy(f.attachmentData.MustGet(id)[i*int(att.SizeWords()):], words)
}

// SetAttachmentWord is SetAttachment for one-word channels.
func (f *Flat) SetAttachmentWord(pos geom.Vec3i, id AttachmentId, word uint32) {
	f.SetAttachment(pos, id, []uint32{word})
}

// GetAttachment returns the attachment words for pos, or false when the
// attachment is absent on that voxel.
func (f *Flat) GetAttachment(pos geom.Vec3i, id AttachmentId) ([]uint32, bool) {
	f.checkBounds(pos)
	b, ok := f.attachmentPresence.Get(id)
	if !ok {
		return nil, false
	}
	i := f.VoxelIndex(pos)
	if !b.Get(i) {
		return nil, false
	}
	w := int(AttachmentById(id).SizeWords())
	return f.attachmentData.MustGet(id)[i*w : i*w+w], true
}

// ClearAttachment removes one attachment from pos; the voxel itself is
// removed when no attachments remain.
func (f *Flat) ClearAttachment(pos geom.Vec3i, id AttachmentId) {
	f.checkBounds(pos)
	b, ok := f.attachmentPresence.Get(id)
	if !ok {
		return
	}
	i := f.VoxelIndex(pos)
	b.Set(i, false)
	if !f.anyAttachmentAt(i) {
		f.presence.Set(i, false)
	}
}

// MarkPresent sets voxel presence without touching attachments. A
// present voxel with zero attachments acts as a removal marker when the
// flat is used as an edit patch.
func (f *Flat) MarkPresent(pos geom.Vec3i) {
	f.checkBounds(pos)
	f.presence.Set(f.VoxelIndex(pos), true)
}

// ClearVoxel removes the voxel and every attachment on it.
func (f *Flat) ClearVoxel(pos geom.Vec3i) {
	f.checkBounds(pos)
	i := f.VoxelIndex(pos)
	f.presence.Set(i, false)
	f.attachmentPresence.Range(func(_ AttachmentId, b *bitset.Bitset) bool {
		b.Set(i, false)
		return true
	})
}

func (f *Flat) anyAttachmentAt(index int) bool {
	any := false
	f.attachmentPresence.Range(func(_ AttachmentId, b *bitset.Bitset) bool {
		if b.Get(index) {
			any = true
			return false
		}
		return true
	})
	return any
}

func (f *Flat) checkBounds(pos geom.Vec3i) {
	if !f.InBounds(pos) {
		panic(fmt.Sprintf("voxel: position %v out of bounds %v", pos, f.length))
	}
}

// SetVoxelRange merges a patch. Absent patch voxels are skipped, a
// present patch voxel copies its attachments over the voxel underneath,
// and a present voxel with zero attachments removes it.
func (f *Flat) SetVoxelRange(edit Edit) {
	src := edit.Patch
	src.attachments.Range(func(id AttachmentId, _ Attachment) bool {
		f.registerAttachment(id)
		return true
	})
	for i := 0; i < src.volume; i++ {
		if !src.ExistsIndex(i) {
			continue
		}
		dst := edit.Offset.Add(src.VoxelPosition(i))
		if !f.InBounds(dst) {
			continue
		}
		if !src.anyAttachmentAt(i) {
			f.ClearVoxel(dst)
			continue
		}
		src.attachmentPresence.Range(func(id AttachmentId, b *bitset.Bitset) bool {
			if b.Get(i) {
				w := int(AttachmentById(id).SizeWords())
				f.SetAttachment(dst, id, src.attachmentData.MustGet(id)[i*w:i*w+w])
			}
			return true
		})
	}
}

func (f *Flat) Schema() Schema { return SchemaFlat }

// Trace runs a DDA over the dense grid. The flat model has no tree, so
// every step probes presence directly.
func (f *Flat) Trace(ray geom.Ray, bounds geom.AABB) (Hit, bool) {
	t, ok := ray.IntersectAABB(bounds)
	if !ok {
		return Hit{}, false
	}
	r := ray
	r.Advance(t)
	dda := r.BeginDDA(bounds, f.length)
	for dda.InBounds() {
		pos := dda.GridPos()
		if f.presence.Get(f.VoxelIndex(pos)) {
			side := bounds.SideLength()
			p := dda.Position()
			world := mgl32.Vec3{
				bounds.Min.X() + p.X()*side.X()/float32(f.length.X),
				bounds.Min.Y() + p.Y()*side.Y()/float32(f.length.Y),
				bounds.Min.Z() + p.Z()*side.Z()/float32(f.length.Z),
			}
			return Hit{LocalPos: pos, DepthT: world.Sub(ray.Origin).Len()}, true
		}
		dda.Step()
	}
	return Hit{}, false
}
