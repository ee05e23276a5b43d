// Package voxel defines the per-voxel attachment channels, the dense flat
// model used as the edit buffer, and the interfaces every voxel model
// representation implements.
package voxel

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// AttachmentId is a dense small-integer key. The set is closed.
type AttachmentId uint8

const (
	AttachmentPTMaterial AttachmentId = 0
	AttachmentNormal     AttachmentId = 1
	AttachmentBMat       AttachmentId = 2

	NumAttachments = 3
)

// Attachment describes one typed per-voxel channel with a fixed width in
// 32-bit words.
type Attachment struct {
	id        AttachmentId
	name      string
	sizeWords uint32
}

var attachments = [NumAttachments]Attachment{
	{id: AttachmentPTMaterial, name: "pathtracing_material", sizeWords: 1},
	{id: AttachmentNormal, name: "normal", sizeWords: 1},
	{id: AttachmentBMat, name: "builtin_material", sizeWords: 1},
}

// AttachmentById panics on an unknown id; ids come from the closed enum
// or from a decoder that already validated them.
func AttachmentById(id AttachmentId) Attachment {
	if int(id) >= NumAttachments {
		panic(fmt.Sprintf("voxel: unknown attachment id %d", id))
	}
	return attachments[id]
}

func (a Attachment) Id() AttachmentId  { return a.id }
func (a Attachment) Name() string      { return a.name }
func (a Attachment) SizeWords() uint32 { return a.sizeWords }
func (a Attachment) SizeBytes() uint32 { return a.sizeWords * 4 }

// EncodeNormal packs a unit vector into 8:8:8 bits, x highest.
func EncodeNormal(n mgl32.Vec3) uint32 {
	var x uint32
	x |= uint32(math.Ceil(float64((n.X()*0.5+0.5)*255))) << 16
	x |= uint32(math.Ceil(float64((n.Y()*0.5+0.5)*255))) << 8
	x |= uint32(math.Ceil(float64((n.Z()*0.5+0.5)*255)))
	return x
}

func DecodeNormal(v uint32) mgl32.Vec3 {
	return mgl32.Vec3{
		float32((v>>16)&0xff)/255*2 - 1,
		float32((v>>8)&0xff)/255*2 - 1,
		float32(v&0xff)/255*2 - 1,
	}
}

// EncodePTMaterialDiffuse packs a quantized linear-space albedo.
func EncodePTMaterialDiffuse(r, g, b float32) uint32 {
	qr := uint32(r * 255)
	qg := uint32(g * 255)
	qb := uint32(b * 255)
	return qr<<16 | qg<<8 | qb
}

func DecodePTMaterialDiffuse(v uint32) (r, g, b float32) {
	return float32((v >> 16) & 0xff) / 255,
		float32((v >> 8) & 0xff) / 255,
		float32(v&0xff) / 255
}

// EncodeBMat stores an index into the shared built-in material palette.
func EncodeBMat(paletteIndex uint32) uint32 { return paletteIndex }

func DecodeBMat(v uint32) uint32 { return v }

// AttachmentMap maps attachment id to V with dense keys, iterated in id
// order.
type AttachmentMap[V any] struct {
	present [NumAttachments]bool
	values  [NumAttachments]V
}

func (m *AttachmentMap[V]) Insert(id AttachmentId, v V) {
	m.present[id] = true
	m.values[id] = v
}

func (m *AttachmentMap[V]) Get(id AttachmentId) (V, bool) {
	if int(id) >= NumAttachments || !m.present[id] {
		var zero V
		return zero, false
	}
	return m.values[id], true
}

func (m *AttachmentMap[V]) Has(id AttachmentId) bool {
	return int(id) < NumAttachments && m.present[id]
}

// MustGet panics when id is absent; used where presence is an invariant.
func (m *AttachmentMap[V]) MustGet(id AttachmentId) V {
	v, ok := m.Get(id)
	if !ok {
		panic(fmt.Sprintf("voxel: attachment %d not in map", id))
	}
	return v
}

func (m *AttachmentMap[V]) Len() int {
	n := 0
	for _, p := range m.present {
		if p {
			n++
		}
	}
	return n
}

// Range calls f for every entry in ascending id order until f returns
// false.
func (m *AttachmentMap[V]) Range(f func(id AttachmentId, v V) bool) {
	for i := range m.values {
		if m.present[i] {
			if !f(AttachmentId(i), m.values[i]) {
				return
			}
		}
	}
}

// InfoMap is the attachment info map a model carries: which attachments
// it has ever stored. It only grows.
type InfoMap = AttachmentMap[Attachment]
