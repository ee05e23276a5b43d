package registry

import (
	"testing"

	"voxelrogue.dev/internal/geom"
	"voxelrogue.dev/internal/gpu"
	"voxelrogue.dev/internal/voxel"
	"voxelrogue.dev/internal/voxel/sft"
	"voxelrogue.dev/internal/voxel/thc"
)

func solidFlat(side int32, bmat uint32) *voxel.Flat {
	f := voxel.NewFlat(geom.V3(side, side, side))
	for i := 0; i < f.Volume(); i++ {
		f.SetAttachmentWord(f.VoxelPosition(i), voxel.AttachmentBMat, bmat)
	}
	return f
}

func TestRegisterAndTypedGet(t *testing.T) {
	r := New()
	idA := r.Register("block-a", thc.FromFlat(solidFlat(4, 1)))
	idB := r.Register("block-b", sft.FromFlat(solidFlat(4, 2)))

	if idA == idB {
		t.Fatalf("identifiers must be unique")
	}
	if idA.IsNull() || idA.IsAir() {
		t.Fatalf("allocated id collided with a sentinel: %v", idA)
	}

	if m := Get[*thc.Model](r, idA); m.Schema() != voxel.SchemaTHC {
		t.Fatalf("typed get returned schema %v", m.Schema())
	}
	if m := Get[*sft.Model](r, idB); m.Schema() != voxel.SchemaSFT {
		t.Fatalf("typed get returned schema %v", m.Schema())
	}
	if got := r.GetDyn(idB).Schema(); got != voxel.SchemaSFT {
		t.Fatalf("dyn get returned schema %v", got)
	}
	if r.Name(idA) != "block-a" {
		t.Fatalf("name lost: %q", r.Name(idA))
	}
}

func TestTypedGetWrongTypePanics(t *testing.T) {
	r := New()
	id := r.Register("block", thc.FromFlat(solidFlat(4, 1)))
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on type mismatch")
		}
	}()
	Get[*sft.Model](r, id)
}

func TestIterRenderableStableOrder(t *testing.T) {
	r := New()
	ids := []ModelId{
		r.Register("t0", thc.FromFlat(solidFlat(4, 1))),
		r.Register("s0", sft.FromFlat(solidFlat(4, 2))),
		r.Register("t1", thc.FromFlat(solidFlat(4, 3))),
	}

	collect := func() []ModelId {
		var got []ModelId
		r.IterRenderable(func(id ModelId, m voxel.RenderableModel, g voxel.ModelGpu) bool {
			if m == nil || g == nil {
				t.Fatalf("iteration yielded nil handle for %v", id)
			}
			got = append(got, id)
			return true
		})
		return got
	}

	// THC archetype registered first, so both THC models come before the
	// SFT one, in slot order.
	want := []ModelId{ids[0], ids[2], ids[1]}
	got := collect()
	if len(got) != len(want) {
		t.Fatalf("iterated %d models, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order %v, want %v", got, want)
		}
	}
	if second := collect(); second[0] != got[0] || second[1] != got[1] || second[2] != got[2] {
		t.Fatalf("iteration order not stable: %v then %v", got, second)
	}
}

func TestUnloadFreesGpuAndReusesSlot(t *testing.T) {
	dev := gpu.NewMemDevice()
	alloc := gpu.NewBufferAllocator(dev, "voxel-data", 1<<16, 1<<24)

	r := New()
	id := r.Register("chunk", sft.FromFlat(solidFlat(16, 7)))
	m, g := r.GetRenderable(id)
	g.UpdateGpuObjects(dev, alloc, m)
	g.WriteGpuUpdates(dev, alloc, m)
	if alloc.UsedBytes() == 0 {
		t.Fatalf("expected live allocations before unload")
	}

	r.Unload(id, alloc)
	if r.Contains(id) {
		t.Fatalf("unloaded id still resident")
	}
	if alloc.UsedBytes() != 0 {
		t.Fatalf("unload leaked %d bytes", alloc.UsedBytes())
	}
	r.Unload(id, alloc) // idempotent

	// The freed slot is reused while the new model keeps a fresh id.
	id2 := r.Register("chunk2", sft.FromFlat(solidFlat(16, 8)))
	if id2 == id {
		t.Fatalf("identifier reused after unload")
	}
	if r.Len() != 1 {
		t.Fatalf("registry holds %d models, want 1", r.Len())
	}
	count := 0
	r.IterRenderable(func(ModelId, voxel.RenderableModel, voxel.ModelGpu) bool {
		count++
		return true
	})
	if count != 1 {
		t.Fatalf("iteration visited %d models, want 1", count)
	}
}

func TestGetUnknownIdPanics(t *testing.T) {
	r := New()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for unknown id")
		}
	}()
	r.GetDyn(ModelId(42))
}
