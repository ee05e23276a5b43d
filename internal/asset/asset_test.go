package asset

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"voxelrogue.dev/internal/geom"
	"voxelrogue.dev/internal/voxel"
	"voxelrogue.dev/internal/voxel/sft"
	"voxelrogue.dev/internal/voxel/thc"
)

func sphereFlat(side int32, r float64) *voxel.Flat {
	f := voxel.NewFlat(geom.Vec3i{X: side, Y: side, Z: side})
	c := float64(side-1) / 2
	for z := int32(0); z < side; z++ {
		for y := int32(0); y < side; y++ {
			for x := int32(0); x < side; x++ {
				dx, dy, dz := float64(x)-c, float64(y)-c, float64(z)-c
				if dx*dx+dy*dy+dz*dz > r*r {
					continue
				}
				p := geom.Vec3i{X: x, Y: y, Z: z}
				f.SetAttachmentWord(p, voxel.AttachmentBMat, 7)
				f.SetAttachmentWord(p, voxel.AttachmentNormal, uint32(x+y+z))
			}
		}
	}
	return f
}

func solidBMatFlat(side int32, bmat uint32) *voxel.Flat {
	f := voxel.NewFlat(geom.Vec3i{X: side, Y: side, Z: side})
	for z := int32(0); z < side; z++ {
		for y := int32(0); y < side; y++ {
			for x := int32(0); x < side; x++ {
				f.SetAttachmentWord(geom.Vec3i{X: x, Y: y, Z: z}, voxel.AttachmentBMat, bmat)
			}
		}
	}
	return f
}

func flatsEqual(t *testing.T, a, b *voxel.Flat) {
	t.Helper()
	if a.Length() != b.Length() {
		t.Fatalf("length %v vs %v", a.Length(), b.Length())
	}
	for i := 0; i < a.Volume(); i++ {
		pos := a.VoxelPosition(i)
		if a.Exists(pos) != b.Exists(pos) {
			t.Fatalf("presence mismatch at %v", pos)
		}
		if !a.Exists(pos) {
			continue
		}
		for id := voxel.AttachmentId(0); id < voxel.NumAttachments; id++ {
			av, aok := a.GetAttachment(pos, id)
			bv, bok := b.GetAttachment(pos, id)
			if aok != bok || !reflect.DeepEqual(av, bv) {
				t.Fatalf("attachment %v mismatch at %v: %v/%v vs %v/%v", id, pos, av, aok, bv, bok)
			}
		}
	}
}

func sampleRegion() *RegionNode {
	leaf := func(hasModel bool) *RegionNode {
		return &RegionNode{Kind: RegionExisting, UUID: uuid.New(), HasModel: hasModel}
	}
	preleaf := &RegionNode{Kind: RegionPreleaf}
	preleaf.Children[0] = leaf(true)
	preleaf.Children[3] = leaf(false)
	preleaf.Children[7] = EmptyRegionNode()

	root := &RegionNode{Kind: RegionInternal}
	root.Children[1] = preleaf
	root.Children[6] = EmptyRegionNode()
	return root
}

func regionsEqual(t *testing.T, a, b *RegionNode) {
	t.Helper()
	if (a == nil) != (b == nil) {
		t.Fatalf("nil mismatch")
	}
	if a == nil {
		return
	}
	if a.Kind != b.Kind || a.UUID != b.UUID || a.HasModel != b.HasModel {
		t.Fatalf("node mismatch: %+v vs %+v", a, b)
	}
	for i := range a.Children {
		ca, cb := a.Children[i], b.Children[i]
		// The codec does not distinguish a nil child from an empty one.
		if ca != nil && ca.Kind == RegionEmpty {
			ca = nil
		}
		if cb != nil && cb.Kind == RegionEmpty {
			cb = nil
		}
		regionsEqual(t, ca, cb)
	}
}

func TestRegionRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region_0_0_0.rog")
	root := sampleRegion()
	if err := WriteRegion(path, root); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadRegion(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	regionsEqual(t, root, got)
}

func TestRegionReadErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := ReadRegion(filepath.Join(dir, "missing.rog")); classify(err) != ErrNotFound {
		t.Fatalf("missing file classified as %v", classify(err))
	}

	// A model blob is a valid zstd stream with the wrong magic.
	modelPath := filepath.Join(dir, "not_a_region.rog")
	if err := WriteModel(modelPath, thc.CompressedFromFlat(sphereFlat(8, 3))); err != nil {
		t.Fatalf("write model: %v", err)
	}
	if _, err := ReadRegion(modelPath); classify(err) != ErrDecodeFailed {
		t.Fatalf("bad magic classified as %v", classify(err))
	}

	// Garbage bytes are not a zstd stream at all.
	garbagePath := filepath.Join(dir, "garbage.rog")
	if err := os.WriteFile(garbagePath, []byte("not zstd"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadRegion(garbagePath); classify(err) != ErrDecodeFailed {
		t.Fatalf("garbage classified as %v", classify(err))
	}
}

func TestModelRoundTripTHC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunk.rvox")
	orig := thc.CompressedFromFlat(sphereFlat(16, 6.5))
	if err := WriteModel(path, orig); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, err := ReadModel(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got, ok := m.(*thc.Compressed)
	if !ok {
		t.Fatalf("decoded schema %v", m.Schema())
	}
	flatsEqual(t, thc.Decompress(orig).ToFlat(), thc.Decompress(got).ToFlat())
}

func TestModelRoundTripSFT(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunk.rvox")
	// Uniform material so the interior merges and the encoding carries
	// a non-zero leaf mask.
	orig := sft.CompressedFromFlat(solidBMatFlat(16, 5))
	if err := WriteModel(path, orig); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, err := ReadModel(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got, ok := m.(*sft.Compressed)
	if !ok {
		t.Fatalf("decoded schema %v", m.Schema())
	}
	if len(got.Nodes) != len(orig.Nodes) {
		t.Fatalf("node count %d vs %d", len(got.Nodes), len(orig.Nodes))
	}
	flatsEqual(t, sft.Decompress(orig).ToFlat(), sft.Decompress(got).ToFlat())
}

func TestModelRejectsFlat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunk.rvox")
	if err := WriteModel(path, sphereFlat(8, 3)); err == nil {
		t.Fatal("flat model accepted")
	}
}

func TestModelTruncatedBlob(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunk.rvox")
	if err := WriteModel(path, thc.CompressedFromFlat(sphereFlat(8, 3))); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, raw[:len(raw)/2], 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadModel(path); classify(err) != ErrDecodeFailed {
		t.Fatalf("truncated blob classified as %v", classify(err))
	}
}

func TestModelCorruptSideLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunk.rvox")
	c := thc.CompressedFromFlat(sphereFlat(8, 3))
	c.SideLength = 1 << 31
	if err := WriteModel(path, c); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Decoding must fail promptly; a blob this side length claims more
	// voxels than a uint32 can address.
	done := make(chan error, 1)
	go func() {
		_, err := ReadModel(path)
		done <- err
	}()
	select {
	case err := <-done:
		if classify(err) != ErrDecodeFailed {
			t.Fatalf("corrupt side length classified as %v", classify(err))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("ReadModel did not return on corrupt side length")
	}
}

func waitFor(t *testing.T, s *Store, h Handle) Result {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if res, ok := s.Poll(h); ok {
			return res
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("handle %d never completed", h)
	return Result{}
}

func TestStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(2)
	defer s.Close()

	regionPath := filepath.Join(dir, "region_0_0_0.rog")
	root := sampleRegion()
	if res := waitFor(t, s, s.SaveRegion(regionPath, root)); !res.Ok() {
		t.Fatalf("save region: %v", res.Err)
	}
	res := waitFor(t, s, s.LoadRegion(regionPath))
	if !res.Ok() || res.Region == nil {
		t.Fatalf("load region: kind=%v err=%v", res.Kind, res.Err)
	}
	regionsEqual(t, root, res.Region)

	modelPath := filepath.Join(dir, "chunk.rvox")
	orig := sft.CompressedFromFlat(sphereFlat(8, 3))
	if res := waitFor(t, s, s.SaveModel(modelPath, orig)); !res.Ok() {
		t.Fatalf("save model: %v", res.Err)
	}
	res = waitFor(t, s, s.LoadModel(modelPath))
	if !res.Ok() || res.Model == nil {
		t.Fatalf("load model: kind=%v err=%v", res.Kind, res.Err)
	}
	if res.Model.Schema() != voxel.SchemaSFT {
		t.Fatalf("loaded schema %v", res.Model.Schema())
	}

	if s.Pending() != 0 {
		t.Fatalf("pending after completion: %d", s.Pending())
	}
}

func TestStoreMissingFile(t *testing.T) {
	s := NewStore(1)
	defer s.Close()

	res := waitFor(t, s, s.LoadModel(filepath.Join(t.TempDir(), "missing.rvox")))
	if res.Kind != ErrNotFound {
		t.Fatalf("missing file kind %v", res.Kind)
	}
}

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := Manifest{Version: 1, Name: "overworld", ChunkVoxelLength: 64, VoxelsPerMeter: 16}
	if err := WriteManifest(dir, m); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadManifest(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != m {
		t.Fatalf("round trip: %+v vs %+v", got, m)
	}
}

func TestManifestRejectsMalformed(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(ManifestPath(dir), []byte(`{"version":1,"name":"w"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadManifest(dir); err == nil {
		t.Fatal("manifest missing fields accepted")
	}

	if err := os.WriteFile(ManifestPath(dir), []byte(`{"version":1,"name":"w","chunk_voxel_length":2,"voxels_per_meter":16}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadManifest(dir); err == nil {
		t.Fatal("manifest with undersized chunk length accepted")
	}
}

func TestPathHelpers(t *testing.T) {
	if got := RegionPath("save", geom.Vec3i{X: -1, Y: 2, Z: 3}); filepath.Base(got) != "region_-1_2_3.rog" {
		t.Fatalf("region path %q", got)
	}
	id := uuid.MustParse("1b4e28ba-2fa1-11d2-883f-0016d3cca427")
	if got := ChunkPath("save", id); filepath.Base(got) != "chunk_1b4e28ba-2fa1-11d2-883f-0016d3cca427.rvox" {
		t.Fatalf("chunk path %q", got)
	}
}
