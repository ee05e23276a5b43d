// Package terrain manages the streamed chunk world: region octrees of
// chunk slots, a sliding render window of resident chunk models, the
// outward load cursor, and the tick-driven chunk manager that moves
// chunks between disk, the model registry and the render window.
package terrain

import (
	"github.com/google/uuid"

	"voxelrogue.dev/internal/asset"
	"voxelrogue.dev/internal/geom"
	"voxelrogue.dev/internal/morton"
	"voxelrogue.dev/internal/voxel/registry"
)

const (
	// ChunkVoxelLength is the chunk side in voxels, a power of 4.
	ChunkVoxelLength = 64
	VoxelsPerMeter   = 8
	VoxelMeterLength = 1.0 / float32(VoxelsPerMeter)
	ChunkMeterLength = float32(ChunkVoxelLength) / float32(VoxelsPerMeter)

	// RegionTreeHeight is the octree height of one region; a region
	// spans 2^height chunks per axis.
	RegionTreeHeight  = 4
	RegionChunkLength = 1 << RegionTreeHeight
)

// Leaf is one occupied chunk slot in a region tree. Model is Null while
// the chunk's asset has not been registered; HasModel records whether a
// model blob was ever saved for the UUID.
type Leaf struct {
	UUID     uuid.UUID
	Model    registry.ModelId
	HasModel bool
}

func newLeaf() *Leaf {
	return &Leaf{UUID: uuid.New(), Model: registry.Null}
}

// regionNode is either an internal node (children) or a preleaf
// (leaves). A nil child or leaf slot means empty.
type regionNode struct {
	preleaf  bool
	children [8]*regionNode
	leaves   [8]*Leaf
}

// Region is the in-memory tree of chunk slots for one region
// coordinate.
type Region struct {
	Pos geom.Vec3i

	chunkAnchor geom.Vec3i
	root        *regionNode
}

func NewRegion(pos geom.Vec3i) *Region {
	return &Region{
		Pos:         pos,
		chunkAnchor: pos.MulScalar(RegionChunkLength),
		root:        &regionNode{preleaf: RegionTreeHeight == 1},
	}
}

// ChunkToRegionPos maps a world chunk coordinate to its region.
func ChunkToRegionPos(chunkPos geom.Vec3i) geom.Vec3i {
	return chunkPos.DivEuclid(RegionChunkLength)
}

func (r *Region) traversal(worldChunkPos geom.Vec3i) uint64 {
	local := worldChunkPos.Sub(r.chunkAnchor)
	return morton.TraversalOctree(
		morton.Encode(uint32(local.X), uint32(local.Y), uint32(local.Z)),
		RegionTreeHeight,
	)
}

// Chunk returns the leaf for a world chunk position, nil when the slot
// is empty or the path to it was never created.
func (r *Region) Chunk(worldChunkPos geom.Vec3i) *Leaf {
	trav := r.traversal(worldChunkPos)
	node := r.root
	for {
		idx := trav & 7
		if node.preleaf {
			return node.leaves[idx]
		}
		node = node.children[idx]
		if node == nil {
			return nil
		}
		trav >>= 3
	}
}

// EnsureChunk returns the leaf for a world chunk position, creating the
// path and an empty-model leaf with a fresh UUID if absent.
func (r *Region) EnsureChunk(worldChunkPos geom.Vec3i) *Leaf {
	trav := r.traversal(worldChunkPos)
	node := r.root
	height := uint32(0)
	for {
		idx := trav & 7
		if node.preleaf {
			if node.leaves[idx] == nil {
				node.leaves[idx] = newLeaf()
			}
			return node.leaves[idx]
		}
		if node.children[idx] == nil {
			node.children[idx] = &regionNode{preleaf: height+2 >= RegionTreeHeight}
		}
		node = node.children[idx]
		trav >>= 3
		height++
	}
}

// RemoveChunk clears the slot, used when a chunk's asset turned out to
// be missing.
func (r *Region) RemoveChunk(worldChunkPos geom.Vec3i) {
	trav := r.traversal(worldChunkPos)
	node := r.root
	for {
		idx := trav & 7
		if node.preleaf {
			node.leaves[idx] = nil
			return
		}
		node = node.children[idx]
		if node == nil {
			return
		}
		trav >>= 3
	}
}

// EachChunk visits every occupied leaf with its world chunk position.
func (r *Region) EachChunk(f func(worldChunkPos geom.Vec3i, leaf *Leaf)) {
	r.root.each(0, func(trav uint64, leaf *Leaf) {
		x, y, z := morton.Decode(trav)
		local := geom.Vec3i{X: int32(x), Y: int32(y), Z: int32(z)}
		f(r.chunkAnchor.Add(local), leaf)
	})
}

func (n *regionNode) each(trav uint64, f func(trav uint64, leaf *Leaf)) {
	if n.preleaf {
		for i, leaf := range n.leaves {
			if leaf != nil {
				f(trav<<3|uint64(i), leaf)
			}
		}
		return
	}
	for i, child := range n.children {
		if child != nil {
			child.each(trav<<3|uint64(i), f)
		}
	}
}

// ToAsset converts the tree to its on-disk shape. Model residency is a
// runtime property and is reduced to the HasModel flag.
func (r *Region) ToAsset() *asset.RegionNode {
	return r.root.toAsset()
}

func (n *regionNode) toAsset() *asset.RegionNode {
	if n.preleaf {
		out := &asset.RegionNode{Kind: asset.RegionPreleaf}
		for i, leaf := range n.leaves {
			if leaf == nil {
				out.Children[i] = asset.EmptyRegionNode()
				continue
			}
			out.Children[i] = &asset.RegionNode{
				Kind:     asset.RegionExisting,
				UUID:     leaf.UUID,
				HasModel: leaf.HasModel || !leaf.Model.IsNull(),
			}
		}
		return out
	}
	out := &asset.RegionNode{Kind: asset.RegionInternal}
	for i, child := range n.children {
		if child != nil {
			out.Children[i] = child.toAsset()
		}
	}
	return out
}

// RegionFromAsset rebuilds the in-memory tree from a decoded blob.
// Loaded leaves start with no resident model.
func RegionFromAsset(pos geom.Vec3i, root *asset.RegionNode) *Region {
	r := NewRegion(pos)
	if root != nil {
		r.root = regionNodeFromAsset(root)
	}
	return r
}

func regionNodeFromAsset(n *asset.RegionNode) *regionNode {
	switch n.Kind {
	case asset.RegionPreleaf:
		out := &regionNode{preleaf: true}
		for i, child := range n.Children {
			if child == nil || child.Kind != asset.RegionExisting {
				continue
			}
			out.leaves[i] = &Leaf{
				UUID:     child.UUID,
				Model:    registry.Null,
				HasModel: child.HasModel,
			}
		}
		return out
	default:
		out := &regionNode{}
		for i, child := range n.Children {
			if child == nil || child.Kind == asset.RegionEmpty {
				continue
			}
			if child.Kind == asset.RegionExisting {
				// Existing directly under an internal node means the
				// blob's height disagrees with ours; treat as empty.
				continue
			}
			out.children[i] = regionNodeFromAsset(child)
		}
		return out
	}
}
