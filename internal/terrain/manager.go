package terrain

import (
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"voxelrogue.dev/internal/asset"
	"voxelrogue.dev/internal/asset/indexdb"
	"voxelrogue.dev/internal/geom"
	"voxelrogue.dev/internal/voxel"
	"voxelrogue.dev/internal/voxel/registry"
	"voxelrogue.dev/internal/voxel/sft"
	"voxelrogue.dev/internal/voxel/thc"
)

// Options tunes the chunk manager. Dir is the terrain save directory;
// empty disables persistence and every region starts empty.
type Options struct {
	RenderDistance uint32
	Dir            string
	QueueInterval  time.Duration
	BatchSize      int
}

func (o *Options) normalize() {
	if o.RenderDistance == 0 {
		o.RenderDistance = 1
	}
	if o.QueueInterval <= 0 {
		o.QueueInterval = 5 * time.Millisecond
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 32
	}
}

// regionState is one region slot: data is nil while the blob load is in
// flight.
type regionState struct {
	data *Region
}

func (s *regionState) loading() bool { return s.data == nil }

// savedBlob tracks one in-flight save. pos is the region position for
// region saves, the chunk position for chunk saves; a failed save
// re-flags it so the next save cycle retries.
type savedBlob struct {
	path  string
	pos   geom.Vec3i
	chunk *Leaf // nil for region saves
}

// Manager drives chunk streaming: it owns the region map, the render
// window, the load cursor, and the polled IO state machines. All
// methods run on the tick goroutine; the asset store's workers never
// touch manager state.
type Manager struct {
	opts  Options
	store *asset.Store
	index *indexdb.Index
	reg   *registry.Registry

	window      *RenderWindow
	cursor      *LoadCursor
	playerChunk geom.Vec3i
	hasPlayer   bool
	lastQueue   time.Time

	regions       map[geom.Vec3i]*regionState
	editedRegions map[geom.Vec3i]struct{}
	editedChunks  map[geom.Vec3i]struct{}
	// Edits aimed at chunks whose region or blob is still in flight,
	// replayed in order once the chunk becomes editable.
	pendingEdits map[geom.Vec3i][]voxel.Edit

	waitingRegions      map[geom.Vec3i]asset.Handle
	waitingRegionChunks map[geom.Vec3i]map[geom.Vec3i]struct{}
	waitingChunks       map[geom.Vec3i]asset.Handle
	pendingSaves        map[asset.Handle]savedBlob
}

// NewManager wires the chunk manager. index may be nil; store may be
// nil only when opts.Dir is empty.
func NewManager(opts Options, store *asset.Store, index *indexdb.Index, reg *registry.Registry) *Manager {
	opts.normalize()
	return &Manager{
		opts:   opts,
		store:  store,
		index:  index,
		reg:    reg,
		window: NewRenderWindow(opts.RenderDistance),
		cursor: NewLoadCursor(geom.Vec3i{}, opts.RenderDistance),

		regions:       map[geom.Vec3i]*regionState{},
		editedRegions: map[geom.Vec3i]struct{}{},
		editedChunks:  map[geom.Vec3i]struct{}{},
		pendingEdits:  map[geom.Vec3i][]voxel.Edit{},

		waitingRegions:      map[geom.Vec3i]asset.Handle{},
		waitingRegionChunks: map[geom.Vec3i]map[geom.Vec3i]struct{}{},
		waitingChunks:       map[geom.Vec3i]asset.Handle{},
		pendingSaves:        map[asset.Handle]savedBlob{},
	}
}

func (m *Manager) Window() *RenderWindow { return m.window }

// PendingIO counts outstanding load and save tasks.
func (m *Manager) PendingIO() int {
	return len(m.waitingRegions) + len(m.waitingChunks) + len(m.pendingSaves)
}

func (m *Manager) IsSaving() bool { return len(m.pendingSaves) > 0 }

func (m *Manager) HasUnsavedChanges() bool {
	return len(m.editedChunks) > 0 || len(m.editedRegions) > 0 || len(m.pendingEdits) > 0
}

// UpdatePlayerPosition recenters the cursor and render window on the
// chunk containing the world-space position (meters).
func (m *Manager) UpdatePlayerPosition(pos mgl32.Vec3) {
	chunkPos := geom.Vec3i{
		X: int32(math.Floor(float64(pos.X() / ChunkMeterLength))),
		Y: int32(math.Floor(float64(pos.Y() / ChunkMeterLength))),
		Z: int32(math.Floor(float64(pos.Z() / ChunkMeterLength))),
	}
	m.cursor.UpdateAnchor(chunkPos)
	m.window.UpdateAnchor(chunkPos)
	m.playerChunk = chunkPos
	m.hasPlayer = true
}

// Tick runs one pass of the chunk manager: reap finished saves, drain
// the load cursor within the IO budget, then apply finished region and
// chunk loads.
func (m *Manager) Tick() {
	m.reapSaves()

	if !m.hasPlayer || m.IsSaving() {
		return
	}

	now := time.Now()
	if now.Sub(m.lastQueue) >= m.opts.QueueInterval {
		m.lastQueue = now
		for i := 0; i < m.opts.BatchSize; i++ {
			if pos, ok := m.cursor.Next(); ok {
				m.ensureChunkLoaded(pos)
			}
		}
	}

	m.processRegionCompletions()
	m.processChunkCompletions()
}

// GetChunk returns the region-tree leaf for a chunk, nil when empty or
// its region is absent or still loading.
func (m *Manager) GetChunk(chunkPos geom.Vec3i) *Leaf {
	state, ok := m.regions[ChunkToRegionPos(chunkPos)]
	if !ok || state.loading() {
		return nil
	}
	return state.data.Chunk(chunkPos)
}

func (m *Manager) blockedOnRegion(regionPos geom.Vec3i) map[geom.Vec3i]struct{} {
	set, ok := m.waitingRegionChunks[regionPos]
	if !ok {
		set = map[geom.Vec3i]struct{}{}
		m.waitingRegionChunks[regionPos] = set
	}
	return set
}

func (m *Manager) ensureChunkLoaded(chunkPos geom.Vec3i) {
	regionPos := ChunkToRegionPos(chunkPos)
	state, ok := m.regions[regionPos]
	if !ok {
		if m.opts.Dir == "" {
			m.regions[regionPos] = &regionState{data: NewRegion(regionPos)}
			m.window.TryLoadChunk(chunkPos, registry.Air)
			return
		}
		h := m.store.LoadRegion(asset.RegionPath(m.opts.Dir, regionPos))
		m.regions[regionPos] = &regionState{}
		m.waitingRegions[regionPos] = h
		m.blockedOnRegion(regionPos)[chunkPos] = struct{}{}
		return
	}
	if state.loading() {
		m.blockedOnRegion(regionPos)[chunkPos] = struct{}{}
		return
	}
	m.installChunk(state.data, chunkPos)
}

// installChunk resolves a loaded region's leaf into the render window,
// enqueueing the model blob load when needed.
func (m *Manager) installChunk(region *Region, chunkPos geom.Vec3i) {
	leaf := region.Chunk(chunkPos)
	switch {
	case leaf == nil:
		m.window.TryLoadChunk(chunkPos, registry.Air)
	case !leaf.Model.IsNull():
		if m.window.TryLoadChunk(chunkPos, leaf.Model) {
			m.window.MarkNormalDirty(chunkPos)
		}
	case leaf.HasModel && m.opts.Dir != "":
		if _, waiting := m.waitingChunks[chunkPos]; !waiting {
			m.waitingChunks[chunkPos] = m.store.LoadModel(asset.ChunkPath(m.opts.Dir, leaf.UUID))
		}
	default:
		// Existing slot that never had a model blob: known air.
		m.window.TryLoadChunk(chunkPos, registry.Air)
	}
}

func (m *Manager) processRegionCompletions() {
	for regionPos, h := range m.waitingRegions {
		res, done := m.store.Poll(h)
		if !done {
			continue
		}
		delete(m.waitingRegions, regionPos)

		var region *Region
		switch res.Kind {
		case asset.ErrNone:
			region = RegionFromAsset(regionPos, res.Region)
		case asset.ErrNotFound:
			region = NewRegion(regionPos)
		default:
			log.Printf("terrain: region %v load failed: %v", regionPos, res.Err)
			delete(m.waitingRegionChunks, regionPos)
			continue
		}

		m.regions[regionPos] = &regionState{data: region}
		for chunkPos := range m.waitingRegionChunks[regionPos] {
			m.installChunk(region, chunkPos)
		}
		delete(m.waitingRegionChunks, regionPos)

		for chunkPos := range m.pendingEdits {
			if ChunkToRegionPos(chunkPos) == regionPos {
				m.flushPendingEdits(chunkPos)
			}
		}
	}
}

func (m *Manager) processChunkCompletions() {
	for chunkPos, h := range m.waitingChunks {
		res, done := m.store.Poll(h)
		if !done {
			continue
		}
		delete(m.waitingChunks, chunkPos)

		state := m.regions[ChunkToRegionPos(chunkPos)]
		if state == nil || state.loading() {
			continue
		}

		switch res.Kind {
		case asset.ErrNone:
			model, err := pointerModelFrom(res.Model)
			if err != nil {
				log.Printf("terrain: chunk %v: %v", chunkPos, err)
				continue
			}
			id := m.reg.Register(chunkName(chunkPos), model)
			leaf := state.data.Chunk(chunkPos)
			if leaf == nil {
				// The slot vanished while the load was in flight.
				m.reg.Unload(id, nil)
				continue
			}
			leaf.Model = id
			m.window.TryLoadChunk(chunkPos, id)
			m.window.MarkNormalDirty(chunkPos)
			m.flushPendingEdits(chunkPos)
		case asset.ErrNotFound:
			log.Printf("terrain: chunk %v blob missing, treating as air", chunkPos)
			state.data.RemoveChunk(chunkPos)
			m.window.TryLoadChunk(chunkPos, registry.Air)
			m.flushPendingEdits(chunkPos)
		default:
			log.Printf("terrain: chunk %v load failed: %v", chunkPos, res.Err)
		}
	}
}

// pointerModelFrom hydrates a decoded compressed blob into the editable
// pointer form chunks use.
func pointerModelFrom(m voxel.Model) (*sft.Model, error) {
	switch c := m.(type) {
	case *sft.Compressed:
		return sft.Decompress(c), nil
	case *thc.Compressed:
		return sft.FromTHCCompressed(c), nil
	default:
		return nil, fmt.Errorf("chunk blob has schema %v, want a compressed tree", m.Schema())
	}
}

func chunkName(chunkPos geom.Vec3i) string {
	return fmt.Sprintf("chunk_%d_%d_%d", chunkPos.X, chunkPos.Y, chunkPos.Z)
}

// MarkChunkEdited records a chunk as changed since the last save and
// invalidates its normals and the window upload.
func (m *Manager) MarkChunkEdited(chunkPos geom.Vec3i) {
	m.editedChunks[chunkPos] = struct{}{}
	m.editedRegions[ChunkToRegionPos(chunkPos)] = struct{}{}
	// An edited pointer tree grows, so its GPU pointer may move.
	m.window.MarkDirty()
	m.window.MarkNormalDirty(chunkPos)
}

// ApplyVoxelEdit applies f over every voxel of the world-voxel box
// [offset, offset+length). f populates the per-chunk patch: leaving a
// voxel untouched skips it, marking it present with no attachments
// removes it, attachments overwrite. Chunks are created lazily with a
// fresh UUID and an empty tree.
func (m *Manager) ApplyVoxelEdit(offset, length geom.Vec3i, f func(patch *voxel.Flat, patchPos, worldPos geom.Vec3i)) {
	if length.X <= 0 || length.Y <= 0 || length.Z <= 0 {
		return
	}
	end := offset.Add(length)
	minChunk := offset.DivEuclid(ChunkVoxelLength)
	maxChunk := end.AddScalar(-1).DivEuclid(ChunkVoxelLength)

	for cz := minChunk.Z; cz <= maxChunk.Z; cz++ {
		for cy := minChunk.Y; cy <= maxChunk.Y; cy++ {
			for cx := minChunk.X; cx <= maxChunk.X; cx++ {
				chunkPos := geom.Vec3i{X: cx, Y: cy, Z: cz}
				m.editChunk(chunkPos, offset, end, f)
			}
		}
	}
}

func (m *Manager) editChunk(chunkPos, offset, end geom.Vec3i, f func(patch *voxel.Flat, patchPos, worldPos geom.Vec3i)) {
	anchor := chunkPos.MulScalar(ChunkVoxelLength)
	lo := maxV(offset, anchor)
	hi := minV(end, anchor.AddScalar(ChunkVoxelLength))

	patch := voxel.NewFlat(hi.Sub(lo))
	for z := lo.Z; z < hi.Z; z++ {
		for y := lo.Y; y < hi.Y; y++ {
			for x := lo.X; x < hi.X; x++ {
				world := geom.Vec3i{X: x, Y: y, Z: z}
				f(patch, world.Sub(lo), world)
			}
		}
	}
	edit := voxel.Edit{Patch: patch, Offset: lo.Sub(anchor)}

	model, ok := m.ensureChunkModel(chunkPos)
	if !ok {
		m.pendingEdits[chunkPos] = append(m.pendingEdits[chunkPos], edit)
		return
	}
	model.SetVoxelRange(edit)
	m.MarkChunkEdited(chunkPos)
}

// flushPendingEdits replays queued edits once the chunk's region tree
// and model blob are resident. Edits whose chunk is still in flight
// stay queued.
func (m *Manager) flushPendingEdits(chunkPos geom.Vec3i) {
	edits := m.pendingEdits[chunkPos]
	if len(edits) == 0 {
		return
	}
	model, ok := m.ensureChunkModel(chunkPos)
	if !ok {
		return
	}
	delete(m.pendingEdits, chunkPos)
	for _, e := range edits {
		model.SetVoxelRange(e)
	}
	m.MarkChunkEdited(chunkPos)
}

// ensureChunkModel returns the chunk's resident pointer tree, creating
// the leaf and an empty model when the slot is vacant. Reports false
// for chunks whose region or blob is still in flight.
func (m *Manager) ensureChunkModel(chunkPos geom.Vec3i) (*sft.Model, bool) {
	regionPos := ChunkToRegionPos(chunkPos)
	state, ok := m.regions[regionPos]
	if !ok {
		state = &regionState{data: NewRegion(regionPos)}
		m.regions[regionPos] = state
	}
	if state.loading() {
		return nil, false
	}

	leaf := state.data.Chunk(chunkPos)
	if leaf != nil && leaf.HasModel && leaf.Model.IsNull() {
		return nil, false
	}
	if leaf == nil {
		leaf = state.data.EnsureChunk(chunkPos)
	}
	if leaf.Model.IsNull() {
		model := sft.New(ChunkVoxelLength)
		leaf.Model = m.reg.Register(chunkName(chunkPos), model)
		leaf.HasModel = true
		m.window.TryLoadChunk(chunkPos, leaf.Model)
		return model, true
	}
	return registry.Get[*sft.Model](m.reg, leaf.Model), true
}

// TraceResult is a terrain ray hit.
type TraceResult struct {
	ChunkPos   geom.Vec3i
	WorldVoxel geom.Vec3i
	Depth      float32
}

// Trace walks the ray across the render window's chunk grid and
// descends into each resident model, returning the first hit.
func (m *Manager) Trace(ray geom.Ray) (TraceResult, bool) {
	side := int32(m.window.SideLength())
	dda := ray.BeginDDA(m.window.AABB(), geom.Vec3i{X: side, Y: side, Z: side})
	for ; dda.InBounds(); dda.Step() {
		chunkPos := m.window.Anchor().Add(dda.GridPos())
		id, ok := m.window.ModelForChunk(chunkPos)
		if !ok {
			continue
		}
		origin := chunkPos.Vec3().Mul(ChunkMeterLength)
		bounds := geom.NewAABB(origin, origin.Add(mgl32.Vec3{ChunkMeterLength, ChunkMeterLength, ChunkMeterLength}))
		hit, ok := m.reg.GetDyn(id).Trace(ray, bounds)
		if !ok {
			continue
		}
		return TraceResult{
			ChunkPos:   chunkPos,
			WorldVoxel: chunkPos.MulScalar(ChunkVoxelLength).Add(hit.LocalPos),
			Depth:      hit.DepthT,
		}, true
	}
	return TraceResult{}, false
}

// EnqueueSaveAll marks every loaded region and every occupied chunk
// edited, so the next SaveTerrain writes the whole world.
func (m *Manager) EnqueueSaveAll() {
	for regionPos, state := range m.regions {
		if state.loading() {
			continue
		}
		m.editedRegions[regionPos] = struct{}{}
		state.data.EachChunk(func(chunkPos geom.Vec3i, leaf *Leaf) {
			if !leaf.Model.IsNull() {
				m.editedChunks[chunkPos] = struct{}{}
			}
		})
	}
}

// SaveTerrain enqueues save tasks for every edited region tree and
// chunk model. The manager reports IsSaving until they all land; the
// load queue pauses meanwhile.
func (m *Manager) SaveTerrain() {
	if m.opts.Dir == "" || m.IsSaving() {
		return
	}

	for regionPos := range m.editedRegions {
		state := m.regions[regionPos]
		if state == nil || state.loading() {
			continue
		}
		path := asset.RegionPath(m.opts.Dir, regionPos)
		h := m.store.SaveRegion(path, state.data.ToAsset())
		m.pendingSaves[h] = savedBlob{path: path, pos: regionPos}
		delete(m.editedRegions, regionPos)
	}

	for chunkPos := range m.editedChunks {
		leaf := m.GetChunk(chunkPos)
		if leaf == nil || leaf.Model.IsNull() {
			delete(m.editedChunks, chunkPos)
			continue
		}
		model := registry.Get[*sft.Model](m.reg, leaf.Model)
		path := asset.ChunkPath(m.opts.Dir, leaf.UUID)
		h := m.store.SaveModel(path, sft.Compress(model))
		m.pendingSaves[h] = savedBlob{path: path, pos: chunkPos, chunk: leaf}
		delete(m.editedChunks, chunkPos)
	}
}

func (m *Manager) reapSaves() {
	for h, blob := range m.pendingSaves {
		res, done := m.store.Poll(h)
		if !done {
			continue
		}
		delete(m.pendingSaves, h)
		if !res.Ok() {
			log.Printf("terrain: save of %s failed: %v", blob.path, res.Err)
			if blob.chunk != nil {
				m.editedChunks[blob.pos] = struct{}{}
			} else {
				m.editedRegions[blob.pos] = struct{}{}
			}
			continue
		}
		if m.index != nil {
			var bytes int64
			if fi, err := os.Stat(blob.path); err == nil {
				bytes = fi.Size()
			}
			if blob.chunk != nil {
				m.index.RecordChunk(blob.chunk.UUID, blob.path, bytes)
			} else {
				m.index.RecordRegion(blob.path, bytes)
			}
		}
	}
}

func maxV(a, b geom.Vec3i) geom.Vec3i {
	return geom.Vec3i{X: maxi32(a.X, b.X), Y: maxi32(a.Y, b.Y), Z: maxi32(a.Z, b.Z)}
}

func minV(a, b geom.Vec3i) geom.Vec3i {
	return geom.Vec3i{X: mini32(a.X, b.X), Y: mini32(a.Y, b.Y), Z: mini32(a.Z, b.Z)}
}

func maxi32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}

func mini32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}
