package observerproto

// Version is the debug observer protocol version.
const Version = "0.1"

// Client -> Server. First message on the observer WS connection, and
// can be re-sent to update settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// EveryTicks thins the stream: a snapshot is sent every N engine
	// ticks. 0 means every tick.
	EveryTicks int `json:"every_ticks,omitempty"`

	// Chunks requests the per-cell contents of the render window with
	// each snapshot.
	Chunks bool `json:"chunks,omitempty"`
}

// HTTP response for GET /debug/v1/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string      `json:"protocol_version"`
	WorldName       string      `json:"world_name"`
	Tick            uint64      `json:"tick"`
	WorldParams     WorldParams `json:"world_params"`
}

type WorldParams struct {
	TickRateHz       int    `json:"tick_rate_hz"`
	RenderDistance   uint32 `json:"render_distance"`
	ChunkVoxelLength uint32 `json:"chunk_voxel_length"`
	VoxelsPerMeter   uint32 `json:"voxels_per_meter"`
}

// Server -> Client. Sent per tick (thinned by EveryTicks).
type TickMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`

	PlayerChunk [3]int32 `json:"player_chunk"`

	ResidentChunks int `json:"resident_chunks"`
	LoadedModels   int `json:"loaded_models"`
	PendingIO      int `json:"pending_io"`
	Saving         bool `json:"saving"`
	UnsavedEdits   bool `json:"unsaved_edits"`

	GpuNodeBytes   uint64 `json:"gpu_node_bytes"`
	GpuVoxelBytes  uint64 `json:"gpu_voxel_bytes"`
	GpuEntityCount int    `json:"gpu_entity_count"`
}

// Server -> Client. Render window contents, sent when the window is
// dirty and the subscriber asked for chunks.
type WindowMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`

	Anchor     [3]int32 `json:"anchor"`
	SideLength uint32   `json:"side_length"`

	// Cells holds one entry per Morton-ordered window cell: "null",
	// "air", or the registered model name.
	Cells []string `json:"cells"`
}
