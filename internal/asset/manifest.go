package asset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"voxelrogue.dev/internal/geom"
)

// Manifest describes a saved world directory.
type Manifest struct {
	Version          int    `json:"version"`
	Name             string `json:"name"`
	ChunkVoxelLength uint32 `json:"chunk_voxel_length"`
	VoxelsPerMeter   uint32 `json:"voxels_per_meter"`
}

const manifestVersion = 1

const manifestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "name", "chunk_voxel_length", "voxels_per_meter"],
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "name": {"type": "string", "minLength": 1},
    "chunk_voxel_length": {"type": "integer", "minimum": 4},
    "voxels_per_meter": {"type": "integer", "minimum": 1}
  },
  "additionalProperties": false
}`

var manifestSchema = jsonschema.MustCompileString("world.json", manifestSchemaJSON)

// ManifestPath is the world manifest inside a save directory.
func ManifestPath(dir string) string { return filepath.Join(dir, "world.json") }

// IndexPath is the sqlite asset index inside a save directory.
func IndexPath(dir string) string { return filepath.Join(dir, "index.db") }

// RegionPath is the region tree blob for the region at pos, in region
// coordinates.
func RegionPath(dir string, pos geom.Vec3i) string {
	return filepath.Join(dir, fmt.Sprintf("region_%d_%d_%d.rog", pos.X, pos.Y, pos.Z))
}

// ChunkPath is the model blob for the chunk with the given id.
func ChunkPath(dir string, id uuid.UUID) string {
	return filepath.Join(dir, fmt.Sprintf("chunk_%s.rvox", id))
}

// ReadManifest reads and validates the manifest of a save directory.
func ReadManifest(dir string) (Manifest, error) {
	raw, err := os.ReadFile(ManifestPath(dir))
	if err != nil {
		return Manifest{}, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Manifest{}, fmt.Errorf("%w: world.json: %v", errDecode, err)
	}
	if err := manifestSchema.Validate(generic); err != nil {
		return Manifest{}, fmt.Errorf("%w: world.json: %v", errDecode, err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: world.json: %v", errDecode, err)
	}
	if m.Version != manifestVersion {
		return Manifest{}, fmt.Errorf("%w: world.json: unsupported version %d", errDecode, m.Version)
	}
	return m, nil
}

// WriteManifest writes the manifest, creating the directory if needed.
func WriteManifest(dir string, m Manifest) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(ManifestPath(dir), append(raw, '\n'), 0o644)
}
