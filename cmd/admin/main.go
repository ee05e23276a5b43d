// Command admin inspects a world directory: the manifest, region
// octree blobs, chunk model blobs and the sqlite blob index.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"

	"voxelrogue.dev/internal/asset"
	"voxelrogue.dev/internal/asset/indexdb"
	"voxelrogue.dev/internal/voxel"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "region":
			regionCmd(os.Args[2:])
			return
		case "chunk":
			chunkCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dir := fs.String("world", ".", "world directory")
	_ = fs.Parse(args)

	m, err := asset.ReadManifest(*dir)
	if err != nil {
		fail("read manifest: %v", err)
	}
	fmt.Printf("world %q  chunk_voxel_length=%d voxels_per_meter=%d\n", m.Name, m.ChunkVoxelLength, m.VoxelsPerMeter)

	entries, err := os.ReadDir(*dir)
	if err != nil {
		fail("read: %v", err)
	}
	var regions, chunks int
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".rog"):
			regions++
		case strings.HasSuffix(e.Name(), ".rvox"):
			chunks++
		}
	}
	fmt.Printf("%d region blobs, %d chunk blobs\n", regions, chunks)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".rog") {
			fmt.Println(" ", e.Name())
		}
	}
}

func regionCmd(args []string) {
	fs := flag.NewFlagSet("region", flag.ExitOnError)
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fail("usage: admin region <file.rog>")
	}

	root, err := asset.ReadRegion(fs.Arg(0))
	if err != nil {
		fail("read region: %v", err)
	}
	dumpRegionNode(root, 0)
}

func dumpRegionNode(n *asset.RegionNode, depth int) {
	indent := strings.Repeat("  ", depth)
	switch n.Kind {
	case asset.RegionEmpty:
		fmt.Printf("%sempty\n", indent)
	case asset.RegionExisting:
		fmt.Printf("%schunk %s model=%v\n", indent, n.UUID, n.HasModel)
	case asset.RegionInternal, asset.RegionPreleaf:
		kind := "internal"
		if n.Kind == asset.RegionPreleaf {
			kind = "preleaf"
		}
		fmt.Printf("%s%s\n", indent, kind)
		for _, c := range n.Children {
			if c != nil && c.Kind != asset.RegionEmpty {
				dumpRegionNode(c, depth+1)
			}
		}
	}
}

func chunkCmd(args []string) {
	fs := flag.NewFlagSet("chunk", flag.ExitOnError)
	full := fs.Bool("voxels", false, "count voxels (decompresses the whole model)")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fail("usage: admin chunk [-voxels] <file.rvox>")
	}

	m, err := asset.ReadModel(fs.Arg(0))
	if err != nil {
		fail("read model: %v", err)
	}
	fmt.Printf("schema=%s side=%d\n", m.Schema(), m.Length().X)
	m.Attachments().Range(func(id voxel.AttachmentId, a voxel.Attachment) bool {
		fmt.Printf("attachment %s\n", a.Name())
		return true
	})
	if *full {
		fmt.Printf("voxels=%d\n", countVoxels(m))
	}
}

func countVoxels(m voxel.Model) int {
	type flattener interface{ ToFlat() *voxel.Flat }
	f, ok := m.(flattener)
	if !ok {
		return -1
	}
	flat := f.ToFlat()
	n := 0
	for i := 0; i < flat.Volume(); i++ {
		if flat.ExistsIndex(i) {
			n++
		}
	}
	return n
}

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dir := fs.String("world", ".", "world directory")
	kind := fs.String("kind", "", "list blobs of kind (region|chunk)")
	lookup := fs.String("chunk", "", "look up a chunk blob by uuid")
	_ = fs.Parse(args)

	idx, err := indexdb.Open(asset.IndexPath(*dir))
	if err != nil {
		fail("open index: %v", err)
	}
	defer idx.Close()

	if *lookup != "" {
		id, err := uuid.Parse(*lookup)
		if err != nil {
			fail("bad uuid: %v", err)
		}
		path, ok, err := idx.LookupChunk(id)
		if err != nil {
			fail("lookup: %v", err)
		}
		if !ok {
			fail("chunk %s not indexed", id)
		}
		fmt.Println(path)
		return
	}

	if *kind != "" {
		entries, err := idx.List(indexdb.BlobKind(*kind))
		if err != nil {
			fail("list: %v", err)
		}
		for _, e := range entries {
			fmt.Printf("%s\t%d\t%s\t%s\n", e.Key, e.Bytes, e.SavedAt, e.Path)
		}
		return
	}

	counts, bytes, err := idx.Stats()
	if err != nil {
		fail("stats: %v", err)
	}
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Printf("%s\t%d blobs\t%d bytes\n", k, counts[indexdb.BlobKind(k)], bytes[indexdb.BlobKind(k)])
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
