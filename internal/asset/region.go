package asset

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// Region asset (.rog): zstd stream whose decompressed payload is the
// magic, a u32 version, then the depth-first serialisation of the
// region octree.
const (
	regionMagic   = "ROGN"
	regionVersion = 1

	// Region trees are shallow; anything deeper is corrupt.
	maxRegionDepth = 16
)

type RegionNodeKind uint8

const (
	RegionEmpty    RegionNodeKind = 0
	RegionExisting RegionNodeKind = 1
	RegionInternal RegionNodeKind = 2
	RegionPreleaf  RegionNodeKind = 3
)

// RegionNode is the on-disk shape of one region octree node. Existing
// leaves carry the chunk's content UUID and whether a model asset was
// ever saved for it; Internal nodes hold up to eight children (nil =
// empty); Preleaf nodes hold exactly eight leaf slots.
type RegionNode struct {
	Kind     RegionNodeKind
	UUID     uuid.UUID
	HasModel bool
	Children [8]*RegionNode
}

func EmptyRegionNode() *RegionNode { return &RegionNode{Kind: RegionEmpty} }

func encodeRegionNode(p *payload, n *RegionNode) error {
	if n == nil {
		p.u8(byte(RegionEmpty))
		return nil
	}
	p.u8(byte(n.Kind))
	switch n.Kind {
	case RegionEmpty:
	case RegionExisting:
		p.bytes(n.UUID[:])
		if n.HasModel {
			p.u8(1)
		} else {
			p.u8(0)
		}
	case RegionInternal:
		var present byte
		for i, c := range n.Children {
			if c != nil && c.Kind != RegionEmpty {
				present |= 1 << i
			}
		}
		p.u8(present)
		for _, c := range n.Children {
			if c != nil && c.Kind != RegionEmpty {
				if err := encodeRegionNode(p, c); err != nil {
					return err
				}
			}
		}
	case RegionPreleaf:
		for _, c := range n.Children {
			if c != nil && c.Kind != RegionEmpty && c.Kind != RegionExisting {
				return fmt.Errorf("asset: preleaf slot holds a %d node", c.Kind)
			}
			if err := encodeRegionNode(p, c); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("asset: unknown region node kind %d", n.Kind)
	}
	return nil
}

func decodeRegionNode(r *parser, depth int) *RegionNode {
	if r.err != nil {
		return nil
	}
	if depth > maxRegionDepth {
		r.failf("region tree deeper than %d levels", maxRegionDepth)
		return nil
	}
	kind := RegionNodeKind(r.u8())
	switch kind {
	case RegionEmpty:
		return &RegionNode{Kind: RegionEmpty}
	case RegionExisting:
		n := &RegionNode{Kind: RegionExisting}
		copy(n.UUID[:], r.read(16))
		n.HasModel = r.u8() != 0
		return n
	case RegionInternal:
		n := &RegionNode{Kind: RegionInternal}
		present := r.u8()
		for i := 0; i < 8; i++ {
			if present&(1<<i) != 0 {
				n.Children[i] = decodeRegionNode(r, depth+1)
			}
		}
		return n
	case RegionPreleaf:
		n := &RegionNode{Kind: RegionPreleaf}
		for i := 0; i < 8; i++ {
			c := decodeRegionNode(r, depth+1)
			if c != nil && c.Kind != RegionEmpty && c.Kind != RegionExisting {
				r.failf("preleaf slot %d holds a %d node", i, c.Kind)
				return nil
			}
			n.Children[i] = c
		}
		return n
	default:
		r.failf("unknown region node tag %d", kind)
		return nil
	}
}

// WriteRegion writes the region octree to path.
func WriteRegion(path string, root *RegionNode) error {
	var p payload
	p.bytes([]byte(regionMagic))
	p.u32(regionVersion)
	if err := encodeRegionNode(&p, root); err != nil {
		return err
	}
	return writeBlob(path, p.buf)
}

// ReadRegion reads and decodes the region octree at path.
func ReadRegion(path string) (*RegionNode, error) {
	buf, err := readBlob(path)
	if err != nil {
		return nil, err
	}
	r := &parser{buf: buf}
	if string(r.read(4)) != regionMagic {
		return nil, fmt.Errorf("%w: %s: bad region magic", errDecode, path)
	}
	if v := r.u32(); v != regionVersion {
		return nil, fmt.Errorf("%w: %s: unsupported region version %d", errDecode, path, v)
	}
	root := decodeRegionNode(r, 0)
	if r.err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errDecode, path, r.err)
	}
	return root, nil
}

func writeBlob(path string, buf []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 256*1024)
	defer bw.Flush()

	if _, err := bw.Write(buf); err != nil {
		return err
	}
	return nil
}

func readBlob(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	buf, err := io.ReadAll(bufio.NewReaderSize(dec, 256*1024))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errDecode, path, err)
	}
	return buf, nil
}
