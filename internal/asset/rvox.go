package asset

import (
	"fmt"

	"voxelrogue.dev/internal/geom"
	"voxelrogue.dev/internal/voxel"
	"voxelrogue.dev/internal/voxel/sft"
	"voxelrogue.dev/internal/voxel/thc"
)

// Model asset (.rvox): zstd stream whose decompressed payload is the
// magic, a u32 version, the schema tag, then the compressed model:
// side length, the content extent (zero for the full cube), the
// attachment table (id, lookup offset, raw offset), the length-prefixed
// node array, and per attachment the length-prefixed lookup and raw
// arrays at the recorded offsets. Offsets are byte positions in the
// decompressed payload.
const (
	rvoxMagic   = "RVOX"
	rvoxVersion = 1
)

type attachmentTableEntry struct {
	id          voxel.AttachmentId
	presencePos int
	dataPos     int
}

func writeAttachmentTable(p *payload, count int) []attachmentTableEntry {
	p.u32(uint32(count))
	return make([]attachmentTableEntry, 0, count)
}

// WriteModel writes a model blob. Pointer trees are snapshotted first;
// flat models have no on-disk form.
func WriteModel(path string, m voxel.Model) error {
	var buf []byte
	switch c := m.(type) {
	case *thc.Compressed:
		buf = encodeTHC(c)
	case *thc.Model:
		buf = encodeTHC(thc.Compress(c))
	case *sft.Compressed:
		buf = encodeSFT(c)
	case *sft.Model:
		buf = encodeSFT(sft.Compress(c))
	default:
		return fmt.Errorf("asset: no rvox encoding for schema %v", m.Schema())
	}
	return writeBlob(path, buf)
}

func encodeTHC(c *thc.Compressed) []byte {
	var p payload
	p.bytes([]byte(rvoxMagic))
	p.u32(rvoxVersion)
	p.u32(uint32(voxel.SchemaTHC))
	p.u32(c.SideLength)
	p.u32(uint32(c.Dims.X))
	p.u32(uint32(c.Dims.Y))
	p.u32(uint32(c.Dims.Z))

	table := writeAttachmentTable(&p, c.Lookup.Len())
	c.Lookup.Range(func(id voxel.AttachmentId, _ []thc.LookupNode) bool {
		p.u8(byte(id))
		table = append(table, attachmentTableEntry{
			id:          id,
			presencePos: p.reserveU32(),
			dataPos:     p.reserveU32(),
		})
		return true
	})

	p.u32(uint32(len(c.Nodes)))
	for _, n := range c.Nodes {
		p.u32(n.ChildPtr)
		p.u64(n.ChildMask)
	}

	for _, e := range table {
		p.patchU32(e.presencePos, uint32(len(p.buf)))
		lookup := c.Lookup.MustGet(e.id)
		p.u32(uint32(len(lookup)))
		for _, ln := range lookup {
			p.u32(ln.DataPtr)
			p.u64(ln.AttachmentMask)
		}
	}
	for _, e := range table {
		p.patchU32(e.dataPos, uint32(len(p.buf)))
		raw, _ := c.Raw.Get(e.id)
		p.u32(uint32(len(raw)))
		for _, w := range raw {
			p.u32(w)
		}
	}
	return p.buf
}

func encodeSFT(c *sft.Compressed) []byte {
	var p payload
	p.bytes([]byte(rvoxMagic))
	p.u32(rvoxVersion)
	p.u32(uint32(voxel.SchemaSFT))
	p.u32(c.SideLength)
	p.u32(uint32(c.Dims.X))
	p.u32(uint32(c.Dims.Y))
	p.u32(uint32(c.Dims.Z))

	table := writeAttachmentTable(&p, c.Lookup.Len())
	c.Lookup.Range(func(id voxel.AttachmentId, _ []sft.LookupNode) bool {
		p.u8(byte(id))
		table = append(table, attachmentTableEntry{
			id:          id,
			presencePos: p.reserveU32(),
			dataPos:     p.reserveU32(),
		})
		return true
	})

	p.u32(uint32(len(c.Nodes)))
	for _, n := range c.Nodes {
		p.u32(n.ChildPtr)
		p.u64(n.ChildMask)
		p.u64(n.LeafMask)
	}

	for _, e := range table {
		p.patchU32(e.presencePos, uint32(len(p.buf)))
		lookup := c.Lookup.MustGet(e.id)
		p.u32(uint32(len(lookup)))
		for _, ln := range lookup {
			p.u32(ln.DataPtr)
			p.u64(ln.AttachmentMask)
		}
	}
	for _, e := range table {
		p.patchU32(e.dataPos, uint32(len(p.buf)))
		raw, _ := c.Raw.Get(e.id)
		p.u32(uint32(len(raw)))
		for _, w := range raw {
			p.u32(w)
		}
	}
	return p.buf
}

// ReadModel reads a model blob, returning a compressed THC or SFT.
func ReadModel(path string) (voxel.Model, error) {
	buf, err := readBlob(path)
	if err != nil {
		return nil, err
	}
	r := &parser{buf: buf}
	if string(r.read(4)) != rvoxMagic {
		return nil, fmt.Errorf("%w: %s: bad rvox magic", errDecode, path)
	}
	if v := r.u32(); v != rvoxVersion {
		return nil, fmt.Errorf("%w: %s: unsupported rvox version %d", errDecode, path, v)
	}

	var m voxel.Model
	switch schema := voxel.Schema(r.u32()); schema {
	case voxel.SchemaTHC:
		m = decodeTHC(r)
	case voxel.SchemaSFT:
		m = decodeSFT(r)
	default:
		return nil, fmt.Errorf("%w: %s: unknown schema tag %d", errDecode, path, schema)
	}
	if r.err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errDecode, path, r.err)
	}
	return m, nil
}

type decodedTableEntry struct {
	id          voxel.AttachmentId
	presencePtr uint32
	dataPtr     uint32
}

func (r *parser) attachmentTable() []decodedTableEntry {
	count := r.u32()
	if count > voxel.NumAttachments {
		r.failf("attachment table has %d entries", count)
		return nil
	}
	entries := make([]decodedTableEntry, 0, count)
	for i := uint32(0); i < count && r.err == nil; i++ {
		id := voxel.AttachmentId(r.u8())
		if int(id) >= voxel.NumAttachments {
			r.failf("unknown attachment id %d", id)
			return nil
		}
		entries = append(entries, decodedTableEntry{
			id:          id,
			presencePtr: r.u32(),
			dataPtr:     r.u32(),
		})
	}
	return entries
}

// arrayLen guards length prefixes against truncated or corrupt blobs.
func (r *parser) arrayLen(strideBytes int) int {
	n := r.u32()
	if int64(n)*int64(strideBytes) > int64(r.remaining()) {
		r.failf("array of %d entries exceeds blob size", n)
		return 0
	}
	return int(n)
}

// contentDims reads the optional content extent triple.
func (r *parser) contentDims() geom.Vec3i {
	return geom.Vec3i{X: int32(r.u32()), Y: int32(r.u32()), Z: int32(r.u32())}
}

func decodeTHC(r *parser) *thc.Compressed {
	side := r.u32()
	dims := r.contentDims()
	table := r.attachmentTable()

	n := r.arrayLen(12)
	nodes := make([]thc.Node, n)
	for i := range nodes {
		nodes[i].ChildPtr = r.u32()
		nodes[i].ChildMask = r.u64()
	}
	if r.err != nil {
		return nil
	}

	c := &thc.Compressed{SideLength: side, Dims: dims, Nodes: nodes}
	for _, e := range table {
		r.seek(e.presencePtr)
		ln := r.arrayLen(12)
		lookup := make([]thc.LookupNode, ln)
		for i := range lookup {
			lookup[i].DataPtr = r.u32()
			lookup[i].AttachmentMask = r.u64()
		}

		r.seek(e.dataPtr)
		rn := r.arrayLen(4)
		raw := make([]uint32, rn)
		for i := range raw {
			raw[i] = r.u32()
		}
		if r.err != nil {
			return nil
		}
		c.Lookup.Insert(e.id, lookup)
		c.Raw.Insert(e.id, raw)
		c.AttachmentInfo.Insert(e.id, voxel.AttachmentById(e.id))
	}
	if err := c.Validate(); err != nil {
		r.failf("invalid thc model: %v", err)
		return nil
	}
	return c
}

func decodeSFT(r *parser) *sft.Compressed {
	side := r.u32()
	dims := r.contentDims()
	table := r.attachmentTable()

	n := r.arrayLen(20)
	nodes := make([]sft.Node, n)
	for i := range nodes {
		nodes[i].ChildPtr = r.u32()
		nodes[i].ChildMask = r.u64()
		nodes[i].LeafMask = r.u64()
	}
	if r.err != nil {
		return nil
	}

	c := &sft.Compressed{SideLength: side, Dims: dims, Nodes: nodes}
	for _, e := range table {
		r.seek(e.presencePtr)
		ln := r.arrayLen(12)
		lookup := make([]sft.LookupNode, ln)
		for i := range lookup {
			lookup[i].DataPtr = r.u32()
			lookup[i].AttachmentMask = r.u64()
		}

		r.seek(e.dataPtr)
		rn := r.arrayLen(4)
		raw := make([]uint32, rn)
		for i := range raw {
			raw[i] = r.u32()
		}
		if r.err != nil {
			return nil
		}
		c.Lookup.Insert(e.id, lookup)
		c.Raw.Insert(e.id, raw)
		c.AttachmentInfo.Insert(e.id, voxel.AttachmentById(e.id))
	}
	if err := c.Validate(); err != nil {
		r.failf("invalid sft model: %v", err)
		return nil
	}
	return c
}
