// Package morton implements 3D Morton (Z-order) coding for voxel grids.
// Coordinates up to 21 bits per axis interleave into a single uint64.
package morton

// split spreads the low 21 bits of x so that two zero bits separate
// each original bit.
func split(x uint32) uint64 {
	v := uint64(x) & 0x1f_ffff
	v = (v | (v << 32)) & 0x001f_0000_0000_ffff
	v = (v | (v << 16)) & 0x001f_0000_ff00_00ff
	v = (v | (v << 8)) & 0x100f_00f0_0f00_f00f
	v = (v | (v << 4)) & 0x10c3_0c30_c30c_30c3
	v = (v | (v << 2)) & 0x1249_2492_4924_9249
	return v
}

// compact is the inverse of split.
func compact(v uint64) uint32 {
	v &= 0x1249_2492_4924_9249
	v = (v | (v >> 2)) & 0x10c3_0c30_c30c_30c3
	v = (v | (v >> 4)) & 0x100f_00f0_0f00_f00f
	v = (v | (v >> 8)) & 0x001f_0000_ff00_00ff
	v = (v | (v >> 16)) & 0x001f_0000_0000_ffff
	v = (v | (v >> 32)) & 0x1f_ffff
	return uint32(v)
}

// Encode interleaves (x, y, z) into a Morton code, x in the lowest bit.
func Encode(x, y, z uint32) uint64 {
	return split(x) | split(y)<<1 | split(z)<<2
}

// Decode is the inverse of Encode.
func Decode(m uint64) (x, y, z uint32) {
	return compact(m), compact(m >> 1), compact(m >> 2)
}

// TraversalOctree reverses the 3-bit digits of a Morton code so that the
// root-level octant comes out first when the result is consumed with
// successive >>3 shifts. height is the octree height.
func TraversalOctree(m uint64, height uint32) uint64 {
	var rev uint64
	for i := uint32(0); i < height; i++ {
		rev = rev<<3 | m&7
		m >>= 3
	}
	return rev
}

// Traversal64 reverses the 6-bit digits of a Morton code for 64-tree
// walks. height is the 64-tree height (each level consumes 6 bits).
func Traversal64(m uint64, height uint32) uint64 {
	var rev uint64
	for i := uint32(0); i < height; i++ {
		rev = rev<<6 | m&63
		m >>= 6
	}
	return rev
}
