// Package bitset provides a fixed-size bitset backed by uint32 words,
// matching the word layout uploaded to GPU presence buffers.
package bitset

import "math/bits"

type Bitset struct {
	data []uint32
	bits int
}

func New(bitCount int) *Bitset {
	return &Bitset{
		data: make([]uint32, (bitCount+31)/32),
		bits: bitCount,
	}
}

func (b *Bitset) Set(bit int, value bool) {
	mask := uint32(1) << (bit % 32)
	if value {
		b.data[bit/32] |= mask
	} else {
		b.data[bit/32] &^= mask
	}
}

func (b *Bitset) Get(bit int) bool {
	return b.data[bit/32]&(1<<(bit%32)) != 0
}

// Len is the number of addressable bits.
func (b *Bitset) Len() int { return b.bits }

// Count is the number of set bits.
func (b *Bitset) Count() int {
	n := 0
	for _, w := range b.data {
		n += bits.OnesCount32(w)
	}
	return n
}

// Words exposes the backing words for bulk upload.
func (b *Bitset) Words() []uint32 { return b.data }

func (b *Bitset) Clone() *Bitset {
	c := &Bitset{data: make([]uint32, len(b.data)), bits: b.bits}
	copy(c.data, b.data)
	return c
}
