// Package gpu models the slice of the graphics backend the voxel core
// needs: named buffers, bulk writes, and a buddy suballocator over one
// backing buffer. The real renderer supplies its own Device; MemDevice
// backs tests and the headless daemon.
package gpu

import (
	"encoding/binary"
	"fmt"
	"sync"
)

type BufferId uint32

// Device is the buffer surface of the graphics backend.
type Device interface {
	CreateBuffer(name string, size uint64) BufferId
	// GrowBuffer resizes a buffer in place, preserving its contents.
	GrowBuffer(id BufferId, newSize uint64)
	BufferSize(id BufferId) uint64
	WriteBuffer(id BufferId, offsetBytes uint64, data []byte)
	DestroyBuffer(id BufferId)
}

// MemDevice is an in-memory Device.
type MemDevice struct {
	mu      sync.Mutex
	nextId  BufferId
	buffers map[BufferId]*memBuffer
}

type memBuffer struct {
	name string
	data []byte
}

func NewMemDevice() *MemDevice {
	return &MemDevice{nextId: 1, buffers: map[BufferId]*memBuffer{}}
}

func (d *MemDevice) CreateBuffer(name string, size uint64) BufferId {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextId
	d.nextId++
	d.buffers[id] = &memBuffer{name: name, data: make([]byte, size)}
	return id
}

func (d *MemDevice) GrowBuffer(id BufferId, newSize uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.mustGet(id)
	if uint64(len(b.data)) >= newSize {
		return
	}
	grown := make([]byte, newSize)
	copy(grown, b.data)
	b.data = grown
}

func (d *MemDevice) BufferSize(id BufferId) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint64(len(d.mustGet(id).data))
}

func (d *MemDevice) WriteBuffer(id BufferId, offsetBytes uint64, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.mustGet(id)
	if offsetBytes+uint64(len(data)) > uint64(len(b.data)) {
		panic(fmt.Sprintf("gpu: write past end of buffer %q: off=%d len=%d size=%d",
			b.name, offsetBytes, len(data), len(b.data)))
	}
	copy(b.data[offsetBytes:], data)
}

func (d *MemDevice) DestroyBuffer(id BufferId) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.buffers, id)
}

// ReadBuffer copies out a byte range; test helper.
func (d *MemDevice) ReadBuffer(id BufferId, offsetBytes, length uint64) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.mustGet(id)
	out := make([]byte, length)
	copy(out, b.data[offsetBytes:offsetBytes+length])
	return out
}

// ReadDwords reads length uint32s starting at a dword offset.
func (d *MemDevice) ReadDwords(id BufferId, offsetDwords, length uint64) []uint32 {
	raw := d.ReadBuffer(id, offsetDwords*4, length*4)
	out := make([]uint32, length)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	return out
}

func (d *MemDevice) mustGet(id BufferId) *memBuffer {
	b, ok := d.buffers[id]
	if !ok {
		panic(fmt.Sprintf("gpu: unknown buffer id %d", id))
	}
	return b
}

// PackDwords serialises a uint32 slice little-endian for upload.
func PackDwords(words []uint32) []byte {
	out := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}
