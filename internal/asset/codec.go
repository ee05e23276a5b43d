package asset

import (
	"encoding/binary"
	"fmt"
)

// payload builds a little-endian byte stream with backpatchable u32
// slots. u64 values go out lower dword first.
type payload struct {
	buf []byte
}

func (p *payload) u8(v byte)     { p.buf = append(p.buf, v) }
func (p *payload) bytes(b []byte) { p.buf = append(p.buf, b...) }

func (p *payload) u32(v uint32) {
	p.buf = binary.LittleEndian.AppendUint32(p.buf, v)
}

func (p *payload) u64(v uint64) {
	p.u32(uint32(v))
	p.u32(uint32(v >> 32))
}

// reserveU32 emits a zero dword and returns its offset for patchU32.
func (p *payload) reserveU32() int {
	off := len(p.buf)
	p.u32(0)
	return off
}

func (p *payload) patchU32(off int, v uint32) {
	binary.LittleEndian.PutUint32(p.buf[off:], v)
}

// parser walks a payload, latching the first error.
type parser struct {
	buf []byte
	off int
	err error
}

func (r *parser) failf(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf(format, args...)
	}
}

func (r *parser) remaining() int { return len(r.buf) - r.off }

func (r *parser) seek(off uint32) {
	if int(off) > len(r.buf) {
		r.failf("offset %d past end of blob (%d bytes)", off, len(r.buf))
		return
	}
	r.off = int(off)
}

func (r *parser) u8() byte {
	if r.err != nil {
		return 0
	}
	if r.remaining() < 1 {
		r.failf("unexpected end of blob")
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *parser) u32() uint32 {
	if r.err != nil {
		return 0
	}
	if r.remaining() < 4 {
		r.failf("unexpected end of blob")
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *parser) u64() uint64 {
	lo := r.u32()
	hi := r.u32()
	return uint64(lo) | uint64(hi)<<32
}

func (r *parser) read(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.remaining() < n {
		r.failf("unexpected end of blob")
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}
