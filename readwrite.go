package repnet

import (
	"math"
	"math/bits"
)

// intBits returns the number of bits used to send values in [0, max).
func intBits(max int) int {
	if max <= 2 {
		return 1
	}
	return bits.Len(uint(max - 1))
}

// A BitWriter appends bits least significant first.
// Writes past its capacity set the overflow flag and are discarded.
type BitWriter struct {
	buf      []byte
	num      int
	max      int
	overflow bool
}

// NewBitWriter returns a BitWriter holding at most maxBits bits.
func NewBitWriter(maxBits int) *BitWriter {
	return &BitWriter{
		buf: make([]byte, 0, (maxBits+7)/8),
		max: maxBits,
	}
}

// NumBits reports how many bits have been written.
func (w *BitWriter) NumBits() int { return w.num }

// NumBytes reports how many bytes the written bits occupy.
func (w *BitWriter) NumBytes() int { return (w.num + 7) / 8 }

// MaxBits reports the capacity of the writer.
func (w *BitWriter) MaxBits() int { return w.max }

// Overflowed reports whether a write exceeded the capacity.
func (w *BitWriter) Overflowed() bool { return w.overflow }

// Bytes returns the written bits. The last byte is zero padded.
func (w *BitWriter) Bytes() []byte { return w.buf }

// Reset discards everything written.
func (w *BitWriter) Reset() {
	w.buf = w.buf[:0]
	w.num = 0
	w.overflow = false
}

// Truncate rewinds the writer to n bits.
func (w *BitWriter) Truncate(n int) {
	if n >= w.num {
		return
	}
	w.num = n
	w.buf = w.buf[:(n+7)/8]
	if r := n & 7; r != 0 {
		w.buf[len(w.buf)-1] &= byte(1)<<uint(r) - 1
	}
}

func (w *BitWriter) WriteBit(b bool) {
	if w.num+1 > w.max {
		w.overflow = true
		return
	}
	if w.num&7 == 0 {
		w.buf = append(w.buf, 0)
	}
	if b {
		w.buf[w.num>>3] |= 1 << uint(w.num&7)
	}
	w.num++
}

// WriteBits writes the n low bits of v.
func (w *BitWriter) WriteBits(v uint64, n int) {
	if w.num+n > w.max {
		w.overflow = true
		return
	}
	for i := 0; i < n; i++ {
		w.WriteBit(v>>uint(i)&1 == 1)
	}
}

// WriteInt writes v in [0, max) using intBits(max) bits.
func (w *BitWriter) WriteInt(v, max int) {
	if v < 0 || v >= max {
		w.overflow = true
		return
	}
	w.WriteBits(uint64(v), intBits(max))
}

func (w *BitWriter) WriteUint8(v uint8)   { w.WriteBits(uint64(v), 8) }
func (w *BitWriter) WriteUint16(v uint16) { w.WriteBits(uint64(v), 16) }
func (w *BitWriter) WriteUint32(v uint32) { w.WriteBits(uint64(v), 32) }
func (w *BitWriter) WriteInt32(v int32)   { w.WriteBits(uint64(uint32(v)), 32) }

func (w *BitWriter) WriteFloat32(v float32) { w.WriteUint32(math.Float32bits(v)) }

// WriteBytes writes every byte of p.
func (w *BitWriter) WriteBytes(p []byte) {
	if w.num+len(p)*8 > w.max {
		w.overflow = true
		return
	}
	if w.num&7 == 0 {
		w.buf = append(w.buf, p...)
		w.num += len(p) * 8
		return
	}
	for _, b := range p {
		w.WriteUint8(b)
	}
}

// WriteBitsFrom copies the first n bits of src.
func (w *BitWriter) WriteBitsFrom(src []byte, n int) {
	if w.num+n > w.max {
		w.overflow = true
		return
	}
	whole := n / 8
	w.WriteBytes(src[:whole])
	for i := whole * 8; i < n; i++ {
		w.WriteBit(src[i>>3]>>uint(i&7)&1 == 1)
	}
}

// WriteString writes a 16 bit length followed by the bytes of s.
func (w *BitWriter) WriteString(s string) {
	if len(s) > math.MaxUint16 {
		w.overflow = true
		return
	}
	w.WriteUint16(uint16(len(s)))
	w.WriteBytes([]byte(s))
}

// A BitReader consumes bits least significant first.
// Reads past the end set the overflow flag and return zero values.
type BitReader struct {
	buf      []byte
	pos      int
	num      int
	overflow bool
}

// NewBitReader returns a BitReader over the first numBits bits of b.
func NewBitReader(b []byte, numBits int) *BitReader {
	if numBits > len(b)*8 {
		numBits = len(b) * 8
	}
	return &BitReader{buf: b, num: numBits}
}

// NumBits reports the total number of readable bits.
func (r *BitReader) NumBits() int { return r.num }

// Pos reports the read cursor in bits.
func (r *BitReader) Pos() int { return r.pos }

// BitsLeft reports how many bits remain.
func (r *BitReader) BitsLeft() int { return r.num - r.pos }

// AtEnd reports whether every bit has been consumed.
func (r *BitReader) AtEnd() bool { return r.pos >= r.num }

// Overflowed reports whether a read went past the end.
func (r *BitReader) Overflowed() bool { return r.overflow }

// SetOverflowed marks the reader as failed.
func (r *BitReader) SetOverflowed() { r.overflow = true }

func (r *BitReader) ReadBit() bool {
	if r.pos+1 > r.num {
		r.overflow = true
		return false
	}
	b := r.buf[r.pos>>3]>>uint(r.pos&7)&1 == 1
	r.pos++
	return b
}

// ReadBits reads n bits into the low bits of the result.
func (r *BitReader) ReadBits(n int) uint64 {
	if r.pos+n > r.num {
		r.overflow = true
		r.pos = r.num
		return 0
	}
	var v uint64
	for i := 0; i < n; i++ {
		if r.ReadBit() {
			v |= 1 << uint(i)
		}
	}
	return v
}

// ReadInt reads a value written by WriteInt with the same max.
// Values outside [0, max) set the overflow flag.
func (r *BitReader) ReadInt(max int) int {
	v := int(r.ReadBits(intBits(max)))
	if v >= max {
		r.overflow = true
		return 0
	}
	return v
}

func (r *BitReader) ReadUint8() uint8   { return uint8(r.ReadBits(8)) }
func (r *BitReader) ReadUint16() uint16 { return uint16(r.ReadBits(16)) }
func (r *BitReader) ReadUint32() uint32 { return uint32(r.ReadBits(32)) }
func (r *BitReader) ReadInt32() int32   { return int32(uint32(r.ReadBits(32))) }

func (r *BitReader) ReadFloat32() float32 { return math.Float32frombits(r.ReadUint32()) }

// ReadBytes reads n whole bytes into a new slice.
func (r *BitReader) ReadBytes(n int) []byte {
	p := make([]byte, n)
	r.ReadInto(p)
	return p
}

// ReadInto fills p.
func (r *BitReader) ReadInto(p []byte) {
	if r.pos+len(p)*8 > r.num {
		r.overflow = true
		r.pos = r.num
		for i := range p {
			p[i] = 0
		}
		return
	}
	if r.pos&7 == 0 {
		copy(p, r.buf[r.pos>>3:])
		r.pos += len(p) * 8
		return
	}
	for i := range p {
		p[i] = r.ReadUint8()
	}
}

// ReadBitsToBytes reads n bits into a new zero padded slice.
func (r *BitReader) ReadBitsToBytes(n int) []byte {
	if r.pos+n > r.num {
		r.overflow = true
		r.pos = r.num
		return nil
	}
	p := r.ReadBytes(n / 8)
	if rest := n & 7; rest != 0 {
		p = append(p, byte(r.ReadBits(rest)))
	}
	return p
}

// ReadString reads a value written by WriteString.
func (r *BitReader) ReadString() string {
	n := int(r.ReadUint16())
	if n*8 > r.BitsLeft() {
		r.overflow = true
		r.pos = r.num
		return ""
	}
	return string(r.ReadBytes(n))
}
