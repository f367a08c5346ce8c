package repnet

import (
	"bytes"
	"testing"
)

func TestIntBits(t *testing.T) {
	tests := []struct {
		max, bits int
	}{
		{1, 1},
		{2, 1},
		{3, 2},
		{4, 2},
		{5, 3},
		{MaxChannels, 10},
		{MaxPacketID, 14},
		{MaxBunchBits, 13},
	}
	for _, tt := range tests {
		if got := intBits(tt.max); got != tt.bits {
			t.Errorf("intBits(%d) = %d, want %d", tt.max, got, tt.bits)
		}
	}
}

func TestBitRoundTrip(t *testing.T) {
	w := NewBitWriter(1024)
	w.WriteBit(true)
	w.WriteInt(5, 8)
	w.WriteUint16(0xbeef)
	w.WriteInt32(-7)
	w.WriteFloat32(1.5)
	w.WriteString("hello")
	w.WriteBytes([]byte{1, 2, 3})
	if w.Overflowed() {
		t.Fatal("writer overflowed")
	}

	r := NewBitReader(w.Bytes(), w.NumBits())
	if !r.ReadBit() {
		t.Error("bit: got false")
	}
	if v := r.ReadInt(8); v != 5 {
		t.Errorf("int: got %d", v)
	}
	if v := r.ReadUint16(); v != 0xbeef {
		t.Errorf("uint16: got %x", v)
	}
	if v := r.ReadInt32(); v != -7 {
		t.Errorf("int32: got %d", v)
	}
	if v := r.ReadFloat32(); v != 1.5 {
		t.Errorf("float32: got %v", v)
	}
	if v := r.ReadString(); v != "hello" {
		t.Errorf("string: got %q", v)
	}
	if v := r.ReadBytes(3); !bytes.Equal(v, []byte{1, 2, 3}) {
		t.Errorf("bytes: got %v", v)
	}
	if r.Overflowed() || !r.AtEnd() {
		t.Fatalf("overflowed %v, at end %v", r.Overflowed(), r.AtEnd())
	}
}

func TestBitWriterOverflow(t *testing.T) {
	w := NewBitWriter(10)
	w.WriteBits(0x3ff, 10)
	if w.Overflowed() {
		t.Fatal("overflowed at capacity")
	}
	w.WriteBit(true)
	if !w.Overflowed() {
		t.Fatal("no overflow past capacity")
	}
	if w.NumBits() != 10 {
		t.Fatalf("got %d bits, want 10", w.NumBits())
	}

	w = NewBitWriter(64)
	w.WriteInt(8, 8)
	if !w.Overflowed() {
		t.Fatal("value out of range did not overflow")
	}
}

func TestBitReaderOverflow(t *testing.T) {
	w := NewBitWriter(8)
	w.WriteBits(7, 3)

	r := NewBitReader(w.Bytes(), w.NumBits())
	if v := r.ReadInt(5); v != 0 || !r.Overflowed() {
		t.Fatalf("ReadInt(5) of 7 = %d, overflowed %v", v, r.Overflowed())
	}

	r = NewBitReader(w.Bytes(), w.NumBits())
	r.ReadUint8()
	if !r.Overflowed() {
		t.Fatal("reading past the end did not overflow")
	}
}

func TestTruncate(t *testing.T) {
	w := NewBitWriter(64)
	w.WriteBits(0xff, 8)
	w.WriteBits(0x3, 2)
	w.Truncate(5)
	if w.NumBits() != 5 {
		t.Fatalf("got %d bits, want 5", w.NumBits())
	}
	if w.Bytes()[0] != 0x1f {
		t.Fatalf("got %08b, want 00011111", w.Bytes()[0])
	}

	w.WriteBit(false)
	w.WriteBit(true)
	r := NewBitReader(w.Bytes(), w.NumBits())
	if v := r.ReadBits(7); v != 0x5f {
		t.Fatalf("got %x after rewrite, want 5f", v)
	}
}

func TestWriteBitsFromUnaligned(t *testing.T) {
	src := NewBitWriter(64)
	src.WriteBits(0x5a5, 11)

	w := NewBitWriter(64)
	w.WriteBits(0x5, 3)
	w.WriteBitsFrom(src.Bytes(), src.NumBits())

	r := NewBitReader(w.Bytes(), w.NumBits())
	if v := r.ReadBits(3); v != 0x5 {
		t.Fatalf("prefix = %x", v)
	}
	if v := r.ReadBits(11); v != 0x5a5 {
		t.Fatalf("copied = %x, want 5a5", v)
	}
	if !r.AtEnd() {
		t.Fatal("trailing bits")
	}
}
