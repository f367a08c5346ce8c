package repnet

import (
	"fmt"
	"time"
)

// An OutBunch is one channel's contribution to an outgoing packet.
// A reliable bunch keeps its sequence number across retransmissions.
type OutBunch struct {
	*BitWriter

	ChIndex    int
	ChType     ChannelType
	ChSequence int
	PacketID   int
	Time       time.Duration

	ReceivedAck bool
	Reliable    bool
	Open        bool
	Close       bool
}

// NewOutBunch returns an empty bunch sized to fit one packet of ch's
// connection.
func NewOutBunch(ch *Channel, close bool) *OutBunch {
	return &OutBunch{
		BitWriter: NewBitWriter(ch.conn.maxBunchBits()),
		ChIndex:   ch.index,
		ChType:    ch.typ,
		PacketID:  -1,
		Close:     close,
	}
}

func (b *OutBunch) clone() *OutBunch {
	c := *b
	c.BitWriter = NewBitWriter(b.MaxBits())
	c.WriteBitsFrom(b.Bytes(), b.NumBits())
	return &c
}

// absorb replaces payload and flags with those of src, keeping the
// sequence number.
func (b *OutBunch) absorb(src *OutBunch) {
	b.BitWriter.Reset()
	b.WriteBitsFrom(src.Bytes(), src.NumBits())
	b.Reliable = src.Reliable
	b.Open = src.Open
	b.Close = src.Close
}

func (b *OutBunch) headerBits() int {
	n := 1 + 1 + 1 + intBits(MaxChannels) + intBits(MaxBunchBits)
	if b.Open || b.Close {
		n += 2
	}
	if b.Reliable {
		n += intBits(MaxChSequence)
	}
	if b.Reliable || b.Open {
		n += intBits(int(channelTypeMax))
	}
	return n
}

func writeBunch(w *BitWriter, b *OutBunch) {
	w.WriteBit(false) // not an ack

	control := b.Open || b.Close
	w.WriteBit(control)
	if control {
		w.WriteBit(b.Open)
		w.WriteBit(b.Close)
	}
	w.WriteBit(b.Reliable)
	w.WriteInt(b.ChIndex, MaxChannels)
	if b.Reliable {
		w.WriteInt(b.ChSequence%MaxChSequence, MaxChSequence)
	}
	if b.Reliable || b.Open {
		w.WriteInt(int(b.ChType), int(channelTypeMax))
	}
	w.WriteInt(b.NumBits(), MaxBunchBits)
	w.WriteBitsFrom(b.Bytes(), b.NumBits())
}

// An InBunch is one channel's contribution to a received packet.
type InBunch struct {
	*BitReader

	PacketID   int
	ChIndex    int
	ChType     ChannelType
	ChSequence int

	Reliable bool
	Open     bool
	Close    bool

	conn *Conn
}

// Conn returns the connection the bunch arrived on.
func (b *InBunch) Conn() *Conn { return b.conn }

// readBunch parses a bunch after its item bit. The payload is copied so the
// bunch may outlive the packet.
func readBunch(r *BitReader, c *Conn, packetID int) (*InBunch, error) {
	b := &InBunch{PacketID: packetID, conn: c}

	if r.ReadBit() {
		b.Open = r.ReadBit()
		b.Close = r.ReadBit()
	}
	b.Reliable = r.ReadBit()
	b.ChIndex = r.ReadInt(MaxChannels)
	if b.Reliable {
		b.ChSequence = makeRelative(r.ReadInt(MaxChSequence), c.inReliable[b.ChIndex], MaxChSequence)
	}
	if b.Reliable || b.Open {
		b.ChType = ChannelType(r.ReadInt(int(channelTypeMax)))
	}
	n := r.ReadInt(MaxBunchBits)
	payload := r.ReadBitsToBytes(n)
	if r.Overflowed() {
		return nil, fmt.Errorf("%w: truncated bunch in packet %d", ErrProtocolViolation, packetID)
	}
	b.BitReader = NewBitReader(payload, n)

	return b, nil
}
