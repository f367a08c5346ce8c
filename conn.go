package repnet

import (
	"fmt"
	"log"
	"math/bits"
	"net"
	"time"
)

// ConnState is the lifecycle position of a Conn.
type ConnState uint8

const (
	ConnPending ConnState = iota
	ConnOpen
	ConnClosed
)

// A Conn is one peer of a Driver. It owns the channel table and
// assembles outgoing packets.
// A Conn must only be used by one goroutine at a time.
type Conn struct {
	driver *Driver
	addr   net.Addr
	cfg    Config
	logger *log.Logger
	state  ConnState

	channels    [MaxChannels]*Channel
	open        []*Channel
	pendingFree []*Channel
	outReliable [MaxChannels]int
	inReliable  [MaxChannels]int

	out            *BitWriter
	outPacketID    int
	inPacketID     int
	outAckPacketID int

	// merge state of the bunch written last
	lastStart    int
	lastEnd      int
	lastOut      *OutBunch
	lastOutBunch *OutBunch

	queuedBytes     float64
	clock           time.Duration
	lastReceiveTime time.Duration
	lastSendTime    time.Duration

	broken       bool
	pendingClose string
	closeReason  string

	classes map[*Schema]*classCache
	objects map[ObjectID]*ObjectChannel

	stats Stats
}

// Stats counts events on a Conn.
type Stats struct {
	PacketsSent       int
	PacketsReceived   int
	OutOfOrderPackets int
	BytesSent         int
	BytesReceived     int
	StaleFields       int
	DroppedOperations int
}

func newConn(d *Driver, addr net.Addr) *Conn {
	c := &Conn{
		driver:         d,
		addr:           addr,
		cfg:            d.cfg,
		logger:         d.cfg.Logger,
		inPacketID:     -1,
		outAckPacketID: -1,
		lastEnd:        -1,
		classes:        make(map[*Schema]*classCache),
		objects:        make(map[ObjectID]*ObjectChannel),
	}
	c.out = NewBitWriter(c.maxPacketBits())

	return c
}

// Addr returns the address of the peer.
func (c *Conn) Addr() net.Addr { return c.addr }

// Driver returns the Driver owning the Conn.
func (c *Conn) Driver() *Driver { return c.driver }

// State returns the lifecycle state.
func (c *Conn) State() ConnState { return c.state }

// Broken reports whether a protocol violation occurred.
func (c *Conn) Broken() bool { return c.broken }

// CloseReason returns why the Conn was closed.
func (c *Conn) CloseReason() string { return c.closeReason }

// Stats returns a copy of the event counters.
func (c *Conn) Stats() Stats { return c.stats }

// Channel returns the channel at index or nil.
func (c *Conn) Channel(index int) *Channel {
	if index < 0 || index >= MaxChannels {
		return nil
	}
	ch := c.channels[index]
	if ch == nil || ch.state == ChannelDestroyed {
		return nil
	}
	return ch
}

// Control returns the control channel or nil.
func (c *Conn) Control() *ControlChannel {
	if ch := c.Channel(ControlIndex); ch != nil {
		return ch.Control()
	}
	return nil
}

// OutPacketID returns the id of the packet under construction.
func (c *Conn) OutPacketID() int { return c.outPacketID }

func (c *Conn) maxPacketBits() int { return c.cfg.MaxPacket * 8 }

func (c *Conn) maxBunchBits() int {
	n := c.maxPacketBits() - packetHeaderBits - terminatorBits - maxBunchHeaderBits
	if n > MaxBunchBits-1 {
		n = MaxBunchBits - 1
	}
	return n
}

// OpenChannel opens a channel of typ at index. A negative index picks the
// lowest free one above the control channel.
func (c *Conn) OpenChannel(typ ChannelType, index int) (*Channel, error) {
	if c.state == ConnClosed {
		return nil, ErrConnClosed
	}
	if typ == ChannelNone || typ >= channelTypeMax {
		return nil, ErrInvalidChannelType
	}

	if index < 0 {
		for i := ControlIndex + 1; i < MaxChannels; i++ {
			if c.channels[i] == nil {
				index = i
				break
			}
		}
		if index < 0 {
			return nil, ErrNoFreeChannel
		}
	} else if index >= MaxChannels {
		return nil, fmt.Errorf("channel index %d out of range", index)
	} else if c.channels[index] != nil {
		return nil, ErrChannelInUse
	}

	return c.createChannel(typ, index, true), nil
}

func (c *Conn) createChannel(typ ChannelType, index int, openedLocally bool) *Channel {
	ch := newChannel(c, typ, index, openedLocally)
	c.channels[index] = ch
	c.open = append(c.open, ch)

	return ch
}

func (c *Conn) scheduleFree(ch *Channel) {
	c.pendingFree = append(c.pendingFree, ch)
}

// reapChannels releases the slots of destroyed channels.
func (c *Conn) reapChannels() {
	if len(c.pendingFree) == 0 {
		return
	}

	for _, ch := range c.pendingFree {
		if c.channels[ch.index] == ch {
			c.channels[ch.index] = nil
		}
	}
	c.pendingFree = c.pendingFree[:0]

	open := c.open[:0]
	for _, ch := range c.open {
		if ch.state != ChannelDestroyed {
			open = append(open, ch)
		}
	}
	for i := len(open); i < len(c.open); i++ {
		c.open[i] = nil
	}
	c.open = open
}

// IsNetReady reports whether the rate cap allows more data this tick.
func (c *Conn) IsNetReady() bool {
	return c.queuedBytes+float64(c.out.NumBytes()) <= 0
}

// preSend makes room for bits in the packet under construction.
func (c *Conn) preSend(bits int) {
	if c.out.NumBits()+bits+terminatorBits > c.maxPacketBits() {
		c.FlushNet()
	}
	if c.out.NumBits() == 0 {
		c.out.WriteInt(c.outPacketID%MaxPacketID, MaxPacketID)
	}
}

// sendRawBunch writes b into the packet under construction and records the
// packet id on b.
func (c *Conn) sendRawBunch(b *OutBunch, merge bool) int {
	c.preSend(b.headerBits() + b.NumBits())

	c.lastStart = c.out.NumBits()
	writeBunch(c.out, b)

	if merge {
		c.lastEnd = c.out.NumBits()
		c.lastOut = b.clone()
		c.lastOutBunch = nil
		if b.Reliable {
			c.lastOutBunch = b
		}
	} else {
		c.lastEnd = -1
	}

	b.PacketID = c.outPacketID
	b.Time = c.clock

	return c.outPacketID
}

// canMerge reports whether b may be appended to the bunch written last.
func (c *Conn) canMerge(b *OutBunch) bool {
	if c.lastEnd < 0 || c.lastEnd != c.out.NumBits() || c.lastOut == nil {
		return false
	}
	last := c.lastOut
	if last.ChIndex != b.ChIndex || last.Close {
		return false
	}

	merged := *last
	merged.Reliable = last.Reliable || b.Reliable
	merged.Open = last.Open || b.Open
	merged.Close = last.Close || b.Close

	payload := last.NumBits() + b.NumBits()
	if payload > c.maxBunchBits() {
		return false
	}
	return c.lastStart+merged.headerBits()+payload+terminatorBits <= c.maxPacketBits()
}

// popLastStart removes the bunch written last from the packet.
func (c *Conn) popLastStart() {
	c.out.Truncate(c.lastStart)
	c.lastEnd = -1
}

func (c *Conn) sendAck(packetID int) {
	c.preSend(ackBits)
	c.out.WriteBit(true)
	c.out.WriteInt(packetID%MaxPacketID, MaxPacketID)

	// acks break merge adjacency
	c.lastEnd = -1
}

// FlushNet sends the packet under construction, if any.
func (c *Conn) FlushNet() {
	if c.out.NumBits() == 0 {
		return
	}
	c.flush()
}

func (c *Conn) flush() {
	if c.out.NumBits() == 0 {
		c.out.WriteInt(c.outPacketID%MaxPacketID, MaxPacketID)
	}
	c.out.WriteBit(true)

	data := make([]byte, c.out.NumBytes())
	copy(data, c.out.Bytes())
	c.out.Reset()
	c.lastEnd = -1
	c.lastOut = nil
	c.lastOutBunch = nil

	if err := c.driver.transport.SendDatagram(data, c.addr); err != nil {
		c.logger.Print(c.addr, ": ", err)
	}

	c.queuedBytes += float64(len(data) + packetOverhead)
	c.outPacketID++
	c.lastSendTime = c.clock
	c.stats.PacketsSent++
	c.stats.BytesSent += len(data)
}

// ReceivedRawPacket processes one datagram from the peer.
func (c *Conn) ReceivedRawPacket(data []byte) {
	if c.state == ConnClosed || c.broken {
		return
	}

	c.lastReceiveTime = c.clock
	c.stats.PacketsReceived++
	c.stats.BytesReceived += len(data)

	if len(data) == 0 || data[len(data)-1] == 0 {
		c.breakWith(fmt.Errorf("%w: malformed packet", ErrProtocolViolation))
	} else {
		numBits := (len(data)-1)*8 + bits.Len8(data[len(data)-1]) - 1
		c.receivedPacket(NewBitReader(data, numBits))
	}

	c.reapChannels()
	c.closeIfPending()
}

func (c *Conn) receivedPacket(r *BitReader) {
	packetID := makeRelative(r.ReadInt(MaxPacketID), c.inPacketID, MaxPacketID)
	if r.Overflowed() {
		c.breakWith(fmt.Errorf("%w: short packet header", ErrProtocolViolation))
		return
	}
	if packetID > c.inPacketID {
		c.inPacketID = packetID
	} else {
		c.stats.OutOfOrderPackets++
	}

	acked := false
	for !r.AtEnd() && !c.broken && c.state != ConnClosed {
		if r.ReadBit() {
			ack := makeRelative(r.ReadInt(MaxPacketID), c.outAckPacketID, MaxPacketID)
			if r.Overflowed() {
				c.breakWith(fmt.Errorf("%w: truncated ack", ErrProtocolViolation))
				return
			}
			if ack >= c.outPacketID {
				c.breakWith(fmt.Errorf("%w: ack of unsent packet %d", ErrProtocolViolation, ack))
				return
			}
			if ack > c.outAckPacketID {
				for nak := c.outAckPacketID + 1; nak < ack; nak++ {
					c.receivedNak(nak)
				}
				c.outAckPacketID = ack
			}
			c.receivedAck(ack)
			continue
		}

		b, err := readBunch(r, c, packetID)
		if err != nil {
			c.breakWith(err)
			return
		}
		if !acked {
			c.sendAck(packetID)
			acked = true
		}
		c.dispatchBunch(b)
	}
}

// dispatchBunch routes b to its channel, creating it on first remote
// reference.
func (c *Conn) dispatchBunch(b *InBunch) {
	if b.Reliable && b.ChSequence <= c.inReliable[b.ChIndex] {
		return
	}

	ch := c.channels[b.ChIndex]
	if ch != nil && b.Open && !ch.openedLocally && ch.typ != b.ChType {
		// the peer reused the slot for a new channel
		ch.conditionalCleanUp()
		ch = nil
	}
	if ch != nil && ch.state == ChannelDestroyed {
		if !b.Open {
			return
		}
		ch = nil
	}

	if ch == nil {
		if !b.Reliable && !b.Open {
			return
		}
		if b.ChType == ChannelNone || b.ChType >= channelTypeMax {
			c.breakWith(fmt.Errorf("%w: bunch opens channel %d with type %d", ErrProtocolViolation, b.ChIndex, b.ChType))
			return
		}
		if b.ChIndex != ControlIndex && c.Channel(ControlIndex) == nil {
			return
		}
		if !c.driver.handler.AcceptChannel(c, b.ChType, b.ChIndex) {
			return
		}
		ch = c.createChannel(b.ChType, b.ChIndex, false)
		if c.state == ConnPending && b.ChIndex == ControlIndex {
			c.state = ConnOpen
		}
		ch.openTemporary = !b.Reliable && b.ChIndex != ControlIndex
	}

	ch.receivedRawBunch(b)

	// a temporary channel carries a single bunch
	if ch.openTemporary && !ch.openedLocally {
		ch.conditionalCleanUp()
	}
}

func (c *Conn) receivedAck(ackPacketID int) {
	for _, ch := range c.open {
		if ch.state == ChannelDestroyed {
			continue
		}

		if ch.openPacketID == ackPacketID {
			ch.openAcked = true
			if ch.state == ChannelOpening {
				ch.state = ChannelOpen
			}
			if ch.index == ControlIndex && c.state == ConnPending {
				c.state = ConnOpen
			}
		}
		for _, out := range ch.outRec.items {
			if out.PacketID == ackPacketID {
				out.ReceivedAck = true
			}
		}
		ch.receivedAcks()
	}
}

func (c *Conn) receivedNak(nakPacketID int) {
	for _, ch := range c.open {
		ch.receivedNak(nakPacketID)
	}
}

// breakWith marks the Conn broken. Every later bunch is discarded and the
// Conn closes once the current pass is over.
func (c *Conn) breakWith(err error) {
	if c.broken {
		return
	}
	c.broken = true
	c.pendingClose = err.Error()
	c.logger.Print(c.addr, ": ", err)
}

func (c *Conn) closeIfPending() {
	if c.pendingClose != "" && c.state != ConnClosed {
		c.Close(c.pendingClose)
	}
}

// Tick advances the clock by dt, drives channel timers and flushes.
func (c *Conn) Tick(dt time.Duration) {
	if c.state == ConnClosed {
		return
	}
	c.clock += dt

	drain := float64(c.cfg.NetSpeed) * dt.Seconds()
	c.queuedBytes -= drain
	if c.queuedBytes < -drain {
		c.queuedBytes = -drain
	}

	if c.clock-c.lastReceiveTime > c.cfg.ConnectionTimeout {
		c.Close("timed out")
		return
	}

	for i := 0; i < len(c.open); i++ {
		c.open[i].tick()
	}
	c.reapChannels()
	c.closeIfPending()
	if c.state == ConnClosed {
		return
	}

	if c.out.NumBits() == 0 && c.clock-c.lastSendTime > c.cfg.KeepAliveTime {
		c.flush()
	}
	c.FlushNet()
}

// Close tells the peer and destroys every channel.
func (c *Conn) Close(reason string) {
	if c.state == ConnClosed {
		return
	}
	if c.closeReason == "" {
		c.closeReason = reason
	}

	if ch := c.Channel(ControlIndex); ch != nil && !c.broken && ch.state < ChannelClosing {
		ch.Close()
	}
	c.FlushNet()
	c.state = ConnClosed

	for _, ch := range c.open {
		ch.conditionalCleanUp()
	}
	c.reapChannels()

	c.logger.Print(c.addr, " closed: ", c.closeReason)
}
