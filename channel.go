package repnet

import (
	"fmt"
)

// ChannelType selects the behavior of a channel.
type ChannelType uint8

const (
	ChannelNone ChannelType = iota
	ChannelControl
	ChannelObject
	ChannelBlob
	channelTypeMax
)

func (t ChannelType) String() string {
	switch t {
	case ChannelControl:
		return "control"
	case ChannelObject:
		return "object"
	case ChannelBlob:
		return "blob"
	}
	return fmt.Sprintf("ChannelType(%d)", uint8(t))
}

// ChannelState is the lifecycle position of a channel.
// A channel never leaves ChannelDestroyed.
type ChannelState uint8

const (
	ChannelOpening ChannelState = iota
	ChannelOpen
	ChannelClosing
	ChannelDestroyed
)

// kind is implemented by ControlChannel, ObjectChannel and BlobChannel.
type kind interface {
	receivedBunch(b *InBunch) error
	receivedNak(packetID int)
	tick()
	cleanUp()
}

// A Channel is a logical sub-stream multiplexed over a Conn.
// It owns the reliability state of its index.
type Channel struct {
	conn  *Conn
	index int
	typ   ChannelType
	kind  kind
	state ChannelState

	openedLocally bool
	openAcked     bool
	openTemporary bool
	openPacketID  int

	outRec outQueue
	inRec  inQueue
}

func newChannel(c *Conn, typ ChannelType, index int, openedLocally bool) *Channel {
	ch := &Channel{
		conn:          c,
		index:         index,
		typ:           typ,
		openedLocally: openedLocally,
		openPacketID:  -1,
	}
	if !openedLocally {
		ch.state = ChannelOpen
	}

	switch typ {
	case ChannelControl:
		ch.kind = &ControlChannel{Channel: ch}
	case ChannelObject:
		ch.kind = &ObjectChannel{Channel: ch}
	case ChannelBlob:
		ch.kind = &BlobChannel{Channel: ch}
	}

	return ch
}

// Conn returns the connection owning the Channel.
func (ch *Channel) Conn() *Conn { return ch.conn }

// Index returns the channel index.
func (ch *Channel) Index() int { return ch.index }

// Type returns the channel type.
func (ch *Channel) Type() ChannelType { return ch.typ }

// State returns the lifecycle state.
func (ch *Channel) State() ChannelState { return ch.state }

// OpenedLocally reports whether this side opened the Channel.
func (ch *Channel) OpenedLocally() bool { return ch.openedLocally }

// OpenAcked reports whether the peer acknowledged the opening bunch.
func (ch *Channel) OpenAcked() bool { return ch.openAcked }

// OpenTemporary reports whether the Channel was opened by an unreliable
// bunch. The opener closes it once that bunch is acknowledged, the
// receiver right after dispatching it.
func (ch *Channel) OpenTemporary() bool { return ch.openTemporary }

// OpenPacketID returns the packet the opening bunch went out in, or -1.
func (ch *Channel) OpenPacketID() int { return ch.openPacketID }

// OutReliableSeq returns the last assigned outgoing sequence number.
func (ch *Channel) OutReliableSeq() int { return ch.conn.outReliable[ch.index] }

// InReliableSeq returns the last accepted incoming sequence number.
func (ch *Channel) InReliableSeq() int { return ch.conn.inReliable[ch.index] }

// NumOutRec reports how many reliable bunches await acknowledgement.
func (ch *Channel) NumOutRec() int { return ch.outRec.len() }

// NumInRec reports how many reliable bunches wait on a missing predecessor.
func (ch *Channel) NumInRec() int { return ch.inRec.len() }

// IsReady reports whether the Channel accepts another reliable bunch.
func (ch *Channel) IsReady() bool {
	return ch.outRec.len() < ReliableBuffer-1
}

// Control returns the control behavior of the Channel or nil.
func (ch *Channel) Control() *ControlChannel {
	cc, _ := ch.kind.(*ControlChannel)
	return cc
}

// Object returns the replication behavior of the Channel or nil.
func (ch *Channel) Object() *ObjectChannel {
	oc, _ := ch.kind.(*ObjectChannel)
	return oc
}

// Blob returns the transfer behavior of the Channel or nil.
func (ch *Channel) Blob() *BlobChannel {
	bc, _ := ch.kind.(*BlobChannel)
	return bc
}

// SendBunch hands b to the connection for packet assembly and returns the
// id of the packet it was placed in. With merge set, b may be appended to
// the previous bunch of this channel if nothing else was written since.
func (ch *Channel) SendBunch(b *OutBunch, merge bool) (int, error) {
	c := ch.conn
	if ch.state >= ChannelClosing || c.state == ConnClosed {
		return -1, ErrChannelClosed
	}
	if b.Overflowed() {
		return -1, ErrBunchOverflow
	}

	if ch.openPacketID < 0 && ch.openedLocally {
		b.Open = true
		ch.openTemporary = !b.Reliable
	}
	if ch.openTemporary && b.Reliable {
		return -1, ErrTemporaryReliable
	}
	b.ChIndex = ch.index
	b.ChType = ch.typ

	var queued *OutBunch
	if merge && c.canMerge(b) {
		m := c.lastOut
		m.WriteBitsFrom(b.Bytes(), b.NumBits())
		m.Reliable = m.Reliable || b.Reliable
		m.Open = m.Open || b.Open
		m.Close = m.Close || b.Close

		queued = c.lastOutBunch
		c.popLastStart()
		b = m
	}

	if b.Reliable {
		if queued == nil {
			limit := ReliableBuffer - 1
			if b.Close {
				limit++
			}
			if ch.outRec.len() >= limit {
				c.breakWith(fmt.Errorf("%w: channel %d", ErrReliableBufferFull, ch.index))
				return -1, ErrReliableBufferFull
			}

			c.outReliable[ch.index]++
			b.ChSequence = c.outReliable[ch.index]
			queued = b.clone()
			ch.outRec.push(queued)
		} else {
			queued.absorb(b)
		}
		b = queued
	}

	packetID := c.sendRawBunch(b, merge)
	if ch.openPacketID < 0 && ch.openedLocally {
		ch.openPacketID = packetID
	}
	if b.Close {
		ch.state = ChannelClosing
	}

	return packetID, nil
}

// Close sends a close bunch. The Channel is destroyed once the peer
// acknowledges it.
func (ch *Channel) Close() error {
	if ch.state >= ChannelClosing {
		return nil
	}
	if ch.conn.state == ConnClosed {
		ch.conditionalCleanUp()
		return nil
	}

	if ch.openTemporary {
		// the channel goes away with the ack of its only bunch
		ch.state = ChannelClosing
		return nil
	}

	b := NewOutBunch(ch, true)
	b.Reliable = true

	_, err := ch.SendBunch(b, false)
	return err
}

// receivedRawBunch accepts, queues or dispatches b.
func (ch *Channel) receivedRawBunch(b *InBunch) {
	if ch.state == ChannelDestroyed {
		return
	}

	c := ch.conn
	if b.Reliable && b.ChSequence != c.inReliable[ch.index]+1 {
		if !ch.inRec.insert(b) {
			return
		}
		if ch.inRec.len() >= ReliableBuffer {
			c.breakWith(fmt.Errorf("%w: too many reliable bunches queued on channel %d", ErrProtocolViolation, ch.index))
		}
		return
	}

	if ch.receivedSequencedBunch(b) {
		return
	}

	for {
		next := ch.inRec.head()
		if next == nil || next.ChSequence != c.inReliable[ch.index]+1 {
			break
		}
		ch.inRec.pop()

		if ch.receivedSequencedBunch(next) {
			return
		}
	}
}

// receivedSequencedBunch dispatches b in order. It reports true if the
// channel or connection went away and processing must stop.
func (ch *Channel) receivedSequencedBunch(b *InBunch) bool {
	c := ch.conn
	if b.Reliable {
		c.inReliable[ch.index] = b.ChSequence
	}

	if ch.state != ChannelClosing {
		if err := ch.kind.receivedBunch(b); err != nil {
			c.breakWith(err)
			return true
		}
		if c.broken || ch.state == ChannelDestroyed {
			return true
		}
	}

	if b.Close {
		if n := ch.inRec.len(); n > 0 {
			c.breakWith(fmt.Errorf("%w: close of channel %d with %d bunches queued", ErrProtocolViolation, ch.index, n))
			return true
		}
		ch.conditionalCleanUp()
		return true
	}

	return false
}

// receivedAcks releases the acknowledged prefix of the outgoing queue.
func (ch *Channel) receivedAcks() {
	doClose := false
	for ch.outRec.len() > 0 && ch.outRec.head().ReceivedAck {
		doClose = ch.outRec.pop().Close || doClose
	}

	if doClose || (ch.openTemporary && ch.openAcked) {
		ch.conditionalCleanUp()
	}
}

// receivedNak resends every unacknowledged reliable bunch last sent in
// packetID.
func (ch *Channel) receivedNak(packetID int) {
	if ch.state == ChannelDestroyed {
		return
	}

	for _, out := range ch.outRec.items {
		if out.PacketID == packetID && !out.ReceivedAck {
			ch.conn.sendRawBunch(out, false)
		}
	}

	if ch.openTemporary && !ch.openAcked && ch.openPacketID == packetID {
		ch.conditionalCleanUp()
		return
	}

	ch.kind.receivedNak(packetID)
}

func (ch *Channel) tick() {
	if ch.state == ChannelDestroyed {
		return
	}

	if ch.index == ControlIndex {
		ch.resendExpired()
	}

	ch.kind.tick()
}

// resendExpired resends old unacknowledged bunches independent of naks
// unless too many are outstanding.
func (ch *Channel) resendExpired() {
	c := ch.conn

	count := 0
	for _, out := range ch.outRec.items {
		if !out.ReceivedAck {
			count++
		}
	}
	if count > maxHandshakeResend {
		return
	}

	for _, out := range ch.outRec.items {
		if !out.ReceivedAck && c.clock-out.Time > c.cfg.ResendTimeout {
			c.sendRawBunch(out, false)
		}
	}
}

// conditionalCleanUp destroys the Channel. The slot is released by the
// connection after the current pass.
func (ch *Channel) conditionalCleanUp() {
	if ch.state == ChannelDestroyed {
		return
	}
	ch.state = ChannelDestroyed

	ch.kind.cleanUp()
	ch.outRec.clear()
	ch.inRec.clear()

	ch.conn.scheduleFree(ch)
}
