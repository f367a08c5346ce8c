package repnet

import (
	"fmt"
	"sync"
)

var argPool = sync.Pool{
	New: func() interface{} { return make([]byte, 0, 256) },
}

// An ObjectChannel replicates one object to the peer.
type ObjectChannel struct {
	*Channel

	rep     *replicator
	tornOff bool
	scratch []byte

	// unreliable bunches that overtook the open bunch
	early []*InBunch
}

// Bound returns the replicated object or nil.
func (oc *ObjectChannel) Bound() Object {
	if oc.rep == nil {
		return nil
	}
	return oc.rep.obj
}

// TornOff reports whether the object left replication.
func (oc *ObjectChannel) TornOff() bool { return oc.tornOff }

// Initial reports whether some field was never fully sent.
func (oc *ObjectChannel) Initial() bool { return oc.rep != nil && oc.rep.initial }

// Dirty returns the field slots awaiting a send.
func (oc *ObjectChannel) Dirty() []int {
	if oc.rep == nil {
		return nil
	}
	return oc.rep.dirtySlots()
}

// Recent returns a copy of the replication baseline.
func (oc *ObjectChannel) Recent() []byte {
	if oc.rep == nil {
		return nil
	}
	return append([]byte(nil), oc.rep.recent...)
}

// Bind attaches obj. The baseline starts at the schema defaults so the
// first pass sends every field that differs from them.
func (oc *ObjectChannel) Bind(obj Object) error {
	if oc.rep != nil {
		return fmt.Errorf("channel %d already bound", oc.index)
	}
	if prev := oc.conn.objects[obj.ID()]; prev != nil && prev != oc {
		return fmt.Errorf("object %d already bound to channel %d", obj.ID(), prev.index)
	}

	oc.rep = newReplicator(obj, oc.conn.classCache(obj.Schema()))
	oc.conn.objects[obj.ID()] = oc

	return nil
}

func (oc *ObjectChannel) opened() bool {
	return oc.openPacketID >= 0 || !oc.openedLocally
}

// Replicate sends the fields that changed since the last pass. It reports
// whether a bunch was sent.
func (oc *ObjectChannel) Replicate() (bool, error) {
	if oc.rep == nil {
		return false, ErrNotBound
	}
	if oc.state >= ChannelClosing || oc.tornOff {
		return false, nil
	}

	s := oc.rep.schema
	b := NewOutBunch(oc.Channel, false)

	opening := !oc.opened()
	if opening {
		oc.writeOpen(b)
		b.Reliable = true
	}
	b.WriteBit(false)

	res := oc.rep.writeDelta(b.BitWriter, b.MaxBits(), oc.conn.canReference)
	if len(res.sent) == 0 && !opening {
		if !res.truncated && !res.mustStayDirty {
			oc.rep.initial = false
		}
		return false, nil
	}
	b.WriteInt(oc.rep.class.sentinel, oc.rep.class.max())
	b.Reliable = b.Reliable || res.reliable

	packetID, err := oc.SendBunch(b, true)
	if err != nil {
		return false, err
	}
	oc.rep.retire(res, packetID, b.Reliable)

	if opening && s.Ephemeral {
		oc.Close()
	}

	return true, nil
}

func (oc *ObjectChannel) writeOpen(b *OutBunch) {
	obj := oc.rep.obj
	b.WriteBit(obj.Static())
	if obj.Static() {
		b.WriteUint32(uint32(obj.ID()))
		return
	}

	b.WriteInt(obj.Schema().ID(), MaxSchemas)
	b.WriteUint32(uint32(obj.ID()))
	pos, rot := obj.Location()
	writeLocation(b.BitWriter, pos, rot)
}

// CallOperation sends a call of operation op with its argument bytes.
func (oc *ObjectChannel) CallOperation(op int, args []byte) error {
	if oc.rep == nil {
		return ErrNotBound
	}
	if !oc.opened() {
		return ErrNotOpened
	}

	s := oc.rep.schema
	if op < 0 || op >= len(s.Operations) {
		return ErrUnknownOperation
	}
	o := &s.Operations[op]
	if len(args) != o.ArgsSize() {
		return ErrBadArguments
	}

	b := NewOutBunch(oc.Channel, false)
	b.Reliable = o.Reliable
	b.WriteBit(false)
	b.WriteInt(oc.rep.class.opIndex(op), oc.rep.class.max())
	for i := range o.Args {
		a := &o.Args[i]
		writeValue(b.BitWriter, a, args[a.offset:a.offset+a.SlotSize()])
	}
	b.WriteInt(oc.rep.class.sentinel, oc.rep.class.max())

	_, err := oc.SendBunch(b, true)
	return err
}

// TearOff hands the object to the peer's authority and closes the channel.
func (oc *ObjectChannel) TearOff() error {
	if oc.rep == nil {
		return ErrNotBound
	}
	if !oc.opened() {
		return ErrNotOpened
	}

	b := NewOutBunch(oc.Channel, false)
	b.Reliable = true
	b.WriteBit(true)
	b.WriteInt(oc.rep.class.sentinel, oc.rep.class.max())

	if _, err := oc.SendBunch(b, true); err != nil {
		return err
	}
	oc.tornOff = true

	return oc.Close()
}

func (oc *ObjectChannel) receivedBunch(b *InBunch) error {
	if oc.rep == nil {
		if !b.Open {
			if b.Reliable {
				return fmt.Errorf("%w: object channel %d bunch before open", ErrProtocolViolation, oc.index)
			}
			if len(oc.early) < ReliableBuffer {
				oc.early = append(oc.early, b)
			}
			return nil
		}
		if err := oc.readOpen(b); err != nil {
			return err
		}
		if err := oc.readBody(b); err != nil {
			return err
		}

		early := oc.early
		oc.early = nil
		for _, eb := range early {
			if err := oc.readBody(eb); err != nil {
				return err
			}
		}
		return nil
	}

	return oc.readBody(b)
}

// readBody reads the tear-off bit and delta of each record in b.
func (oc *ObjectChannel) readBody(b *InBunch) error {
	for !b.AtEnd() {
		if b.ReadBit() && !oc.tornOff {
			oc.tornOff = true
			oc.conn.driver.world.TearOff(oc.rep.obj)
		}

		if err := oc.readDelta(b); err != nil {
			return err
		}
	}

	return nil
}

func (oc *ObjectChannel) readOpen(b *InBunch) error {
	world := oc.conn.driver.world

	var obj Object
	if b.ReadBit() {
		id := ObjectID(b.ReadUint32())
		if b.Overflowed() {
			return fmt.Errorf("%w: truncated open of channel %d", ErrProtocolViolation, oc.index)
		}
		if obj = world.Object(id); obj == nil {
			return fmt.Errorf("%w: unknown static object %d", ErrProtocolViolation, id)
		}
	} else {
		sid := b.ReadInt(MaxSchemas)
		id := ObjectID(b.ReadUint32())
		pos, rot := readLocation(b.BitReader)
		if b.Overflowed() {
			return fmt.Errorf("%w: truncated open of channel %d", ErrProtocolViolation, oc.index)
		}

		s := oc.conn.driver.registry.Schema(sid)
		if s == nil {
			return fmt.Errorf("%w: unknown schema %d", ErrProtocolViolation, sid)
		}

		var err error
		if obj, err = world.Spawn(s, id, pos, rot); err != nil {
			return fmt.Errorf("%w: spawn of %s %d: %v", ErrProtocolViolation, s.Name, id, err)
		}
	}

	return oc.Bind(obj)
}

// readDelta applies (index, value) pairs up to the end marker.
func (oc *ObjectChannel) readDelta(b *InBunch) error {
	rep := oc.rep
	class := rep.class

	if oc.scratch == nil {
		oc.scratch = make([]byte, rep.schema.LayoutSize())
	}

	for {
		idx := b.ReadInt(class.max())
		if b.Overflowed() {
			return fmt.Errorf("%w: bad index on object channel %d", ErrProtocolViolation, oc.index)
		}
		if idx == class.sentinel {
			return nil
		}

		if idx < class.fields {
			var applied bool
			if oc.tornOff {
				f := &rep.schema.Fields[idx]
				readValue(b.BitReader, f, oc.scratch[:f.SlotSize()])
			} else {
				applied = rep.receiveField(b, idx, oc.scratch)
			}
			if b.Overflowed() {
				return fmt.Errorf("%w: unreadable field %s", ErrProtocolViolation, rep.schema.Fields[idx].Name)
			}

			if !applied {
				if !oc.tornOff {
					oc.conn.stats.StaleFields++
				}
				continue
			}
			if rep.schema.Fields[idx].Notify {
				oc.conn.driver.world.FieldChanged(rep.obj, idx)
			}
			continue
		}

		if err := oc.receiveOperation(b, idx-class.fields); err != nil {
			return err
		}
	}
}

func (oc *ObjectChannel) receiveOperation(b *InBunch, op int) error {
	s := oc.rep.schema
	o := &s.Operations[op]

	args := argPool.Get().([]byte)
	if cap(args) < o.ArgsSize() {
		args = make([]byte, o.ArgsSize())
	}
	args = args[:o.ArgsSize()]
	defer argPool.Put(args[:0])

	for i := range o.Args {
		a := &o.Args[i]
		readValue(b.BitReader, a, args[a.offset:a.offset+a.SlotSize()])
	}
	if b.Overflowed() {
		return fmt.Errorf("%w: unreadable arguments of %s", ErrProtocolViolation, o.Name)
	}

	if oc.tornOff {
		return nil
	}
	if !oc.permitted(o) {
		oc.conn.stats.DroppedOperations++
		oc.conn.logger.Print(oc.conn.addr, ": dropped unauthorized call of ", s.Name, ".", o.Name)
		return nil
	}

	if err := oc.conn.driver.world.Invoke(oc.rep.obj, op, args); err != nil {
		oc.conn.logger.Print(oc.conn.addr, ": ", s.Name, ".", o.Name, ": ", err)
	}
	return nil
}

// permitted checks the role of this side and the caller's ownership.
func (oc *ObjectChannel) permitted(o *Operation) bool {
	switch o.Perm {
	case PermServer:
		return oc.conn.driver.role == RoleServer && oc.rep.obj.Owner() == oc.conn.addr.String()
	case PermClient, PermMulticast:
		return oc.conn.driver.role == RoleClient
	}
	return false
}

func (oc *ObjectChannel) receivedNak(packetID int) {
	if oc.rep != nil && !oc.tornOff {
		oc.rep.receivedNak(packetID)
	}
}

func (oc *ObjectChannel) tick() {}

func (oc *ObjectChannel) cleanUp() {
	if oc.rep == nil {
		return
	}

	obj := oc.rep.obj
	if oc.conn.objects[obj.ID()] == oc {
		delete(oc.conn.objects, obj.ID())
	}
	if !oc.openedLocally && !oc.tornOff && !obj.Static() {
		oc.conn.driver.world.Destroy(obj)
	}
}

// canReference reports whether the peer can resolve a reference to id.
func (c *Conn) canReference(id ObjectID) bool {
	world := c.driver.world

	if oc := c.objects[id]; oc != nil {
		return oc.openAcked && !oc.tornOff && world.CanReference(oc.rep.obj)
	}
	if obj := world.Object(id); obj != nil && obj.Static() {
		return world.CanReference(obj)
	}
	return false
}

// ObjectChannel returns the channel replicating id or nil.
func (c *Conn) ObjectChannel(id ObjectID) *ObjectChannel {
	return c.objects[id]
}

// ReplicateObject opens a channel for obj on first use and runs a
// replication pass if the rate cap allows.
func (c *Conn) ReplicateObject(obj Object) (*ObjectChannel, error) {
	oc := c.objects[obj.ID()]
	if oc == nil {
		ch, err := c.OpenChannel(ChannelObject, -1)
		if err != nil {
			return nil, err
		}
		oc = ch.Object()
		if err := oc.Bind(obj); err != nil {
			return nil, err
		}
	}

	if c.IsNetReady() {
		if _, err := oc.Replicate(); err != nil {
			return oc, err
		}
	}

	return oc, nil
}

// Objects returns the ids of every object bound to a channel.
func (c *Conn) Objects() []ObjectID {
	ids := make([]ObjectID, 0, len(c.objects))
	for id := range c.objects {
		ids = append(ids, id)
	}
	return ids
}

// CloseObject closes the channel of id when it leaves relevance.
func (c *Conn) CloseObject(id ObjectID) error {
	if oc := c.objects[id]; oc != nil {
		return oc.Close()
	}
	return nil
}
