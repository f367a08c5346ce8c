package repnet

// retirement is the per field bookkeeping of the last send and receive.
type retirement struct {
	outPacketID int
	reliable    bool
	inPacketID  int
}

// replicator is the replication state of one object on one connection.
type replicator struct {
	obj    Object
	schema *Schema
	class  *classCache

	// recent holds the values last sent to or received from the peer.
	recent     []byte
	retirement []retirement
	dirty      []bool

	// initial stays true until a pass sends everything.
	initial bool
}

func newReplicator(obj Object, class *classCache) *replicator {
	s := obj.Schema()
	r := &replicator{
		obj:        obj,
		schema:     s,
		class:      class,
		recent:     make([]byte, s.LayoutSize()),
		retirement: make([]retirement, len(s.Fields)),
		dirty:      make([]bool, len(s.Fields)),
		initial:    true,
	}
	if s.Defaults != nil {
		copy(r.recent, s.Defaults)
	}
	for i := range r.retirement {
		r.retirement[i].outPacketID = -1
		r.retirement[i].inPacketID = -1
	}

	return r
}

func (r *replicator) recentSlot(slot int) []byte {
	off, size := r.schema.Slot(slot)
	return r.recent[off : off+size]
}

// condCache memoizes condition groups for one pass.
type condCache struct {
	obj     Object
	initial bool
	values  []int8
}

func (cc *condCache) check(group int) bool {
	switch {
	case group == CondAlways:
		return true
	case group == CondInitial:
		return cc.initial
	}

	switch cc.values[group] {
	case 1:
		return true
	case -1:
		return false
	}
	ok := cc.obj.ConditionTrue(group)
	cc.values[group] = -1
	if ok {
		cc.values[group] = 1
	}
	return ok
}

// passResult is what one replication pass wrote.
type passResult struct {
	sent          []int
	truncated     bool
	mustStayDirty bool
	reliable      bool
}

// writeDelta compares live values with the baseline, then writes dirty
// fields into w until budget bits are used. Fields referencing objects
// the peer cannot resolve yet stay dirty.
func (r *replicator) writeDelta(w *BitWriter, budget int, canReference func(ObjectID) bool) passResult {
	var res passResult

	conds := condCache{
		obj:     r.obj,
		initial: r.initial,
		values:  make([]int8, r.schema.NumConds()),
	}

	live := make([][]byte, len(r.schema.Fields))
	for slot := range r.schema.Fields {
		if !conds.check(r.schema.Fields[slot].Cond) {
			continue
		}
		live[slot] = r.obj.ReadField(slot)
		if !sameValue(&r.schema.Fields[slot], live[slot], r.recentSlot(slot)) {
			r.dirty[slot] = true
		}
	}

	width := r.class.width()
	for slot := range r.schema.Fields {
		if !r.dirty[slot] || live[slot] == nil {
			continue
		}

		f := &r.schema.Fields[slot]
		v := live[slot]

		if f.Kind == FieldObjectRef {
			if id := ObjectRef(v); id != 0 && !canReference(id) {
				res.mustStayDirty = true
				continue
			}
		}

		if w.NumBits()+width+fieldBits(f, v)+width > budget {
			res.truncated = true
			break
		}

		w.WriteInt(r.class.fieldIndex(slot), r.class.max())
		writeValue(w, f, v)

		storeValue(f, r.recentSlot(slot), v)
		r.dirty[slot] = false
		res.sent = append(res.sent, slot)
		res.reliable = res.reliable || f.Reliable
	}

	return res
}

// retire records the packet the fields of res went out in.
func (r *replicator) retire(res passResult, packetID int, reliable bool) {
	for _, slot := range res.sent {
		r.retirement[slot].outPacketID = packetID
		r.retirement[slot].reliable = reliable
	}
	if !res.truncated && !res.mustStayDirty {
		r.initial = false
	}
}

// receivedNak marks dirty the fields whose last unreliable send was lost.
func (r *replicator) receivedNak(packetID int) {
	for slot := range r.retirement {
		ret := &r.retirement[slot]
		if ret.outPacketID == packetID && !ret.reliable {
			r.dirty[slot] = true
		}
	}
}

// receiveField reads field slot from b and applies it unless a newer
// packet already set it. It reports whether the value was applied.
func (r *replicator) receiveField(b *InBunch, slot int, scratch []byte) bool {
	f := &r.schema.Fields[slot]
	v := scratch[:f.SlotSize()]
	readValue(b.BitReader, f, v)
	if b.Overflowed() {
		return false
	}

	ret := &r.retirement[slot]
	if b.PacketID < ret.inPacketID {
		return false
	}

	r.obj.WriteField(slot, v)
	copy(r.recentSlot(slot), v)
	ret.inPacketID = b.PacketID

	return true
}

// dirtySlots reports the slots awaiting a send.
func (r *replicator) dirtySlots() []int {
	var slots []int
	for slot, d := range r.dirty {
		if d {
			slots = append(slots, slot)
		}
	}
	return slots
}
