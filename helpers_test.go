package repnet

import (
	"bytes"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"testing"
	"time"
)

const testTick = 50 * time.Millisecond

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

// memNet connects memTransports by address.
type memNet struct {
	mu    sync.Mutex
	hosts map[string]*memTransport
}

func newMemNet() *memNet {
	return &memNet{hosts: make(map[string]*memTransport)}
}

func (n *memNet) transport(addr string) *memTransport {
	t := &memTransport{net: n, addr: memAddr(addr)}

	n.mu.Lock()
	n.hosts[addr] = t
	n.mu.Unlock()

	return t
}

// memTransport delivers datagrams in memory. filter may drop or duplicate
// outgoing datagrams; hold keeps them back until released.
type memTransport struct {
	net  *memNet
	addr memAddr

	in     [][]byte
	from   []net.Addr
	sent   [][]byte
	held   []datagram
	filter func(n int, data []byte) int
	hold   bool
	closed bool
}

func (t *memTransport) SendDatagram(b []byte, addr net.Addr) error {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()

	data := append([]byte(nil), b...)
	t.sent = append(t.sent, data)

	copies := 1
	if t.filter != nil {
		copies = t.filter(len(t.sent)-1, data)
	}
	for i := 0; i < copies; i++ {
		if t.hold {
			t.held = append(t.held, datagram{data, addr})
			continue
		}
		if err := t.deliver(data, addr); err != nil {
			return err
		}
	}
	return nil
}

func (t *memTransport) deliver(data []byte, addr net.Addr) error {
	dst := t.net.hosts[addr.String()]
	if dst == nil {
		return ErrUnknownPeer
	}
	dst.in = append(dst.in, data)
	dst.from = append(dst.from, t.addr)
	return nil
}

// release delivers held datagrams in the given order of indices, or all in
// order if none are given.
func (t *memTransport) release(order ...int) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()

	if len(order) == 0 {
		for i := range t.held {
			order = append(order, i)
		}
	}
	for _, i := range order {
		t.deliver(t.held[i].data, t.held[i].addr)
	}
	t.held = nil
	t.hold = false
}

func (t *memTransport) ReceiveDatagram() ([]byte, net.Addr, error) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()

	if t.closed {
		return nil, nil, net.ErrClosed
	}
	if len(t.in) == 0 {
		return nil, nil, ErrNoData
	}
	data, from := t.in[0], t.from[0]
	t.in, t.from = t.in[1:], t.from[1:]
	return data, from, nil
}

func (t *memTransport) Close() error {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()

	t.closed = true
	return nil
}

func (t *memTransport) pending() int {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()

	return len(t.in)
}

type testObject struct {
	id     ObjectID
	schema *Schema
	data   []byte
	owner  string
	static bool
	pos    Vector
	rot    Rotator

	conds     map[int]bool
	condCalls map[int]int
}

func newTestObject(s *Schema, id ObjectID) *testObject {
	o := &testObject{
		id:        id,
		schema:    s,
		data:      make([]byte, s.LayoutSize()),
		conds:     make(map[int]bool),
		condCalls: make(map[int]int),
	}
	copy(o.data, s.Defaults)
	return o
}

func (o *testObject) ID() ObjectID    { return o.id }
func (o *testObject) Schema() *Schema { return o.schema }
func (o *testObject) Owner() string   { return o.owner }
func (o *testObject) Static() bool    { return o.static }

func (o *testObject) Location() (Vector, Rotator) { return o.pos, o.rot }

func (o *testObject) ReadField(slot int) []byte {
	off, size := o.schema.Slot(slot)
	return o.data[off : off+size]
}

func (o *testObject) WriteField(slot int, b []byte) {
	off, size := o.schema.Slot(slot)
	copy(o.data[off:off+size], b)
}

func (o *testObject) ConditionTrue(group int) bool {
	o.condCalls[group]++
	return o.conds[group]
}

func (o *testObject) field(name string) []byte {
	return o.ReadField(o.schema.FieldIndex(name))
}

type testWorld struct {
	mu sync.Mutex

	objects   map[ObjectID]*testObject
	noRef     map[ObjectID]bool
	invoked   []string
	changed   []int
	tornOff   []ObjectID
	destroyed []ObjectID
}

func newTestWorld() *testWorld {
	return &testWorld{
		objects: make(map[ObjectID]*testObject),
		noRef:   make(map[ObjectID]bool),
	}
}

func (w *testWorld) add(o *testObject) *testObject {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.objects[o.id] = o
	return o
}

func (w *testWorld) get(id ObjectID) *testObject {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.objects[id]
}

func (w *testWorld) Object(id ObjectID) Object {
	w.mu.Lock()
	defer w.mu.Unlock()

	if o := w.objects[id]; o != nil {
		return o
	}
	return nil
}

func (w *testWorld) Spawn(s *Schema, id ObjectID, pos Vector, rot Rotator) (Object, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.objects[id] != nil {
		return nil, errors.New("object exists")
	}
	o := newTestObject(s, id)
	o.pos = pos
	o.rot = rot
	w.objects[id] = o
	return o, nil
}

func (w *testWorld) CanReference(obj Object) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return !w.noRef[obj.ID()]
}

func (w *testWorld) Invoke(obj Object, op int, args []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.invoked = append(w.invoked, obj.Schema().Operations[op].Name)
	return nil
}

func (w *testWorld) FieldChanged(obj Object, slot int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.changed = append(w.changed, slot)
}

func (w *testWorld) TearOff(obj Object) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.tornOff = append(w.tornOff, obj.ID())
}

func (w *testWorld) Destroy(obj Object) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.destroyed = append(w.destroyed, obj.ID())
	delete(w.objects, obj.ID())
}

// memBlob collects an incoming transfer.
type memBlob struct {
	bytes.Buffer
	committed bool
	aborted   bool
}

func (b *memBlob) Commit() error { b.committed = true; return nil }
func (b *memBlob) Abort()        { b.aborted = true }

type testHandler struct {
	NopHandler

	mu       sync.Mutex
	messages []string
	closed   []string
	blobs    map[string]*memBlob
	refuse   bool
	reject   bool
	opened   int
	onText   func(c *Conn, text string)
}

func (h *testHandler) AcceptConn(net.Addr) bool { return !h.reject }

func (h *testHandler) ConnOpened(*Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.opened++
}

func (h *testHandler) ConnClosed(c *Conn, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = append(h.closed, reason)
}

func (h *testHandler) ControlMessage(c *Conn, text string) {
	h.mu.Lock()
	h.messages = append(h.messages, text)
	fn := h.onText
	h.mu.Unlock()

	if fn != nil {
		fn(c, text)
	}
}

func (h *testHandler) BeginBlob(c *Conn, name string, size int) (BlobWriter, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.refuse {
		return nil, errors.New("refused")
	}
	if h.blobs == nil {
		h.blobs = make(map[string]*memBlob)
	}
	b := &memBlob{}
	h.blobs[name] = b
	return b, nil
}

func testSchema() *Schema {
	return &Schema{
		Name: "pawn",
		Fields: []Field{
			{Name: "health", Kind: FieldInt32, Notify: true},
			{Name: "pos", Kind: FieldVector},
			{Name: "name", Kind: FieldString, Size: 16, Reliable: true},
			{Name: "target", Kind: FieldObjectRef},
			{Name: "armed", Kind: FieldBool, Cond: 1},
			{Name: "team", Kind: FieldUint8, Cond: CondInitial},
		},
		Operations: []Operation{
			{Name: "fire", Args: []Field{{Name: "power", Kind: FieldFloat32}}, Reliable: true, Perm: PermServer},
			{Name: "hit", Args: []Field{{Name: "damage", Kind: FieldInt32}}, Perm: PermClient},
		},
	}
}

func shotSchema() *Schema {
	return &Schema{
		Name:      "shot",
		Fields:    []Field{{Name: "power", Kind: FieldInt32}},
		Ephemeral: true,
	}
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()

	reg := NewRegistry()
	for _, s := range []*Schema{testSchema(), shotSchema()} {
		if err := reg.Register(s); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	return reg
}

// rawPacket assembles a datagram from acks and bunches the way a Conn does.
func rawPacket(packetID int, acks []int, bunches ...*OutBunch) []byte {
	w := NewBitWriter(MaxBunchBits * 4)
	w.WriteInt(packetID%MaxPacketID, MaxPacketID)
	for _, ack := range acks {
		w.WriteBit(true)
		w.WriteInt(ack%MaxPacketID, MaxPacketID)
	}
	for _, b := range bunches {
		writeBunch(w, b)
	}
	w.WriteBit(true)
	return append([]byte(nil), w.Bytes()...)
}

func rawBunch(typ ChannelType, index, seq int, reliable, open bool) *OutBunch {
	return &OutBunch{
		BitWriter:  NewBitWriter(MaxBunchBits - 1),
		ChIndex:    index,
		ChType:     typ,
		ChSequence: seq,
		Reliable:   reliable,
		Open:       open,
		PacketID:   -1,
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Logger = log.New(io.Discard, "", 0)
	cfg.Workers = 2
	return cfg
}

// testEnv is a server and a client Driver linked by a memNet.
type testEnv struct {
	t *testing.T

	net        *memNet
	st, ct     *memTransport
	server     *Driver
	client     *Driver
	sw, cw     *testWorld
	sh, ch     *testHandler
	serverAddr memAddr
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	e := &testEnv{
		t:          t,
		net:        newMemNet(),
		sw:         newTestWorld(),
		cw:         newTestWorld(),
		sh:         &testHandler{},
		ch:         &testHandler{},
		serverAddr: "server",
	}
	e.st = e.net.transport("server")
	e.ct = e.net.transport("client")

	var err error
	if e.server, err = NewDriver(RoleServer, e.st, e.sw, testRegistry(t), e.sh, testConfig()); err != nil {
		t.Fatalf("server driver: %v", err)
	}
	if e.client, err = NewDriver(RoleClient, e.ct, e.cw, testRegistry(t), e.ch, testConfig()); err != nil {
		t.Fatalf("client driver: %v", err)
	}
	return e
}

// tick runs n rounds of client then server ticks.
func (e *testEnv) tick(n int) {
	e.t.Helper()

	for i := 0; i < n; i++ {
		if err := e.client.Tick(testTick); err != nil {
			e.t.Fatalf("client tick: %v", err)
		}
		if err := e.server.Tick(testTick); err != nil {
			e.t.Fatalf("server tick: %v", err)
		}
	}
}

// connect opens the control channel and returns both ends once open.
func (e *testEnv) connect() (server, client *Conn) {
	e.t.Helper()

	cc, err := e.client.Connect(e.serverAddr)
	if err != nil {
		e.t.Fatalf("connect: %v", err)
	}
	if err := cc.Control().Send("HELLO"); err != nil {
		e.t.Fatalf("hello: %v", err)
	}

	for i := 0; i < 10 && cc.State() != ConnOpen; i++ {
		e.tick(1)
	}
	if cc.State() != ConnOpen {
		e.t.Fatalf("client conn state %d, want open", cc.State())
	}

	conns := e.server.Conns()
	if len(conns) != 1 {
		e.t.Fatalf("server has %d conns, want 1", len(conns))
	}
	return conns[0], cc
}
