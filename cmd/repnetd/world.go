package main

import (
	"fmt"
	"log"
	"sync"

	"github.com/HimbeerserverDE/repnet"
)

// condAlive guards the fields only worth sending while a pawn lives.
const condAlive = 1

const pawnHealth = 100

func pawnSchema() *repnet.Schema {
	s := &repnet.Schema{
		Name: "pawn",
		Fields: []repnet.Field{
			{Name: "health", Kind: repnet.FieldInt32, Notify: true},
			{Name: "pos", Kind: repnet.FieldVector},
			{Name: "rot", Kind: repnet.FieldRotator},
			{Name: "name", Kind: repnet.FieldString, Size: 32, Reliable: true, Notify: true},
			{Name: "target", Kind: repnet.FieldObjectRef, Cond: condAlive},
			{Name: "color", Kind: repnet.FieldUint8, Cond: repnet.CondInitial},
		},
		Operations: []repnet.Operation{
			{Name: "move", Args: []repnet.Field{{Name: "to", Kind: repnet.FieldVector}}, Perm: repnet.PermServer},
			{Name: "attack", Args: []repnet.Field{{Name: "target", Kind: repnet.FieldObjectRef}}, Reliable: true, Perm: repnet.PermServer},
			{Name: "hit", Args: []repnet.Field{{Name: "damage", Kind: repnet.FieldInt32}}, Reliable: true, Perm: repnet.PermClient},
			{Name: "effect", Args: []repnet.Field{{Name: "kind", Kind: repnet.FieldUint8}}, Perm: repnet.PermMulticast},
		},
	}

	size := 0
	for i := range s.Fields {
		size += s.Fields[i].SlotSize()
	}
	s.Defaults = make([]byte, size)
	repnet.PutInt32(s.Defaults, pawnHealth)

	return s
}

func shotSchema() *repnet.Schema {
	return &repnet.Schema{
		Name: "shot",
		Fields: []repnet.Field{
			{Name: "from", Kind: repnet.FieldObjectRef},
			{Name: "to", Kind: repnet.FieldObjectRef},
			{Name: "damage", Kind: repnet.FieldInt32},
		},
		Ephemeral: true,
	}
}

// newRegistry registers the schemas in the order both peers share.
func newRegistry() (*repnet.Registry, error) {
	reg := repnet.NewRegistry()
	for _, s := range []*repnet.Schema{pawnSchema(), shotSchema()} {
		if err := reg.Register(s); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// A pawn is an object of the world.
type pawn struct {
	id     repnet.ObjectID
	schema *repnet.Schema
	data   []byte
	owner  string
	static bool
}

var _ repnet.Object = (*pawn)(nil)

func newPawn(s *repnet.Schema, id repnet.ObjectID) *pawn {
	p := &pawn{id: id, schema: s, data: make([]byte, s.LayoutSize())}
	if s.Defaults != nil {
		copy(p.data, s.Defaults)
	}
	return p
}

func (p *pawn) ID() repnet.ObjectID    { return p.id }
func (p *pawn) Schema() *repnet.Schema { return p.schema }
func (p *pawn) Owner() string          { return p.owner }
func (p *pawn) Static() bool           { return p.static }

func (p *pawn) ReadField(slot int) []byte {
	off, size := p.schema.Slot(slot)
	return p.data[off : off+size]
}

func (p *pawn) WriteField(slot int, b []byte) {
	copy(p.ReadField(slot), b)
}

func (p *pawn) field(name string) []byte {
	slot := p.schema.FieldIndex(name)
	if slot < 0 {
		return nil
	}
	return p.ReadField(slot)
}

func (p *pawn) ConditionTrue(group int) bool {
	if group == condAlive {
		if h := p.field("health"); h != nil {
			return repnet.Int32(h) > 0
		}
	}
	return true
}

func (p *pawn) Location() (repnet.Vector, repnet.Rotator) {
	var pos repnet.Vector
	var rot repnet.Rotator
	if b := p.field("pos"); b != nil {
		pos = repnet.VectorOf(b)
	}
	if b := p.field("rot"); b != nil {
		rot = repnet.RotatorOf(b)
	}
	return pos, rot
}

// world is the object model shared by every connection. Field data is
// only written from the main goroutine between driver ticks; the map is
// guarded for the connection goroutines.
type world struct {
	registry *repnet.Registry
	tasks    *taskQueue

	mu      sync.RWMutex
	objects map[repnet.ObjectID]*pawn
	nextID  repnet.ObjectID

	// OnInvoke runs queued operations on the main goroutine.
	OnInvoke func(p *pawn, op *repnet.Operation, args []byte)

	// OnChange reports received changes of notify fields.
	OnChange func(p *pawn, field *repnet.Field)
}

var _ repnet.World = (*world)(nil)

func newWorld(reg *repnet.Registry, tasks *taskQueue) *world {
	return &world{
		registry: reg,
		tasks:    tasks,
		objects:  make(map[repnet.ObjectID]*pawn),
		nextID:   1,
	}
}

func (w *world) Object(id repnet.ObjectID) repnet.Object {
	if p := w.pawn(id); p != nil {
		return p
	}
	return nil
}

func (w *world) pawn(id repnet.ObjectID) *pawn {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.objects[id]
}

// pawns returns every object ordered by nothing in particular.
func (w *world) pawns() []*pawn {
	w.mu.RLock()
	defer w.mu.RUnlock()

	ps := make([]*pawn, 0, len(w.objects))
	for _, p := range w.objects {
		ps = append(ps, p)
	}
	return ps
}

// spawn creates a local object of the named schema.
func (w *world) spawn(schema, owner string) (*pawn, error) {
	s := w.registry.Lookup(schema)
	if s == nil {
		return nil, fmt.Errorf("unknown schema %s", schema)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	p := newPawn(s, w.nextID)
	p.owner = owner
	w.nextID++
	w.objects[p.id] = p

	return p, nil
}

func (w *world) remove(id repnet.ObjectID) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.objects, id)
}

// removeOwned removes the objects owned by owner.
func (w *world) removeOwned(owner string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	for id, p := range w.objects {
		if p.owner == owner {
			delete(w.objects, id)
			n++
		}
	}
	return n
}

// expire removes ephemeral objects. Run after a driver tick, it drops
// every one that got its replication pass.
func (w *world) expire() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	for id, p := range w.objects {
		if p.schema.Ephemeral {
			delete(w.objects, id)
			n++
		}
	}
	return n
}

func (w *world) Spawn(s *repnet.Schema, id repnet.ObjectID, pos repnet.Vector, rot repnet.Rotator) (repnet.Object, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.objects[id] != nil {
		return nil, fmt.Errorf("object %d exists", id)
	}

	p := newPawn(s, id)
	if slot := s.FieldIndex("pos"); slot >= 0 {
		repnet.PutVector(p.ReadField(slot), pos)
	}
	if slot := s.FieldIndex("rot"); slot >= 0 {
		repnet.PutRotator(p.ReadField(slot), rot)
	}
	w.objects[id] = p

	return p, nil
}

func (w *world) CanReference(obj repnet.Object) bool {
	return w.pawn(obj.ID()) != nil
}

func (w *world) Invoke(obj repnet.Object, op int, args []byte) error {
	p, ok := obj.(*pawn)
	if !ok {
		return fmt.Errorf("object %d is not a pawn", obj.ID())
	}
	if op < 0 || op >= len(p.schema.Operations) {
		return repnet.ErrUnknownOperation
	}

	a := append([]byte(nil), args...)
	w.tasks.post(func() {
		if w.OnInvoke != nil {
			w.OnInvoke(p, &p.schema.Operations[op], a)
		}
	})

	return nil
}

func (w *world) FieldChanged(obj repnet.Object, slot int) {
	p, ok := obj.(*pawn)
	if !ok {
		return
	}

	w.tasks.post(func() {
		if w.OnChange != nil {
			w.OnChange(p, &p.schema.Fields[slot])
		}
	})
}

func (w *world) TearOff(obj repnet.Object) {
	if p, ok := obj.(*pawn); ok {
		w.tasks.post(func() {
			p.owner = ""
			log.Printf("Object %d is now local", p.id)
		})
	}
}

func (w *world) Destroy(obj repnet.Object) {
	w.remove(obj.ID())
}

// argOffsets returns the offset of every argument of op.
func argOffsets(op *repnet.Operation) []int {
	offs := make([]int, len(op.Args))
	off := 0
	for i := range op.Args {
		offs[i] = off
		off += op.Args[i].SlotSize()
	}
	return offs
}
