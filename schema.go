package repnet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
)

// FieldKind is the layout of a replicated field or operation argument.
type FieldKind uint8

const (
	FieldBool FieldKind = iota
	FieldUint8
	FieldInt32
	FieldUint32
	FieldFloat32
	FieldVector
	FieldRotator
	FieldObjectRef
	FieldString
)

// Condition groups with special meaning.
const (
	// CondAlways fields are replicated on every pass.
	CondAlways = 0

	// CondInitial fields are replicated while the object is initial.
	CondInitial = -1
)

// A Field is one replicated slot of a Schema.
type Field struct {
	Name string
	Kind FieldKind

	// Size is the slot size of FieldString fields. Other kinds have a
	// fixed size.
	Size int

	// Cond is the condition group deciding whether the field is sent.
	Cond int

	// Reliable makes bunches carrying the field reliable.
	Reliable bool

	// Notify reports received changes to World.FieldChanged.
	Notify bool

	offset int
}

// SlotSize returns the number of bytes the field occupies in the layout.
func (f *Field) SlotSize() int {
	switch f.Kind {
	case FieldBool, FieldUint8:
		return 1
	case FieldInt32, FieldUint32, FieldFloat32, FieldObjectRef:
		return 4
	case FieldVector:
		return 12
	case FieldRotator:
		return 6
	case FieldString:
		return f.Size
	}
	return 0
}

// Permission decides where a remote operation may be invoked.
type Permission uint8

const (
	// PermServer operations are sent by the owning client and run on the
	// server.
	PermServer Permission = iota

	// PermClient operations are sent by the server and run on a client.
	PermClient

	// PermMulticast operations are sent by the server to every client the
	// object is relevant to.
	PermMulticast
)

// An Operation is a remotely invokable function of a Schema.
type Operation struct {
	Name     string
	Args     []Field
	Reliable bool
	Perm     Permission

	argsSize int
}

// ArgsSize returns the size of the argument layout.
func (op *Operation) ArgsSize() int { return op.argsSize }

// A Schema describes the replicated layout of a class of objects.
type Schema struct {
	Name       string
	Fields     []Field
	Operations []Operation

	// Defaults seeds the baseline of a freshly bound object. Nil means
	// all zero. Its length must equal LayoutSize.
	Defaults []byte

	// Ephemeral objects are sent once, reliably, and their channel closes
	// right after.
	Ephemeral bool

	id     int
	layout int
	conds  int
}

// ID returns the registry id.
func (s *Schema) ID() int { return s.id }

// LayoutSize returns the size of the replicated byte layout.
func (s *Schema) LayoutSize() int { return s.layout }

// NumConds returns the highest condition group + 1.
func (s *Schema) NumConds() int { return s.conds }

// Slot returns the byte range of field slot in the layout.
func (s *Schema) Slot(slot int) (offset, size int) {
	f := &s.Fields[slot]
	return f.offset, f.SlotSize()
}

// FieldIndex returns the slot of the named field or -1.
func (s *Schema) FieldIndex(name string) int {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return i
		}
	}
	return -1
}

// OperationIndex returns the index of the named operation or -1.
func (s *Schema) OperationIndex(name string) int {
	for i := range s.Operations {
		if s.Operations[i].Name == name {
			return i
		}
	}
	return -1
}

// DefaultValue returns the default bytes of field slot.
func (s *Schema) DefaultValue(slot int) []byte {
	off, size := s.Slot(slot)
	v := make([]byte, size)
	if s.Defaults != nil {
		copy(v, s.Defaults[off:off+size])
	}
	return v
}

func (s *Schema) prepare() error {
	names := make(map[string]bool)

	s.layout = 0
	s.conds = 1
	for i := range s.Fields {
		f := &s.Fields[i]
		if names[f.Name] {
			return fmt.Errorf("schema %s: duplicate field %s", s.Name, f.Name)
		}
		names[f.Name] = true
		if f.SlotSize() <= 0 {
			return fmt.Errorf("schema %s: field %s has no size", s.Name, f.Name)
		}
		if f.Cond < CondInitial {
			return fmt.Errorf("schema %s: field %s has invalid condition %d", s.Name, f.Name, f.Cond)
		}

		f.offset = s.layout
		s.layout += f.SlotSize()
		if f.Cond+1 > s.conds {
			s.conds = f.Cond + 1
		}
	}

	for i := range s.Operations {
		op := &s.Operations[i]
		if names[op.Name] {
			return fmt.Errorf("schema %s: duplicate name %s", s.Name, op.Name)
		}
		names[op.Name] = true

		op.argsSize = 0
		for j := range op.Args {
			a := &op.Args[j]
			if a.SlotSize() <= 0 {
				return fmt.Errorf("schema %s: operation %s argument %d has no size", s.Name, op.Name, j)
			}
			a.offset = op.argsSize
			op.argsSize += a.SlotSize()
		}
	}

	if s.Defaults != nil && len(s.Defaults) != s.layout {
		return fmt.Errorf("schema %s: defaults are %d bytes, layout is %d", s.Name, len(s.Defaults), s.layout)
	}

	return nil
}

// A Registry assigns ids to schemas. Both peers must register the same
// schemas in the same order.
type Registry struct {
	mu      sync.RWMutex
	schemas []*Schema
	byName  map[string]*Schema
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Schema)}
}

// Register computes the layout of s and assigns its id.
func (r *Registry) Register(s *Schema) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byName[s.Name] != nil {
		return fmt.Errorf("schema %s already registered", s.Name)
	}
	if len(r.schemas) >= MaxSchemas {
		return fmt.Errorf("too many schemas")
	}
	if err := s.prepare(); err != nil {
		return err
	}

	s.id = len(r.schemas)
	r.schemas = append(r.schemas, s)
	r.byName[s.Name] = s

	return nil
}

// Schema returns the schema with id or nil.
func (r *Registry) Schema(id int) *Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id < 0 || id >= len(r.schemas) {
		return nil
	}
	return r.schemas[id]
}

// Lookup returns the named schema or nil.
func (r *Registry) Lookup(name string) *Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.byName[name]
}

// classCache maps the fields and operations of a schema to compact indices
// for one connection: fields first, then operations, then the end marker.
type classCache struct {
	schema   *Schema
	fields   int
	ops      int
	sentinel int
}

func newClassCache(s *Schema) *classCache {
	return &classCache{
		schema:   s,
		fields:   len(s.Fields),
		ops:      len(s.Operations),
		sentinel: len(s.Fields) + len(s.Operations),
	}
}

// max is the exclusive bound of compact indices.
func (cc *classCache) max() int { return cc.sentinel + 1 }

func (cc *classCache) width() int { return intBits(cc.max()) }

func (cc *classCache) fieldIndex(slot int) int { return slot }

func (cc *classCache) opIndex(op int) int { return cc.fields + op }

func (c *Conn) classCache(s *Schema) *classCache {
	cc := c.classes[s]
	if cc == nil {
		cc = newClassCache(s)
		c.classes[s] = cc
	}
	return cc
}

// fieldBits returns how many bits writeValue uses for v.
func fieldBits(f *Field, v []byte) int {
	switch f.Kind {
	case FieldBool:
		return 1
	case FieldString:
		return intBits(f.Size+1) + stringLen(v)*8
	}
	return f.SlotSize() * 8
}

func stringLen(v []byte) int {
	for i, b := range v {
		if b == 0 {
			return i
		}
	}
	return len(v)
}

func writeValue(w *BitWriter, f *Field, v []byte) {
	switch f.Kind {
	case FieldBool:
		w.WriteBit(v[0] != 0)
	case FieldString:
		n := stringLen(v)
		w.WriteInt(n, f.Size+1)
		w.WriteBytes(v[:n])
	default:
		w.WriteBytes(v)
	}
}

// sameValue reports whether a and b encode to the same wire value. String
// slots end at their first NUL and Bool slots compare as truth values.
func sameValue(f *Field, a, b []byte) bool {
	switch f.Kind {
	case FieldBool:
		return (a[0] != 0) == (b[0] != 0)
	case FieldString:
		return bytes.Equal(a[:stringLen(a)], b[:stringLen(b)])
	}
	return bytes.Equal(a, b)
}

// storeValue copies v into dst in the form the peer decodes it to.
func storeValue(f *Field, dst, v []byte) {
	switch f.Kind {
	case FieldBool:
		PutBool(dst, v[0] != 0)
	case FieldString:
		n := copy(dst, v[:stringLen(v)])
		for i := n; i < len(dst); i++ {
			dst[i] = 0
		}
	default:
		copy(dst, v)
	}
}

// readValue fills dst, which must be f.SlotSize() bytes long.
func readValue(r *BitReader, f *Field, dst []byte) {
	switch f.Kind {
	case FieldBool:
		dst[0] = 0
		if r.ReadBit() {
			dst[0] = 1
		}
	case FieldString:
		n := r.ReadInt(f.Size + 1)
		r.ReadInto(dst[:n])
		for i := n; i < len(dst); i++ {
			dst[i] = 0
		}
	default:
		r.ReadInto(dst)
	}
}

// Layout encoders for Object implementations. Numbers are little endian.

func PutBool(dst []byte, v bool) {
	dst[0] = 0
	if v {
		dst[0] = 1
	}
}

func PutInt32(dst []byte, v int32)     { binary.LittleEndian.PutUint32(dst, uint32(v)) }
func PutUint32(dst []byte, v uint32)   { binary.LittleEndian.PutUint32(dst, v) }
func PutFloat32(dst []byte, v float32) { binary.LittleEndian.PutUint32(dst, math.Float32bits(v)) }
func PutObjectRef(dst []byte, id ObjectID) {
	binary.LittleEndian.PutUint32(dst, uint32(id))
}

func PutVector(dst []byte, v Vector) {
	PutFloat32(dst[0:4], v.X)
	PutFloat32(dst[4:8], v.Y)
	PutFloat32(dst[8:12], v.Z)
}

func PutRotator(dst []byte, r Rotator) {
	binary.LittleEndian.PutUint16(dst[0:2], compressAngle(r.Pitch))
	binary.LittleEndian.PutUint16(dst[2:4], compressAngle(r.Yaw))
	binary.LittleEndian.PutUint16(dst[4:6], compressAngle(r.Roll))
}

// PutString copies s into dst and zero pads the rest.
func PutString(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

func Bool(src []byte) bool       { return src[0] != 0 }
func Int32(src []byte) int32     { return int32(binary.LittleEndian.Uint32(src)) }
func Uint32(src []byte) uint32   { return binary.LittleEndian.Uint32(src) }
func Float32(src []byte) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(src)) }

func ObjectRef(src []byte) ObjectID { return ObjectID(binary.LittleEndian.Uint32(src)) }

func VectorOf(src []byte) Vector {
	return Vector{Float32(src[0:4]), Float32(src[4:8]), Float32(src[8:12])}
}

func RotatorOf(src []byte) Rotator {
	return Rotator{
		Pitch: decompressAngle(binary.LittleEndian.Uint16(src[0:2])),
		Yaw:   decompressAngle(binary.LittleEndian.Uint16(src[2:4])),
		Roll:  decompressAngle(binary.LittleEndian.Uint16(src[4:6])),
	}
}

func String(src []byte) string { return string(src[:stringLen(src)]) }
