package repnet

import "math"

// ObjectID identifies a replicated object on both sides of the link.
// Zero is the null reference.
type ObjectID uint32

type Vector struct {
	X, Y, Z float32
}

// Rotator holds angles in degrees.
type Rotator struct {
	Pitch, Yaw, Roll float32
}

func compressAngle(deg float32) uint16 {
	return uint16(int(math.Round(float64(deg)*65536/360)) & 0xffff)
}

func decompressAngle(v uint16) float32 {
	return float32(v) * 360 / 65536
}

// An Object is a replicated object of the world model.
type Object interface {
	ID() ObjectID
	Schema() *Schema

	// ReadField returns the live bytes of field slot.
	ReadField(slot int) []byte

	// WriteField stores received bytes into field slot.
	WriteField(slot int, b []byte)

	// ConditionTrue evaluates a replication condition group.
	ConditionTrue(group int) bool

	// Owner returns the address of the owning peer or "".
	Owner() string

	// Static objects exist on both sides without being spawned.
	Static() bool

	// Location returns the position and orientation sent when the object
	// is spawned remotely.
	Location() (Vector, Rotator)
}

// A World is the object model replication reads from and writes into.
// Its methods may be called from several connection goroutines at once.
type World interface {
	// Object returns the object with id or nil.
	Object(id ObjectID) Object

	// Spawn creates an object announced by the peer.
	Spawn(s *Schema, id ObjectID, pos Vector, rot Rotator) (Object, error)

	// CanReference reports whether references to obj may be sent.
	CanReference(obj Object) bool

	// Invoke runs operation op of obj with its argument bytes. args is
	// only valid during the call.
	Invoke(obj Object, op int, args []byte) error

	// FieldChanged reports a received change of a Notify field.
	FieldChanged(obj Object, slot int)

	// TearOff converts obj to local authority.
	TearOff(obj Object)

	// Destroy removes an object whose channel closed.
	Destroy(obj Object)
}

func writeLocation(w *BitWriter, pos Vector, rot Rotator) {
	w.WriteInt32(int32(math.Round(float64(pos.X))))
	w.WriteInt32(int32(math.Round(float64(pos.Y))))
	w.WriteInt32(int32(math.Round(float64(pos.Z))))
	w.WriteUint16(compressAngle(rot.Pitch))
	w.WriteUint16(compressAngle(rot.Yaw))
	w.WriteUint16(compressAngle(rot.Roll))
}

func readLocation(r *BitReader) (Vector, Rotator) {
	pos := Vector{
		X: float32(r.ReadInt32()),
		Y: float32(r.ReadInt32()),
		Z: float32(r.ReadInt32()),
	}
	rot := Rotator{
		Pitch: decompressAngle(r.ReadUint16()),
		Yaw:   decompressAngle(r.ReadUint16()),
		Roll:  decompressAngle(r.ReadUint16()),
	}
	return pos, rot
}
