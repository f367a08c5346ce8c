package main

import (
	"fmt"
	"log"

	"github.com/HimbeerserverDE/repnet"
	"github.com/yuin/gopher-lua"
)

func vectorTable(L *lua.LState, v repnet.Vector) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("x", lua.LNumber(v.X))
	t.RawSetString("y", lua.LNumber(v.Y))
	t.RawSetString("z", lua.LNumber(v.Z))
	return t
}

func tableNumber(t *lua.LTable, key string) float32 {
	n, _ := t.RawGetString(key).(lua.LNumber)
	return float32(n)
}

// fieldValue converts the bytes of f to a Lua value.
func fieldValue(L *lua.LState, f *repnet.Field, b []byte) lua.LValue {
	switch f.Kind {
	case repnet.FieldBool:
		return lua.LBool(repnet.Bool(b))
	case repnet.FieldUint8:
		return lua.LNumber(b[0])
	case repnet.FieldInt32:
		return lua.LNumber(repnet.Int32(b))
	case repnet.FieldUint32:
		return lua.LNumber(repnet.Uint32(b))
	case repnet.FieldFloat32:
		return lua.LNumber(repnet.Float32(b))
	case repnet.FieldObjectRef:
		return lua.LNumber(repnet.ObjectRef(b))
	case repnet.FieldVector:
		return vectorTable(L, repnet.VectorOf(b))
	case repnet.FieldRotator:
		r := repnet.RotatorOf(b)
		t := L.NewTable()
		t.RawSetString("pitch", lua.LNumber(r.Pitch))
		t.RawSetString("yaw", lua.LNumber(r.Yaw))
		t.RawSetString("roll", lua.LNumber(r.Roll))
		return t
	case repnet.FieldString:
		return lua.LString(repnet.String(b))
	}
	return lua.LNil
}

// putFieldValue stores the Lua value v into the bytes of f.
func putFieldValue(f *repnet.Field, v lua.LValue, dst []byte) error {
	switch f.Kind {
	case repnet.FieldBool:
		repnet.PutBool(dst, lua.LVAsBool(v))
		return nil
	case repnet.FieldString:
		s, ok := v.(lua.LString)
		if !ok {
			return fmt.Errorf("field %s wants a string", f.Name)
		}
		repnet.PutString(dst, string(s))
		return nil
	case repnet.FieldVector, repnet.FieldRotator:
		t, ok := v.(*lua.LTable)
		if !ok {
			return fmt.Errorf("field %s wants a table", f.Name)
		}
		if f.Kind == repnet.FieldVector {
			repnet.PutVector(dst, repnet.Vector{X: tableNumber(t, "x"), Y: tableNumber(t, "y"), Z: tableNumber(t, "z")})
		} else {
			repnet.PutRotator(dst, repnet.Rotator{Pitch: tableNumber(t, "pitch"), Yaw: tableNumber(t, "yaw"), Roll: tableNumber(t, "roll")})
		}
		return nil
	}

	n, ok := v.(lua.LNumber)
	if !ok {
		return fmt.Errorf("field %s wants a number", f.Name)
	}

	switch f.Kind {
	case repnet.FieldUint8:
		dst[0] = uint8(n)
	case repnet.FieldInt32:
		repnet.PutInt32(dst, int32(n))
	case repnet.FieldUint32:
		repnet.PutUint32(dst, uint32(n))
	case repnet.FieldFloat32:
		repnet.PutFloat32(dst, float32(n))
	case repnet.FieldObjectRef:
		repnet.PutObjectRef(dst, repnet.ObjectID(n))
	}
	return nil
}

// argValues converts the argument bytes of op to Lua values.
func argValues(L *lua.LState, op *repnet.Operation, args []byte) []lua.LValue {
	var vals []lua.LValue
	for i, off := range argOffsets(op) {
		a := &op.Args[i]
		vals = append(vals, fieldValue(L, a, args[off:off+a.SlotSize()]))
	}
	return vals
}

func (s *scripts) checkPawn(L *lua.LState, n int) *pawn {
	id := repnet.ObjectID(L.CheckNumber(n))
	return s.d.world.pawn(id)
}

func (s *scripts) luaGetField(L *lua.LState) int {
	p := s.checkPawn(L, 1)
	name := L.CheckString(2)

	slot := -1
	if p != nil {
		slot = p.schema.FieldIndex(name)
	}
	if slot < 0 {
		L.Push(lua.LNil)
		return 1
	}

	L.Push(fieldValue(L, &p.schema.Fields[slot], p.ReadField(slot)))
	return 1
}

func (s *scripts) luaSetField(L *lua.LState) int {
	p := s.checkPawn(L, 1)
	name := L.CheckString(2)
	v := L.CheckAny(3)

	slot := -1
	if p != nil {
		slot = p.schema.FieldIndex(name)
	}
	if slot < 0 {
		L.Push(lua.LFalse)
		return 1
	}

	if err := putFieldValue(&p.schema.Fields[slot], v, p.ReadField(slot)); err != nil {
		log.Print(err)
		L.Push(lua.LFalse)
		return 1
	}

	L.Push(lua.LTrue)
	return 1
}

func (s *scripts) luaSpawn(L *lua.LState) int {
	schema := L.CheckString(1)
	owner := L.OptString(2, "")

	p, err := s.d.world.spawn(schema, owner)
	if err != nil {
		log.Print(err)
		L.Push(lua.LNil)
		return 1
	}

	L.Push(lua.LNumber(p.id))
	return 1
}

func (s *scripts) luaRemove(L *lua.LState) int {
	s.d.world.remove(repnet.ObjectID(L.CheckNumber(1)))
	return 0
}

func (s *scripts) luaObjects(L *lua.LState) int {
	t := L.NewTable()
	for _, p := range s.d.world.pawns() {
		t.Append(lua.LNumber(p.id))
	}

	L.Push(t)
	return 1
}

// luaCall invokes an operation on the peers: call(id, op, args...)
func (s *scripts) luaCall(L *lua.LState) int {
	p := s.checkPawn(L, 1)
	name := L.CheckString(2)
	if p == nil {
		L.Push(lua.LFalse)
		return 1
	}

	idx := p.schema.OperationIndex(name)
	if idx < 0 {
		L.ArgError(2, "unknown operation "+name)
		return 0
	}
	op := &p.schema.Operations[idx]

	args := make([]byte, op.ArgsSize())
	for i, off := range argOffsets(op) {
		a := &op.Args[i]
		if err := putFieldValue(a, L.Get(3+i), args[off:off+a.SlotSize()]); err != nil {
			L.ArgError(3+i, err.Error())
			return 0
		}
	}

	if err := s.d.callRemote(p, idx, args); err != nil {
		log.Print(err)
		L.Push(lua.LFalse)
		return 1
	}

	L.Push(lua.LTrue)
	return 1
}
