package main

import (
	"log"

	"github.com/yuin/gopher-lua"
)

func (s *scripts) luaSend(L *lua.LState) int {
	addr := L.CheckString(1)
	text := L.CheckString(2)

	c := s.d.conn(addr)
	if c == nil {
		L.Push(lua.LFalse)
		return 1
	}

	if err := c.Control().Send(text); err != nil {
		log.Print(err)
		L.Push(lua.LFalse)
		return 1
	}

	L.Push(lua.LTrue)
	return 1
}

func (s *scripts) luaSendAll(L *lua.LState) int {
	s.d.broadcast(L.CheckString(1))
	return 0
}

func (s *scripts) luaKick(L *lua.LState) int {
	addr := L.CheckString(1)
	reason := L.OptString(2, "kicked")

	L.Push(lua.LBool(s.d.kick(addr, reason)))
	return 1
}

func (s *scripts) luaBan(L *lua.LState) int {
	addr := L.CheckString(1)
	reason := L.OptString(2, "banned")

	if err := s.d.ban(addr, reason); err != nil {
		log.Print(err)
		L.Push(lua.LFalse)
		return 1
	}

	L.Push(lua.LTrue)
	return 1
}

func (s *scripts) luaConns(L *lua.LState) int {
	t := L.NewTable()
	for _, c := range s.d.conns() {
		t.Append(lua.LString(c.Addr().String()))
	}

	L.Push(t)
	return 1
}
