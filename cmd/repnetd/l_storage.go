package main

import (
	"log"

	"github.com/yuin/gopher-lua"
)

func (s *scripts) setStorageKey(L *lua.LState) int {
	k := L.CheckString(1)
	v := L.OptString(2, "")

	if err := s.d.db.SetStorageItem(k, v); err != nil {
		log.Print(err)
	}

	return 0
}

func (s *scripts) getStorageKey(L *lua.LState) int {
	k := L.CheckString(1)

	v, err := s.d.db.StorageItem(k)
	if err != nil {
		log.Print(err)
		L.Push(lua.LString(""))
		return 1
	}

	L.Push(lua.LString(v))

	return 1
}
