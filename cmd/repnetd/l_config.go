package main

import "github.com/yuin/gopher-lua"

func luaGetConfKey(L *lua.LState) int {
	key := L.ToString(1)

	v := ConfKey(key)

	switch v := v.(type) {
	case bool:
		L.Push(lua.LBool(v))
	case int:
		L.Push(lua.LNumber(v))
	case float64:
		L.Push(lua.LNumber(v))
	case string:
		L.Push(lua.LString(v))
	default:
		L.Push(lua.LNil)
	}

	return 1
}

func luaUptime(L *lua.LState) int {
	L.Push(lua.LNumber(Uptime()))
	return 1
}
