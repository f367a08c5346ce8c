package main

import (
	"log"

	"github.com/yuin/gopher-lua"
)

// scripts is the Lua state plugins run in. It is only used from the
// main goroutine.
type scripts struct {
	l   *lua.LState
	api *lua.LTable
	d   *daemon

	ops     map[string][]*lua.LFunction
	control []*lua.LFunction
	join    []*lua.LFunction
	leave   []*lua.LFunction
	change  []*lua.LFunction
	tick    []*lua.LFunction
}

func newScripts(d *daemon) *scripts {
	s := &scripts{
		l:   lua.NewState(),
		d:   d,
		ops: make(map[string][]*lua.LFunction),
	}

	s.api = s.l.NewTable()
	s.l.SetGlobal("repnet", s.api)

	s.addLuaFunc(luaLog, "log")
	s.addLuaFunc(luaGetConfKey, "conf")
	s.addLuaFunc(luaUptime, "uptime")
	s.addLuaFunc(s.setStorageKey, "set_storage_key")
	s.addLuaFunc(s.getStorageKey, "get_storage_key")

	s.addLuaFunc(s.registerOperation, "register_operation")
	s.addLuaFunc(s.registerOnControl, "register_on_control")
	s.addLuaFunc(s.registerHook(&s.join), "register_on_join")
	s.addLuaFunc(s.registerHook(&s.leave), "register_on_leave")
	s.addLuaFunc(s.registerHook(&s.change), "register_on_change")
	s.addLuaFunc(s.registerHook(&s.tick), "register_on_tick")

	s.addLuaFunc(s.luaGetField, "get_field")
	s.addLuaFunc(s.luaSetField, "set_field")
	s.addLuaFunc(s.luaSpawn, "spawn")
	s.addLuaFunc(s.luaRemove, "remove")
	s.addLuaFunc(s.luaObjects, "objects")
	s.addLuaFunc(s.luaCall, "call")

	s.addLuaFunc(s.luaSend, "send")
	s.addLuaFunc(s.luaSendAll, "send_all")
	s.addLuaFunc(s.luaKick, "kick")
	s.addLuaFunc(s.luaBan, "ban")
	s.addLuaFunc(s.luaConns, "conns")

	return s
}

func (s *scripts) Close() {
	s.l.Close()
}

func (s *scripts) addLuaFunc(f lua.LGFunction, name string) {
	s.api.RawSet(lua.LString(name), s.l.NewFunction(f))
}

// call runs fn and returns its first result, or LNil if it failed.
func (s *scripts) call(fn *lua.LFunction, args ...lua.LValue) lua.LValue {
	if err := s.l.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...); err != nil {
		log.Print(err)
		return lua.LNil
	}

	ret := s.l.Get(-1)
	s.l.Pop(1)

	return ret
}

func (s *scripts) registerOperation(L *lua.LState) int {
	schema := L.CheckString(1)
	op := L.CheckString(2)
	f := L.CheckFunction(3)

	key := schema + "." + op
	s.ops[key] = append(s.ops[key], f)

	return 0
}

func (s *scripts) registerOnControl(L *lua.LState) int {
	s.control = append(s.control, L.CheckFunction(1))
	return 0
}

func (s *scripts) registerHook(hooks *[]*lua.LFunction) lua.LGFunction {
	return func(L *lua.LState) int {
		*hooks = append(*hooks, L.CheckFunction(1))
		return 0
	}
}

// operation runs the handlers registered for op of p's schema.
func (s *scripts) operation(p *pawn, op string, args []lua.LValue) {
	for _, f := range s.ops[p.schema.Name+"."+op] {
		s.call(f, append([]lua.LValue{lua.LNumber(p.id)}, args...)...)
	}
}

// controlMessage reports whether a handler took the message.
func (s *scripts) controlMessage(addr, text string) bool {
	for _, f := range s.control {
		if lua.LVAsBool(s.call(f, lua.LString(addr), lua.LString(text))) {
			return true
		}
	}
	return false
}

func (s *scripts) joined(addr string, id uint32) {
	for _, f := range s.join {
		s.call(f, lua.LString(addr), lua.LNumber(id))
	}
}

func (s *scripts) left(addr, reason string) {
	for _, f := range s.leave {
		s.call(f, lua.LString(addr), lua.LString(reason))
	}
}

func (s *scripts) changed(p *pawn, field string) {
	for _, f := range s.change {
		s.call(f, lua.LNumber(p.id), lua.LString(field))
	}
}

func (s *scripts) ticked(dt float64) {
	for _, f := range s.tick {
		s.call(f, lua.LNumber(dt))
	}
}
