//go:build !no_automation

package automation

import (
	"context"
	"time"

	"meshlink/internal/admin"
	"meshlink/internal/wire"

	lua "github.com/yuin/gopher-lua"
)

// registerMeshModule registers the `mesh` global table in a Lua state.
// Power control (shutdown, reboot) is deliberately absent: destructive
// commands go through the operator confirmation flow, never scripts.
func registerMeshModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("BROADCAST", lua.LNumber(wire.Broadcast))

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return meshOn(L, vm)
	}))

	mod.RawSetString("nodes", L.NewFunction(func(L *lua.LState) int {
		return meshNodes(L, e)
	}))

	mod.RawSetString("node", L.NewFunction(func(L *lua.LState) int {
		return meshNode(L, e)
	}))

	mod.RawSetString("send_text", L.NewFunction(func(L *lua.LState) int {
		return meshSendText(L, e)
	}))

	mod.RawSetString("request_metadata", L.NewFunction(func(L *lua.LState) int {
		return meshRequestAdmin(L, e, admin.KindMetadataRefresh)
	}))

	mod.RawSetString("request_position", L.NewFunction(func(L *lua.LState) int {
		return meshRequestAdmin(L, e, admin.KindPositionExchange)
	}))

	mod.RawSetString("request_traceroute", L.NewFunction(func(L *lua.LState) int {
		return meshRequestAdmin(L, e, admin.KindTraceRoute)
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return meshAfter(L, vm, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return meshLog(L, e)
	}))

	L.SetGlobal("mesh", mod)
}

const maxHandlersPerScript = 100

// mesh.on(type, filter, callback)
func meshOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filterTable := L.CheckTable(2)
	fn := L.CheckFunction(3)

	h := luaEventHandler{
		eventType: eventType,
		fn:        fn,
	}

	if v := filterTable.RawGetString("node"); v != lua.LNil {
		h.node = checkNodeNum(L, v, "node filter")
	}
	if v := filterTable.RawGetString("from"); v != lua.LNil {
		h.from = checkNodeNum(L, v, "from filter")
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()

	return 0
}

// mesh.nodes() — returns a table of all known nodes
func meshNodes(L *lua.LState, e *Engine) int {
	views, err := e.mesh.NodeViews()
	if err != nil {
		L.Push(L.NewTable())
		return 1
	}

	tbl := L.NewTable()
	for i, v := range views {
		tbl.RawSetInt(i+1, goToLua(L, map[string]interface{}(nodeViewFields(v))))
	}

	L.Push(tbl)
	return 1
}

// mesh.node(num) — returns one node table, or nil if unknown
func meshNode(L *lua.LState, e *Engine) int {
	num := checkNodeNum(L, L.CheckNumber(1), "node number")

	v, err := e.mesh.NodeView(num)
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}

	L.Push(goToLua(L, map[string]interface{}(nodeViewFields(v))))
	return 1
}

// mesh.send_text(to, text [, channel]) — returns the packet id, or nil
// on failure. Use mesh.BROADCAST as the destination to reach everyone.
func meshSendText(L *lua.LState, e *Engine) int {
	to := checkNodeNum(L, L.CheckNumber(1), "destination")
	text := L.CheckString(2)
	channel := L.OptInt(3, 0)
	if channel < 0 || channel > 7 {
		L.ArgError(3, "channel must be 0-7")
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := e.mesh.SendText(ctx, to, uint32(channel), text)
	if err != nil {
		e.logger.Error("script send text", "err", err, "to", to)
		L.Push(lua.LNil)
		return 1
	}

	L.Push(lua.LNumber(id))
	return 1
}

// mesh.request_metadata/request_position/request_traceroute(num) —
// issues a non-destructive admin request and returns its id, or nil.
func meshRequestAdmin(L *lua.LState, e *Engine, kind admin.Kind) int {
	num := checkNodeNum(L, L.CheckNumber(1), "node number")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := e.mesh.Admin(ctx, num, kind)
	if err != nil {
		e.logger.Error("script admin request", "err", err, "node", num, "kind", kind.String())
		L.Push(lua.LNil)
		return 1
	}

	L.Push(lua.LNumber(p.Request().ID))
	return 1
}

// mesh.after(seconds, callback) — delayed execution
func meshAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		// Send callback execution to the VM's command channel
		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{
				Fn:      fn,
				NRet:    0,
				Protect: true,
			}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()

	return 0
}

// mesh.log(msg)
func meshLog(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)
	e.logger.Info("script log", "msg", msg)
	return 0
}

// checkNodeNum narrows a Lua number to a packet address field.
func checkNodeNum(L *lua.LState, v lua.LValue, what string) uint32 {
	n, ok := v.(lua.LNumber)
	if !ok {
		L.RaiseError("%s must be a number", what)
		return 0
	}
	f := float64(n)
	if f < 0 || f > float64(wire.Broadcast) {
		L.RaiseError("%s out of range", what)
		return 0
	}
	return uint32(f)
}
