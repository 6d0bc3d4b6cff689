//go:build !no_automation

package automation

import (
	"context"
	"strings"
	"testing"

	lua "github.com/yuin/gopher-lua"
)

// newBareVM wires the mesh module into a fresh state without a radio
// behind it. Handler registration never touches the link.
func newBareVM(t *testing.T) (*lua.LState, *scriptVM) {
	t.Helper()

	L := lua.NewState()
	t.Cleanup(L.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}

	e := &Engine{logger: testLogger()}
	registerMeshModule(L, vm, e)
	return L, vm
}

func TestMeshOnRegistersHandler(t *testing.T) {
	L, vm := newBareVM(t)

	err := L.DoString(`mesh.on("telemetry", {node=7}, function(event) end)`)
	if err != nil {
		t.Fatal(err)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) != 1 {
		t.Fatalf("handlers = %d, want 1", len(vm.handlers))
	}
	h := vm.handlers[0]
	if h.eventType != "telemetry" {
		t.Errorf("event type = %q", h.eventType)
	}
	if h.node != 7 {
		t.Errorf("node filter = %d, want 7", h.node)
	}
	if h.from != 0 {
		t.Errorf("from filter = %d, want unset", h.from)
	}
	if h.fn == nil {
		t.Error("handler function missing")
	}
}

func TestMeshOnFromFilter(t *testing.T) {
	L, vm := newBareVM(t)

	err := L.DoString(`mesh.on("message", {from=55}, function(event) end)`)
	if err != nil {
		t.Fatal(err)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.handlers[0].from != 55 {
		t.Errorf("from filter = %d, want 55", vm.handlers[0].from)
	}
	if vm.handlers[0].node != 0 {
		t.Errorf("node filter = %d, want unset", vm.handlers[0].node)
	}
}

func TestMeshOnEmptyFilter(t *testing.T) {
	L, vm := newBareVM(t)

	err := L.DoString(`mesh.on("link_state", {}, function(event) end)`)
	if err != nil {
		t.Fatal(err)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	h := vm.handlers[0]
	if h.node != 0 || h.from != 0 {
		t.Errorf("filters = node %d from %d, want both unset", h.node, h.from)
	}
}

func TestMeshOnRejectsBadFilter(t *testing.T) {
	L, _ := newBareVM(t)

	err := L.DoString(`mesh.on("message", {from="everyone"}, function(event) end)`)
	if err == nil {
		t.Fatal("expected error for non-numeric filter")
	}
	if !strings.Contains(err.Error(), "must be a number") {
		t.Errorf("err = %v", err)
	}
}

func TestMeshOnRejectsOutOfRangeFilter(t *testing.T) {
	L, _ := newBareVM(t)

	err := L.DoString(`mesh.on("message", {from=-1}, function(event) end)`)
	if err == nil {
		t.Fatal("expected error for negative node number")
	}
}

func TestMeshOnHandlerLimit(t *testing.T) {
	L, vm := newBareVM(t)

	err := L.DoString(`
for i = 1, 200 do
	mesh.on("message", {}, function(event) end)
end
`)
	if err == nil {
		t.Fatal("expected error past the handler limit")
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) != maxHandlersPerScript {
		t.Errorf("handlers = %d, want %d", len(vm.handlers), maxHandlersPerScript)
	}
}

func TestMeshBroadcastConstant(t *testing.T) {
	L, _ := newBareVM(t)

	if err := L.DoString(`_b = mesh.BROADCAST`); err != nil {
		t.Fatal(err)
	}
	b, ok := L.GetGlobal("_b").(lua.LNumber)
	if !ok {
		t.Fatal("BROADCAST is not a number")
	}
	if uint32(b) != 0xFFFFFFFF {
		t.Errorf("BROADCAST = %v, want 0xFFFFFFFF", b)
	}
}

func TestMeshSendTextValidatesChannel(t *testing.T) {
	L, _ := newBareVM(t)

	err := L.DoString(`mesh.send_text(42, "hi", 9)`)
	if err == nil {
		t.Fatal("expected error for channel out of range")
	}
	if !strings.Contains(err.Error(), "channel") {
		t.Errorf("err = %v", err)
	}
}
