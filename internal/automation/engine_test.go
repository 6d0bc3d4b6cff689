//go:build !no_automation

package automation

import (
	"strings"
	"testing"

	"meshlink/internal/mesh"
	"meshlink/internal/store"

	lua "github.com/yuin/gopher-lua"
)

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  interface{}
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool true", true, lua.LTBool},
		{"bool false", false, lua.LTBool},
		{"string", "hello", lua.LTString},
		{"int", 42, lua.LTNumber},
		{"int64", int64(99), lua.LTNumber},
		{"float64", 3.14, lua.LTNumber},
		{"uint8", uint8(255), lua.LTNumber},
		{"uint16", uint16(1024), lua.LTNumber},
		{"uint32", uint32(100000), lua.LTNumber},
		{"int8", int8(-10), lua.LTNumber},
		{"map", map[string]interface{}{"a": 1}, lua.LTTable},
		{"slice", []interface{}{1, 2, 3}, lua.LTTable},
		{"unknown", struct{}{}, lua.LTString},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := goToLua(L, tt.val)
			if result.Type() != tt.want {
				t.Errorf("goToLua(%v) type = %v, want %v", tt.val, result.Type(), tt.want)
			}
		})
	}
}

func TestGoToLuaBoolValues(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	if v := goToLua(L, true); v != lua.LTrue {
		t.Errorf("goToLua(true) = %v, want LTrue", v)
	}
	if v := goToLua(L, false); v != lua.LFalse {
		t.Errorf("goToLua(false) = %v, want LFalse", v)
	}
}

func TestGoToLuaMap(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	m := map[string]interface{}{"key": "value", "num": 10}
	v := goToLua(L, m)
	tbl, ok := v.(*lua.LTable)
	if !ok {
		t.Fatal("expected LTable")
	}

	keyVal := tbl.RawGetString("key")
	if s, ok := keyVal.(lua.LString); !ok || string(s) != "value" {
		t.Errorf("map[key] = %v, want value", keyVal)
	}

	numVal := tbl.RawGetString("num")
	if n, ok := numVal.(lua.LNumber); !ok || float64(n) != 10 {
		t.Errorf("map[num] = %v, want 10", numVal)
	}
}

func TestGoToLuaSlice(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	s := []interface{}{"a", "b", "c"}
	v := goToLua(L, s)
	tbl, ok := v.(*lua.LTable)
	if !ok {
		t.Fatal("expected LTable")
	}

	if tbl.Len() != 3 {
		t.Errorf("table len = %d, want 3", tbl.Len())
	}

	first := tbl.RawGetInt(1)
	if str, ok := first.(lua.LString); !ok || string(str) != "a" {
		t.Errorf("slice[1] = %v, want a", first)
	}
}

func TestMatchesHandler(t *testing.T) {
	tests := []struct {
		name    string
		handler luaEventHandler
		event   mesh.Event
		want    bool
	}{
		{
			"exact node match",
			luaEventHandler{eventType: "telemetry", node: 7},
			mesh.Event{Type: "telemetry", Data: map[string]interface{}{"node": uint32(7)}},
			true,
		},
		{
			"wrong event type",
			luaEventHandler{eventType: "telemetry"},
			mesh.Event{Type: "message", Data: map[string]interface{}{}},
			false,
		},
		{
			"node filter mismatch",
			luaEventHandler{eventType: "telemetry", node: 7},
			mesh.Event{Type: "telemetry", Data: map[string]interface{}{"node": uint32(8)}},
			false,
		},
		{
			"from filter match",
			luaEventHandler{eventType: "message", from: 55},
			mesh.Event{Type: "message", Data: map[string]interface{}{"from": uint32(55), "text": "hi"}},
			true,
		},
		{
			"from filter mismatch",
			luaEventHandler{eventType: "message", from: 55},
			mesh.Event{Type: "message", Data: map[string]interface{}{"from": uint32(56)}},
			false,
		},
		{
			"no filters match any",
			luaEventHandler{eventType: "message"},
			mesh.Event{Type: "message", Data: map[string]interface{}{"from": uint32(9)}},
			true,
		},
		{
			"node filter against snapshot num",
			luaEventHandler{eventType: "node_updated", node: 101},
			mesh.Event{Type: "node_updated", Data: mesh.NodeView{NodeRecord: store.NodeRecord{Num: 101}}},
			true,
		},
		{
			"filter with unusable payload",
			luaEventHandler{eventType: "link_state", node: 5},
			mesh.Event{Type: "link_state", Data: "connected"},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := matchesHandler(tt.handler, tt.event)
			if got != tt.want {
				t.Errorf("matchesHandler() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEventFieldsSnapshot(t *testing.T) {
	view := mesh.NodeView{
		NodeRecord: store.NodeRecord{
			Num:      42,
			LongName: "Hilltop",
			SNR:      6.5,
			Metrics:  &store.DeviceMetrics{BatteryLevel: 80},
		},
		Trust:  "trusted",
		Rating: "good",
	}

	f := eventFields(mesh.Event{Type: "node_updated", Data: view})
	if f == nil {
		t.Fatal("expected fields for a node snapshot")
	}
	if f["num"] != uint32(42) {
		t.Errorf("num = %v, want 42", f["num"])
	}
	if f["long_name"] != "Hilltop" {
		t.Errorf("long_name = %v", f["long_name"])
	}
	if f["trust"] != "trusted" {
		t.Errorf("trust = %v", f["trust"])
	}
	if f["signal_rating"] != "good" {
		t.Errorf("signal_rating = %v", f["signal_rating"])
	}
	if f["battery_level"] != uint32(80) {
		t.Errorf("battery_level = %v", f["battery_level"])
	}
	if _, ok := f["position"]; ok {
		t.Error("absent position leaked into fields")
	}
}

func TestRunLuaCodeCapturesLogs(t *testing.T) {
	e := &Engine{logger: testLogger()}

	res := e.RunLuaCode(`
mesh.log("first")
system.log("warn", "second")
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 2 {
		t.Fatalf("logs = %v, want 2 entries", res.Logs)
	}
	if res.Logs[0] != "first" {
		t.Errorf("logs[0] = %q", res.Logs[0])
	}
	if res.Logs[1] != "[warn] second" {
		t.Errorf("logs[1] = %q", res.Logs[1])
	}
}

func TestRunLuaCodeSyntaxError(t *testing.T) {
	e := &Engine{logger: testLogger()}

	res := e.RunLuaCode(`this is not lua`)
	if res.OK {
		t.Fatal("expected failure")
	}
	if res.Error == "" {
		t.Fatal("expected an error message")
	}
}

func TestRunLuaCodeSandboxed(t *testing.T) {
	e := &Engine{logger: testLogger()}

	// The os table is stripped; touching it must fail the run.
	res := e.RunLuaCode(`os.execute("true")`)
	if res.OK {
		t.Fatal("expected sandboxed run to reject os access")
	}
}

func TestRunLuaCodeInvokesHandlers(t *testing.T) {
	e := &Engine{logger: testLogger()}

	res := e.RunLuaCode(`
mesh.on("message", {from=55}, function(event)
	mesh.log("got " .. event.type .. " from " .. event.from)
end)
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 {
		t.Fatalf("logs = %v, want 1 entry", res.Logs)
	}
	if res.Logs[0] != "got message from 55" {
		t.Errorf("logs[0] = %q", res.Logs[0])
	}
}

func TestRunLuaCodeHandlerError(t *testing.T) {
	e := &Engine{logger: testLogger()}

	res := e.RunLuaCode(`
mesh.on("message", {}, function(event)
	error("boom")
end)
`)
	if res.OK {
		t.Fatal("expected handler error to fail the run")
	}
	if !strings.Contains(res.Error, "boom") {
		t.Errorf("error = %q, want to contain boom", res.Error)
	}
}
