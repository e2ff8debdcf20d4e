//go:build !no_automation

package automation

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"

	"gopro-go-home/internal/camera"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type call struct {
	name   string
	on     bool
	source string
}

type fakeCamera struct {
	events *camera.EventBus
	status camera.Status
	err    error

	mu    sync.Mutex
	calls []call
}

func newFakeCamera() *fakeCamera {
	return &fakeCamera{
		events: camera.NewEventBus(testLogger()),
		status: camera.Status{Connected: true, Serial: "C3501324500711", ModelName: "HERO12 Black"},
	}
}

func (f *fakeCamera) record(ctx context.Context, name string, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{name: name, on: on, source: camera.SourceOf(ctx)})
	return f.err
}

func (f *fakeCamera) SetShutter(ctx context.Context, on bool) error { return f.record(ctx, "shutter", on) }
func (f *fakeCamera) KeepAlive(ctx context.Context) error { return f.record(ctx, "keep_alive", false) }
func (f *fakeCamera) Sleep(ctx context.Context) error { return f.record(ctx, "sleep", false) }
func (f *fakeCamera) HilightMoment(ctx context.Context) error { return f.record(ctx, "hilight", false) }
func (f *fakeCamera) Status() camera.Status { return f.status }
func (f *fakeCamera) Events() *camera.EventBus { return f.events }

func (f *fakeCamera) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func waitCalls(t *testing.T, f *fakeCamera, n int) []call {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if calls := f.snapshot(); len(calls) >= n {
			return calls
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d camera calls, got %d", n, len(f.snapshot()))
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *fakeCamera, *Manager) {
	t.Helper()
	cam := newFakeCamera()
	mgr, err := NewManager(filepath.Join(t.TempDir(), "scripts"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	e := NewEngine(cam, mgr, testLogger())
	t.Cleanup(e.Stop)
	return e, cam, mgr
}

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name  string
		input any
		want  lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool", true, lua.LTBool},
		{"string", "hello", lua.LTString},
		{"int", 42, lua.LTNumber},
		{"int64", int64(42), lua.LTNumber},
		{"uint32", uint32(62), lua.LTNumber},
		{"float64", 3.14, lua.LTNumber},
		{"map", map[string]any{"a": 1}, lua.LTTable},
		{"slice", []any{1, "two"}, lua.LTTable},
		{"other", time.Second, lua.LTString},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := goToLua(L, tt.input); got.Type() != tt.want {
				t.Errorf("goToLua(%v) type = %v, want %v", tt.input, got.Type(), tt.want)
			}
		})
	}
}

func TestEventData(t *testing.T) {
	m := map[string]any{"serial": "C1"}
	if got := eventData(m); got["serial"] != "C1" {
		t.Errorf("map passthrough = %v", got)
	}

	got := eventData(camera.Status{Connected: true, Serial: "C2"})
	if got["serial"] != "C2" || got["connected"] != true {
		t.Errorf("struct flatten = %v", got)
	}

	if got := eventData(42); got != nil {
		t.Errorf("scalar = %v, want nil", got)
	}
}

func TestMatchesHandler(t *testing.T) {
	tests := []struct {
		name      string
		handler   luaEventHandler
		eventType string
		data      map[string]any
		want      bool
	}{
		{"type match", luaEventHandler{eventType: "shutter"}, "shutter", nil, true},
		{"type mismatch", luaEventHandler{eventType: "shutter"}, "command", nil, false},
		{"wildcard", luaEventHandler{eventType: "*"}, "notification", nil, true},
		{"serial match", luaEventHandler{eventType: "shutter", serial: "C1"}, "shutter", map[string]any{"serial": "C1"}, true},
		{"serial case", luaEventHandler{eventType: "shutter", serial: "c1"}, "shutter", map[string]any{"serial": "C1"}, true},
		{"serial mismatch", luaEventHandler{eventType: "shutter", serial: "C1"}, "shutter", map[string]any{"serial": "C2"}, false},
		{"serial missing", luaEventHandler{eventType: "shutter", serial: "C1"}, "shutter", map[string]any{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesHandler(tt.handler, tt.eventType, tt.data); got != tt.want {
				t.Errorf("matchesHandler = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSandboxRemovesUnsafeGlobals(t *testing.T) {
	L := newSandbox()
	defer L.Close()
	for _, name := range []string{"os", "io", "require", "dofile", "loadfile", "load"} {
		if L.GetGlobal(name) != lua.LNil {
			t.Errorf("%s still available", name)
		}
	}
}

func TestRunLuaCodeShutter(t *testing.T) {
	e, cam, _ := newTestEngine(t)

	res := e.RunLuaCode(`
local ok = camera.shutter(true)
camera.log("ok=" .. tostring(ok))
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	calls := cam.snapshot()
	if len(calls) != 1 || calls[0].name != "shutter" || !calls[0].on {
		t.Fatalf("calls = %+v", calls)
	}
	if calls[0].source != "script:_inline" {
		t.Errorf("source = %q", calls[0].source)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "ok=true" {
		t.Errorf("logs = %q", res.Logs)
	}
}

func TestRunLuaCodeActionError(t *testing.T) {
	e, cam, _ := newTestEngine(t)
	cam.err = errors.New("camera busy")

	res := e.RunLuaCode(`
local ok, err = camera.hilight()
camera.log(tostring(ok) .. " " .. err)
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "false camera busy" {
		t.Errorf("logs = %q", res.Logs)
	}
}

func TestRunLuaCodeCallsHandlers(t *testing.T) {
	e, cam, _ := newTestEngine(t)

	res := e.RunLuaCode(`
camera.on("camera_connected", function(ev)
  camera.log(ev.type .. " " .. ev.serial)
  camera.keep_alive()
end)
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "camera_connected C3501324500711" {
		t.Errorf("logs = %q", res.Logs)
	}
	if calls := cam.snapshot(); len(calls) != 1 || calls[0].name != "keep_alive" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestRunLuaCodeSyntaxError(t *testing.T) {
	e, _, _ := newTestEngine(t)
	res := e.RunLuaCode(`camera.shutter(`)
	if res.OK || res.Error == "" {
		t.Errorf("res = %+v", res)
	}
}

func TestRunLuaCodeSandboxed(t *testing.T) {
	e, _, _ := newTestEngine(t)
	res := e.RunLuaCode(`os.execute("true")`)
	if res.OK {
		t.Error("os access succeeded")
	}
}

func TestRunLuaCodeTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("slow")
	}
	e, _, _ := newTestEngine(t)
	res := e.RunLuaCode(`while true do end`)
	if res.OK || !strings.Contains(res.Error, "timeout") {
		t.Errorf("res = %+v", res)
	}
}

func TestRunScriptNotFound(t *testing.T) {
	e, _, _ := newTestEngine(t)
	res := e.RunScript("missing")
	if res.OK {
		t.Error("missing script ran")
	}
}

func TestCameraInfo(t *testing.T) {
	e, _, _ := newTestEngine(t)
	res := e.RunLuaCode(`
local info = camera.info()
camera.log(info.model_name .. " " .. tostring(info.connected))
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "HERO12 Black true" {
		t.Errorf("logs = %q", res.Logs)
	}
}

func TestStartedScriptReactsToEvents(t *testing.T) {
	e, cam, mgr := newTestEngine(t)

	_, err := mgr.Save(&Script{
		ID:   "auto_hilight",
		Meta: ScriptMeta{Name: "Auto hilight", Enabled: true},
		LuaCode: `
camera.on("shutter", {serial = "C3501324500711"}, function(ev)
  if ev.on then camera.hilight() end
end)
`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Save(&Script{ID: "disabled", Meta: ScriptMeta{Name: "Off"}, LuaCode: `camera.sleep()`}); err != nil {
		t.Fatal(err)
	}

	e.Start()
	if !e.Running("auto_hilight") {
		t.Fatal("enabled script not running")
	}
	if e.Running("disabled") {
		t.Error("disabled script running")
	}

	cam.events.Emit(camera.Event{Type: camera.EventShutter, Data: map[string]any{"serial": "OTHER", "on": true}})
	cam.events.Emit(camera.Event{Type: camera.EventShutter, Data: map[string]any{"serial": "C3501324500711", "on": false}})
	cam.events.Emit(camera.Event{Type: camera.EventShutter, Data: map[string]any{"serial": "C3501324500711", "on": true}})

	calls := waitCalls(t, cam, 1)
	if calls[0].name != "hilight" || calls[0].source != "script:auto_hilight" {
		t.Errorf("call = %+v", calls[0])
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(cam.snapshot()); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestReloadAndStopScript(t *testing.T) {
	e, _, mgr := newTestEngine(t)
	if _, err := mgr.Save(&Script{ID: "s1", Meta: ScriptMeta{Name: "S1"}, LuaCode: `camera.log("x")`}); err != nil {
		t.Fatal(err)
	}
	e.Start()
	if e.Running("s1") {
		t.Fatal("disabled script running")
	}

	s, _ := mgr.Get("s1")
	s.Meta.Enabled = true
	if _, err := mgr.Save(s); err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadScript("s1"); err != nil {
		t.Fatal(err)
	}
	if !e.Running("s1") {
		t.Fatal("reloaded script not running")
	}

	e.StopScript("s1")
	if e.Running("s1") {
		t.Error("stopped script still running")
	}
}

func TestCameraAfter(t *testing.T) {
	e, cam, mgr := newTestEngine(t)
	if _, err := mgr.Save(&Script{
		ID:      "delayed",
		Meta:    ScriptMeta{Name: "Delayed stop", Enabled: true},
		LuaCode: `camera.after(0.02, function() camera.shutter(false) end)`,
	}); err != nil {
		t.Fatal(err)
	}
	e.Start()

	calls := waitCalls(t, cam, 1)
	if calls[0].name != "shutter" || calls[0].on {
		t.Errorf("call = %+v", calls[0])
	}
}
