//go:build !no_automation

package automation

import (
	"context"
	"time"

	lua "github.com/yuin/gopher-lua"

	"gopro-go-home/internal/camera"
)

const maxHandlersPerScript = 100

// registerCameraModule installs the `camera` global table.
func registerCameraModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"on": func(L *lua.LState) int { return cameraOn(L, vm) },
		"shutter": func(L *lua.LState) int {
			on := L.CheckBool(1)
			return cameraAction(L, vm, e, "shutter", func(ctx context.Context) error {
				return e.cam.SetShutter(ctx, on)
			})
		},
		"keep_alive": func(L *lua.LState) int { return cameraAction(L, vm, e, "keep_alive", e.cam.KeepAlive) },
		"sleep":      func(L *lua.LState) int { return cameraAction(L, vm, e, "sleep", e.cam.Sleep) },
		"hilight":    func(L *lua.LState) int { return cameraAction(L, vm, e, "hilight", e.cam.HilightMoment) },
		"after":      func(L *lua.LState) int { return cameraAfter(L, vm, e) },
		"info":       func(L *lua.LState) int { return cameraInfo(L, e) },
		"log": func(L *lua.LState) int {
			scriptLog(vm, e, "info", L.CheckString(1))
			return 0
		},
	})
	L.SetGlobal("camera", mod)
}

// camera.on(type, [filter], callback). type "*" matches every event; the
// optional filter table may hold a serial.
func cameraOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	if L.GetTop() >= 3 {
		filter := L.CheckTable(2)
		if v := filter.RawGetString("serial"); v != lua.LNil {
			h.serial = v.String()
		}
		h.fn = L.CheckFunction(3)
	} else {
		h.fn = L.CheckFunction(2)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// cameraAction runs fn and returns true, or false plus the error message.
func cameraAction(L *lua.LState, vm *scriptVM, e *Engine, name string, fn func(context.Context) error) int {
	ctx := camera.WithSource(vm.ctx, vm.source())
	if err := fn(ctx); err != nil {
		e.logger.Warn("script camera action failed", "id", vm.id, "action", name, "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// camera.after(seconds, callback) runs callback on the script's VM later.
func cameraAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
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

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "id", vm.id, "err", err)
			}
		}:
		case <-vm.ctx.Done():
		}
	}()
	return 0
}

// camera.info() returns the active camera status as a table.
func cameraInfo(L *lua.LState, e *Engine) int {
	L.Push(goToLua(L, eventData(e.cam.Status())))
	return 1
}

func scriptLog(vm *scriptVM, e *Engine, level, msg string) {
	if vm.capture != nil {
		if level == "info" {
			vm.capture(msg)
		} else {
			vm.capture("[" + level + "] " + msg)
		}
	}
	switch level {
	case "debug":
		e.logger.Debug("script log", "id", vm.id, "msg", msg)
	case "warn":
		e.logger.Warn("script log", "id", vm.id, "msg", msg)
	case "error":
		e.logger.Error("script log", "id", vm.id, "msg", msg)
	default:
		e.logger.Info("script log", "id", vm.id, "msg", msg)
	}
}
