package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// Registry sizing for guest states. gopher-lua has no byte-accurate heap
// accounting; the registry ceiling is a coarse proxy derived from the
// configured memory limit. Overflow aborts the guest and is reported as a
// memory-limit failure.
const (
	registrySlotCost = 64 // approximate bytes per live registry slot
	minRegistrySlots = 4 * 1024
	maxRegistrySlots = 4 * 1024 * 1024

	maxTimerDelay = 60 * time.Second // set_timeout cap
	maxLogEntries = 512
)

// isolate is one disposable guest interpreter. Each Execute call gets a
// fresh isolate and the isolate dies with the call; module caches and
// globals never outlive it.
//
// gopher-lua's LState is not goroutine-safe. All isolate methods except
// terminate must be called from the goroutine that owns the call;
// terminate only cancels the state's context and may be called from
// anywhere.
type isolate struct {
	L      *lua.LState
	bridge *Bridge

	cancel context.CancelFunc

	files    map[string]string
	allowed  map[string]bool
	registry *Registry
	loaded   map[string]lua.LValue
	loading  map[string]bool

	memoryLimit int64
	logs        []string

	closeOnce sync.Once
}

// newIsolate creates a sandboxed guest state for one execution.
func newIsolate(files map[string]string, cfg Config, registry *Registry, memoryLimit int64) *isolate {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:     true,
		RegistrySize:     1024,
		RegistryMaxSize:  registrySlots(memoryLimit),
		RegistryGrowStep: 32,
	})

	iso := &isolate{
		L:           L,
		bridge:      NewBridge(L),
		files:       files,
		allowed:     make(map[string]bool, len(cfg.AllowedModules)),
		registry:    registry,
		loaded:      make(map[string]lua.LValue),
		loading:     make(map[string]bool),
		memoryLimit: memoryLimit,
	}
	for _, name := range cfg.AllowedModules {
		iso.allowed[name] = true
	}

	iso.openSafeLibraries()
	iso.harden()

	return iso
}

// registrySlots derives the registry ceiling from the memory limit.
func registrySlots(limitBytes int64) int {
	slots := int(limitBytes / registrySlotCost)
	if slots < minRegistrySlots {
		return minRegistrySlots
	}
	if slots > maxRegistrySlots {
		return maxRegistrySlots
	}
	return slots
}

// openSafeLibraries opens only safe Lua standard libraries.
func (iso *isolate) openSafeLibraries() {
	lua.OpenBase(iso.L)
	lua.OpenTable(iso.L)
	lua.OpenString(iso.L)
	lua.OpenMath(iso.L)

	// Intentionally not opened: io, os, debug, package, channel.
}

// harden removes escape hatches from the base library and installs the
// restricted console, timer, and require surfaces.
func (iso *isolate) harden() {
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		iso.L.SetGlobal(name, lua.LNil)
	}

	iso.installConsole()
	iso.installTimers()
	iso.installRequire()
}

// installConsole replaces print and provides a console table whose output
// is captured into the execution result instead of the host's stdout.
func (iso *isolate) installConsole() {
	console := iso.L.NewTable()
	for _, level := range []string{"debug", "log", "info", "warn", "error"} {
		iso.L.SetField(console, level, iso.L.NewFunction(iso.logFunc(normalizeLevel(level))))
	}
	iso.L.SetGlobal("console", console)
	iso.L.SetGlobal("print", iso.L.NewFunction(iso.logFunc("info")))
}

func normalizeLevel(level string) string {
	if level == "log" {
		return "info"
	}
	return level
}

func (iso *isolate) logFunc(level string) lua.LGFunction {
	return func(L *lua.LState) int {
		parts := make([]string, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			parts = append(parts, L.Get(i).String())
		}
		iso.appendLog(level, strings.Join(parts, " "))
		return 0
	}
}

func (iso *isolate) appendLog(level, msg string) {
	switch {
	case len(iso.logs) < maxLogEntries:
		iso.logs = append(iso.logs, "["+level+"] "+msg)
	case len(iso.logs) == maxLogEntries:
		iso.logs = append(iso.logs, "[warn] log output truncated")
	}
}

// installTimers provides set_timeout with the delay capped at one minute.
// The sandbox is synchronous, so the delay is served inline and the
// callback runs on the calling guest stack; a delay that outlives the
// call budget aborts the guest.
func (iso *isolate) installTimers() {
	iso.L.SetGlobal("set_timeout", iso.L.NewFunction(func(L *lua.LState) int {
		fn := L.CheckFunction(1)
		delay := time.Duration(L.OptNumber(2, 0)) * time.Millisecond
		if delay < 0 {
			delay = 0
		}
		if delay > maxTimerDelay {
			delay = maxTimerDelay
		}

		if delay > 0 {
			if err := sleepGuest(L, delay); err != nil {
				L.RaiseError("%s", err.Error())
				return 0
			}
		}

		L.Push(fn)
		L.Call(0, 0)
		return 0
	}))
}

// sleepGuest sleeps honoring the state's context deadline.
func sleepGuest(L *lua.LState, d time.Duration) error {
	ctx := L.Context()
	if ctx == nil {
		time.Sleep(d)
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// installRequire replaces require with enumerated-table resolution: the
// plugin's own files first, then the host allow-list. There is no
// package.path, no filesystem lookup, and no fallthrough.
func (iso *isolate) installRequire() {
	iso.L.SetGlobal("require", iso.L.NewFunction(iso.requireModule))
}

func (iso *isolate) requireModule(L *lua.LState) int {
	name := L.CheckString(1)

	if v, ok := iso.loaded[name]; ok {
		L.Push(v)
		return 1
	}
	if iso.loading[name] {
		L.RaiseError("circular module dependency: %s", name)
		return 0
	}

	if src, ok := iso.sourceFor(name); ok {
		iso.loading[name] = true
		v, err := iso.evalModule(name, src)
		delete(iso.loading, name)
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		iso.loaded[name] = v
		L.Push(v)
		return 1
	}

	if iso.allowed[name] {
		if mod, ok := iso.registry.Get(name); ok {
			v := mod.Load(L, iso.bridge)
			iso.loaded[name] = v
			L.Push(v)
			return 1
		}
	}

	L.RaiseError("module not found: %s", name)
	return 0
}

// sourceFor resolves a require name against the plugin's file set: exact
// filename first, then with a .lua suffix.
func (iso *isolate) sourceFor(name string) (string, bool) {
	if src, ok := iso.files[name]; ok {
		return src, true
	}
	if src, ok := iso.files[name+".lua"]; ok {
		return src, true
	}
	return "", false
}

// evalModule compiles and runs one plugin file, returning its export
// value (the chunk's return value, nil if it returns nothing).
func (iso *isolate) evalModule(name, src string) (lua.LValue, error) {
	fn, err := iso.L.Load(strings.NewReader(src), name)
	if err != nil {
		return nil, err
	}
	iso.L.Push(fn)
	if err := iso.L.PCall(0, 1, nil); err != nil {
		return nil, err
	}
	v := iso.L.Get(-1)
	iso.L.Pop(1)
	return v, nil
}

// run evaluates the entry module and invokes the target function with
// the params and execution-context tables.
func (iso *isolate) run(entryPoint, function string, params, execCtx map[string]any, binders map[string]Binder) (lua.LValue, error) {
	exports, err := iso.evalModule(entryPoint, iso.files[entryPoint])
	if err != nil {
		return nil, err
	}
	iso.loaded[entryPoint] = exports

	fn := iso.lookupFunction(exports, function)
	if fn == nil {
		return nil, fmt.Errorf("Function '%s' not found in plugin", function)
	}

	iso.L.Push(fn)
	iso.L.Push(iso.bridge.ToLuaValue(params))
	iso.L.Push(iso.buildContext(execCtx, binders))
	if err := iso.L.PCall(2, 1, nil); err != nil {
		return nil, err
	}
	v := iso.L.Get(-1)
	iso.L.Pop(1)
	return v, nil
}

// runProtected wraps run with panic recovery. Registry overflow in the
// guest surfaces as a panic and must not take the host down.
func (iso *isolate) runProtected(entryPoint, function string, params, execCtx map[string]any, binders map[string]Binder) (v lua.LValue, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return iso.run(entryPoint, function, params, execCtx, binders)
}

// lookupFunction finds the target function: a field on the entry module's
// export table first, then a global the entry file defined.
func (iso *isolate) lookupFunction(exports lua.LValue, name string) *lua.LFunction {
	if t, ok := exports.(*lua.LTable); ok {
		if fn, ok := t.RawGetString(name).(*lua.LFunction); ok {
			return fn
		}
	}
	if fn, ok := iso.L.GetGlobal(name).(*lua.LFunction); ok {
		return fn
	}
	return nil
}

// buildContext converts the execution context to a table and attaches the
// host service bindings onto it.
func (iso *isolate) buildContext(execCtx map[string]any, binders map[string]Binder) *lua.LTable {
	t, _ := iso.bridge.ToLuaValue(execCtx).(*lua.LTable)
	if t == nil {
		t = iso.L.NewTable()
	}
	for name, bind := range binders {
		t.RawSetString(name, bind(iso.L, iso.bridge))
	}
	return t
}

// terminate aborts the running guest. The owning call observes the
// cancellation and disposes the isolate on its own goroutine.
func (iso *isolate) terminate() {
	if iso.cancel != nil {
		iso.cancel()
	}
}

// dispose releases the guest state. Idempotent.
func (iso *isolate) dispose() {
	iso.closeOnce.Do(func() {
		if iso.cancel != nil {
			iso.cancel()
		}
		iso.L.Close()
	})
}
