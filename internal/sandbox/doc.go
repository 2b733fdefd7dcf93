// Package sandbox executes untrusted plugin code in disposable Lua
// isolates built on gopher-lua.
//
// This package provides:
//   - Per-call isolated guest states with memory and wall-clock ceilings
//   - Enumerated module loading (plugin files + host allow-list)
//   - Go-Lua type conversion bridge
//   - Host service bindings attached to the execution context
//
// # Engine
//
// The Engine is the only long-lived object. Each Execute call builds a
// fresh isolate, runs the guest to completion, and disposes the isolate;
// nothing the guest creates survives the call:
//
//	engine := sandbox.NewEngine(registry, logger)
//	result := engine.Execute(ctx, sandbox.Request{
//	    ExecutionID: id,
//	    Files:       files,
//	    EntryPoint:  "index.lua",
//	    Function:    "execute",
//	    Params:      params,
//	    Config:      cfg,
//	})
//
// The result is always a value: guest errors, timeouts, and memory
// exhaustion come back as Result{Success: false} with a normalized
// message, never as a Go error or panic.
//
// # Isolation
//
// Isolates open only the base, table, string, and math libraries.
// dofile, loadfile, load, and loadstring are removed; io, os, debug, and
// package are never opened. require is replaced with enumerated lookup:
// the plugin's own declared files (exact name, then name + ".lua"), then
// host modules named in the manifest's allowedModules. Anything else
// raises "module not found".
//
// Wall-clock limits are host-enforced through the state's context, so a
// busy-looping guest is aborted mid-execution. Memory is capped through
// the state's registry ceiling, derived from the configured byte limit.
//
// # Bridge
//
// The Bridge converts values crossing the boundary:
//
//	luaVal := bridge.ToLuaValue(map[string]any{"count": 42})
//	goVal := bridge.ToGoValue(luaVal)
//
// Contiguous integer-keyed tables become []any, other tables become
// map[string]any, and circular references are broken with nil.
package sandbox
