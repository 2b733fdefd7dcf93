package sandbox

import (
	"encoding/base64"
	"encoding/json"
	"math"
	"regexp"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// Caps for guest-visible time operations.
const (
	maxSleep = time.Second // per time.sleep call
)

// jsonModule exposes encode/decode between Lua tables and JSON text.
type jsonModule struct{}

func (jsonModule) Name() string { return "json" }

func (jsonModule) Load(L *lua.LState, b *Bridge) lua.LValue {
	t := L.NewTable()

	L.SetField(t, "encode", L.NewFunction(func(L *lua.LState) int {
		v := b.ToGoValue(L.CheckAny(1))
		data, err := json.Marshal(v)
		if err != nil {
			L.RaiseError("json encode: %s", err.Error())
			return 0
		}
		L.Push(lua.LString(data))
		return 1
	}))

	L.SetField(t, "decode", L.NewFunction(func(L *lua.LState) int {
		var v any
		if err := json.Unmarshal([]byte(L.CheckString(1)), &v); err != nil {
			L.RaiseError("json decode: %s", err.Error())
			return 0
		}
		L.Push(b.ToLuaValue(v))
		return 1
	}))

	return t
}

// base64Module exposes standard base64 encoding.
type base64Module struct{}

func (base64Module) Name() string { return "base64" }

func (base64Module) Load(L *lua.LState, _ *Bridge) lua.LValue {
	t := L.NewTable()

	L.SetField(t, "encode", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(base64.StdEncoding.EncodeToString([]byte(L.CheckString(1)))))
		return 1
	}))

	L.SetField(t, "decode", L.NewFunction(func(L *lua.LState) int {
		decoded, err := base64.StdEncoding.DecodeString(L.CheckString(1))
		if err != nil {
			L.RaiseError("base64 decode: %s", err.Error())
			return 0
		}
		L.Push(lua.LString(decoded))
		return 1
	}))

	return t
}

// timeModule exposes clock reads and a capped sleep. Sleeps respect the
// call's deadline: a sleep that outlives the budget aborts the guest.
type timeModule struct{}

func (timeModule) Name() string { return "time" }

func (timeModule) Load(L *lua.LState, _ *Bridge) lua.LValue {
	t := L.NewTable()

	L.SetField(t, "now_ms", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(time.Now().UnixMilli()))
		return 1
	}))

	L.SetField(t, "now_iso", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(time.Now().UTC().Format(time.RFC3339)))
		return 1
	}))

	L.SetField(t, "sleep", L.NewFunction(func(L *lua.LState) int {
		d := time.Duration(L.CheckNumber(1)) * time.Millisecond
		if d < 0 {
			d = 0
		}
		if d > maxSleep {
			d = maxSleep
		}
		if err := sleepGuest(L, d); err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		return 0
	}))

	return t
}

// stringsModule exposes common string helpers.
type stringsModule struct{}

func (stringsModule) Name() string { return "strings" }

func (stringsModule) Load(L *lua.LState, _ *Bridge) lua.LValue {
	t := L.NewTable()

	L.SetField(t, "trim", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(strings.TrimSpace(L.CheckString(1))))
		return 1
	}))

	L.SetField(t, "split", L.NewFunction(func(L *lua.LState) int {
		parts := strings.Split(L.CheckString(1), L.CheckString(2))
		out := L.NewTable()
		for i, p := range parts {
			out.RawSetInt(i+1, lua.LString(p))
		}
		L.Push(out)
		return 1
	}))

	L.SetField(t, "contains", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(strings.Contains(L.CheckString(1), L.CheckString(2))))
		return 1
	}))

	L.SetField(t, "lower", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(strings.ToLower(L.CheckString(1))))
		return 1
	}))

	L.SetField(t, "upper", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(strings.ToUpper(L.CheckString(1))))
		return 1
	}))

	L.SetField(t, "replace", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(strings.ReplaceAll(L.CheckString(1), L.CheckString(2), L.CheckString(3))))
		return 1
	}))

	return t
}

// regexModule exposes RE2 pattern matching. RE2 has no backtracking, so
// guest patterns cannot blow up match time.
type regexModule struct{}

func (regexModule) Name() string { return "regex" }

func (regexModule) Load(L *lua.LState, _ *Bridge) lua.LValue {
	t := L.NewTable()

	compile := func(L *lua.LState) *regexp.Regexp {
		re, err := regexp.Compile(L.CheckString(1))
		if err != nil {
			L.RaiseError("invalid pattern: %s", err.Error())
			return nil
		}
		return re
	}

	L.SetField(t, "match", L.NewFunction(func(L *lua.LState) int {
		re := compile(L)
		L.Push(lua.LBool(re.MatchString(L.CheckString(2))))
		return 1
	}))

	L.SetField(t, "find", L.NewFunction(func(L *lua.LState) int {
		re := compile(L)
		loc := re.FindStringIndex(L.CheckString(2))
		if loc == nil {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LString(L.CheckString(2)[loc[0]:loc[1]]))
		return 1
	}))

	L.SetField(t, "find_all", L.NewFunction(func(L *lua.LState) int {
		re := compile(L)
		out := L.NewTable()
		for i, m := range re.FindAllString(L.CheckString(2), -1) {
			out.RawSetInt(i+1, lua.LString(m))
		}
		L.Push(out)
		return 1
	}))

	return t
}

// mathExtraModule exposes numeric helpers beyond the safe math library.
type mathExtraModule struct{}

func (mathExtraModule) Name() string { return "math.extra" }

func (mathExtraModule) Load(L *lua.LState, _ *Bridge) lua.LValue {
	t := L.NewTable()

	L.SetField(t, "round", L.NewFunction(func(L *lua.LState) int {
		v := float64(L.CheckNumber(1))
		digits := float64(L.OptNumber(2, 0))
		factor := math.Pow(10, digits)
		L.Push(lua.LNumber(math.Round(v*factor) / factor))
		return 1
	}))

	L.SetField(t, "clamp", L.NewFunction(func(L *lua.LState) int {
		v := float64(L.CheckNumber(1))
		lo := float64(L.CheckNumber(2))
		hi := float64(L.CheckNumber(3))
		L.Push(lua.LNumber(math.Min(math.Max(v, lo), hi)))
		return 1
	}))

	return t
}
