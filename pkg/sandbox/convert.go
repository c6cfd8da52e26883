package sandbox

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// goToLua converts a decoded payload value into a Lua value. Maps and
// slices convert recursively; anything unrecognized degrades to its string
// form rather than leaking a host object into the interpreter.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case float64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case []byte:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for _, item := range val {
			tbl.Append(goToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			L.SetField(tbl, k, goToLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaToGo converts a fragment's return value back into a plain Go value.
// Tables with a contiguous integer prefix become slices, everything else
// becomes a string-keyed map.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		return tableToGo(val)
	default:
		return val.String()
	}
}

func tableToGo(tbl *lua.LTable) any {
	maxn := tbl.MaxN()
	if maxn > 0 {
		// Array part only: non-integer keys on a sequence are dropped.
		out := make([]any, 0, maxn)
		for i := 1; i <= maxn; i++ {
			out = append(out, luaToGo(tbl.RawGetInt(i)))
		}
		return out
	}
	out := make(map[string]any)
	tbl.ForEach(func(k, v lua.LValue) {
		out[k.String()] = luaToGo(v)
	})
	return out
}
