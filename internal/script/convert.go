// ABOUTME: Conversions between JSON-shaped Go values and Lua values.
// ABOUTME: Sequences become []any, other tables become map[string]any, numbers stay float64.

package script

import (
	"encoding/json"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// ToLua converts a JSON-shaped Go value into a Lua value. Values of other
// types are round-tripped through encoding/json first.
func ToLua(L *lua.LState, v any) lua.LValue {
	switch t := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return t
	case bool:
		return lua.LBool(t)
	case string:
		return lua.LString(t)
	case float64:
		return lua.LNumber(t)
	case float32:
		return lua.LNumber(t)
	case int:
		return lua.LNumber(t)
	case int32:
		return lua.LNumber(t)
	case int64:
		return lua.LNumber(t)
	case uint64:
		return lua.LNumber(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return lua.LString(t.String())
		}
		return lua.LNumber(f)
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(t, &decoded); err != nil {
			return lua.LString(string(t))
		}
		return ToLua(L, decoded)
	case map[string]any:
		tbl := L.CreateTable(0, len(t))
		for k, item := range t {
			tbl.RawSetString(k, ToLua(L, item))
		}
		return tbl
	case map[string]string:
		tbl := L.CreateTable(0, len(t))
		for k, item := range t {
			tbl.RawSetString(k, lua.LString(item))
		}
		return tbl
	case []any:
		tbl := L.CreateTable(len(t), 0)
		for _, item := range t {
			tbl.Append(ToLua(L, item))
		}
		return tbl
	case []string:
		tbl := L.CreateTable(len(t), 0)
		for _, item := range t {
			tbl.Append(lua.LString(item))
		}
		return tbl
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return lua.LString(fmt.Sprint(t))
		}
		return ToLua(L, json.RawMessage(raw))
	}
}

// FromLua converts a Lua value into a JSON-shaped Go value. A table whose
// keys are exactly 1..n becomes []any; any other table, including the empty
// one, becomes map[string]any with keys rendered as strings. Functions and
// userdata become nil.
func FromLua(v lua.LValue) any {
	switch t := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(t)
	case lua.LString:
		return string(t)
	case lua.LNumber:
		return float64(t)
	case *lua.LTable:
		return tableToGo(t)
	default:
		return nil
	}
}

func tableToGo(t *lua.LTable) any {
	n := t.MaxN()
	count := 0
	t.ForEach(func(lua.LValue, lua.LValue) { count++ })

	if n > 0 && n == count {
		out := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			out = append(out, FromLua(t.RawGetInt(i)))
		}
		return out
	}

	out := make(map[string]any, count)
	t.ForEach(func(k, item lua.LValue) {
		out[k.String()] = FromLua(item)
	})
	return out
}
