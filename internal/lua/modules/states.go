package modules

import (
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/scened/internal/core"
)

// StateUnknown is what states() returns for a missing entity
const StateUnknown = "unknown"

// StateLookup reads entity states for template helpers
type StateLookup interface {
	Get(entityID string) (*core.State, bool)
}

// StatesModule provides entity state helpers to Lua.
// Available both as require("states") and as globals.
type StatesModule struct {
	states StateLookup
	now    func() time.Time
}

// NewStatesModule creates a new states module
func NewStatesModule(states StateLookup) *StatesModule {
	return &StatesModule{states: states, now: time.Now}
}

// Loader is the module loader for Lua
func (m *StatesModule) Loader(L *lua.LState) int {
	mod := L.NewTable()
	for name, fn := range m.functions() {
		L.SetField(mod, name, L.NewFunction(fn))
	}
	L.Push(mod)
	return 1
}

// Install sets the helpers as globals
func (m *StatesModule) Install(L *lua.LState) {
	for name, fn := range m.functions() {
		L.SetGlobal(name, L.NewFunction(fn))
	}
}

func (m *StatesModule) functions() map[string]lua.LGFunction {
	return map[string]lua.LGFunction{
		"states":     m.stateOf,
		"is_state":   m.isState,
		"state_attr": m.stateAttr,
		"now":        m.nowSeconds,
	}
}

// states(entity_id) -> state string, "unknown" when missing
func (m *StatesModule) stateOf(L *lua.LState) int {
	id := L.CheckString(1)
	if s, ok := m.states.Get(id); ok {
		L.Push(lua.LString(s.State))
	} else {
		L.Push(lua.LString(StateUnknown))
	}
	return 1
}

// is_state(entity_id, state) -> bool
func (m *StatesModule) isState(L *lua.LState) int {
	id := L.CheckString(1)
	want := L.CheckString(2)
	s, ok := m.states.Get(id)
	L.Push(lua.LBool(ok && s.State == want))
	return 1
}

// state_attr(entity_id, name) -> attribute value or nil
func (m *StatesModule) stateAttr(L *lua.LState) int {
	id := L.CheckString(1)
	name := L.CheckString(2)
	s, ok := m.states.Get(id)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(GoToLuaValue(L, s.Attributes[name]))
	return 1
}

// now() -> unix time in seconds
func (m *StatesModule) nowSeconds(L *lua.LState) int {
	L.Push(GoToLuaValue(L, m.now()))
	return 1
}
