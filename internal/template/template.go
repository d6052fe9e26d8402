// Package template renders Lua expression templates against live entity state.
package template

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/dokzlo13/scened/internal/lua/modules"
)

// ErrTemplate wraps every compile or evaluation failure
var ErrTemplate = errors.New("template error")

// Executor runs work on the Lua VM goroutine
type Executor interface {
	DoSyncWithResult(ctx context.Context, work func(context.Context, *lua.LState) error) error
}

// Engine compiles and renders templates. Compiled chunks are cached by source.
type Engine struct {
	exec Executor

	mu    sync.Mutex
	cache map[string]*lua.FunctionProto
}

// NewEngine creates a template engine on top of a Lua executor
func NewEngine(exec Executor) *Engine {
	return &Engine{
		exec:  exec,
		cache: make(map[string]*lua.FunctionProto),
	}
}

// Compile validates a template without evaluating it
func (e *Engine) Compile(tpl string) error {
	_, err := e.compile(tpl)
	return err
}

// Render evaluates a template and returns its value converted to Go.
// A template is either an expression ("is_state('light.a', 'on')") or a
// chunk with an explicit return statement.
func (e *Engine) Render(ctx context.Context, tpl string) (any, error) {
	proto, err := e.compile(tpl)
	if err != nil {
		return nil, err
	}

	var result any
	err = e.exec.DoSyncWithResult(ctx, func(_ context.Context, L *lua.LState) error {
		L.SetContext(ctx)
		defer L.RemoveContext()

		L.Push(L.NewFunctionFromProto(proto))
		if err := L.PCall(0, 1, nil); err != nil {
			return fmt.Errorf("%w: %v", ErrTemplate, err)
		}
		ret := L.Get(-1)
		L.Pop(1)
		result = modules.LuaToGo(ret)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RenderBool evaluates a template and applies Truthy to the result
func (e *Engine) RenderBool(ctx context.Context, tpl string) (bool, error) {
	v, err := e.Render(ctx, tpl)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

func (e *Engine) compile(tpl string) (*lua.FunctionProto, error) {
	tpl = strings.TrimSpace(tpl)
	if tpl == "" {
		return nil, fmt.Errorf("%w: empty template", ErrTemplate)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if proto, ok := e.cache[tpl]; ok {
		return proto, nil
	}

	proto, err := compileChunk("return "+tpl, tpl)
	if err != nil {
		var chunkErr error
		proto, chunkErr = compileChunk(tpl, tpl)
		if chunkErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrTemplate, chunkErr)
		}
	}

	e.cache[tpl] = proto
	return proto, nil
}

func compileChunk(src, name string) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(strings.NewReader(src), name)
	if err != nil {
		return nil, err
	}
	return lua.Compile(chunk, name)
}

// Truthy reports whether a rendered value counts as true.
// Booleans are themselves and numbers are true when non-zero. Strings are
// true for "true", "on", "yes" or a non-zero number.
func Truthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case float64:
		return val != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "on", "yes":
			return true
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return err == nil && n != 0
	default:
		return false
	}
}
