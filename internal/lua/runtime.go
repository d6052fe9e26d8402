package lua

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/scened/internal/lua/modules"
)

// ErrRuntimeClosed is returned when the Lua runtime is closed
var ErrRuntimeClosed = fmt.Errorf("lua runtime closed")

// LuaWork represents work to be executed on the Lua VM
// All Lua execution MUST go through this to ensure thread safety
type LuaWork func(ctx context.Context, L *lua.LState)

// Runtime manages the Lua VM with single-threaded execution
type Runtime struct {
	L *lua.LState

	// Work queue for thread-safe Lua execution
	workQueue chan LuaWork

	// Closing this channel signals senders to stop
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	startOnce sync.Once
}

// NewRuntime creates a new Lua runtime with the log module preloaded and
// the states helpers installed as globals.
func NewRuntime(states modules.StateLookup, queueSize int) *Runtime {
	if queueSize <= 0 {
		queueSize = 100
	}

	L := lua.NewState()

	r := &Runtime{
		L:         L,
		workQueue: make(chan LuaWork, queueSize),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}

	r.registerModules(states)

	return r
}

// registerModules registers all Lua modules
func (r *Runtime) registerModules(states modules.StateLookup) {
	logModule := modules.NewLogModule()
	r.L.PreloadModule("log", logModule.Loader)

	statesModule := modules.NewStatesModule(states)
	r.L.PreloadModule("states", statesModule.Loader)
	statesModule.Install(r.L)
}

// Close signals the runtime to stop accepting new work and waits for the
// worker to release the Lua state. Safe to call more than once.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		close(r.closing)
	})

	r.startOnce.Do(func() {
		// Never started: nothing else owns the state
		r.L.Close()
		close(r.done)
	})
	<-r.done
}

// Do queues work to be executed on the Lua VM (thread-safe, non-blocking)
// Returns false if the runtime is closing, queue is full, or context is cancelled.
func (r *Runtime) Do(ctx context.Context, work LuaWork) bool {
	select {
	case <-r.closing:
		log.Warn().Msg("Lua runtime closing, dropping work")
		return false
	default:
	}

	select {
	case <-r.closing:
		log.Warn().Msg("Lua runtime closing, dropping work")
		return false
	case <-ctx.Done():
		log.Warn().Msg("Context cancelled, dropping Lua work")
		return false
	case r.workQueue <- work:
		return true
	default:
		log.Warn().Msg("Lua work queue full, dropping work")
		return false
	}
}

// DoSyncWithResult queues work, waits for space, and waits for the result.
func (r *Runtime) DoSyncWithResult(ctx context.Context, work func(context.Context, *lua.LState) error) error {
	done := make(chan error, 1)
	wrappedWork := LuaWork(func(c context.Context, L *lua.LState) {
		done <- work(c, L)
	})

	select {
	case <-r.closing:
		return ErrRuntimeClosed
	case <-ctx.Done():
		return ctx.Err()
	case r.workQueue <- wrappedWork:
	}

	select {
	case <-r.closing:
		return ErrRuntimeClosed
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Run starts the Lua worker goroutine - this is the ONLY goroutine that touches Lua.
// Exits when context is cancelled or runtime is closed.
func (r *Runtime) Run(ctx context.Context) {
	owner := false
	r.startOnce.Do(func() { owner = true })
	if !owner {
		return
	}
	defer close(r.done)
	defer r.L.Close()
	// Stop accepting work so pending synchronous callers are released
	defer r.closeOnce.Do(func() { close(r.closing) })

	for {
		select {
		case <-ctx.Done():
			r.drainQueue(ctx)
			return
		case <-r.closing:
			r.drainQueue(ctx)
			return
		case work := <-r.workQueue:
			r.executeWork(ctx, work)
		}
	}
}

// drainQueue processes any remaining work in the queue before exiting
func (r *Runtime) drainQueue(ctx context.Context) {
	for {
		select {
		case work := <-r.workQueue:
			r.executeWork(ctx, work)
		default:
			return
		}
	}
}

// executeWork runs a single work item with panic recovery
func (r *Runtime) executeWork(ctx context.Context, work LuaWork) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("panic", rec).
				Msg("Lua work panicked - worker continuing")
		}
	}()
	r.L.SetContext(ctx)
	work(ctx, r.L)
}
