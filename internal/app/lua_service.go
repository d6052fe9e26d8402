package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/scened/internal/config"
	"github.com/dokzlo13/scened/internal/core"
	luart "github.com/dokzlo13/scened/internal/lua"
	"github.com/dokzlo13/scened/internal/template"
)

// LuaService wraps the Lua runtime and the template engine that evaluates on it.
type LuaService struct {
	Runtime   *luart.Runtime
	Templates *template.Engine
}

// NewLuaService creates the runtime with state helpers bound to states.
func NewLuaService(cfg *config.Config, states *core.StateMachine) *LuaService {
	runtime := luart.NewRuntime(states, cfg.Services.QueueSize)
	return &LuaService{
		Runtime:   runtime,
		Templates: template.NewEngine(runtime),
	}
}

// CompileTemplates checks every configured template before anything runs.
func (s *LuaService) CompileTemplates(cfg *config.Config) error {
	for id, sw := range cfg.Switches {
		templates := []string{sw.ValueTemplate}
		for _, step := range append(append([]config.ScriptStep{}, sw.TurnOn...), sw.TurnOff...) {
			templates = append(templates, step.Condition)
		}
		for _, tpl := range templates {
			if tpl == "" {
				continue
			}
			if err := s.Templates.Compile(tpl); err != nil {
				log.Error().Str("switch", id).Err(err).Msg("Invalid template")
				return err
			}
		}
	}
	return nil
}

// Start begins the Lua worker goroutine.
func (s *LuaService) Start(ctx context.Context) {
	// The worker is the only goroutine that touches Lua
	go s.Runtime.Run(ctx)
}

// Close closes the Lua runtime.
func (s *LuaService) Close() {
	if s.Runtime != nil {
		s.Runtime.Close()
	}
}
