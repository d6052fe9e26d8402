// Package script runs sequences of service calls, delays and conditions.
package script

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/scened/internal/config"
	"github.com/dokzlo13/scened/internal/core"
)

// ServiceCaller dispatches service calls
type ServiceCaller interface {
	Call(ctx context.Context, domain, service string, data map[string]any, blocking bool) error
}

// ConditionRenderer evaluates condition templates
type ConditionRenderer interface {
	RenderBool(ctx context.Context, tpl string) (bool, error)
}

// Step is one script step. Exactly one of Service, Delay or Condition is set.
type Step struct {
	Service   string
	Data      map[string]any
	EntityIDs []string
	Delay     time.Duration
	Condition string
}

func (s Step) validate() error {
	set := 0
	if s.Service != "" {
		set++
		if _, _, err := splitService(s.Service); err != nil {
			return err
		}
	}
	if s.Delay > 0 {
		set++
	}
	if s.Condition != "" {
		set++
	}
	if set != 1 {
		return fmt.Errorf("step must have exactly one of service, delay or condition")
	}
	return nil
}

// StepsFromConfig converts configured steps
func StepsFromConfig(steps []config.ScriptStep) []Step {
	out := make([]Step, 0, len(steps))
	for _, s := range steps {
		step := Step{
			Service:   s.Service,
			Data:      s.Data,
			Delay:     s.Delay.Duration(),
			Condition: s.Condition,
		}
		if s.Target != nil {
			step.EntityIDs = append(step.EntityIDs, s.Target.EntityID...)
		}
		out = append(out, step)
	}
	return out
}

// Script is a named sequence of steps
type Script struct {
	Name  string
	Steps []Step

	services   ServiceCaller
	conditions ConditionRenderer
}

// New validates steps and creates a script. conditions may be nil when no
// step has a condition.
func New(name string, steps []Step, services ServiceCaller, conditions ConditionRenderer) (*Script, error) {
	for i, step := range steps {
		if err := step.validate(); err != nil {
			return nil, fmt.Errorf("script %s step %d: %w", name, i+1, err)
		}
		if step.Condition != "" && conditions == nil {
			return nil, fmt.Errorf("script %s step %d: conditions are not available", name, i+1)
		}
	}
	return &Script{
		Name:       name,
		Steps:      steps,
		services:   services,
		conditions: conditions,
	}, nil
}

// Run executes the steps in order. Service calls are blocking.
// A false condition ends the run without error.
func (s *Script) Run(ctx context.Context) error {
	logger := log.With().Str("script", s.Name).Logger()
	logger.Debug().Int("steps", len(s.Steps)).Msg("Running script")

	for i, step := range s.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch {
		case step.Service != "":
			domain, service, _ := splitService(step.Service)
			if err := s.services.Call(ctx, domain, service, step.callData(), true); err != nil {
				return fmt.Errorf("script %s step %d: %w", s.Name, i+1, err)
			}

		case step.Delay > 0:
			timer := time.NewTimer(step.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}

		case step.Condition != "":
			ok, err := s.conditions.RenderBool(ctx, step.Condition)
			if err != nil {
				return fmt.Errorf("script %s step %d: %w", s.Name, i+1, err)
			}
			if !ok {
				logger.Debug().Int("step", i+1).Msg("Condition false, stopping script")
				return nil
			}
		}
	}
	return nil
}

func (s Step) callData() map[string]any {
	data := make(map[string]any, len(s.Data)+1)
	for k, v := range s.Data {
		data[k] = v
	}
	if len(s.EntityIDs) > 0 {
		data[core.AttrEntityID] = append([]string(nil), s.EntityIDs...)
	}
	return data
}

func splitService(s string) (domain, service string, err error) {
	domain, service, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok || domain == "" || service == "" {
		return "", "", fmt.Errorf("invalid service %q, expected <domain>.<service>", s)
	}
	return strings.ToLower(domain), strings.ToLower(service), nil
}
