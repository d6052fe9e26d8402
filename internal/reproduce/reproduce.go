// Package reproduce drives entities toward recorded states by calling domain services.
//
// Desired states are classified into a service call by an ordered rule table,
// entities needing an identical call are grouped, and one call is issued per group.
package reproduce

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/scened/internal/core"
)

// StateLookup is the live state store.
type StateLookup interface {
	Get(entityID string) (*core.State, bool)
}

// ServiceCaller is the service-call bus.
type ServiceCaller interface {
	Call(ctx context.Context, domain, service string, data map[string]any, blocking bool) error
}

// rule maps a desired state to a service when match returns true.
type rule struct {
	service string
	match   func(s *core.State) bool
}

// rules are evaluated in order; the first match wins.
var rules = []rule{
	{
		service: core.ServicePlayMedia,
		match: func(s *core.State) bool {
			if s.Domain() != core.DomainMediaPlayer {
				return false
			}
			_, hasType := s.Attributes[core.AttrMediaType]
			_, hasID := s.Attributes[core.AttrMediaID]
			return hasType && hasID
		},
	},
	{
		service: core.ServiceMediaPause,
		match: func(s *core.State) bool {
			return s.Domain() == core.DomainMediaPlayer && s.State == core.StatePaused
		},
	},
	{
		service: core.ServiceMediaPlay,
		match: func(s *core.State) bool {
			return s.Domain() == core.DomainMediaPlayer && s.State == core.StatePlaying
		},
	},
	{
		service: core.ServiceTurnOn,
		match:   func(s *core.State) bool { return s.State == core.StateOn },
	},
	{
		service: core.ServiceTurnOff,
		match:   func(s *core.State) bool { return s.State == core.StateOff },
	},
}

// callKey identifies calls that can be merged. params is the canonical form
// of the forwarded attributes.
type callKey struct {
	domain  string
	service string
	params  string
}

type callGroup struct {
	key       callKey
	data      map[string]any
	entityIDs []string
}

// Reproducer replays desired states against the live system.
type Reproducer struct {
	states   StateLookup
	services ServiceCaller
	logger   zerolog.Logger
}

// Option configures a Reproducer.
type Option func(*Reproducer)

// WithLogger sets the diagnostics sink. Defaults to the global logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Reproducer) { r.logger = l }
}

// New creates a Reproducer over the given state store and service bus.
func New(states StateLookup, services ServiceCaller, opts ...Option) *Reproducer {
	r := &Reproducer{
		states:   states,
		services: services,
		logger:   log.Logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReproduceState reproduces a single state.
func (r *Reproducer) ReproduceState(ctx context.Context, desired core.State, blocking bool) error {
	return r.Reproduce(ctx, []core.State{desired}, blocking)
}

// Reproduce issues at most one service call per distinct (domain, service, attributes)
// combination, in the order each combination was first seen. Unknown entities and
// states that map to no service are logged and skipped. The first failing call
// aborts dispatch and its error is returned.
func (r *Reproducer) Reproduce(ctx context.Context, desired []core.State, blocking bool) error {
	groups := r.plan(desired)

	for _, g := range groups {
		data := make(map[string]any, len(g.data)+1)
		for k, v := range g.data {
			data[k] = v
		}
		data[core.AttrEntityID] = g.entityIDs

		r.logger.Debug().
			Str("domain", g.key.domain).
			Str("service", g.key.service).
			Strs("entity_ids", g.entityIDs).
			Bool("blocking", blocking).
			Msg("Reproducing state")

		if err := r.services.Call(ctx, g.key.domain, g.key.service, data, blocking); err != nil {
			return fmt.Errorf("failed to call %s.%s: %w", g.key.domain, g.key.service, err)
		}
	}

	return nil
}

// plan classifies and groups desired states without dispatching anything.
func (r *Reproducer) plan(desired []core.State) []*callGroup {
	index := make(map[callKey]*callGroup)
	var groups []*callGroup

	for i := range desired {
		state := &desired[i]

		if _, ok := r.states.Get(state.EntityID); !ok {
			r.logger.Warn().Str("entity_id", state.EntityID).Msg("Unable to find entity")
			continue
		}

		service, ok := classify(state)
		if !ok {
			r.logger.Warn().Str("state", state.String()).Msg("Unable to reproduce state")
			continue
		}

		key := callKey{
			domain:  serviceDomain(state.Domain()),
			service: service,
			params:  canonicalParams(state.Attributes),
		}

		g, exists := index[key]
		if !exists {
			g = &callGroup{key: key, data: state.Attributes}
			index[key] = g
			groups = append(groups, g)
		}
		g.entityIDs = append(g.entityIDs, state.EntityID)
	}

	return groups
}

func classify(s *core.State) (string, bool) {
	for _, rl := range rules {
		if rl.match(s) {
			return rl.service, true
		}
	}
	return "", false
}

// serviceDomain maps group entities onto the umbrella domain.
func serviceDomain(domain string) string {
	if domain == core.DomainGroup {
		return core.DomainHomeAssistant
	}
	return domain
}

// canonicalParams encodes attributes as a JSON list of [key, value] pairs sorted
// by key, so equal maps produce equal keys whatever their iteration order.
// Keys are encoded too, so no attribute name can forge another pair.
func canonicalParams(attrs map[string]any) string {
	if len(attrs) == 0 {
		return ""
	}

	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([][2]any, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, [2]any{k, attrs[k]})
	}

	encoded, err := json.Marshal(pairs)
	if err != nil {
		return fmt.Sprintf("%#v", pairs)
	}
	return string(encoded)
}
