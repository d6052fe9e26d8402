// Package template provides switches whose state comes from a template and
// whose actions are scripts.
package template

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/scened/internal/core"
	"github.com/dokzlo13/scened/internal/entity"
	"github.com/dokzlo13/scened/internal/eventbus"
)

// Domain is the entity domain of template switches
const Domain = "switch"

// AttrUniqueID is the attribute carrying the configured unique id
const AttrUniqueID = "unique_id"

// Renderer evaluates a value template
type Renderer interface {
	Render(ctx context.Context, tpl string) (any, error)
}

// Runner is a script
type Runner interface {
	Run(ctx context.Context) error
}

// Restorer loads and saves the last state of assumed-state switches
type Restorer interface {
	LastState(entityID string) (*core.State, error)
	Save(s *core.State) error
}

// Config describes one template switch
type Config struct {
	ObjectID      string
	FriendlyName  string
	UniqueID      string
	ValueTemplate string
	TurnOn        Runner
	TurnOff       Runner
}

// Switch is a template switch.
// Without a value template the state is assumed: set optimistically after the
// scripts run and persisted across restarts.
type Switch struct {
	entityID  string
	name      string
	uniqueID  string
	template  string
	onScript  Runner
	offScript Runner

	renderer Renderer
	restore  Restorer

	mu sync.RWMutex
	on *bool // nil while the template errors
}

var _ entity.Switchable = (*Switch)(nil)

// NewSwitch creates a switch. renderer may be nil without a value template,
// restore may be nil to disable persistence.
func NewSwitch(cfg Config, renderer Renderer, restore Restorer) *Switch {
	name := cfg.FriendlyName
	if name == "" {
		name = cfg.ObjectID
	}
	off := false
	return &Switch{
		entityID:  Domain + "." + core.Slugify(cfg.ObjectID),
		name:      name,
		uniqueID:  cfg.UniqueID,
		template:  strings.TrimSpace(cfg.ValueTemplate),
		onScript:  cfg.TurnOn,
		offScript: cfg.TurnOff,
		renderer:  renderer,
		restore:   restore,
		on:        &off,
	}
}

// EntityID implements entity.Entity
func (s *Switch) EntityID() string {
	return s.entityID
}

// AssumedState reports whether the switch has no value template
func (s *Switch) AssumedState() bool {
	return s.template == ""
}

// State implements entity.Entity
func (s *Switch) State() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch {
	case s.on == nil:
		return core.StateUnavailable
	case *s.on:
		return core.StateOn
	default:
		return core.StateOff
	}
}

// Attributes implements entity.Entity
func (s *Switch) Attributes() map[string]any {
	attrs := map[string]any{core.AttrFriendlyName: s.name}
	if s.uniqueID != "" {
		attrs[AttrUniqueID] = s.uniqueID
	}
	if s.AssumedState() {
		attrs[core.AttrAssumedState] = true
	}
	return attrs
}

// TurnOn implements entity.Switchable
func (s *Switch) TurnOn(ctx context.Context, _ map[string]any) error {
	if err := s.onScript.Run(ctx); err != nil {
		return err
	}
	s.assume(true)
	return nil
}

// TurnOff implements entity.Switchable
func (s *Switch) TurnOff(ctx context.Context, _ map[string]any) error {
	if err := s.offScript.Run(ctx); err != nil {
		return err
	}
	s.assume(false)
	return nil
}

// assume sets and persists the state of an assumed-state switch
func (s *Switch) assume(on bool) {
	if !s.AssumedState() {
		return
	}
	s.set(&on)

	if s.restore == nil {
		return
	}
	st := core.NewState(s.entityID, s.State(), s.Attributes())
	if err := s.restore.Save(st); err != nil {
		log.Warn().Err(err).Str("entity_id", s.entityID).Msg("Failed to persist switch state")
	}
}

// Restore loads the last persisted state of an assumed-state switch
func (s *Switch) Restore() {
	if !s.AssumedState() || s.restore == nil {
		return
	}
	last, err := s.restore.LastState(s.entityID)
	if err != nil {
		log.Warn().Err(err).Str("entity_id", s.entityID).Msg("Failed to load last switch state")
		return
	}
	if last == nil {
		return
	}
	on := last.State == core.StateOn
	s.set(&on)
	log.Debug().Str("entity_id", s.entityID).Str("state", last.State).Msg("Restored switch state")
}

// Update re-renders the value template. It reports whether the state changed.
func (s *Switch) Update(ctx context.Context) bool {
	if s.AssumedState() {
		return false
	}

	before := s.State()

	result, err := s.renderer.Render(ctx, s.template)
	if err != nil {
		log.Warn().Err(err).Str("entity_id", s.entityID).Msg("Value template failed")
		s.set(nil)
	} else {
		on := resultIsOn(result)
		s.set(&on)
	}

	return s.State() != before
}

func (s *Switch) set(on *bool) {
	s.mu.Lock()
	s.on = on
	s.mu.Unlock()
}

// resultIsOn maps a rendered value to on/off: booleans as is, strings when
// they read "true" or "on", anything else off.
func resultIsOn(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		lower := strings.ToLower(strings.TrimSpace(val))
		return lower == "true" || lower == core.StateOn
	default:
		return false
	}
}

// Subscriber is the part of the event bus the platform listens on
type Subscriber interface {
	Subscribe(eventType eventbus.EventType, handler eventbus.Handler)
}

// Platform registers template switches and keeps templated ones current
type Platform struct {
	component *entity.Component
	switches  []*Switch
	own       map[string]bool
	quiet     time.Duration
	collector eventbus.Collector
}

// Option configures the platform
type Option func(*Platform)

// WithQuietPeriod re-renders templates once state changes have been quiet for d
// instead of on every change.
func WithQuietPeriod(d time.Duration) Option {
	return func(p *Platform) { p.quiet = d }
}

// Setup adds the switches to the component, restores assumed states, renders
// templates once and re-renders them on state changes.
func Setup(ctx context.Context, component *entity.Component, bus Subscriber, switches []*Switch, opts ...Option) (*Platform, error) {
	p := &Platform{
		component: component,
		switches:  switches,
		own:       make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}

	for _, sw := range switches {
		sw.Restore()
		sw.Update(ctx)
		if err := component.Add(sw); err != nil {
			return nil, err
		}
		p.own[sw.EntityID()] = true
		log.Info().Str("entity_id", sw.EntityID()).Bool("assumed_state", sw.AssumedState()).Msg("Template switch added")
	}

	if bus != nil {
		p.collector = eventbus.NewCollector(p.quiet, p.rerender)
		bus.Subscribe(eventbus.EventTypeStateChanged, p.onStateChanged)
	}
	return p, nil
}

// Close stops pending re-renders
func (p *Platform) Close() {
	if p.collector != nil {
		p.collector.Close()
	}
}

func (p *Platform) onStateChanged(e eventbus.Event) {
	entityID, _ := e.Data["entity_id"].(string)
	if p.own[entityID] {
		return
	}
	p.collector.Add(e)
}

func (p *Platform) rerender(events []eventbus.Event) {
	ctx := context.Background()
	for _, sw := range p.switches {
		if sw.AssumedState() {
			continue
		}
		if sw.Update(ctx) {
			if err := p.component.WriteState(sw); err != nil {
				log.Error().Err(err).Str("entity_id", sw.EntityID()).Msg("Failed to write switch state")
			}
		}
	}
	log.Debug().Int("changes", len(events)).Int("switches", len(p.switches)).Msg("Template switches re-rendered")
}
