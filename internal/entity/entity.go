// Package entity binds device-like objects to the state machine and service bus.
package entity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/scened/internal/core"
)

// Entity is anything that owns a state in the state machine
type Entity interface {
	EntityID() string
	State() string
	Attributes() map[string]any
}

// Switchable entities handle turn_on and turn_off.
// data is the service data without entity_id.
type Switchable interface {
	Entity
	TurnOn(ctx context.Context, data map[string]any) error
	TurnOff(ctx context.Context, data map[string]any) error
}

// Toggler entities implement toggle themselves instead of the
// on/off fallback.
type Toggler interface {
	Toggle(ctx context.Context, data map[string]any) error
}

// StateWriter is the part of the state machine a component writes to
type StateWriter interface {
	Set(entityID, state string, attrs map[string]any) (*core.State, error)
	Remove(entityID string) bool
}

// ServiceRegistrar is the part of the service bus a component registers on
type ServiceRegistrar interface {
	Register(domain, service string, handler core.ServiceHandler)
}

// Component owns the entities of one domain
type Component struct {
	domain string
	states StateWriter

	mu       sync.RWMutex
	entities map[string]Entity
	order    []string
}

// NewComponent creates a component for domain and registers its
// turn_on, turn_off and toggle services.
func NewComponent(domain string, states StateWriter, services ServiceRegistrar) *Component {
	c := &Component{
		domain:   strings.ToLower(domain),
		states:   states,
		entities: make(map[string]Entity),
	}

	services.Register(c.domain, core.ServiceTurnOn, c.handle(core.ServiceTurnOn))
	services.Register(c.domain, core.ServiceTurnOff, c.handle(core.ServiceTurnOff))
	services.Register(c.domain, core.ServiceToggle, c.handle(core.ServiceToggle))

	return c
}

// Domain returns the component's domain
func (c *Component) Domain() string {
	return c.domain
}

// Add registers an entity and writes its current state
func (c *Component) Add(e Entity) error {
	id := strings.ToLower(e.EntityID())
	domain, _, err := core.SplitEntityID(id)
	if err != nil {
		return err
	}
	if domain != c.domain {
		return fmt.Errorf("entity %s does not belong to domain %s", id, c.domain)
	}

	c.mu.Lock()
	if _, exists := c.entities[id]; !exists {
		c.order = append(c.order, id)
	}
	c.entities[id] = e
	c.mu.Unlock()

	return c.WriteState(e)
}

// Remove drops an entity and its state
func (c *Component) Remove(entityID string) {
	entityID = strings.ToLower(entityID)

	c.mu.Lock()
	if _, ok := c.entities[entityID]; ok {
		delete(c.entities, entityID)
		for i, id := range c.order {
			if id == entityID {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()

	c.states.Remove(entityID)
}

// Get returns a registered entity
func (c *Component) Get(entityID string) (Entity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entities[strings.ToLower(entityID)]
	return e, ok
}

// Entities returns entities in registration order
func (c *Component) Entities() []Entity {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Entity, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.entities[id])
	}
	return out
}

// WriteState publishes the entity's current state
func (c *Component) WriteState(e Entity) error {
	_, err := c.states.Set(e.EntityID(), e.State(), e.Attributes())
	return err
}

// WriteAll republishes every entity's state
func (c *Component) WriteAll() {
	for _, e := range c.Entities() {
		if err := c.WriteState(e); err != nil {
			log.Warn().Err(err).Str("entity_id", e.EntityID()).Msg("Failed to write entity state")
		}
	}
}

// targets resolves the entity_id of a call to this component's entities.
// Absent entity_id or "all" selects every entity.
func (c *Component) targets(call *core.ServiceCall) []Entity {
	ids := call.EntityIDs()
	if len(ids) == 0 || (len(ids) == 1 && ids[0] == "all") {
		return c.Entities()
	}

	var out []Entity
	for _, id := range ids {
		e, ok := c.Get(id)
		if !ok {
			log.Warn().Str("entity_id", id).Str("domain", c.domain).Msg("Service call targets unknown entity")
			continue
		}
		out = append(out, e)
	}
	return out
}

func (c *Component) handle(service string) core.ServiceHandler {
	return func(ctx context.Context, call *core.ServiceCall) error {
		data := core.WithoutEntityID(call.Data)

		var errs []error
		for _, e := range c.targets(call) {
			sw, ok := e.(Switchable)
			if !ok {
				log.Warn().Str("entity_id", e.EntityID()).Str("service", service).Msg("Entity does not support service")
				continue
			}

			if err := c.apply(ctx, sw, service, data); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", e.EntityID(), err))
				continue
			}
			if err := c.WriteState(e); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

func (c *Component) apply(ctx context.Context, sw Switchable, service string, data map[string]any) error {
	switch service {
	case core.ServiceTurnOn:
		return sw.TurnOn(ctx, data)
	case core.ServiceTurnOff:
		return sw.TurnOff(ctx, data)
	case core.ServiceToggle:
		if t, ok := sw.(Toggler); ok {
			return t.Toggle(ctx, data)
		}
		if sw.State() == core.StateOn {
			return sw.TurnOff(ctx, data)
		}
		return sw.TurnOn(ctx, data)
	}
	return fmt.Errorf("unsupported service %s", service)
}
