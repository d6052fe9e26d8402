// Package group keeps config-defined entity groups in the state machine.
package group

import (
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/scened/internal/core"
	"github.com/dokzlo13/scened/internal/eventbus"
)

// States is the part of the state machine groups read and write
type States interface {
	Get(entityID string) (*core.State, bool)
	Set(entityID, state string, attrs map[string]any) (*core.State, error)
}

// Subscriber is the part of the event bus groups listen on
type Subscriber interface {
	Subscribe(eventType eventbus.EventType, handler eventbus.Handler)
}

// Group is one entity group
type Group struct {
	EntityID string
	Name     string
	Members  []string
}

// Component tracks all groups and recomputes them on member changes
type Component struct {
	states States

	mu       sync.RWMutex
	groups   []*Group
	byMember map[string][]*Group
}

// NewComponent creates an empty group component and subscribes it to state changes
func NewComponent(states States, bus Subscriber) *Component {
	c := &Component{
		states:   states,
		byMember: make(map[string][]*Group),
	}
	if bus != nil {
		bus.Subscribe(eventbus.EventTypeStateChanged, c.onStateChanged)
	}
	return c
}

// Add registers a group under group.<slug(key)> and writes its state
func (c *Component) Add(key, name string, members []string) (*Group, error) {
	g := &Group{
		EntityID: core.DomainGroup + "." + core.Slugify(key),
		Name:     name,
	}
	for _, m := range members {
		m = strings.ToLower(strings.TrimSpace(m))
		if !core.ValidEntityID(m) {
			log.Warn().Str("group", g.EntityID).Str("member", m).Msg("Ignoring invalid group member")
			continue
		}
		g.Members = append(g.Members, m)
	}
	if g.Name == "" {
		g.Name = key
	}

	c.mu.Lock()
	c.groups = append(c.groups, g)
	for _, m := range g.Members {
		c.byMember[m] = append(c.byMember[m], g)
	}
	c.mu.Unlock()

	if err := c.update(g); err != nil {
		return nil, err
	}
	log.Info().Str("group", g.EntityID).Int("members", len(g.Members)).Msg("Group registered")
	return g, nil
}

// Groups returns all registered groups
func (c *Component) Groups() []*Group {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Group(nil), c.groups...)
}

// State computes a group's state: on if any member is on
func (c *Component) State(g *Group) string {
	for _, m := range g.Members {
		if s, ok := c.states.Get(m); ok && s.State == core.StateOn {
			return core.StateOn
		}
	}
	return core.StateOff
}

func (c *Component) update(g *Group) error {
	_, err := c.states.Set(g.EntityID, c.State(g), map[string]any{
		core.AttrEntityID:     append([]string(nil), g.Members...),
		core.AttrFriendlyName: g.Name,
	})
	return err
}

func (c *Component) onStateChanged(e eventbus.Event) {
	entityID, _ := e.Data["entity_id"].(string)

	c.mu.RLock()
	affected := append([]*Group(nil), c.byMember[entityID]...)
	c.mu.RUnlock()

	for _, g := range affected {
		if err := c.update(g); err != nil {
			log.Error().Err(err).Str("group", g.EntityID).Msg("Failed to update group state")
		}
	}
}
