package core

import (
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/scened/internal/eventbus"
)

// Publisher is the part of the event bus the state machine needs.
type Publisher interface {
	Publish(event eventbus.Event)
}

// StateMachine is the live store of entity states.
// Get always returns copies so callers cannot mutate stored states.
type StateMachine struct {
	mu     sync.RWMutex
	states map[string]*State
	bus    Publisher
}

// NewStateMachine creates an empty state machine. bus may be nil.
func NewStateMachine(bus Publisher) *StateMachine {
	return &StateMachine{
		states: make(map[string]*State),
		bus:    bus,
	}
}

// Get returns the current state of an entity.
func (m *StateMachine) Get(entityID string) (*State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.states[strings.ToLower(entityID)]
	if !ok {
		return nil, false
	}
	return s.Copy(), true
}

// Is reports whether the entity exists and has the given state.
func (m *StateMachine) Is(entityID, state string) bool {
	s, ok := m.Get(entityID)
	return ok && s.State == state
}

// Set creates or updates an entity state.
// LastChanged only moves when the state string changes; an identical write is a no-op.
func (m *StateMachine) Set(entityID, state string, attrs map[string]any) (*State, error) {
	entityID = strings.ToLower(entityID)
	if !ValidEntityID(entityID) {
		return nil, ErrInvalidEntityID
	}
	if attrs == nil {
		attrs = map[string]any{}
	}

	m.mu.Lock()
	old := m.states[entityID]
	if old != nil && old.State == state && reflect.DeepEqual(old.Attributes, attrs) {
		m.mu.Unlock()
		return old.Copy(), nil
	}

	now := time.Now().UTC()
	next := &State{
		EntityID:    entityID,
		State:       state,
		Attributes:  attrs,
		LastChanged: now,
		LastUpdated: now,
		ContextID:   uuid.NewString(),
	}
	if old != nil && old.State == state {
		next.LastChanged = old.LastChanged
	}
	m.states[entityID] = next
	m.mu.Unlock()

	log.Debug().Str("entity_id", entityID).Str("state", state).Msg("State updated")

	var oldCopy *State
	if old != nil {
		oldCopy = old.Copy()
	}
	m.publish(entityID, oldCopy, next.Copy())

	return next.Copy(), nil
}

// Remove deletes an entity. Returns false if it did not exist.
func (m *StateMachine) Remove(entityID string) bool {
	entityID = strings.ToLower(entityID)

	m.mu.Lock()
	old, ok := m.states[entityID]
	delete(m.states, entityID)
	m.mu.Unlock()

	if ok {
		m.publish(entityID, old.Copy(), nil)
	}
	return ok
}

// All returns every state sorted by entity id.
func (m *StateMachine) All() []*State {
	m.mu.RLock()
	out := make([]*State, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, s.Copy())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// EntityIDs returns sorted entity ids, optionally restricted to one domain.
func (m *StateMachine) EntityIDs(domain string) []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.states))
	for id, s := range m.states {
		if domain == "" || s.Domain() == domain {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

func (m *StateMachine) publish(entityID string, oldState, newState *State) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{
		Type: eventbus.EventTypeStateChanged,
		Data: map[string]interface{}{
			"entity_id": entityID,
			"old_state": oldState,
			"new_state": newState,
		},
	})
}

// StatesFromEvent extracts old and new states from a state_changed event.
func StatesFromEvent(e eventbus.Event) (oldState, newState *State) {
	oldState, _ = e.Data["old_state"].(*State)
	newState, _ = e.Data["new_state"].(*State)
	return oldState, newState
}
