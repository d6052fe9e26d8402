// Package scene manages named sets of desired entity states.
package scene

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/scened/internal/config"
	"github.com/dokzlo13/scened/internal/core"
	"github.com/dokzlo13/scened/internal/eventbus"
)

// Domain is the entity domain of scenes
const Domain = "scene"

// StateScening is the constant state of every scene entity
const StateScening = "scening"

// Service names and data keys
const (
	ServiceCreate = "create"
	AttrBlocking  = "blocking"
	AttrSceneID   = "scene_id"
	AttrSnapshot  = "snapshot_entities"
)

// ErrSceneExists is returned when scene.create targets a configured scene
var ErrSceneExists = errors.New("scene is defined in configuration")

// attributes that describe the device rather than its state; never snapshotted
var readOnlyAttributes = map[string]bool{
	core.AttrFriendlyName: true,
	core.AttrAssumedState: true,
	core.AttrEntityID:     true,
	"unique_id":           true,
	"model":               true,
	"manufacturer":        true,
	"sw_version":          true,
}

// States is the part of the state machine scenes use
type States interface {
	Get(entityID string) (*core.State, bool)
	Set(entityID, state string, attrs map[string]any) (*core.State, error)
}

// Reproducer drives entities to desired states
type Reproducer interface {
	Reproduce(ctx context.Context, desired []core.State, blocking bool) error
}

// ServiceRegistrar registers service handlers
type ServiceRegistrar interface {
	Register(domain, service string, handler core.ServiceHandler)
}

// Publisher publishes events
type Publisher interface {
	Publish(event eventbus.Event)
}

// Store persists created scenes
type Store interface {
	Get(id string) (value Stored, version int64, err error)
	Set(id string, value Stored) error
	GetAll() (map[string]Stored, map[string]int64, error)
}

// Stored is the persisted form of a created scene
type Stored struct {
	Name   string       `json:"name"`
	States []core.State `json:"states"`
}

// Scene is a named set of desired states
type Scene struct {
	EntityID   string
	Name       string
	States     []core.State
	Configured bool
}

// EntityIDs returns the ids of the entities the scene sets
func (s *Scene) EntityIDs() []string {
	ids := make([]string, 0, len(s.States))
	for _, st := range s.States {
		ids = append(ids, st.EntityID)
	}
	return ids
}

// Manager owns all scenes and the scene domain services
type Manager struct {
	states     States
	reproducer Reproducer
	bus        Publisher
	store      Store

	mu     sync.RWMutex
	scenes map[string]*Scene
}

// NewManager creates the manager and registers scene.turn_on and scene.create.
// bus and store may be nil.
func NewManager(states States, reproducer Reproducer, services ServiceRegistrar, bus Publisher, store Store) *Manager {
	m := &Manager{
		states:     states,
		reproducer: reproducer,
		bus:        bus,
		store:      store,
		scenes:     make(map[string]*Scene),
	}

	services.Register(Domain, core.ServiceTurnOn, m.handleTurnOn)
	services.Register(Domain, ServiceCreate, m.handleCreate)

	return m
}

// LoadConfig adds configured scenes
func (m *Manager) LoadConfig(scenes []config.SceneConfig) error {
	for _, sc := range scenes {
		key := sc.ID
		if key == "" {
			key = sc.Name
		}

		desired := make([]core.State, 0, len(sc.Entities))
		for id, ent := range sc.Entities {
			id = strings.ToLower(id)
			if !core.ValidEntityID(id) {
				return fmt.Errorf("scene %s: %w: %s", sc.Name, core.ErrInvalidEntityID, id)
			}
			desired = append(desired, *core.NewState(id, ent.State, ent.Attributes))
		}
		sortStates(desired)

		if err := m.add(&Scene{
			EntityID:   Domain + "." + core.Slugify(key),
			Name:       sc.Name,
			States:     desired,
			Configured: true,
		}); err != nil {
			return err
		}
	}
	return nil
}

// LoadStored adds scenes previously created with scene.create
func (m *Manager) LoadStored() error {
	if m.store == nil {
		return nil
	}

	stored, _, err := m.store.GetAll()
	if err != nil {
		return fmt.Errorf("failed to load stored scenes: %w", err)
	}

	ids := make([]string, 0, len(stored))
	for id := range stored {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		st := stored[id]
		if existing, ok := m.Get(id); ok && existing.Configured {
			log.Warn().Str("scene", id).Msg("Stored scene shadowed by configuration, ignoring")
			continue
		}
		if err := m.add(&Scene{EntityID: id, Name: st.Name, States: st.States}); err != nil {
			return err
		}
	}
	log.Info().Int("count", len(ids)).Msg("Loaded stored scenes")
	return nil
}

func (m *Manager) add(s *Scene) error {
	m.mu.Lock()
	m.scenes[s.EntityID] = s
	m.mu.Unlock()

	_, err := m.states.Set(s.EntityID, StateScening, map[string]any{
		core.AttrFriendlyName: s.Name,
		core.AttrEntityID:     s.EntityIDs(),
	})
	if err != nil {
		return fmt.Errorf("scene %s: %w", s.EntityID, err)
	}
	log.Debug().Str("scene", s.EntityID).Int("entities", len(s.States)).Msg("Scene registered")
	return nil
}

// Get returns a scene by entity id
func (m *Manager) Get(entityID string) (*Scene, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scenes[strings.ToLower(entityID)]
	return s, ok
}

// Scenes returns all scenes sorted by entity id
func (m *Manager) Scenes() []*Scene {
	m.mu.RLock()
	out := make([]*Scene, 0, len(m.scenes))
	for _, s := range m.scenes {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// Apply reproduces a scene's states and publishes scene_applied on success
func (m *Manager) Apply(ctx context.Context, entityID string, blocking bool) error {
	s, ok := m.Get(entityID)
	if !ok {
		return fmt.Errorf("unknown scene %s", entityID)
	}

	log.Info().Str("scene", s.EntityID).Bool("blocking", blocking).Msg("Applying scene")
	if err := m.reproducer.Reproduce(ctx, s.States, blocking); err != nil {
		return fmt.Errorf("scene %s: %w", s.EntityID, err)
	}

	if m.bus != nil {
		m.bus.Publish(eventbus.Event{
			Type: eventbus.EventTypeSceneApplied,
			Data: map[string]interface{}{
				"entity_id":  s.EntityID,
				"entity_ids": s.EntityIDs(),
			},
		})
	}
	return nil
}

// Create snapshots the current states of entityIDs into scene.<slug(sceneID)>
// and persists it.
func (m *Manager) Create(sceneID string, entityIDs []string) (*Scene, error) {
	entityID := Domain + "." + core.Slugify(sceneID)
	if existing, ok := m.Get(entityID); ok && existing.Configured {
		return nil, fmt.Errorf("%w: %s", ErrSceneExists, entityID)
	}

	var snapshot []core.State
	for _, id := range entityIDs {
		st, ok := m.states.Get(id)
		if !ok {
			log.Warn().Str("entity_id", id).Str("scene", entityID).Msg("Entity not found, not adding to scene")
			continue
		}
		attrs := make(map[string]any, len(st.Attributes))
		for k, v := range st.Attributes {
			if !readOnlyAttributes[k] {
				attrs[k] = v
			}
		}
		snapshot = append(snapshot, *core.NewState(st.EntityID, st.State, attrs))
	}

	s := &Scene{EntityID: entityID, Name: sceneID, States: snapshot}

	if m.store != nil {
		if err := m.store.Set(entityID, Stored{Name: s.Name, States: s.States}); err != nil {
			return nil, fmt.Errorf("failed to persist scene %s: %w", entityID, err)
		}
	}
	if err := m.add(s); err != nil {
		return nil, err
	}

	log.Info().Str("scene", entityID).Int("entities", len(snapshot)).Msg("Scene created")
	return s, nil
}

func (m *Manager) handleTurnOn(ctx context.Context, call *core.ServiceCall) error {
	blocking := boolValue(call.Data[AttrBlocking])

	for _, id := range call.EntityIDs() {
		if err := m.Apply(ctx, id, blocking); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) handleCreate(_ context.Context, call *core.ServiceCall) error {
	sceneID, _ := call.Data[AttrSceneID].(string)
	if strings.TrimSpace(sceneID) == "" {
		return fmt.Errorf("%s is required", AttrSceneID)
	}
	ids := core.EntityIDsFromData(map[string]any{core.AttrEntityID: call.Data[AttrSnapshot]})

	_, err := m.Create(sceneID, ids)
	return err
}

func boolValue(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(b, "true")
	}
	return false
}

func sortStates(states []core.State) {
	sort.Slice(states, func(i, j int) bool { return states[i].EntityID < states[j].EntityID })
}
