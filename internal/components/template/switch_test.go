package template

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/scened/internal/core"
	"github.com/dokzlo13/scened/internal/entity"
	"github.com/dokzlo13/scened/internal/eventbus"
)

type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }

type rendererFunc func(tpl string) (any, error)

func (f rendererFunc) Render(_ context.Context, tpl string) (any, error) { return f(tpl) }

type memRestore struct {
	mu     sync.Mutex
	states map[string]*core.State
}

func (m *memRestore) LastState(id string) (*core.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[id], nil
}

func (m *memRestore) Save(s *core.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.states == nil {
		m.states = map[string]*core.State{}
	}
	m.states[s.EntityID] = s
	return nil
}

func noop(context.Context) error { return nil }

func newComponent(t *testing.T, bus core.Publisher) (*entity.Component, *core.StateMachine, *core.ServiceRegistry) {
	t.Helper()
	states := core.NewStateMachine(bus)
	services := core.NewServiceRegistry(nil, nil, 0, 0)
	t.Cleanup(func() { services.Close(context.Background()) })
	return entity.NewComponent(Domain, states, services), states, services
}

func TestResultIsOn(t *testing.T) {
	tests := []struct {
		in   any
		want bool
	}{
		{true, true},
		{false, false},
		{"true", true},
		{"On", true},
		{"off", false},
		{"yes", false},
		{float64(1), false},
		{nil, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, resultIsOn(tt.in), "%v", tt.in)
	}
}

func TestSwitch_TemplateStates(t *testing.T) {
	var result any = "on"
	var renderErr error
	sw := NewSwitch(Config{
		ObjectID:      "test_template_switch",
		ValueTemplate: "states('switch.test_state')",
		TurnOn:        runnerFunc(noop),
		TurnOff:       runnerFunc(noop),
	}, rendererFunc(func(string) (any, error) { return result, renderErr }), nil)

	assert.Equal(t, "switch.test_template_switch", sw.EntityID())
	assert.False(t, sw.AssumedState())

	assert.True(t, sw.Update(context.Background()))
	assert.Equal(t, core.StateOn, sw.State())

	result = false
	sw.Update(context.Background())
	assert.Equal(t, core.StateOff, sw.State())

	renderErr = errors.New("template exploded")
	sw.Update(context.Background())
	assert.Equal(t, core.StateUnavailable, sw.State())

	assert.NotContains(t, sw.Attributes(), core.AttrAssumedState)
	assert.Equal(t, "test_template_switch", sw.Attributes()[core.AttrFriendlyName])
}

func TestSwitch_TemplateSwitchDoesNotAssume(t *testing.T) {
	component, states, services := newComponent(t, nil)

	ran := 0
	sw := NewSwitch(Config{
		ObjectID:      "pump",
		ValueTemplate: "false",
		TurnOn:        runnerFunc(func(context.Context) error { ran++; return nil }),
		TurnOff:       runnerFunc(noop),
	}, rendererFunc(func(string) (any, error) { return false, nil }), nil)

	_, err := Setup(context.Background(), component, nil, []*Switch{sw})
	require.NoError(t, err)

	require.NoError(t, services.Call(context.Background(), Domain, core.ServiceTurnOn, map[string]any{"entity_id": "switch.pump"}, true))
	assert.Equal(t, 1, ran)
	assert.True(t, states.Is("switch.pump", core.StateOff))
}

func TestSwitch_AssumedStatePersists(t *testing.T) {
	restore := &memRestore{}
	component, states, services := newComponent(t, nil)

	sw := NewSwitch(Config{
		ObjectID:     "porch",
		FriendlyName: "Porch",
		UniqueID:     "porch-1",
		TurnOn:       runnerFunc(noop),
		TurnOff:      runnerFunc(noop),
	}, nil, restore)

	_, err := Setup(context.Background(), component, nil, []*Switch{sw})
	require.NoError(t, err)

	s, ok := states.Get("switch.porch")
	require.True(t, ok)
	assert.Equal(t, core.StateOff, s.State)
	assert.Equal(t, true, s.Attributes[core.AttrAssumedState])
	assert.Equal(t, "porch-1", s.Attributes[AttrUniqueID])

	require.NoError(t, services.Call(context.Background(), Domain, core.ServiceTurnOn, map[string]any{"entity_id": "switch.porch"}, true))
	assert.True(t, states.Is("switch.porch", core.StateOn))

	saved, err := restore.LastState("switch.porch")
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, core.StateOn, saved.State)

	// A fresh switch picks up the persisted state
	again := NewSwitch(Config{ObjectID: "porch", TurnOn: runnerFunc(noop), TurnOff: runnerFunc(noop)}, nil, restore)
	again.Restore()
	assert.Equal(t, core.StateOn, again.State())
}

func TestSwitch_ScriptFailureKeepsState(t *testing.T) {
	restore := &memRestore{}
	boom := errors.New("boom")
	sw := NewSwitch(Config{
		ObjectID: "broken",
		TurnOn:   runnerFunc(func(context.Context) error { return boom }),
		TurnOff:  runnerFunc(noop),
	}, nil, restore)

	assert.ErrorIs(t, sw.TurnOn(context.Background(), nil), boom)
	assert.Equal(t, core.StateOff, sw.State())
	assert.Empty(t, restore.states)
}

func TestPlatform_RerendersOnStateChange(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close(context.Background())

	component, states, _ := newComponent(t, bus)

	sw := NewSwitch(Config{
		ObjectID:      "mirror",
		ValueTemplate: "is_state('switch.source', 'on')",
		TurnOn:        runnerFunc(noop),
		TurnOff:       runnerFunc(noop),
	}, rendererFunc(func(string) (any, error) {
		return states.Is("switch.source", core.StateOn), nil
	}), nil)

	_, err := Setup(context.Background(), component, bus, []*Switch{sw})
	require.NoError(t, err)
	assert.True(t, states.Is("switch.mirror", core.StateOff))

	_, err = states.Set("switch.source", core.StateOn, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return states.Is("switch.mirror", core.StateOn)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPlatform_QuietPeriodCoalescesRenders(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close(context.Background())

	component, states, _ := newComponent(t, bus)

	var mu sync.Mutex
	renders := 0
	sw := NewSwitch(Config{
		ObjectID:      "mirror",
		ValueTemplate: "is_state('switch.source', 'on')",
		TurnOn:        runnerFunc(noop),
		TurnOff:       runnerFunc(noop),
	}, rendererFunc(func(string) (any, error) {
		mu.Lock()
		renders++
		mu.Unlock()
		return states.Is("switch.source", core.StateOn), nil
	}), nil)

	p, err := Setup(context.Background(), component, bus, []*Switch{sw}, WithQuietPeriod(100*time.Millisecond))
	require.NoError(t, err)
	defer p.Close()

	for i := 0; i < 5; i++ {
		_, err = states.Set("switch.source", core.StateOn, map[string]any{"step": i})
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		return states.Is("switch.mirror", core.StateOn)
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, renders)
}
