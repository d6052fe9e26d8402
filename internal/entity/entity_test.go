package entity

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/scened/internal/core"
)

type fakeSwitch struct {
	mu    sync.Mutex
	id    string
	on    bool
	calls []map[string]any
	err   error
}

func (f *fakeSwitch) EntityID() string { return f.id }

func (f *fakeSwitch) State() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.on {
		return core.StateOn
	}
	return core.StateOff
}

func (f *fakeSwitch) Attributes() map[string]any { return map[string]any{"friendly_name": f.id} }

func (f *fakeSwitch) TurnOn(_ context.Context, data map[string]any) error {
	return f.set(true, data)
}

func (f *fakeSwitch) TurnOff(_ context.Context, data map[string]any) error {
	return f.set(false, data)
}

func (f *fakeSwitch) set(on bool, data map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, data)
	if f.err != nil {
		return f.err
	}
	f.on = on
	return nil
}

type sensor struct{ id string }

func (s sensor) EntityID() string           { return s.id }
func (s sensor) State() string              { return "21.5" }
func (s sensor) Attributes() map[string]any { return nil }

func setup(t *testing.T) (*Component, *core.StateMachine, *core.ServiceRegistry) {
	t.Helper()
	states := core.NewStateMachine(nil)
	services := core.NewServiceRegistry(nil, nil, 0, 0)
	t.Cleanup(func() { services.Close(context.Background()) })
	return NewComponent("switch", states, services), states, services
}

func TestComponent_AddWritesState(t *testing.T) {
	c, states, services := setup(t)

	require.NoError(t, c.Add(&fakeSwitch{id: "switch.fan"}))
	assert.True(t, states.Is("switch.fan", core.StateOff))

	for _, svc := range []string{core.ServiceTurnOn, core.ServiceTurnOff, core.ServiceToggle} {
		assert.True(t, services.Has("switch", svc), svc)
	}
}

func TestComponent_AddRejectsForeignDomain(t *testing.T) {
	c, _, _ := setup(t)
	assert.Error(t, c.Add(&fakeSwitch{id: "light.fan"}))
	assert.Error(t, c.Add(&fakeSwitch{id: "nodot"}))
}

func TestComponent_ServicesRouteToTargets(t *testing.T) {
	c, states, services := setup(t)
	fan := &fakeSwitch{id: "switch.fan"}
	heater := &fakeSwitch{id: "switch.heater"}
	require.NoError(t, c.Add(fan))
	require.NoError(t, c.Add(heater))

	ctx := context.Background()
	err := services.Call(ctx, "switch", core.ServiceTurnOn, map[string]any{
		"entity_id": []string{"switch.fan"},
		"speed":     2,
	}, true)
	require.NoError(t, err)

	assert.True(t, states.Is("switch.fan", core.StateOn))
	assert.True(t, states.Is("switch.heater", core.StateOff))
	require.Len(t, fan.calls, 1)
	assert.Equal(t, map[string]any{"speed": 2}, fan.calls[0])
}

func TestComponent_AllTargets(t *testing.T) {
	c, states, services := setup(t)
	require.NoError(t, c.Add(&fakeSwitch{id: "switch.a"}))
	require.NoError(t, c.Add(&fakeSwitch{id: "switch.b"}))

	ctx := context.Background()
	require.NoError(t, services.Call(ctx, "switch", core.ServiceTurnOn, nil, true))
	assert.True(t, states.Is("switch.a", core.StateOn))
	assert.True(t, states.Is("switch.b", core.StateOn))

	require.NoError(t, services.Call(ctx, "switch", core.ServiceTurnOff, map[string]any{"entity_id": "all"}, true))
	assert.True(t, states.Is("switch.a", core.StateOff))
	assert.True(t, states.Is("switch.b", core.StateOff))
}

func TestComponent_Toggle(t *testing.T) {
	c, states, services := setup(t)
	fan := &fakeSwitch{id: "switch.fan", on: true}
	require.NoError(t, c.Add(fan))

	ctx := context.Background()
	data := map[string]any{"entity_id": "switch.fan"}
	require.NoError(t, services.Call(ctx, "switch", core.ServiceToggle, data, true))
	assert.True(t, states.Is("switch.fan", core.StateOff))

	require.NoError(t, services.Call(ctx, "switch", core.ServiceToggle, data, true))
	assert.True(t, states.Is("switch.fan", core.StateOn))
}

func TestComponent_ErrorsAreJoined(t *testing.T) {
	c, _, services := setup(t)
	boom := errors.New("boom")
	require.NoError(t, c.Add(&fakeSwitch{id: "switch.broken", err: boom}))
	require.NoError(t, c.Add(&fakeSwitch{id: "switch.ok"}))

	err := services.Call(context.Background(), "switch", core.ServiceTurnOn, nil, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "switch.broken")
}

func TestComponent_SkipsUnsupportedAndUnknown(t *testing.T) {
	states := core.NewStateMachine(nil)
	services := core.NewServiceRegistry(nil, nil, 0, 0)
	defer services.Close(context.Background())

	c := NewComponent("sensor", states, services)
	require.NoError(t, c.Add(sensor{id: "sensor.temp"}))

	err := services.Call(context.Background(), "sensor", core.ServiceTurnOn, map[string]any{
		"entity_id": []string{"sensor.temp", "sensor.ghost"},
	}, true)
	assert.NoError(t, err)
	assert.True(t, states.Is("sensor.temp", "21.5"))
}

func TestComponent_RemoveAndOrder(t *testing.T) {
	c, states, _ := setup(t)
	for _, id := range []string{"switch.c", "switch.a", "switch.b"} {
		require.NoError(t, c.Add(&fakeSwitch{id: id}))
	}

	c.Remove("switch.a")

	var ids []string
	for _, e := range c.Entities() {
		ids = append(ids, e.EntityID())
	}
	assert.Equal(t, []string{"switch.c", "switch.b"}, ids)

	_, ok := states.Get("switch.a")
	assert.False(t, ok)
}
